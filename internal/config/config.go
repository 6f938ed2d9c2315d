package config

import (
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"

	"txstore/internal/membership"
	"txstore/internal/partition"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Membership modes.
const (
	MembershipStatic    = "static"
	MembershipZooKeeper = "zookeeper"
)

// Broadcast modes.
const (
	BroadcastRaft  = "raft"
	BroadcastLocal = "local"
)

// Peer represents a peer replica in the cluster.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config holds the replica configuration.
type Config struct {
	Replica     ReplicaConfig     `yaml:"replica"`
	Groups      []GroupConfig     `yaml:"groups"`
	Peers       []Peer            `yaml:"peers"`
	Keyspaces   []KeyspaceConfig  `yaml:"keyspaces"`
	Termination TerminationConfig `yaml:"termination"`
	Store       StoreConfig       `yaml:"store"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Membership  MembershipConfig  `yaml:"membership"`
	Log         LogConfig         `yaml:"log"`
	Persistence PersistenceConfig `yaml:"persistence"`
	HTTP        HTTPConfig        `yaml:"http"`
}

type ReplicaConfig struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
}

type GroupConfig struct {
	Name     string   `yaml:"name"`
	Replicas []string `yaml:"replicas"`
}

// KeyspaceConfig assigns one key template to all groups.
type KeyspaceConfig struct {
	Template     string `yaml:"template"`
	Distribution string `yaml:"distribution"`
}

type TerminationConfig struct {
	VoteReadSet        bool          `yaml:"vote_read_set"`
	VoteTimeout        time.Duration `yaml:"vote_timeout"`
	CertifyTimeout     time.Duration `yaml:"certify_timeout"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	TerminatedCapacity int           `yaml:"terminated_capacity"`
}

type StoreConfig struct {
	MaxVisibilityRetries int           `yaml:"max_visibility_retries"`
	RetryWait            time.Duration `yaml:"retry_wait"`
	// LazyInit creates version-0 entries for unknown local keys on read.
	LazyInit bool `yaml:"lazy_init"`
}

type BroadcastConfig struct {
	Mode          string        `yaml:"mode"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	ElectionTick  int           `yaml:"election_tick"`
	HeartbeatTick int           `yaml:"heartbeat_tick"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type MembershipConfig struct {
	Mode           string        `yaml:"mode"`
	ZKServers      []string      `yaml:"zk_servers"`
	ZKRoot         string        `yaml:"zk_root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// ProbeInterval and SuspectTimeout drive failure detection in the
	// static mode.
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SuspectTimeout time.Duration `yaml:"suspect_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HTTPConfig struct {
	Listen            string        `yaml:"listen"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a single-replica development config.
func Default() Config {
	return Config{
		Replica: ReplicaConfig{ID: "r1", Listen: "127.0.0.1:7001"},
		Groups:  []GroupConfig{{Name: "g0", Replicas: []string{"r1"}}},
		Peers:   []Peer{{ID: "r1", Addr: "127.0.0.1:7001"}},
		Keyspaces: []KeyspaceConfig{
			{Template: "k###", Distribution: partition.Uniform.String()},
		},
		Termination: TerminationConfig{
			VoteTimeout:        10 * time.Second,
			CertifyTimeout:     5 * time.Second,
			SendTimeout:        2 * time.Second,
			TerminatedCapacity: 100000,
		},
		Store: StoreConfig{
			MaxVisibilityRetries: 64,
			RetryWait:            50 * time.Millisecond,
			LazyInit:             true,
		},
		Broadcast: BroadcastConfig{
			Mode:          BroadcastRaft,
			TickInterval:  50 * time.Millisecond,
			ElectionTick:  10,
			HeartbeatTick: 1,
			RetryInterval: time.Second,
		},
		Membership: MembershipConfig{
			Mode:           MembershipStatic,
			ZKRoot:         "/txstore",
			SessionTimeout: 5 * time.Second,
			ProbeInterval:  time.Second,
			SuspectTimeout: 3 * time.Second,
		},
		Log:         LogConfig{Level: "info"},
		Persistence: PersistenceConfig{Path: "./data/txstore.snap"},
		HTTP: HTTPConfig{
			Listen:            "127.0.0.1:8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// lists replace the defaults instead of merging with them
	cfg.Groups, cfg.Peers, cfg.Keyspaces = nil, nil, nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	if c.Replica.ID == "" {
		return invalid("replica.id is required")
	}
	if len(c.Groups) == 0 {
		return invalid("at least one group is required")
	}
	if _, err := membership.NewStatic(c.Replica.ID, c.Roster()); err != nil {
		return invalid("groups: %v", err)
	}
	if c.Broadcast.Mode == BroadcastRaft {
		addrs := c.PeerAddrs()
		for _, g := range c.Groups {
			for _, r := range g.Replicas {
				if _, ok := addrs[r]; !ok {
					return invalid("no peer address for replica %q of group %q", r, g.Name)
				}
			}
		}
	}
	if len(c.Keyspaces) == 0 {
		return invalid("at least one keyspace is required")
	}
	for _, ks := range c.Keyspaces {
		if !strings.ContainsRune(ks.Template, partition.Wildcard) {
			return invalid("keyspace template %q has no %q", ks.Template, partition.Wildcard)
		}
		if _, err := partition.ParseDistribution(ks.Distribution); err != nil {
			return invalid("keyspace %q: %v", ks.Template, err)
		}
	}
	t := c.Termination
	if t.VoteTimeout <= 0 || t.CertifyTimeout <= 0 || t.SendTimeout <= 0 {
		return invalid("termination timeouts must be positive")
	}
	if c.Store.MaxVisibilityRetries <= 0 {
		return invalid("store.max_visibility_retries must be positive")
	}
	switch c.Broadcast.Mode {
	case BroadcastRaft:
		if c.Broadcast.TickInterval <= 0 || c.Broadcast.HeartbeatTick <= 0 ||
			c.Broadcast.ElectionTick <= c.Broadcast.HeartbeatTick {
			return invalid("broadcast: election_tick must exceed heartbeat_tick and ticks must be positive")
		}
	case BroadcastLocal:
	default:
		return invalid("unknown broadcast.mode %q", c.Broadcast.Mode)
	}
	switch c.Membership.Mode {
	case MembershipStatic:
		if c.Membership.ProbeInterval <= 0 || c.Membership.SuspectTimeout <= 0 {
			return invalid("membership probe_interval and suspect_timeout must be positive")
		}
	case MembershipZooKeeper:
		if len(c.Membership.ZKServers) == 0 {
			return invalid("membership.zk_servers is required in zookeeper mode")
		}
	default:
		return invalid("unknown membership.mode %q", c.Membership.Mode)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		return invalid("persistence.path is required when persistence is enabled")
	}
	return nil
}

// Roster converts the group section into membership groups.
func (c *Config) Roster() []membership.Group {
	groups := make([]membership.Group, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, membership.Group{Name: g.Name, Replicas: append([]string(nil), g.Replicas...)})
	}
	return groups
}

// PeerAddrs maps replica IDs to gRPC addresses, self included.
func (c *Config) PeerAddrs() map[string]string {
	addrs := make(map[string]string, len(c.Peers)+1)
	for _, p := range c.Peers {
		addrs[p.ID] = p.Addr
	}
	if c.Replica.Listen != "" {
		addrs[c.Replica.ID] = c.Replica.Listen
	}
	return addrs
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, errors.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// ParseGroups parses a semicolon-separated list of groups in the format:
// "g0=r1,r2;g1=r3"
func ParseGroups(groupsStr string) ([]GroupConfig, error) {
	groups := make([]GroupConfig, 0)
	for _, part := range strings.Split(groupsStr, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid group format: %s (expected name=r1,r2)", part)
		}
		name := strings.TrimSpace(kv[0])
		if name == "" {
			return nil, errors.Errorf("group name cannot be empty: %s", part)
		}
		g := GroupConfig{Name: name}
		for _, r := range strings.Split(kv[1], ",") {
			if r = strings.TrimSpace(r); r != "" {
				g.Replicas = append(g.Replicas, r)
			}
		}
		if len(g.Replicas) == 0 {
			return nil, errors.Errorf("group %s has no replicas", name)
		}
		groups = append(groups, g)
	}
	return groups, nil
}
