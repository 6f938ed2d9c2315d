package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Peer
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []Peer{},
		},
		{
			name:  "single peer",
			input: "r1=127.0.0.1:50051",
			want: []Peer{
				{ID: "r1", Addr: "127.0.0.1:50051"},
			},
		},
		{
			name:  "multiple peers",
			input: "r1=127.0.0.1:50051,r2=127.0.0.1:50052,r3=127.0.0.1:50053",
			want: []Peer{
				{ID: "r1", Addr: "127.0.0.1:50051"},
				{ID: "r2", Addr: "127.0.0.1:50052"},
				{ID: "r3", Addr: "127.0.0.1:50053"},
			},
		},
		{
			name:  "with spaces",
			input: "r1 = 127.0.0.1:50051 , r2 = 127.0.0.1:50052",
			want: []Peer{
				{ID: "r1", Addr: "127.0.0.1:50051"},
				{ID: "r2", Addr: "127.0.0.1:50052"},
			},
		},
		{
			name:    "invalid format - no equals",
			input:   "r1:127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty ID",
			input:   "=127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty addr",
			input:   "r1=",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePeers() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Errorf("ParsePeers() length = %d, want %d", len(got), len(tt.want))
					return
				}
				for i := range got {
					if got[i].ID != tt.want[i].ID || got[i].Addr != tt.want[i].Addr {
						t.Errorf("ParsePeers()[%d] = %v, want %v", i, got[i], tt.want[i])
					}
				}
			}
		})
	}
}

func TestParseGroups(t *testing.T) {
	groups, err := ParseGroups("g0=r1,r2; g1 = r3 ;")
	require.NoError(t, err)
	assert.Equal(t, []GroupConfig{
		{Name: "g0", Replicas: []string{"r1", "r2"}},
		{Name: "g1", Replicas: []string{"r3"}},
	}, groups)

	for _, bad := range []string{"g0", "=r1", "g0=,"} {
		_, err := ParseGroups(bad)
		assert.Error(t, err, bad)
	}
}

const clusterYAML = `
replica:
  id: r2
  listen: 127.0.0.1:7002
groups:
  - name: g0
    replicas: [r1, r2]
  - name: g1
    replicas: [r3]
peers:
  - {id: r1, addr: "127.0.0.1:7001"}
  - {id: r3, addr: "127.0.0.1:7003"}
keyspaces:
  - template: "user####"
    distribution: uniform
termination:
  vote_read_set: true
  vote_timeout: 3s
log:
  level: debug
  json: true
`

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(clusterYAML))
	require.NoError(t, err)

	assert.Equal(t, "r2", cfg.Replica.ID)
	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, []string{"r1", "r2"}, cfg.Groups[0].Replicas)
	require.Len(t, cfg.Keyspaces, 1)
	assert.Equal(t, "user####", cfg.Keyspaces[0].Template)
	assert.True(t, cfg.Termination.VoteReadSet)
	assert.Equal(t, 3*time.Second, cfg.Termination.VoteTimeout)
	// untouched values keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Termination.CertifyTimeout)
	assert.Equal(t, BroadcastRaft, cfg.Broadcast.Mode)
	assert.True(t, cfg.Log.JSON)

	assert.Equal(t, map[string]string{
		"r1": "127.0.0.1:7001",
		"r2": "127.0.0.1:7002",
		"r3": "127.0.0.1:7003",
	}, cfg.PeerAddrs())

	roster := cfg.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, "g1", roster[1].Name)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(clusterYAML), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "r2", cfg.Replica.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no replica id", func(c *Config) { c.Replica.ID = "" }},
		{"no groups", func(c *Config) { c.Groups = nil }},
		{"duplicate group", func(c *Config) { c.Groups = append(c.Groups, c.Groups[0]) }},
		{"replica without address", func(c *Config) {
			c.Groups = append(c.Groups, GroupConfig{Name: "g1", Replicas: []string{"r9"}})
		}},
		{"no keyspaces", func(c *Config) { c.Keyspaces = nil }},
		{"template without wildcard", func(c *Config) { c.Keyspaces[0].Template = "plain" }},
		{"bad distribution", func(c *Config) { c.Keyspaces[0].Distribution = "pareto" }},
		{"zero vote timeout", func(c *Config) { c.Termination.VoteTimeout = 0 }},
		{"zero retries", func(c *Config) { c.Store.MaxVisibilityRetries = 0 }},
		{"bad broadcast mode", func(c *Config) { c.Broadcast.Mode = "paxos" }},
		{"election tick too small", func(c *Config) { c.Broadcast.ElectionTick = 1 }},
		{"zookeeper without servers", func(c *Config) { c.Membership.Mode = MembershipZooKeeper }},
		{"bad membership mode", func(c *Config) { c.Membership.Mode = "gossip" }},
		{"zero probe interval", func(c *Config) { c.Membership.ProbeInterval = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"persistence without path", func(c *Config) {
			c.Persistence.Enabled = true
			c.Persistence.Path = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
