package partition

import (
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"txstore/internal/membership"
)

// Wildcard is the digit placeholder in keyspace templates.
const Wildcard = '#'

var (
	// ErrMalformedTemplate is returned for templates without a wildcard run.
	ErrMalformedTemplate = errors.New("partition: malformed keyspace template")
	// ErrUnsupportedDistribution is returned for declared but unimplemented distributions.
	ErrUnsupportedDistribution = errors.New("partition: distribution not supported")
	// ErrNotAssigned is returned by Resolve before any template is assigned.
	ErrNotAssigned = errors.New("partition: no keyspace assigned")
)

// Distribution selects how rootkeys are spread over a keyspace.
type Distribution int

const (
	Uniform Distribution = iota
	Normal
	Zipf
)

// String returns the string representation of Distribution.
func (d Distribution) String() string {
	switch d {
	case Uniform:
		return "UNIFORM"
	case Normal:
		return "NORMAL"
	case Zipf:
		return "ZIPF"
	default:
		return "UNKNOWN"
	}
}

// ParseDistribution parses a distribution name, case-insensitively.
func ParseDistribution(s string) (Distribution, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UNIFORM":
		return Uniform, nil
	case "NORMAL":
		return Normal, nil
	case "ZIPF":
		return Zipf, nil
	default:
		return 0, errors.Errorf("partition: unknown distribution %q", s)
	}
}

// Rootkey is a representative key permanently owned by one group.
type Rootkey struct {
	Key      string
	Group    string
	Template string
	value    *big.Int
}

type keyspace struct {
	template string
	pattern  *regexp.Regexp
	rootkeys []Rootkey // ascending by value
}

// Partitioner resolves keys to groups. Assignment happens once at start-up;
// afterwards the partitioner is read-only.
type Partitioner struct {
	mu        sync.RWMutex
	view      membership.View
	keyspaces []*keyspace
}

// New creates a partitioner over the groups of view.
func New(view membership.View) *Partitioner {
	return &Partitioner{view: view}
}

// Assign splits template into one rootkey per group in membership
// enumeration order.
func (p *Partitioner) Assign(template string, dist Distribution) error {
	width, err := wildcardWidth(template)
	if err != nil {
		return err
	}
	switch dist {
	case Uniform:
	case Normal, Zipf:
		return errors.Wrapf(ErrUnsupportedDistribution, "%s for %q", dist, template)
	default:
		return errors.Wrapf(ErrUnsupportedDistribution, "distribution %d", int(dist))
	}

	groups := p.view.Groups()
	if len(groups) == 0 {
		return errors.New("partition: no groups to assign")
	}
	span := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(width)), nil)
	ngroups := big.NewInt(int64(len(groups)))
	if span.Cmp(ngroups) < 0 {
		return errors.Errorf("partition: template %q has %s keys for %d groups", template, span, len(groups))
	}

	ks := &keyspace{
		template: template,
		pattern:  compileTemplate(template),
		rootkeys: make([]Rootkey, 0, len(groups)),
	}
	for i, g := range groups {
		n := new(big.Int).Mul(big.NewInt(int64(i)), span)
		n.Div(n, ngroups)
		key := substitute(template, width, n)
		ks.rootkeys = append(ks.rootkeys, Rootkey{
			Key:      key,
			Group:    g.Name,
			Template: template,
			value:    keyValue(key),
		})
	}
	sort.SliceStable(ks.rootkeys, func(i, j int) bool {
		return ks.rootkeys[i].value.Cmp(ks.rootkeys[j].value) < 0
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.keyspaces {
		if existing.template == template {
			return errors.Errorf("partition: template %q already assigned", template)
		}
	}
	p.keyspaces = append(p.keyspaces, ks)
	return nil
}

// Resolve returns the name of the group owning key.
func (p *Partitioner) Resolve(key string) (string, error) {
	rk, err := p.resolve(key)
	if err != nil {
		return "", err
	}
	return rk.Group, nil
}

// Owner returns the group owning key.
func (p *Partitioner) Owner(key string) (membership.Group, error) {
	name, err := p.Resolve(key)
	if err != nil {
		return membership.Group{}, err
	}
	g, ok := p.view.Group(name)
	if !ok {
		return membership.Group{}, errors.Errorf("partition: group %q not in membership", name)
	}
	return g, nil
}

func (p *Partitioner) resolve(key string) (Rootkey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.keyspaces) == 0 {
		return Rootkey{}, ErrNotAssigned
	}
	kv := keyValue(key)

	for _, ks := range p.keyspaces {
		if ks.pattern.MatchString(key) {
			return ks.floor(kv), nil
		}
	}

	var (
		best     Rootkey
		bestDist *big.Int
		dist     = new(big.Int)
	)
	for _, ks := range p.keyspaces {
		for _, rk := range ks.rootkeys {
			dist.Sub(kv, rk.value)
			dist.Abs(dist)
			if bestDist == nil || dist.Cmp(bestDist) < 0 {
				best = rk
				bestDist = new(big.Int).Set(dist)
			}
		}
	}
	return best, nil
}

// floor returns the greatest rootkey not above v, or the smallest rootkey
// when v is below all of them.
func (ks *keyspace) floor(v *big.Int) Rootkey {
	idx := sort.Search(len(ks.rootkeys), func(i int) bool {
		return ks.rootkeys[i].value.Cmp(v) > 0
	})
	if idx == 0 {
		return ks.rootkeys[0]
	}
	return ks.rootkeys[idx-1]
}

// ResolveNames returns the sorted, de-duplicated owning groups of keys.
func (p *Partitioner) ResolveNames(keys []string) ([]string, error) {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, k := range keys {
		g, err := p.Resolve(k)
		if err != nil {
			return nil, err
		}
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsLocal reports whether key is owned by one of the local replica's groups.
func (p *Partitioner) IsLocal(key string) bool {
	g, err := p.Resolve(key)
	if err != nil {
		return false
	}
	for _, mine := range p.view.MyGroups() {
		if mine == g {
			return true
		}
	}
	return false
}

// Rootkeys lists every rootkey in resolution order.
func (p *Partitioner) Rootkeys() []Rootkey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Rootkey
	for _, ks := range p.keyspaces {
		out = append(out, ks.rootkeys...)
	}
	return out
}

// Templates returns the assigned templates in assignment order.
func (p *Partitioner) Templates() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.keyspaces))
	for _, ks := range p.keyspaces {
		out = append(out, ks.template)
	}
	return out
}

func wildcardWidth(template string) (int, error) {
	if template == "" {
		return 0, errors.Wrap(ErrMalformedTemplate, "empty template")
	}
	width := strings.Count(template, string(Wildcard))
	if width == 0 {
		return 0, errors.Wrapf(ErrMalformedTemplate, "%q has no %q run", template, Wildcard)
	}
	return width, nil
}

func compileTemplate(template string) *regexp.Regexp {
	parts := strings.Split(template, string(Wildcard))
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("^" + strings.Join(parts, "[0-9]") + "$")
}

// substitute writes the zero-padded digits of n into the wildcard positions.
func substitute(template string, width int, n *big.Int) string {
	digits := n.String()
	if len(digits) < width {
		digits = strings.Repeat("0", width-len(digits)) + digits
	}
	var b strings.Builder
	i := 0
	for _, c := range template {
		if c == Wildcard {
			b.WriteByte(digits[i])
			i++
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func keyValue(key string) *big.Int {
	return new(big.Int).SetBytes([]byte(key))
}
