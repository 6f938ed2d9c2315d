package membership

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Group is a named set of replicas that store the same partition.
type Group struct {
	Name     string
	Replicas []string
}

// Contains reports whether replica is a member of the group.
func (g Group) Contains(replica string) bool {
	for _, r := range g.Replicas {
		if r == replica {
			return true
		}
	}
	return false
}

// View is the membership information a replica needs.
type View interface {
	// Self returns the local replica ID.
	Self() string
	// Groups returns every group in enumeration order.
	Groups() []Group
	// Group looks a group up by name.
	Group(name string) (Group, bool)
	// MyGroups returns the names of the groups the local replica belongs to.
	MyGroups() []string
	// Alive reports whether replica is believed to be up.
	Alive(replica string) bool
}

// Static is a View over a fixed roster in which every replica is alive.
type Static struct {
	self   string
	groups []Group
	byName map[string]int
	mine   []string
}

// NewStatic validates the roster and builds a static view.
func NewStatic(self string, groups []Group) (*Static, error) {
	if self == "" {
		return nil, errors.New("membership: empty replica id")
	}
	if len(groups) == 0 {
		return nil, errors.New("membership: no groups")
	}
	s := &Static{
		self:   self,
		groups: make([]Group, 0, len(groups)),
		byName: make(map[string]int, len(groups)),
	}
	for _, g := range groups {
		if g.Name == "" {
			return nil, errors.New("membership: group with empty name")
		}
		if _, dup := s.byName[g.Name]; dup {
			return nil, errors.Errorf("membership: duplicate group %q", g.Name)
		}
		if len(g.Replicas) == 0 {
			return nil, errors.Errorf("membership: group %q has no replicas", g.Name)
		}
		replicas := append([]string(nil), g.Replicas...)
		s.byName[g.Name] = len(s.groups)
		s.groups = append(s.groups, Group{Name: g.Name, Replicas: replicas})
		if g.Contains(self) {
			s.mine = append(s.mine, g.Name)
		}
	}
	return s, nil
}

// Self returns the local replica ID.
func (s *Static) Self() string { return s.self }

// Groups returns a copy of the roster.
func (s *Static) Groups() []Group {
	out := make([]Group, len(s.groups))
	copy(out, s.groups)
	return out
}

// Group looks a group up by name.
func (s *Static) Group(name string) (Group, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Group{}, false
	}
	return s.groups[i], true
}

// MyGroups returns the local replica's groups.
func (s *Static) MyGroups() []string {
	return append([]string(nil), s.mine...)
}

// Alive always reports true.
func (s *Static) Alive(string) bool { return true }

// Replicas returns every distinct replica of the named groups, sorted.
func Replicas(v View, groups []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range groups {
		g, ok := v.Group(name)
		if !ok {
			continue
		}
		for _, r := range g.Replicas {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	sort.Strings(out)
	return out
}

// AllReplicas returns every distinct replica in the roster, sorted.
func AllReplicas(v View) []string {
	names := make([]string, 0)
	for _, g := range v.Groups() {
		names = append(names, g.Name)
	}
	return Replicas(v, names)
}

// liveSet is a mutable set of alive replicas.
type liveSet struct {
	mu    sync.RWMutex
	alive map[string]bool
}

func (l *liveSet) replace(replicas []string) {
	m := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		m[r] = true
	}
	l.mu.Lock()
	l.alive = m
	l.mu.Unlock()
}

func (l *liveSet) contains(replica string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.alive[replica]
}
