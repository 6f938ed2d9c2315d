package clock

import "sort"

// Locator maps a key to the name of its owner group.
type Locator interface {
	Resolve(key string) (string, error)
}

// Clocks keeps one sequencer and model per local group. Every replica of a
// group receives the deliveries addressed to that group in the same order,
// so numbering them per group gives every replica of the group the same
// versions, even when a replica also belongs to other groups.
type Clocks struct {
	locate Locator
	groups []string
	models map[string]*Model
}

// NewClocks creates a sequencer for each of groups. Keys are mapped to
// groups with locate.
func NewClocks(groups []string, locate Locator) *Clocks {
	c := &Clocks{
		locate: locate,
		models: make(map[string]*Model, len(groups)),
	}
	for _, g := range groups {
		if _, dup := c.models[g]; dup {
			continue
		}
		c.groups = append(c.groups, g)
		c.models[g] = NewModel(NewSequencer())
	}
	sort.Strings(c.groups)
	return c
}

// Groups returns the local groups in sorted order.
func (c *Clocks) Groups() []string {
	return append([]string(nil), c.groups...)
}

// Sequencer returns the sequencer of group.
func (c *Clocks) Sequencer(group string) (*Sequencer, bool) {
	m, ok := c.models[group]
	if !ok {
		return nil, false
	}
	return m.seq, true
}

// ModelFor returns the model of key's owner group, or nil when the key
// cannot be resolved or its owner is not a local group.
func (c *Clocks) ModelFor(key string) *Model {
	group, err := c.locate.Resolve(key)
	if err != nil {
		return nil
	}
	return c.models[group]
}

// Last returns the last version handed out in each group.
func (c *Clocks) Last() map[string]Version {
	out := make(map[string]Version, len(c.models))
	for g, m := range c.models {
		out[g] = m.seq.Last()
	}
	return out
}

// InFlight returns the number of reserved versions across all groups.
func (c *Clocks) InFlight() int {
	n := 0
	for _, m := range c.models {
		n += m.seq.InFlight()
	}
	return n
}
