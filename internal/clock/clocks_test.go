package clock

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owners map[string]string

func (o owners) Resolve(key string) (string, error) {
	g, ok := o[key]
	if !ok {
		return "", errors.Errorf("no owner for %q", key)
	}
	return g, nil
}

func TestClocks_IndependentPerGroup(t *testing.T) {
	c := NewClocks([]string{"B", "A", "B"}, owners{"a": "A", "b": "B", "x": "X"})
	require.Equal(t, []string{"A", "B"}, c.Groups())

	seqA, ok := c.Sequencer("A")
	require.True(t, ok)
	seqB, ok := c.Sequencer("B")
	require.True(t, ok)

	seqB.Next()
	seqB.Next()
	assert.Equal(t, Version(1), seqA.Next(), "deliveries of B do not advance A")
	assert.Equal(t, 3, c.InFlight())
	assert.Equal(t, map[string]Version{"A": 1, "B": 2}, c.Last())

	assert.Same(t, c.ModelFor("a").Sequencer(), seqA)
	assert.Same(t, c.ModelFor("b").Sequencer(), seqB)
	assert.Nil(t, c.ModelFor("x"), "owner is not local")
	assert.Nil(t, c.ModelFor("unknown"))

	_, ok = c.Sequencer("X")
	assert.False(t, ok)
}
