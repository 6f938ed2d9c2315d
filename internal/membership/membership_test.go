package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGroups() []Group {
	return []Group{
		{Name: "g0", Replicas: []string{"r1", "r2"}},
		{Name: "g1", Replicas: []string{"r2", "r3"}},
		{Name: "g2", Replicas: []string{"r4"}},
	}
}

func TestStatic_MyGroups(t *testing.T) {
	v, err := NewStatic("r2", testGroups())
	require.NoError(t, err)

	assert.Equal(t, "r2", v.Self())
	assert.Equal(t, []string{"g0", "g1"}, v.MyGroups())
	assert.True(t, v.Alive("anything"))

	g, ok := v.Group("g1")
	require.True(t, ok)
	assert.True(t, g.Contains("r3"))
	assert.False(t, g.Contains("r1"))

	_, ok = v.Group("nope")
	assert.False(t, ok)
}

func TestStatic_GroupsKeepsEnumerationOrder(t *testing.T) {
	v, err := NewStatic("r1", testGroups())
	require.NoError(t, err)

	var names []string
	for _, g := range v.Groups() {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"g0", "g1", "g2"}, names)
}

func TestStatic_Validation(t *testing.T) {
	tests := []struct {
		name   string
		self   string
		groups []Group
	}{
		{"empty self", "", testGroups()},
		{"no groups", "r1", nil},
		{"empty name", "r1", []Group{{Replicas: []string{"r1"}}}},
		{"duplicate", "r1", []Group{{Name: "g", Replicas: []string{"r1"}}, {Name: "g", Replicas: []string{"r2"}}}},
		{"no replicas", "r1", []Group{{Name: "g"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStatic(tt.self, tt.groups)
			assert.Error(t, err)
		})
	}
}

func TestReplicas_Dedup(t *testing.T) {
	v, err := NewStatic("r1", testGroups())
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2", "r3"}, Replicas(v, []string{"g1", "g0", "missing"}))
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, AllReplicas(v))
}
