package txn

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txstore/internal/clock"
)

func TestRecord_FirstReadWins(t *testing.T) {
	r := NewRecord("r1", Normal)
	r.AddRead("a", 3)
	r.AddRead("a", 5)

	v, ok := r.Observed("a")
	require.True(t, ok)
	assert.Equal(t, clock.Version(3), v)
	assert.Len(t, r.ReadSet, 1)
}

func TestRecord_CreatedKeysObservedAtZero(t *testing.T) {
	r := NewRecord("r1", Normal)
	r.AddCreate("new", []byte("x"))

	v, ok := r.Observed("new")
	require.True(t, ok)
	assert.Equal(t, clock.Version(0), v)

	_, ok = r.Observed("other")
	assert.False(t, ok)
}

func TestRecord_UpdatesMergeCreatesIntoWrites(t *testing.T) {
	r := NewRecord("r1", Normal)
	r.AddWrite("b", []byte("1"))
	r.AddWrite("b", []byte("2"))
	r.AddCreate("a", []byte("c"))
	r.AddCreate("b", []byte("ignored"))

	updates := r.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, Entity{Key: "b", Value: []byte("2")}, updates[0])
	assert.Equal(t, []string{"a", "b"}, r.WriteKeys())
}

func TestRecord_Validate(t *testing.T) {
	ro := NewRecord("r1", ReadOnly)
	ro.AddRead("k", 1)
	assert.NoError(t, ro.Validate())

	ro.AddWrite("k", nil)
	assert.Error(t, ro.Validate())

	bad := NewRecord("r1", Type(9))
	assert.Error(t, bad.Validate())

	nilHandler := &Record{Handler: uuid.Nil}
	assert.Error(t, nilHandler.Validate())
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "READ_ONLY", ReadOnly.String())
	assert.Equal(t, "INIT", Init.String())
	assert.Equal(t, "NORMAL", Normal.String())
	assert.Equal(t, "COMMITTED", Committed.String())
	assert.Equal(t, "ABORTED", Aborted.String())
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := NewRecord("r1", Normal)
	r.AddRead("a", 1)
	r.AddWrite("a", []byte("v"))

	c := r.Clone()
	c.WriteSet[0].Value[0] = 'x'
	c.AddRead("b", 2)

	assert.Equal(t, "v", string(r.WriteSet[0].Value))
	assert.Len(t, r.ReadSet, 1)
	assert.Equal(t, r.Handler, c.Handler)
}
