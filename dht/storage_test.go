package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoragePutGet(t *testing.T) {
	s := NewStorage()

	s.Put("k", StringValue("v"))
	value, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", value.String())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestTombstoneDetection(t *testing.T) {
	s := NewStorage()
	s.Put("k", StringValue(Tombstone))

	value, ok := s.Get("k")
	require.True(t, ok)
	assert.True(t, value.IsTombstone())
}

func TestValueJSONDecode(t *testing.T) {
	value, err := JSONValue(map[string]int{"a": 1})
	require.NoError(t, err)

	var decoded map[string]int
	ok, err := value.Decode(&decoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, decoded["a"])

	// A raw string is not JSON; Decode declines without error.
	raw := StringValue("not json")
	ok, err = raw.Decode(&decoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageExpiry(t *testing.T) {
	s := NewStorage()
	s.Put("old", StringValue("v"))
	time.Sleep(15 * time.Millisecond)
	s.Put("new", StringValue("v"))

	removed := s.ExpireOlderThan(10 * time.Millisecond)
	assert.Equal(t, 1, removed)

	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("new")
	assert.True(t, ok)
}
