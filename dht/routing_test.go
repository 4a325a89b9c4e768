package dht

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContact(i int) Contact {
	return Contact{ID: NewRandomNodeID(), Address: "127.0.0.1", Port: 7000 + i}
}

func TestRoutingTableAddAndFind(t *testing.T) {
	self := NewRandomNodeID()
	rt := NewRoutingTable(self, 20)

	var added []Contact
	for i := 0; i < 30; i++ {
		c := testContact(i)
		require.True(t, rt.AddContact(c))
		added = append(added, c)
	}
	assert.Equal(t, 30, rt.TotalContacts())

	closest := rt.FindClosest(added[0].ID, 5)
	require.NotEmpty(t, closest)
	assert.Equal(t, added[0].ID, closest[0].ID, "a present ID is its own closest match")
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	self := NewRandomNodeID()
	rt := NewRoutingTable(self, 20)
	assert.False(t, rt.AddContact(Contact{ID: self}))
	assert.Equal(t, 0, rt.TotalContacts())
}

func TestRoutingTableRemoveContact(t *testing.T) {
	rt := NewRoutingTable(NewRandomNodeID(), 20)
	c := testContact(1)
	require.True(t, rt.AddContact(c))

	assert.True(t, rt.RemoveContact(c.ID))
	assert.False(t, rt.RemoveContact(c.ID))
	assert.Equal(t, 0, rt.TotalContacts())
}

func TestRoutingTableUpdateMovesToTail(t *testing.T) {
	rt := NewRoutingTable(NewRandomNodeID(), 20)
	c := testContact(1)
	require.True(t, rt.AddContact(c))
	require.True(t, rt.AddContact(c))
	assert.Equal(t, 1, rt.TotalContacts())
}

func TestTableInfoEmpty(t *testing.T) {
	rt := NewRoutingTable(NewRandomNodeID(), 20)
	info := rt.Info()
	assert.Equal(t, 0, info.TotalNodes)
	assert.Equal(t, 0, info.ActiveBuckets)
	assert.False(t, info.Health.WellDistributed)
}

func TestTableInfoHealthMetrics(t *testing.T) {
	self := NewRandomNodeID()
	rt := NewRoutingTable(self, 20)

	for i := 0; i < 60; i++ {
		rt.AddContact(testContact(i))
	}
	info := rt.Info()

	assert.Equal(t, rt.TotalContacts(), info.TotalNodes)
	assert.Equal(t, len(info.BucketCounts), info.ActiveBuckets)
	assert.GreaterOrEqual(t, info.Health.DistributionScore, 0.0)
	assert.LessOrEqual(t, info.Health.DistributionScore, 1.0)

	// Overload detection: force one bucket past 80% of ksize. Random IDs
	// concentrate in the first buckets by construction of XOR distance, so
	// a small ksize makes this deterministic enough to assert on counts.
	small := NewRoutingTable(self, 5)
	for i := 0; i < 200; i++ {
		small.AddContact(testContact(i))
	}
	smallInfo := small.Info()
	for idx, count := range smallInfo.BucketCounts {
		assert.LessOrEqual(t, count, 5, fmt.Sprintf("bucket %d over capacity", idx))
	}
	assert.True(t, smallInfo.Health.SingleBucketOverload)
}
