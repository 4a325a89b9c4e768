package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cqkd/dht"
)

func TestHealthCheckEvictsAfterConsecutiveFailures(t *testing.T) {
	client := newMockClient()
	cfg := testSettings()
	cache := newTestCache(100)

	dead := testInfo(7001, nil)
	alive := testInfo(7002, nil)
	require.True(t, cache.Add(dead))
	require.True(t, cache.Add(alive))
	client.setContacts([]dht.Contact{dead.Contact(), alive.Contact()})

	client.pingErr = func(c dht.Contact) error {
		if c.ID == dead.ID {
			return errors.New("unreachable")
		}
		return nil
	}

	hm := NewHealthCheckManager(context.Background(), client, cache, cfg)
	for i := 0; i < cfg.HealthFailureThreshold; i++ {
		hm.RunLevel(context.Background(), CheckFast)
	}

	// The failed node is gone from the cache, the routing table, and the
	// status map; the healthy node survives everywhere.
	_, ok := cache.Get(dead.ID)
	assert.False(t, ok, "dead node must leave the cache")
	_, ok = hm.Status(dead.ID)
	assert.False(t, ok, "dead node must leave the status map")

	stillRouted := false
	for _, c := range client.AllContacts() {
		if c.ID == dead.ID {
			stillRouted = true
		}
	}
	assert.False(t, stillRouted, "dead node must leave the routing table")

	_, ok = cache.Get(alive.ID)
	assert.True(t, ok)
}

func TestHealthCheckTracksSuccesses(t *testing.T) {
	client := newMockClient()
	cache := newTestCache(100)
	info := testInfo(7001, nil)
	require.True(t, cache.Add(info))

	hm := NewHealthCheckManager(context.Background(), client, cache, testSettings())
	hm.RunLevel(context.Background(), CheckFast)

	status, ok := hm.Status(info.ID)
	require.True(t, ok)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, 1, status.TotalChecks)
	assert.Equal(t, 1, status.SuccessfulChecks)
	assert.Equal(t, CheckFast, status.LastLevel)
	assert.Equal(t, 1.0, status.AvailabilityScore())
}

func TestHealthCheckMediumTargetsWeakNodes(t *testing.T) {
	client := newMockClient()
	cache := newTestCache(100)

	strong := testInfo(7001, nil)
	weak := testInfo(7002, nil)
	require.True(t, cache.Add(strong))
	require.True(t, cache.Add(weak))

	// Drive the weak node's score below 0.7; both stay freshly verified.
	for i := 0; i < 3; i++ {
		cache.UpdateVerification(weak.ID, false)
	}
	cache.UpdateVerification(weak.ID, true)
	cache.UpdateVerification(strong.ID, true)

	hm := NewHealthCheckManager(context.Background(), client, cache, testSettings())
	targets := hm.selectTargets(CheckMedium)

	ids := make(map[dht.NodeID]bool)
	for _, target := range targets {
		ids[target.ID] = true
	}
	assert.True(t, ids[weak.ID], "weak node must be a medium-check target")
	assert.False(t, ids[strong.ID], "fresh strong node is skipped at medium level")
}

func TestHealthCheckDeepTargetsCriticalNodes(t *testing.T) {
	client := newMockClient()
	cache := newTestCache(100)

	critical := testInfo(7001, []dht.Role{dht.RoleQSG})
	ordinary := testInfo(7002, []dht.Role{dht.RoleQPM})
	require.True(t, cache.Add(critical))
	require.True(t, cache.Add(ordinary))
	cache.UpdateVerification(critical.ID, true)
	cache.UpdateVerification(ordinary.ID, true)

	hm := NewHealthCheckManager(context.Background(), client, cache, testSettings())
	targets := hm.selectTargets(CheckDeep)

	ids := make(map[dht.NodeID]bool)
	for _, target := range targets {
		ids[target.ID] = true
	}
	assert.True(t, ids[critical.ID], "priority-role holder must be deep-checked")
	assert.False(t, ids[ordinary.ID])
}

func TestHealthCheckStartStopIdempotent(t *testing.T) {
	hm := NewHealthCheckManager(context.Background(), newMockClient(), newTestCache(10), testSettings())
	hm.Start()
	hm.Start()
	hm.Stop()
	hm.Stop()
}

func TestPartition(t *testing.T) {
	nodes := make([]dht.NodeInfo, 7)
	batches := partition(nodes, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)

	assert.Empty(t, partition(nil, 3))
}
