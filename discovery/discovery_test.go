package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
)

func testSettings() *config.Settings {
	return &config.Settings{
		DHTKSize:                   25,
		EnableAdaptiveKademlia:     true,
		SmallThreshold:             15,
		MediumThreshold:            50,
		LargeThreshold:             100,
		XLargeThreshold:            500,
		BaseAlpha:                  3,
		BaseK:                      20,
		BaseQueryTimeout:           200 * time.Millisecond,
		AlphaScalingFactor:         1.5,
		KScalingFactor:             1.3,
		MaxAlpha:                   8,
		MaxK:                       40,
		MaxQueryTimeout:            2 * time.Second,
		MaxDiscoveryTimeout:        5 * time.Second,
		CacheMaxSize:               10000,
		CacheTTL:                   10 * time.Minute,
		CacheRefreshInterval:       5 * time.Minute,
		EnableHealthCheck:          true,
		HealthBatchSize:            20,
		HealthConcurrentBatches:    3,
		HealthFastTimeout:          time.Second,
		HealthMediumTimeout:        2 * time.Second,
		HealthDeepTimeout:          5 * time.Second,
		HealthFastInterval:         time.Minute,
		HealthMediumInterval:       5 * time.Minute,
		HealthDeepInterval:         15 * time.Minute,
		HealthFailureThreshold:     3,
		HealthMinAvailabilityScore: 0.3,
		HealthPriorityRoles:        []string{"QSG", "BG"},
		BootstrapSelectionStrategy: "round_robin",
		BootstrapFailureThreshold:  3,
		BootstrapHealthInterval:    30 * time.Second,
		BootstrapConnectionTimeout: time.Second,
		BootstrapSmallNodes:        2,
		BootstrapMediumNodes:       3,
		BootstrapLargeNodes:        4,
		BootstrapXLargeNodes:       6,
	}
}

func TestDiscoverNodesSaturatedTableIssuesNoRPCs(t *testing.T) {
	client := newMockClient()
	client.setContacts(makeContacts(40))
	service := NewService(client, testSettings())

	result := service.DiscoverNodes(context.Background(), 30, nil)

	assert.Len(t, result.Nodes, 30)
	pings, findNodes, lookups := client.outboundCalls()
	assert.Zero(t, pings)
	assert.Zero(t, findNodes, "saturated table must not fan out")
	assert.Zero(t, lookups)
}

func TestDiscoverNodesCrawlsWhenShort(t *testing.T) {
	client := newMockClient()
	client.setContacts(makeContacts(5))
	client.lookupResult = makeContacts(12)
	service := NewService(client, testSettings())

	result := service.DiscoverNodes(context.Background(), 10, nil)

	_, _, lookups := client.outboundCalls()
	assert.Equal(t, 1, lookups)
	assert.GreaterOrEqual(t, len(result.Nodes), 10)
}

func TestDiscoverNodesReadsPublishedDirectory(t *testing.T) {
	client := newMockClient()
	client.setContacts(makeContacts(2))
	service := NewService(client, testSettings())

	published := makeContacts(6)
	var entries []PublishedNode
	for _, c := range published {
		entries = append(entries, PublishedNode{
			ID:           c.ID.String(),
			Address:      c.Address,
			Port:         c.Port,
			State:        string(dht.StateActive),
			Capabilities: []string{"qsg", "bg", "qpp", "qpm", "qpc"},
			PublishedAt:  time.Now().UTC().Format(time.RFC3339),
			TTL:          3600,
		})
	}
	value, err := dht.JSONValue(entries)
	require.NoError(t, err)
	require.NoError(t, client.Put(context.Background(), KeyNodesActive, value))

	result := service.DiscoverNodes(context.Background(), 8, nil)

	ids := make(map[dht.NodeID]bool)
	for _, info := range result.Nodes {
		ids[info.ID] = true
	}
	for _, c := range published {
		assert.True(t, ids[c.ID], "published node %s missing from results", c.ID.Short())
	}
}

func TestReadPublishedDirectoryUsesTargetRegion(t *testing.T) {
	client := newMockClient()
	service := NewService(client, testSettings())

	// A peer published its own region bucket; a lookup headed for a target
	// in that region must find it there, not in the searcher's region.
	peer := makeContacts(1)[0]
	entry := PublishedNode{
		ID:          peer.ID.String(),
		Address:     peer.Address,
		Port:        peer.Port,
		State:       string(dht.StateActive),
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
		TTL:         3600,
	}
	value, err := dht.JSONValue(entry)
	require.NoError(t, err)
	require.NoError(t, client.Put(context.Background(), RegionKey(peer.ID), value))

	found := service.readPublishedDirectory(context.Background(), peer.ID, nil)
	ids := make(map[dht.NodeID]bool)
	for _, info := range found {
		ids[info.ID] = true
	}
	assert.True(t, ids[peer.ID], "target-region entry must be read")

	// The searcher's own region bucket is empty and must contribute nothing.
	selfRegion := service.readPublishedDirectory(context.Background(), client.SelfContact().ID, nil)
	assert.Empty(t, selfRegion)
}

func TestDiscoverNodesIgnoresExpiredDirectoryEntries(t *testing.T) {
	client := newMockClient()
	client.setContacts(makeContacts(2))
	service := NewService(client, testSettings())

	stale := PublishedNode{
		ID:          dht.NewRandomNodeID().String(),
		Address:     "127.0.0.1",
		Port:        7999,
		State:       string(dht.StateActive),
		PublishedAt: time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339),
		TTL:         60,
	}
	value, err := dht.JSONValue([]PublishedNode{stale})
	require.NoError(t, err)
	require.NoError(t, client.Put(context.Background(), KeyNodesActive, value))

	result := service.DiscoverNodes(context.Background(), 5, nil)
	for _, info := range result.Nodes {
		assert.NotEqual(t, stale.ID, info.ID.String())
	}
}

func TestPublisherWritesAllKeys(t *testing.T) {
	client := newMockClient()
	publisher := NewPublisher(client)

	info := dht.NodeInfo{
		ID:           dht.NewRandomNodeID(),
		Address:      "127.0.0.1",
		Port:         7001,
		State:        dht.StateActive,
		Capabilities: dht.AllRoles(),
	}
	require.NoError(t, publisher.Publish(context.Background(), info, time.Hour))

	for _, key := range []string{
		NodeKey(info.ID),
		KeyNodesAll,
		RegionKey(info.ID),
		CapabilityKey(dht.RoleQSG, info.ID),
		KeyNodesActive,
	} {
		_, found, err := client.Get(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, found, "key %s not published", key)
	}
}

func TestPublisherCapsActiveList(t *testing.T) {
	client := newMockClient()
	publisher := NewPublisher(client)

	for i := 0; i < activeListCap+20; i++ {
		info := dht.NodeInfo{
			ID:           dht.NewRandomNodeID(),
			Address:      "127.0.0.1",
			Port:         7000 + i,
			State:        dht.StateActive,
			Capabilities: dht.AllRoles(),
		}
		require.NoError(t, publisher.Publish(context.Background(), info, time.Hour))
	}

	value, found, err := client.Get(context.Background(), KeyNodesActive)
	require.NoError(t, err)
	require.True(t, found)

	var entries []PublishedNode
	ok, err := value.Decode(&entries)
	require.NoError(t, err)
	require.True(t, ok)
	assert.LessOrEqual(t, len(entries), activeListCap)
}
