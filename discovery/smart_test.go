package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cqkd/dht"
)

func TestSmartDiscoveryServedEntirelyFromCache(t *testing.T) {
	client := newMockClient()
	cache := newTestCache(10000)
	for i := 0; i < 50; i++ {
		require.True(t, cache.Add(testInfo(7000+i, []dht.Role{dht.RoleQSG, dht.RoleBG, dht.RoleQPP, dht.RoleQPM, dht.RoleQPC})))
	}

	strategy := NewSmartStrategy(client, testSettings(), cache)
	defer strategy.Close()

	hitsBefore := cache.Stats().Hits
	nodes, err := strategy.DiscoverNodes(context.Background(), 30, []dht.Role{dht.RoleQSG, dht.RoleBG}, 0.7)
	require.NoError(t, err)

	assert.Len(t, nodes, 30)
	_, findNodes, lookups := client.outboundCalls()
	assert.Zero(t, findNodes, "cache-served discovery must issue no RPCs")
	assert.Zero(t, lookups)
	assert.Equal(t, hitsBefore+30, cache.Stats().Hits)
}

func TestSmartDiscoveryFallsThroughToNetwork(t *testing.T) {
	client := newMockClient()
	client.setContacts(makeContacts(3))
	client.lookupResult = makeContacts(20)

	strategy := NewSmartStrategy(client, testSettings(), newTestCache(10000))
	defer strategy.Close()

	nodes, err := strategy.DiscoverNodes(context.Background(), 10, nil, 0.0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(nodes), 10)

	// Discovered nodes land in the cache for the next session.
	assert.GreaterOrEqual(t, strategy.Cache().Len(), 10)
}

func TestSmartDiscoveryNotEnoughNodes(t *testing.T) {
	client := newMockClient()
	client.setContacts(makeContacts(4))

	cfg := testSettings()
	cfg.MaxDiscoveryTimeout = 500 * time.Millisecond
	strategy := NewSmartStrategy(client, cfg, newTestCache(10000))
	defer strategy.Close()

	nodes, err := strategy.DiscoverNodes(context.Background(), 100, nil, 0.0)
	require.Error(t, err)
	assert.True(t, ErrNotEnoughNodes.Has(err))
	assert.Less(t, len(nodes), 100)

	var detail *NotEnoughNodesError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, 100, detail.Required)
	assert.Equal(t, len(nodes), detail.Found)
}

func TestSmartDiscoveryCloseIsIdempotent(t *testing.T) {
	strategy := NewSmartStrategy(newMockClient(), testSettings(), newTestCache(100))
	_, _ = strategy.DiscoverNodes(context.Background(), 0, nil, 0.0)
	strategy.Close()
	strategy.Close()
}

func TestSmartDiscoveryExcludesSelf(t *testing.T) {
	client := newMockClient()
	contacts := makeContacts(5)
	contacts = append(contacts, client.SelfContact())
	client.setContacts(contacts)
	client.lookupResult = contacts

	strategy := NewSmartStrategy(client, testSettings(), newTestCache(100))
	defer strategy.Close()

	nodes, err := strategy.DiscoverNodes(context.Background(), 5, nil, 0.0)
	require.NoError(t, err)
	for _, node := range nodes {
		assert.NotEqual(t, client.SelfContact().ID, node.ID, "self must never be allocated")
	}
}
