package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cqkd/config"
)

func serverSettings() *config.Settings {
	return &config.Settings{
		DHTKSize:               20,
		EnableAdaptiveKademlia: true,
		SmallThreshold:         15,
		MediumThreshold:        50,
		LargeThreshold:         100,
		XLargeThreshold:        500,
		BaseAlpha:              3,
		BaseK:                  20,
		BaseQueryTimeout:       time.Second,
		AlphaScalingFactor:     1.5,
		KScalingFactor:         1.3,
		MaxAlpha:               8,
		MaxK:                   40,
		MaxQueryTimeout:        4 * time.Second,
		MaxDiscoveryTimeout:    10 * time.Second,
	}
}

// startTestServer binds a server on an ephemeral loopback port.
func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(serverSettings(), AllRoles())
	require.NoError(t, s.Start(0))
	t.Cleanup(s.Stop)
	return s
}

func seedOf(s *Server) []config.HostPort {
	c := s.SelfContact()
	return []config.HostPort{{Host: c.Address, Port: c.Port}}
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(serverSettings(), AllRoles())
	require.NoError(t, s.Start(0))
	assert.Equal(t, StateActive, s.State())
	assert.NotZero(t, s.SelfContact().Port)

	s.Stop()
	assert.Equal(t, StateOff, s.State())
}

func TestServerPingBetweenNodes(t *testing.T) {
	a := startTestServer(t)
	b := startTestServer(t)

	ctx := context.Background()
	require.NoError(t, a.Ping(ctx, b.SelfContact(), time.Second))

	// The ping introduced both sides to each other.
	assert.Equal(t, 1, a.RoutingTable().TotalContacts())
	assert.Equal(t, 1, b.RoutingTable().TotalContacts())
}

func TestServerBootstrapPopulatesRoutingTable(t *testing.T) {
	seed := startTestServer(t)
	joiner := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, joiner.Bootstrap(ctx, seedOf(seed)))

	assert.GreaterOrEqual(t, joiner.RoutingTable().TotalContacts(), 1)
}

func TestServerBootstrapEmptySeedsIsWarning(t *testing.T) {
	s := startTestServer(t)
	assert.NoError(t, s.Bootstrap(context.Background(), nil))
}

func TestServerPutGetAcrossNodes(t *testing.T) {
	seed := startTestServer(t)
	writer := startTestServer(t)
	reader := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, writer.Bootstrap(ctx, seedOf(seed)))
	require.NoError(t, reader.Bootstrap(ctx, seedOf(seed)))

	require.NoError(t, writer.Put(ctx, "greeting", StringValue("hello")))

	value, found, err := reader.Get(ctx, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", value.String())
}

func TestServerDeleteMakesKeyAbsent(t *testing.T) {
	seed := startTestServer(t)
	node := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, node.Bootstrap(ctx, seedOf(seed)))

	require.NoError(t, node.Put(ctx, "k", StringValue("v")))
	require.NoError(t, node.Delete(ctx, "k"))

	_, found, err := node.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "tombstoned key reads as absent")
}

func TestServerPutRejectsOversizedValue(t *testing.T) {
	s := startTestServer(t)

	big := make([]byte, 9*1024)
	err := s.Put(context.Background(), "big", RawValue(big))
	require.Error(t, err)
	assert.True(t, ErrValueTooLarge.Has(err))

	// Nothing was stored, locally or remotely.
	_, found, getErr := s.Get(context.Background(), "big")
	require.NoError(t, getErr)
	assert.False(t, found)
}

func TestServerFindNodeReturnsClosest(t *testing.T) {
	a := startTestServer(t)
	b := startTestServer(t)
	c := startTestServer(t)

	ctx := context.Background()
	require.NoError(t, b.Ping(ctx, a.SelfContact(), time.Second))
	require.NoError(t, c.Ping(ctx, a.SelfContact(), time.Second))

	found, err := b.FindNode(ctx, a.SelfContact(), c.ID(), time.Second)
	require.NoError(t, err)

	ids := make(map[NodeID]bool)
	for _, contact := range found {
		ids[contact.ID] = true
	}
	assert.True(t, ids[c.ID()], "a's routing table must surface c")
}

func TestServerLookupConverges(t *testing.T) {
	seed := startTestServer(t)
	others := make([]*Server, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := range others {
		others[i] = startTestServer(t)
		require.NoError(t, others[i].Bootstrap(ctx, seedOf(seed)))
	}

	late := startTestServer(t)
	require.NoError(t, late.Bootstrap(ctx, seedOf(seed)))

	found := late.Lookup(ctx, NewRandomNodeID(), 20, 3, time.Second)
	assert.GreaterOrEqual(t, len(found), 3, "lookup should surface peers beyond the seed")
}

func TestServerGetMissingKey(t *testing.T) {
	s := startTestServer(t)
	_, found, err := s.Get(context.Background(), "never-written")
	require.NoError(t, err)
	assert.False(t, found)
}
