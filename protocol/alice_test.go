package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/discovery"
	"github.com/opd-ai/cqkd/session"
)

func TestAliceFailsWithNotEnoughNodes(t *testing.T) {
	store := newMemStore()
	found := makeWorkerInfos(10)
	discoverer := &stubDiscoverer{
		nodes: found,
		err: discovery.ErrNotEnoughNodes.Wrap(&discovery.NotEnoughNodesError{
			Found:    len(found),
			Required: 100,
			Duration: time.Second,
		}),
	}

	alice := NewAlice(store, discoverer, testSettings(), dht.NewRandomNodeID())
	_, err := alice.GenerateKey(context.Background(), 8)

	require.Error(t, err)
	assert.True(t, discovery.ErrNotEnoughNodes.Has(err))

	// The completion record reports the failure for post-mortems.
	var record CompletionRecord
	require.True(t, session.PollJSON(context.Background(), store,
		session.CompletionKey(alice.SessionID()), 1, 1, &record))
	assert.Equal(t, "failed", record.Status)
	assert.Equal(t, 8, record.LC)
	assert.Equal(t, 100, record.Alpha)
	assert.NotEmpty(t, record.Error)
	assert.LessOrEqual(t, len(record.Error), 500)

	// Discovery background tasks were stopped.
	assert.True(t, discoverer.closed)
	assert.GreaterOrEqual(t, discoverer.calls, 2, "discovery gets a retry budget")
}

func TestAliceFailsWhenWorkersSilent(t *testing.T) {
	store := newMemStore()
	sizing := session.NewSizing(2, 2.5, 5)
	discoverer := &stubDiscoverer{nodes: makeWorkerInfos(sizing.Alpha)}

	alice := NewAlice(store, discoverer, testSettings(), dht.NewRandomNodeID())

	// No workers are running: collection must time out, not hang forever.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := alice.GenerateKey(ctx, 2)
	require.Error(t, err)

	var record CompletionRecord
	require.True(t, session.PollJSON(context.Background(), store,
		session.CompletionKey(alice.SessionID()), 1, 1, &record))
	assert.Equal(t, "failed", record.Status)
}

func TestCompletionRecordStaysSmall(t *testing.T) {
	store := newMemStore()
	sizing := session.NewSizing(32, 2.5, 5)
	nodes := makeWorkerInfos(sizing.Alpha)
	alloc, err := session.Allocate(nodes, sizing.LK)
	require.NoError(t, err)

	record := CompletionRecord{
		Status:       "success",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Orchestrator: dht.NewRandomNodeID().String(),
		LC:           sizing.LC,
		LK:           sizing.LK,
		Alpha:        sizing.Alpha,
		Roles:        summariseAllocation(alloc),
	}
	value, err := dht.JSONValue(record)
	require.NoError(t, err)

	// The record must fit one UDP frame with room to spare, regardless of
	// allocation size: samples are capped, full ID lists never serialised.
	assert.Less(t, len(value.Bytes()), 8*1024)
	for _, summary := range record.Roles {
		assert.LessOrEqual(t, len(summary.Samples), completionSampleLimit)
		assert.Equal(t, sizing.LK, summary.Count)
	}

	require.NoError(t, store.Put(context.Background(), session.CompletionKey("s"), value))
}

// TestEndToEndKeyExchange drives the full 19-step choreography in process:
// Alice and Bob share a memory-backed store with a fleet of deterministic
// worker executors, and must end up with identical keys.
func TestEndToEndKeyExchange(t *testing.T) {
	store := newMemStore()
	cfg := testSettings()

	sizing := session.NewSizing(2, cfg.KeyLengthMultiplier, cfg.RequiredNodesMultiplier)
	workers := makeWorkerInfos(sizing.Alpha)
	stop := startWorkers(store, workers)
	defer stop()

	alice := NewAlice(store, &stubDiscoverer{nodes: workers}, cfg, dht.NewRandomNodeID())
	bob := NewBob(store, cfg, dht.NewRandomNodeID())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type result struct {
		key []byte
		err error
	}
	bobDone := make(chan result, 1)
	go func() {
		key, err := bob.Run(ctx, 25*time.Second)
		bobDone <- result{key, err}
	}()

	aliceKey, err := alice.GenerateKey(ctx, 2)
	require.NoError(t, err)

	bobResult := <-bobDone
	require.NoError(t, bobResult.err)

	// All-zero entropy makes every basis '+' on both sides: nothing is
	// sifted away and both keys are the zero key of lc bits.
	assert.Equal(t, aliceKey, bobResult.key, "principals must derive the same key")
	assert.Len(t, aliceKey, 1)
	assert.Equal(t, byte(0x00), aliceKey[0])

	// The completion record confirms success.
	var record CompletionRecord
	require.True(t, session.PollJSON(context.Background(), store,
		session.CompletionKey(alice.SessionID()), 1, 1, &record))
	assert.Equal(t, "success", record.Status)
	assert.Equal(t, sizing.LK, record.ValidPositions)
}
