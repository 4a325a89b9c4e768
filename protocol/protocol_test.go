package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
)

// memStore is an in-memory session.Store standing in for the DHT in
// protocol tests. A single instance shared between orchestrators and
// executors behaves like a perfectly consistent network.
type memStore struct {
	m  map[string]dht.Value
	mu sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string]dht.Value)}
}

func (s *memStore) Get(_ context.Context, key string) (dht.Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	if !ok || value.IsTombstone() {
		return dht.Value{}, false, nil
	}
	return value, true, nil
}

func (s *memStore) Put(_ context.Context, key string, value dht.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	return s.Put(ctx, key, dht.StringValue(dht.Tombstone))
}

// zeroReader is an entropy source of all zeroes, making every random draw
// in the quantum handlers deterministic.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		KeyLengthMultiplier:     2.5,
		RequiredNodesMultiplier: 5,
		BaseQueryTimeout:        time.Second,
		MaxQueryTimeout:         2 * time.Second,
	}
}

// stubDiscoverer hands Alice a fixed node set, or a fixed error.
type stubDiscoverer struct {
	nodes  []dht.NodeInfo
	err    error
	calls  int
	closed bool
	mu     sync.Mutex
}

func (d *stubDiscoverer) DiscoverNodes(_ context.Context, requiredCount int, _ []dht.Role, _ float64) ([]dht.NodeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.nodes, d.err
	}
	return d.nodes, nil
}

func (d *stubDiscoverer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func makeWorkerInfos(n int) []dht.NodeInfo {
	out := make([]dht.NodeInfo, n)
	for i := range out {
		out[i] = dht.NodeInfo{
			ID:           dht.NewRandomNodeID(),
			Address:      "127.0.0.1",
			Port:         7000 + i,
			State:        dht.StateActive,
			Capabilities: dht.AllRoles(),
			LastSeen:     time.Now(),
		}
	}
	return out
}

// startWorkers launches a deterministic executor per node against the
// shared store and returns a stop function.
func startWorkers(store *memStore, nodes []dht.NodeInfo) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	for _, node := range nodes {
		lease := dht.NewLeaseManager(node.ID, dht.AllRoles())
		lease.SetState(dht.StateActive)

		executor := NewExecutor(store, lease, node.ID)
		executor.interval = 20 * time.Millisecond
		executor.env.Rand = zeroReader{}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = executor.Run(ctx)
		}()
	}

	return func() {
		cancel()
		wg.Wait()
	}
}
