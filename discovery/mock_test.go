package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/cqkd/dht"
)

// mockClient implements Client for testing, counting outbound RPCs so
// tests can assert, for example, that the saturated path issues none.
type mockClient struct {
	self     dht.Contact
	contacts []dht.Contact
	store    map[string]dht.Value

	pingErr       func(c dht.Contact) error
	lookupResult  []dht.Contact
	findNodeExtra []dht.Contact

	pingCalls     int
	findNodeCalls int
	lookupCalls   int
	removed       []dht.NodeID
	mu            sync.Mutex
}

func newMockClient() *mockClient {
	return &mockClient{
		self:  dht.Contact{ID: dht.NewRandomNodeID(), Address: "127.0.0.1", Port: 6000},
		store: make(map[string]dht.Value),
	}
}

func (m *mockClient) SelfContact() dht.Contact {
	return m.self
}

func (m *mockClient) Info() dht.TableInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dht.TableInfo{
		TotalNodes:    len(m.contacts),
		ActiveBuckets: 3,
		Health: dht.NetworkHealth{
			WellDistributed:   true,
			DistributionScore: 1.0,
		},
	}
}

func (m *mockClient) AllContacts() []dht.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dht.Contact, len(m.contacts))
	copy(out, m.contacts)
	return out
}

func (m *mockClient) FindClosestLocal(target dht.NodeID, n int) []dht.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dht.KClosest(m.contacts, target, n)
}

func (m *mockClient) RemoveContact(id dht.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	for i, c := range m.contacts {
		if c.ID == id {
			m.contacts = append(m.contacts[:i], m.contacts[i+1:]...)
			return true
		}
	}
	return false
}

func (m *mockClient) Ping(ctx context.Context, c dht.Contact, timeout time.Duration) error {
	m.mu.Lock()
	m.pingCalls++
	pingErr := m.pingErr
	m.mu.Unlock()
	if pingErr != nil {
		return pingErr(c)
	}
	return nil
}

func (m *mockClient) FindNode(ctx context.Context, c dht.Contact, target dht.NodeID, timeout time.Duration) ([]dht.Contact, error) {
	m.mu.Lock()
	m.findNodeCalls++
	extra := m.findNodeExtra
	pingErr := m.pingErr
	m.mu.Unlock()
	if pingErr != nil {
		if err := pingErr(c); err != nil {
			return nil, errors.New("find node failed")
		}
	}
	return extra, nil
}

func (m *mockClient) LookupWithSeeds(ctx context.Context, target dht.NodeID, seeds []dht.Contact, k, alpha int, queryTimeout time.Duration) []dht.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupCalls++
	if m.lookupResult != nil {
		return m.lookupResult
	}
	return seeds
}

func (m *mockClient) Get(ctx context.Context, key string) (dht.Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.store[key]
	if !ok || value.IsTombstone() {
		return dht.Value{}, false, nil
	}
	return value, true, nil
}

func (m *mockClient) Put(ctx context.Context, key string, value dht.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = value
	return nil
}

func (m *mockClient) RefreshTable(ctx context.Context) {}

func (m *mockClient) outboundCalls() (pings, findNodes, lookups int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingCalls, m.findNodeCalls, m.lookupCalls
}

func (m *mockClient) setContacts(contacts []dht.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = contacts
}

func makeContacts(n int) []dht.Contact {
	out := make([]dht.Contact, n)
	for i := range out {
		out[i] = dht.Contact{ID: dht.NewRandomNodeID(), Address: "127.0.0.1", Port: 7000 + i}
	}
	return out
}
