package discovery

import (
	"context"
	"time"

	"github.com/opd-ai/cqkd/dht"
)

// Client is the slice of DHT node behaviour the discovery fabric needs.
// *dht.Server satisfies it; tests substitute counting mocks to assert, for
// example, that a saturated routing table produces zero outbound RPCs.
type Client interface {
	// SelfContact returns the local node's addressable identity.
	SelfContact() dht.Contact

	// Info returns the routing-table occupancy and health snapshot.
	Info() dht.TableInfo

	// AllContacts enumerates the local routing table.
	AllContacts() []dht.Contact

	// FindClosestLocal returns the n local contacts closest to target.
	FindClosestLocal(target dht.NodeID, n int) []dht.Contact

	// RemoveContact evicts a contact from the routing table.
	RemoveContact(id dht.NodeID) bool

	// Ping probes a contact for liveness.
	Ping(ctx context.Context, c dht.Contact, timeout time.Duration) error

	// FindNode issues one FIND_NODE RPC against a contact.
	FindNode(ctx context.Context, c dht.Contact, target dht.NodeID, timeout time.Duration) ([]dht.Contact, error)

	// LookupWithSeeds runs an iterative lookup from an explicit frontier.
	LookupWithSeeds(ctx context.Context, target dht.NodeID, seeds []dht.Contact, k, alpha int, queryTimeout time.Duration) []dht.Contact

	// Get reads a DHT key.
	Get(ctx context.Context, key string) (dht.Value, bool, error)

	// Put writes a DHT key.
	Put(ctx context.Context, key string, value dht.Value) error

	// RefreshTable repopulates the routing table after stale-entry errors.
	RefreshTable(ctx context.Context)
}
