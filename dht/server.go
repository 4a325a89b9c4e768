package dht

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/errs"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/transport"
)

// ErrValueTooLarge marks writes whose value cannot fit one UDP frame.
var ErrValueTooLarge = errs.Class("value too large")

// ErrTransport marks DHT-level transport failures surfaced to callers.
var ErrTransport = errs.Class("dht transport")

// replicationFactor is how many closest nodes receive each stored value.
const replicationFactor = 3

// bootstrapPollTimeout bounds how long Bootstrap waits for the routing
// table to populate before giving up with a warning.
const bootstrapPollTimeout = 60 * time.Second

// Server is a CQKD DHT node: identity, transport, routing table, local
// storage, and the role lease manager, behind the Put/Get/Delete surface
// every other component uses.
type Server struct {
	id    NodeID
	cfg   *config.Settings
	lease *LeaseManager

	transport transport.Transport
	routing   *RoutingTable
	storage   *Storage
	rpc       *rpcManager

	advertiseAddr string
	port          int
}

// NewServer creates a server with the given capabilities. The node ID
// comes from the NODE_ID setting when it parses as hex, otherwise it is
// drawn randomly and kept for the node's lifetime.
func NewServer(cfg *config.Settings, capabilities []Role) *Server {
	var id NodeID
	if cfg.NodeID != "" {
		parsed, err := NodeIDFromHex(cfg.NodeID)
		if err == nil {
			id = parsed
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "NewServer",
				"node_id":  cfg.NodeID,
			}).Warn("NODE_ID is not a valid hex ID, generating a random one")
		}
	}
	if id.IsZero() {
		id = NewRandomNodeID()
	}

	return &Server{
		id:      id,
		cfg:     cfg,
		lease:   NewLeaseManager(id, capabilities),
		storage: NewStorage(),
	}
}

// ID returns the node's identity.
func (s *Server) ID() NodeID {
	return s.id
}

// Lease exposes the role lease manager.
func (s *Server) Lease() *LeaseManager {
	return s.lease
}

// State returns the node lifecycle state.
func (s *Server) State() NodeState {
	return s.lease.State()
}

// SelfContact returns this node's addressable identity.
func (s *Server) SelfContact() Contact {
	return Contact{ID: s.id, Address: s.advertiseAddr, Port: s.port}
}

// SelfInfo returns the node's full NodeInfo snapshot.
func (s *Server) SelfInfo() NodeInfo {
	return NodeInfo{
		ID:           s.id,
		Address:      s.advertiseAddr,
		Port:         s.port,
		State:        s.State(),
		Capabilities: s.lease.Capabilities(),
		LastSeen:     time.Now(),
		CurrentRole:  s.lease.CurrentRole(),
	}
}

// RoutingTable exposes the routing table for discovery and health checks.
func (s *Server) RoutingTable() *RoutingTable {
	return s.routing
}

// Storage exposes the local store, used by tests and diagnostics.
func (s *Server) Storage() *Storage {
	return s.storage
}

// Start binds the UDP transport on port and brings the node ACTIVE. A bind
// failure leaves the node in the ERROR state.
func (s *Server) Start(port int) error {
	base, err := transport.NewUDPTransport(":" + strconv.Itoa(port))
	if err != nil {
		s.lease.SetState(StateError)
		return ErrTransport.Wrap(err)
	}

	s.transport = base
	if s.cfg.EnableChannelEncryption {
		secure, err := transport.NewSecureTransport(base)
		if err != nil {
			_ = base.Close()
			s.lease.SetState(StateError)
			return ErrTransport.Wrap(err)
		}
		s.transport = secure
	}

	s.port = boundPort(s.transport.LocalAddr(), port)
	s.advertiseAddr = detectAdvertiseAddr(s.transport.LocalAddr())
	s.routing = NewRoutingTable(s.id, s.cfg.DHTKSize)
	s.rpc = newRPCManager(s.transport)
	s.registerHandlers()
	s.lease.SetState(StateActive)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"node_id":  s.id.Short(),
		"port":     port,
		"address":  s.advertiseAddr,
	}).Info("DHT node started")

	return nil
}

// Stop releases any held role and shuts the transport down.
func (s *Server) Stop() {
	s.lease.ReleaseRole()
	if s.transport != nil {
		_ = s.transport.Close()
	}
	s.lease.SetState(StateOff)

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"node_id":  s.id.Short(),
	}).Info("DHT node stopped")
}

// Bootstrap joins the network through the seed addresses. Hostnames are
// resolved to IPv4 first: handing the transport a name, or a v6 address on
// the v4 socket, reproduces the family-mismatch failures this guards
// against. After seeding, an iterative lookup against the self ID fills
// the routing table; the table is then polled until at least one peer is
// known or the timeout elapses. An empty table is reported as a warning,
// not an error.
func (s *Server) Bootstrap(ctx context.Context, seeds []config.HostPort) error {
	if len(seeds) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"node_id":  s.id.Short(),
		}).Warn("No bootstrap seeds configured")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"node_id":  s.id.Short(),
		"seeds":    len(seeds),
	}).Info("Starting bootstrap")

	for _, seed := range seeds {
		addr, err := resolveIPv4(seed)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"node_id":  s.id.Short(),
				"seed":     seed.String(),
				"error":    err.Error(),
			}).Error("Bootstrap seed resolution failed")
			continue
		}
		// An initial ping introduces us; the pong's sender contact lands in
		// the routing table via the response handler.
		if err := s.pingAddr(ctx, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Bootstrap",
				"node_id":  s.id.Short(),
				"seed":     addr.String(),
				"error":    err.Error(),
			}).Warn("Bootstrap seed did not answer ping")
		}
	}

	// Iterative lookup against our own ID populates nearby buckets.
	params := s.cfg.AdaptiveKademliaParams(s.routing.TotalContacts())
	s.Lookup(ctx, s.id, params.K, params.Alpha, params.QueryTimeout)

	deadline := time.Now().Add(bootstrapPollTimeout)
	attempt := 0
	for time.Now().Before(deadline) {
		attempt++
		info := s.routing.Info()
		if info.TotalNodes > 0 {
			logrus.WithFields(logrus.Fields{
				"function":       "Bootstrap",
				"node_id":        s.id.Short(),
				"total_nodes":    info.TotalNodes,
				"active_buckets": info.ActiveBuckets,
				"attempts":       attempt,
			}).Info("Bootstrap complete")
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"node_id":  s.id.Short(),
			"attempt":  attempt,
		}).Debug("Routing table still empty, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"node_id":  s.id.Short(),
	}).Warn("Bootstrap finished with an empty routing table")
	return nil
}

// Put stores value under key on the replica set closest to the key digest
// and locally. Values that cannot fit a UDP frame are rejected before any
// transmission. On transport failure the routing table is refreshed and
// the write retried once.
func (s *Server) Put(ctx context.Context, key string, value Value) error {
	if len(value.Bytes()) > transport.MaxFrameSize-512 {
		return ErrValueTooLarge.New("key %s: %d bytes", key, len(value.Bytes()))
	}

	err := s.putOnce(ctx, key, value)
	if err == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Put",
		"node_id":  s.id.Short(),
		"key":      key,
		"error":    err.Error(),
	}).Warn("Put failed, refreshing routing table and retrying")

	s.RefreshTable(ctx)
	if retryErr := s.putOnce(ctx, key, value); retryErr != nil {
		return ErrTransport.Wrap(retryErr)
	}
	return nil
}

func (s *Server) putOnce(ctx context.Context, key string, value Value) error {
	// The local replica always succeeds, so a partition never loses our
	// own writes entirely.
	s.storage.Put(key, value)

	target := KeyDigest(key)
	params := s.cfg.AdaptiveKademliaParams(s.routing.TotalContacts())
	closest := s.Lookup(ctx, target, params.K, params.Alpha, params.QueryTimeout)
	if len(closest) > replicationFactor {
		closest = closest[:replicationFactor]
	}
	if len(closest) == 0 {
		// Single-node network: the local store is the only replica.
		return nil
	}

	stored := 0
	var lastErr error
	for _, c := range closest {
		if err := s.storeRPC(ctx, c, key, value, params.QueryTimeout); err != nil {
			lastErr = err
			continue
		}
		stored++
	}
	if stored == 0 {
		return fmt.Errorf("store failed on all %d replicas: %w", len(closest), lastErr)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Put",
		"node_id":  s.id.Short(),
		"key":      key,
		"replicas": stored,
	}).Debug("Value stored")
	return nil
}

// Get retrieves the value for key. The local store is checked first, then
// the nodes closest to the key digest. A tombstoned value reads as absent.
func (s *Server) Get(ctx context.Context, key string) (Value, bool, error) {
	if value, ok := s.storage.Get(key); ok {
		if value.IsTombstone() {
			return Value{}, false, nil
		}
		return value, true, nil
	}

	target := KeyDigest(key)
	params := s.cfg.AdaptiveKademliaParams(s.routing.TotalContacts())
	closest := s.routing.FindClosest(target, params.K)

	for _, c := range closest {
		value, found, contacts, err := s.findValueRPC(ctx, c, key, params.QueryTimeout)
		if err != nil {
			continue
		}
		for _, extra := range contacts {
			s.routing.AddContact(extra)
		}
		if found {
			if value.IsTombstone() {
				return Value{}, false, nil
			}
			// Not cached locally: command keys are rewritten by later
			// sessions, and a cached copy would shadow the rewrite forever.
			return value, true, nil
		}
	}
	return Value{}, false, nil
}

// Delete writes the tombstone sentinel under key.
func (s *Server) Delete(ctx context.Context, key string) error {
	return s.Put(ctx, key, StringValue(Tombstone))
}

// Info returns the routing table occupancy and health snapshot.
func (s *Server) Info() TableInfo {
	return s.routing.Info()
}

// AllContacts enumerates the local routing table.
func (s *Server) AllContacts() []Contact {
	return s.routing.AllContacts()
}

// FindClosestLocal returns the n local contacts closest to target without
// any network traffic.
func (s *Server) FindClosestLocal(target NodeID, n int) []Contact {
	return s.routing.FindClosest(target, n)
}

// RemoveContact evicts a contact from the routing table.
func (s *Server) RemoveContact(id NodeID) bool {
	return s.routing.RemoveContact(id)
}

// RefreshTable performs a random-target lookup to repopulate buckets, the
// standard recovery after transport errors consistent with stale entries.
func (s *Server) RefreshTable(ctx context.Context) {
	params := s.cfg.AdaptiveKademliaParams(s.routing.TotalContacts())
	s.Lookup(ctx, NewRandomNodeID(), params.K, params.Alpha, params.QueryTimeout)
}

// boundPort reads the actual port off the bound socket, so an ephemeral
// ":0" bind advertises its real port.
func boundPort(local net.Addr, requested int) int {
	_, portStr, err := net.SplitHostPort(local.String())
	if err != nil {
		return requested
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return requested
	}
	return port
}

// detectAdvertiseAddr derives the address peers should dial. A wildcard
// bind falls back to the loopback address; deployments that need a public
// address front the node with explicit configuration.
func detectAdvertiseAddr(local net.Addr) string {
	host, _, err := net.SplitHostPort(local.String())
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// resolveIPv4 resolves a seed to an IPv4 UDP address.
func resolveIPv4(hp config.HostPort) (*net.UDPAddr, error) {
	if ip := net.ParseIP(hp.Host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return &net.UDPAddr{IP: v4, Port: hp.Port}, nil
		}
		return nil, fmt.Errorf("seed %s is not an IPv4 address", hp.Host)
	}

	ips, err := net.LookupIP(hp.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", hp.Host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			logrus.WithFields(logrus.Fields{
				"function": "resolveIPv4",
				"host":     hp.Host,
				"resolved": v4.String(),
			}).Debug("Bootstrap seed resolved")
			return &net.UDPAddr{IP: v4, Port: hp.Port}, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", hp.Host)
}

// ParseHexID is a convenience wrapper for callers outside the package.
func ParseHexID(s string) (NodeID, error) {
	return NodeIDFromHex(s)
}
