package dht

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LeaseManager gates single-role occupancy on a node. At most one
// unexpired role assignment exists at any time; request and release are
// serialised under one mutex so concurrent command deliveries cannot
// double-book the node.
type LeaseManager struct {
	nodeID       NodeID
	state        NodeState
	capabilities []Role
	current      *RoleAssignment
	mu           sync.Mutex
}

// NewLeaseManager creates a lease manager in the OFF state.
func NewLeaseManager(nodeID NodeID, capabilities []Role) *LeaseManager {
	if len(capabilities) == 0 {
		capabilities = AllRoles()
	}
	return &LeaseManager{
		nodeID:       nodeID,
		state:        StateOff,
		capabilities: capabilities,
	}
}

// SetState transitions the node lifecycle state. Dropping out of ACTIVE
// clears any current lease.
func (lm *LeaseManager) SetState(state NodeState) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.state = state
	if state == StateOff || state == StateError {
		lm.current = nil
	}
}

// State returns the current lifecycle state. A node whose lease has
// expired reads as ACTIVE again without an explicit release.
func (lm *LeaseManager) State() NodeState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.state == StateBusy && (lm.current == nil || lm.current.IsExpired()) {
		lm.state = StateActive
		lm.current = nil
	}
	return lm.state
}

// Capabilities returns the roles this node can assume.
func (lm *LeaseManager) Capabilities() []Role {
	out := make([]Role, len(lm.capabilities))
	copy(out, lm.capabilities)
	return out
}

// CurrentRole returns a copy of the active assignment, or nil.
func (lm *LeaseManager) CurrentRole() *RoleAssignment {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.current == nil || lm.current.IsExpired() {
		return nil
	}
	copied := *lm.current
	return &copied
}

// RequestRole attempts to acquire a role lease for a session. The request
// is denied when the node is not ACTIVE, lacks the capability, or holds an
// unexpired assignment.
func (lm *LeaseManager) RequestRole(role Role, sessionID string, ttl time.Duration) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	// An expired lease frees the node implicitly.
	if lm.state == StateBusy && (lm.current == nil || lm.current.IsExpired()) {
		lm.state = StateActive
		lm.current = nil
	}

	if lm.state != StateActive {
		logrus.WithFields(logrus.Fields{
			"function":   "RequestRole",
			"node_id":    lm.nodeID.Short(),
			"role":       role,
			"session_id": sessionID,
			"state":      lm.state,
		}).Warn("Role request denied: node not active")
		return false
	}

	if !containsRole(lm.capabilities, role) {
		logrus.WithFields(logrus.Fields{
			"function":   "RequestRole",
			"node_id":    lm.nodeID.Short(),
			"role":       role,
			"session_id": sessionID,
		}).Warn("Role request denied: capability missing")
		return false
	}

	if lm.current != nil && !lm.current.IsExpired() {
		logrus.WithFields(logrus.Fields{
			"function":     "RequestRole",
			"node_id":      lm.nodeID.Short(),
			"role":         role,
			"session_id":   sessionID,
			"current_role": lm.current.Role,
		}).Warn("Role request denied: node busy")
		return false
	}

	now := time.Now()
	lm.current = &RoleAssignment{
		Role:       role,
		SessionID:  sessionID,
		AssignedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	lm.state = StateBusy

	logrus.WithFields(logrus.Fields{
		"function":   "RequestRole",
		"node_id":    lm.nodeID.Short(),
		"role":       role,
		"session_id": sessionID,
		"ttl":        ttl.String(),
	}).Info("Role assigned")

	return true
}

// ReleaseRole frees the current lease. Releasing an already-free node is a
// no-op, which makes scoped release guards idempotent.
func (lm *LeaseManager) ReleaseRole() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.current != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ReleaseRole",
			"node_id":    lm.nodeID.Short(),
			"role":       lm.current.Role,
			"session_id": lm.current.SessionID,
		}).Info("Role released")
		lm.current = nil
	}
	if lm.state == StateBusy {
		lm.state = StateActive
	}
}

// ScopedRole acquires a role and returns an idempotent release func, or
// false when the lease was denied. Callers defer the release so the role
// frees on every path, and may also call it eagerly.
func (lm *LeaseManager) ScopedRole(role Role, sessionID string, ttl time.Duration) (release func(), ok bool) {
	if !lm.RequestRole(role, sessionID, ttl) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(lm.ReleaseRole)
	}, true
}
