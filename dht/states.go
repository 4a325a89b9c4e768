package dht

import (
	"fmt"
	"net"
	"time"
)

// NodeState is the lifecycle state of a DHT node.
type NodeState string

const (
	StateOff    NodeState = "off"
	StateActive NodeState = "active"
	StateBusy   NodeState = "busy"
	StateError  NodeState = "error"
)

// Role is a quantum role a node can temporarily assume.
type Role string

const (
	RoleQSG Role = "qsg" // quantum spin generator
	RoleBG  Role = "bg"  // base generator
	RoleQPP Role = "qpp" // quantum photon polarizer
	RoleQPM Role = "qpm" // quantum photon meter
	RoleQPC Role = "qpc" // quantum photon collider
)

// AllRoles is the default capability set of a worker.
func AllRoles() []Role {
	return []Role{RoleQSG, RoleBG, RoleQPP, RoleQPM, RoleQPC}
}

// ParseRole validates a role string from the wire.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleQSG, RoleBG, RoleQPP, RoleQPM, RoleQPC:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RoleAssignment records an active role lease on a node.
type RoleAssignment struct {
	Role       Role
	SessionID  string
	AssignedAt time.Time
	ExpiresAt  time.Time
}

// IsExpired reports whether the lease TTL has elapsed.
func (a *RoleAssignment) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// Contact is the wire-level identity of a peer: who it is and where to
// reach it.
type Contact struct {
	ID      NodeID `json:"id"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Addr returns the contact's UDP endpoint.
func (c Contact) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Address), Port: c.Port}
}

// NodeInfo describes a known peer together with its protocol state.
type NodeInfo struct {
	ID           NodeID
	Address      string
	Port         int
	State        NodeState
	Capabilities []Role
	LastSeen     time.Time
	CurrentRole  *RoleAssignment
}

// Contact reduces the info to its addressable identity.
func (ni *NodeInfo) Contact() Contact {
	return Contact{ID: ni.ID, Address: ni.Address, Port: ni.Port}
}

// HasCapability reports whether the node advertises the given role.
func (ni *NodeInfo) HasCapability(role Role) bool {
	return containsRole(ni.Capabilities, role)
}

// CanAcceptRole reports whether a role request against this node could
// succeed: active, capable, and not holding an unexpired lease.
func (ni *NodeInfo) CanAcceptRole(role Role) bool {
	if ni.State != StateActive {
		return false
	}
	if !containsRole(ni.Capabilities, role) {
		return false
	}
	return ni.CurrentRole == nil || ni.CurrentRole.IsExpired()
}

func containsRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
