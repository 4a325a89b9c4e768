// Package dht implements the Kademlia distributed hash table that carries
// all CQKD coordination traffic.
//
// The package provides 160-bit node identities with the XOR distance metric,
// a k-bucket routing table, a local key/value store with the "__DELETED__"
// tombstone convention, the UDP RPC protocol (ping, find-node, store,
// find-value), and the Server type that ties them together behind the
// Put/Get/Delete surface the protocol layer builds on.
package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
)

// IDLength is the size of a node identifier in bytes (160 bits).
const IDLength = 20

// NodeID is a 160-bit Kademlia identifier.
type NodeID [IDLength]byte

// NewRandomNodeID draws a fresh identifier from the CSPRNG.
func NewRandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand failure is unrecoverable for identity generation.
		panic(fmt.Sprintf("cannot generate node ID: %v", err))
	}
	return id
}

// NodeIDFromHex parses a 40-character hex string into a NodeID.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node ID hex: %w", err)
	}
	if len(raw) != IDLength {
		return id, fmt.Errorf("node ID must be %d bytes, got %d", IDLength, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// KeyDigest maps a DHT key string onto the ID space. Storage placement and
// lookups both use this digest as the lookup target.
func KeyDigest(key string) NodeID {
	return NodeID(sha1.Sum([]byte(key)))
}

// String returns the full lowercase hex form of the ID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for logging.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:8])
}

// IsZero reports whether the ID is all zeroes.
func (id NodeID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Distance returns the XOR distance between two IDs.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := 0; i < IDLength; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less compares two distances lexicographically, most significant byte
// first.
func (id NodeID) Less(other NodeID) bool {
	for i := 0; i < IDLength; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// BucketIndex returns the routing-table bucket for a distance: the position
// of the first set bit, counted from the most significant bit. A zero
// distance maps to the last bucket.
func (id NodeID) BucketIndex() int {
	for i := 0; i < IDLength; i++ {
		if id[i] == 0 {
			continue
		}
		b := id[i]
		for j := 0; j < 8; j++ {
			if (b>>(7-j))&1 == 1 {
				return i*8 + j
			}
		}
	}
	return IDLength*8 - 1
}

// SortByDistance orders contacts ascending by XOR distance to target.
// Equal distances (duplicate IDs) keep their relative order.
func SortByDistance(contacts []Contact, target NodeID) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].ID.Distance(target).Less(contacts[j].ID.Distance(target))
	})
}

// KClosest returns the k contacts closest to target, ascending by distance.
// The input slice is not modified.
func KClosest(contacts []Contact, target NodeID, k int) []Contact {
	sorted := make([]Contact, len(contacts))
	copy(sorted, contacts)
	SortByDistance(sorted, target)
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
