package dht

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// kBucket stores up to ksize contacts at one distance range, ordered with
// the most recently seen contact at the end.
type kBucket struct {
	contacts []contactEntry
	ksize    int
}

type contactEntry struct {
	contact  Contact
	lastSeen time.Time
}

func newKBucket(ksize int) *kBucket {
	return &kBucket{contacts: make([]contactEntry, 0, ksize), ksize: ksize}
}

// add inserts or refreshes a contact. Existing contacts move to the end,
// new contacts append if there is room, and a full bucket evicts its
// least-recently-seen entry. Returns true if the contact is now present.
func (kb *kBucket) add(c Contact) bool {
	for i, entry := range kb.contacts {
		if entry.contact.ID == c.ID {
			kb.contacts = append(kb.contacts[:i], kb.contacts[i+1:]...)
			kb.contacts = append(kb.contacts, contactEntry{contact: c, lastSeen: time.Now()})
			return true
		}
	}

	if len(kb.contacts) < kb.ksize {
		kb.contacts = append(kb.contacts, contactEntry{contact: c, lastSeen: time.Now()})
		return true
	}

	// Full bucket: drop the oldest entry. The health-check subsystem is the
	// authority on liveness, so the plain LRU policy is enough here.
	kb.contacts = append(kb.contacts[1:], contactEntry{contact: c, lastSeen: time.Now()})
	return true
}

func (kb *kBucket) remove(id NodeID) bool {
	for i, entry := range kb.contacts {
		if entry.contact.ID == id {
			kb.contacts = append(kb.contacts[:i], kb.contacts[i+1:]...)
			return true
		}
	}
	return false
}

func (kb *kBucket) all() []Contact {
	out := make([]Contact, 0, len(kb.contacts))
	for _, entry := range kb.contacts {
		out = append(out, entry.contact)
	}
	return out
}

// RoutingTable is the Kademlia routing table: one bucket per possible
// distance prefix, 160 in total for 160-bit IDs.
type RoutingTable struct {
	selfID  NodeID
	buckets [IDLength * 8]*kBucket
	ksize   int
	mu      sync.RWMutex
}

// NewRoutingTable creates an empty routing table for the given identity.
func NewRoutingTable(selfID NodeID, ksize int) *RoutingTable {
	rt := &RoutingTable{selfID: selfID, ksize: ksize}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(ksize)
	}
	return rt
}

// KSize returns the configured bucket width.
func (rt *RoutingTable) KSize() int {
	return rt.ksize
}

// SelfID returns the identity the table is centred on.
func (rt *RoutingTable) SelfID() NodeID {
	return rt.selfID
}

// AddContact places a contact in its distance bucket. Self-insertion is
// rejected to keep lookups from looping back.
func (rt *RoutingTable) AddContact(c Contact) bool {
	if c.ID == rt.selfID || c.ID.IsZero() {
		return false
	}
	idx := rt.selfID.Distance(c.ID).BucketIndex()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].add(c)
}

// RemoveContact deletes a contact from the table, returning whether it was
// present. Used by the health-check eviction path.
func (rt *RoutingTable) RemoveContact(id NodeID) bool {
	idx := rt.selfID.Distance(id).BucketIndex()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	removed := rt.buckets[idx].remove(id)
	if removed {
		logrus.WithFields(logrus.Fields{
			"function": "RemoveContact",
			"node_id":  id.Short(),
			"bucket":   idx,
		}).Debug("Contact removed from routing table")
	}
	return removed
}

// FindClosest returns up to count contacts ordered by XOR distance to
// target.
func (rt *RoutingTable) FindClosest(target NodeID, count int) []Contact {
	rt.mu.RLock()
	all := rt.allLocked()
	rt.mu.RUnlock()
	return KClosest(all, target, count)
}

// AllContacts returns every contact currently in the table.
func (rt *RoutingTable) AllContacts() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.allLocked()
}

func (rt *RoutingTable) allLocked() []Contact {
	var all []Contact
	for _, bucket := range rt.buckets {
		all = append(all, bucket.all()...)
	}
	return all
}

// TotalContacts returns the number of contacts in the table.
func (rt *RoutingTable) TotalContacts() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, bucket := range rt.buckets {
		total += len(bucket.contacts)
	}
	return total
}

// NetworkHealth summarises how evenly the table's contacts spread across
// buckets.
type NetworkHealth struct {
	WellDistributed      bool    `json:"well_distributed"`
	SingleBucketOverload bool    `json:"single_bucket_overload"`
	DistributionScore    float64 `json:"distribution_score"`
}

// TableInfo is a snapshot of routing-table occupancy and derived health.
type TableInfo struct {
	TotalNodes     int           `json:"total_nodes"`
	ActiveBuckets  int           `json:"active_buckets"`
	TotalBuckets   int           `json:"total_buckets"`
	BucketCapacity int           `json:"bucket_capacity"`
	BucketCounts   map[int]int   `json:"bucket_distribution"`
	Health         NetworkHealth `json:"network_health"`
}

// Info computes the occupancy snapshot.
//
// single_bucket_overload fires when any bucket holds more than 80% of
// ksize; the distribution score is 1 - variance/max², clipped to [0,1];
// well_distributed requires at least three active buckets, no overload,
// and a score above 0.5.
func (rt *RoutingTable) Info() TableInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	info := TableInfo{
		TotalBuckets:   len(rt.buckets),
		BucketCapacity: rt.ksize,
		BucketCounts:   make(map[int]int),
	}

	var counts []float64
	for i, bucket := range rt.buckets {
		n := len(bucket.contacts)
		if n == 0 {
			continue
		}
		info.ActiveBuckets++
		info.TotalNodes += n
		info.BucketCounts[i] = n
		counts = append(counts, float64(n))
	}

	if len(counts) == 0 {
		return info
	}

	maxCount, sum := 0.0, 0.0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
		sum += c
	}
	avg := sum / float64(len(counts))

	variance := 0.0
	for _, c := range counts {
		variance += (c - avg) * (c - avg)
	}
	variance /= float64(len(counts))

	info.Health.SingleBucketOverload = maxCount > float64(rt.ksize)*0.8
	if maxCount > 0 {
		score := 1 - variance/(maxCount*maxCount)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		info.Health.DistributionScore = score
	}
	info.Health.WellDistributed = info.ActiveBuckets >= 3 &&
		!info.Health.SingleBucketOverload &&
		info.Health.DistributionScore > 0.5

	return info
}
