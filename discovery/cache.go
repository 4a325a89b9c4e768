// Package discovery implements the peer-discovery fabric for CQKD: the
// scored node cache, the tiered health-check manager, the iterative
// lookup service with its published-directory read path, the random-walk
// explorer, the smart composite strategy, and the bootstrap seed pool.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
)

// CachedNode is a cache entry with verification bookkeeping.
type CachedNode struct {
	Info         dht.NodeInfo
	CachedAt     time.Time
	LastVerified time.Time
	HitCount     int
	MissCount    int
}

// AvailabilityScore is hits/(hits+misses); 1.0 until the first miss.
func (cn *CachedNode) AvailabilityScore() float64 {
	total := cn.HitCount + cn.MissCount
	if total == 0 {
		return 1.0
	}
	return float64(cn.HitCount) / float64(total)
}

// IsExpired reports whether the entry aged past the TTL.
func (cn *CachedNode) IsExpired(ttl time.Duration) bool {
	return time.Since(cn.CachedAt) > ttl
}

// NeedsRefresh reports whether the entry's verification is stale.
func (cn *CachedNode) NeedsRefresh(refreshInterval time.Duration) bool {
	return time.Since(cn.LastVerified) > refreshInterval
}

// CacheStats counts cache activity for diagnostics.
type CacheStats struct {
	Hits      int
	Misses    int
	Evictions int
	Refreshes int
}

// NodeCache is a bounded TTL cache of known peers with availability
// scoring, indexed by capability and by state. One mutex covers the
// primary map and both secondary indices, so they are consistent at every
// observable point.
type NodeCache struct {
	maxSize         int
	ttl             time.Duration
	refreshInterval time.Duration

	nodes   map[dht.NodeID]*CachedNode
	byCap   map[dht.Role]map[dht.NodeID]struct{}
	byState map[dht.NodeState]map[dht.NodeID]struct{}
	stats   CacheStats
	mu      sync.Mutex
}

// NewNodeCache creates a cache bounded at maxSize entries.
func NewNodeCache(maxSize int, ttl, refreshInterval time.Duration) *NodeCache {
	return &NodeCache{
		maxSize:         maxSize,
		ttl:             ttl,
		refreshInterval: refreshInterval,
		nodes:           make(map[dht.NodeID]*CachedNode),
		byCap:           make(map[dht.Role]map[dht.NodeID]struct{}),
		byState:         make(map[dht.NodeState]map[dht.NodeID]struct{}),
	}
}

// Add inserts or refreshes a node. A full cache evicts the entry with the
// smallest score·(hits+1) first. Returns false only when eviction itself
// fails on an empty cache.
func (nc *NodeCache) Add(info dht.NodeInfo) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if existing, ok := nc.nodes[info.ID]; ok {
		nc.unindexLocked(existing)
		existing.Info = info
		existing.CachedAt = time.Now()
		nc.indexLocked(existing)
		return true
	}

	if len(nc.nodes) >= nc.maxSize {
		if !nc.evictWorstLocked() {
			return false
		}
	}

	now := time.Now()
	entry := &CachedNode{Info: info, CachedAt: now, LastVerified: now}
	nc.nodes[info.ID] = entry
	nc.indexLocked(entry)
	return true
}

// Get returns the node info for id. Expired entries are removed on access
// and counted as evictions, not misses.
func (nc *NodeCache) Get(id dht.NodeID) (dht.NodeInfo, bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	entry, ok := nc.nodes[id]
	if !ok {
		nc.stats.Misses++
		return dht.NodeInfo{}, false
	}
	if entry.IsExpired(nc.ttl) {
		nc.removeLocked(id)
		nc.stats.Evictions++
		return dht.NodeInfo{}, false
	}
	nc.stats.Hits++
	return entry.Info, true
}

// GetByCapabilities returns up to count active, unexpired nodes holding
// every required capability with score >= minScore, best score first. An
// empty required set matches every node.
func (nc *NodeCache) GetByCapabilities(required []dht.Role, count int, minScore float64) []dht.NodeInfo {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	candidates := nc.candidateIDsLocked(required)

	var matches []*CachedNode
	for id := range candidates {
		entry, ok := nc.nodes[id]
		if !ok {
			continue
		}
		if entry.IsExpired(nc.ttl) {
			nc.removeLocked(id)
			nc.stats.Evictions++
			continue
		}
		if entry.Info.State != dht.StateActive {
			continue
		}
		if entry.AvailabilityScore() < minScore {
			continue
		}
		matches = append(matches, entry)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].AvailabilityScore() > matches[j].AvailabilityScore()
	})
	if len(matches) > count {
		matches = matches[:count]
	}

	out := make([]dht.NodeInfo, 0, len(matches))
	for _, m := range matches {
		m.HitCount++
		nc.stats.Hits++
		out = append(out, m.Info)
	}
	return out
}

// candidateIDsLocked intersects the capability index for the required set.
func (nc *NodeCache) candidateIDsLocked(required []dht.Role) map[dht.NodeID]struct{} {
	if len(required) == 0 {
		all := make(map[dht.NodeID]struct{}, len(nc.nodes))
		for id := range nc.nodes {
			all[id] = struct{}{}
		}
		return all
	}

	result := make(map[dht.NodeID]struct{})
	for id := range nc.byCap[required[0]] {
		result[id] = struct{}{}
	}
	for _, role := range required[1:] {
		idx := nc.byCap[role]
		for id := range result {
			if _, ok := idx[id]; !ok {
				delete(result, id)
			}
		}
	}
	return result
}

// MarkUnavailable records a miss against a node.
func (nc *NodeCache) MarkUnavailable(id dht.NodeID) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if entry, ok := nc.nodes[id]; ok {
		entry.MissCount++
	}
}

// UpdateVerification records a verification outcome and refreshes the
// verification timestamp.
func (nc *NodeCache) UpdateVerification(id dht.NodeID, ok bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	entry, present := nc.nodes[id]
	if !present {
		return
	}
	entry.LastVerified = time.Now()
	if ok {
		entry.HitCount++
	} else {
		entry.MissCount++
	}
	nc.stats.Refreshes++
}

// Remove drops a node from the cache and indices.
func (nc *NodeCache) Remove(id dht.NodeID) bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.removeLocked(id)
}

// NodesNeedingRefresh returns entries whose verification is stale.
func (nc *NodeCache) NodesNeedingRefresh() []dht.NodeInfo {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	var out []dht.NodeInfo
	for _, entry := range nc.nodes {
		if entry.NeedsRefresh(nc.refreshInterval) {
			out = append(out, entry.Info)
		}
	}
	return out
}

// ActiveNodes returns all unexpired entries in the ACTIVE state.
func (nc *NodeCache) ActiveNodes() []dht.NodeInfo {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	var out []dht.NodeInfo
	for id := range nc.byState[dht.StateActive] {
		entry := nc.nodes[id]
		if entry != nil && !entry.IsExpired(nc.ttl) {
			out = append(out, entry.Info)
		}
	}
	return out
}

// Entry returns a copy of the cache entry for id, for health bookkeeping.
func (nc *NodeCache) Entry(id dht.NodeID) (CachedNode, bool) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	entry, ok := nc.nodes[id]
	if !ok {
		return CachedNode{}, false
	}
	return *entry, true
}

// CleanupExpired sweeps every expired entry, returning the count removed.
func (nc *NodeCache) CleanupExpired() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	var expired []dht.NodeID
	for id, entry := range nc.nodes {
		if entry.IsExpired(nc.ttl) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		nc.removeLocked(id)
		nc.stats.Evictions++
	}

	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "CleanupExpired",
			"removed":  len(expired),
			"size":     len(nc.nodes),
		}).Debug("Swept expired cache entries")
	}
	return len(expired)
}

// Len returns the number of cached nodes.
func (nc *NodeCache) Len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.nodes)
}

// Stats returns a copy of the activity counters.
func (nc *NodeCache) Stats() CacheStats {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.stats
}

func (nc *NodeCache) indexLocked(entry *CachedNode) {
	for _, role := range entry.Info.Capabilities {
		if nc.byCap[role] == nil {
			nc.byCap[role] = make(map[dht.NodeID]struct{})
		}
		nc.byCap[role][entry.Info.ID] = struct{}{}
	}
	if nc.byState[entry.Info.State] == nil {
		nc.byState[entry.Info.State] = make(map[dht.NodeID]struct{})
	}
	nc.byState[entry.Info.State][entry.Info.ID] = struct{}{}
}

func (nc *NodeCache) unindexLocked(entry *CachedNode) {
	for _, role := range entry.Info.Capabilities {
		if idx := nc.byCap[role]; idx != nil {
			delete(idx, entry.Info.ID)
			if len(idx) == 0 {
				delete(nc.byCap, role)
			}
		}
	}
	if idx := nc.byState[entry.Info.State]; idx != nil {
		delete(idx, entry.Info.ID)
		if len(idx) == 0 {
			delete(nc.byState, entry.Info.State)
		}
	}
}

func (nc *NodeCache) removeLocked(id dht.NodeID) bool {
	entry, ok := nc.nodes[id]
	if !ok {
		return false
	}
	nc.unindexLocked(entry)
	delete(nc.nodes, id)
	return true
}

// evictWorstLocked drops the entry with the smallest score·(hits+1),
// preferring to keep proven nodes over unproven ones.
func (nc *NodeCache) evictWorstLocked() bool {
	var worstID dht.NodeID
	worstWeight := -1.0
	found := false

	for id, entry := range nc.nodes {
		weight := entry.AvailabilityScore() * float64(entry.HitCount+1)
		if !found || weight < worstWeight {
			worstID = id
			worstWeight = weight
			found = true
		}
	}
	if !found {
		return false
	}
	nc.removeLocked(worstID)
	nc.stats.Evictions++
	return true
}
