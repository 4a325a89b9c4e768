package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
)

// CheckLevel identifies one of the three health-check tiers.
type CheckLevel string

const (
	CheckFast   CheckLevel = "fast"
	CheckMedium CheckLevel = "medium"
	CheckDeep   CheckLevel = "deep"
)

// HealthStatus tracks check history for one node.
type HealthStatus struct {
	NodeID              dht.NodeID
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	LastCheck           time.Time
	LastLevel           CheckLevel
	IsCritical          bool
	TotalChecks         int
	SuccessfulChecks    int
}

// AvailabilityScore is the success ratio over all checks; 1.0 before the
// first check.
func (hs *HealthStatus) AvailabilityScore() float64 {
	if hs.TotalChecks == 0 {
		return 1.0
	}
	return float64(hs.SuccessfulChecks) / float64(hs.TotalChecks)
}

// HealthCheckManager verifies cached peers on three tiers. Fast checks
// ping every active node; medium checks re-verify weak or stale nodes with
// a ping plus FIND_NODE; deep checks add capability verification for
// critical or failing nodes. Nodes crossing the failure threshold are
// evicted from the cache, the routing table, and the status map.
type HealthCheckManager struct {
	client Client
	cache  *NodeCache
	cfg    *config.Settings

	statuses      map[dht.NodeID]*HealthStatus
	statusMu      sync.Mutex
	priorityRoles map[dht.Role]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewHealthCheckManager creates a manager over the given cache.
func NewHealthCheckManager(parent context.Context, client Client, cache *NodeCache, cfg *config.Settings) *HealthCheckManager {
	ctx, cancel := context.WithCancel(parent)
	priority := make(map[dht.Role]struct{})
	for _, r := range cfg.HealthPriorityRoles {
		role, err := dht.ParseRole(normalizeRole(r))
		if err == nil {
			priority[role] = struct{}{}
		}
	}
	return &HealthCheckManager{
		client:        client,
		cache:         cache,
		cfg:           cfg,
		statuses:      make(map[dht.NodeID]*HealthStatus),
		priorityRoles: priority,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func normalizeRole(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Start launches the three periodic level loops. Idempotent; a no-op when
// health checking is disabled by configuration.
func (hm *HealthCheckManager) Start() {
	if !hm.cfg.EnableHealthCheck {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
		}).Info("Health checking disabled by configuration")
		return
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.isRunning {
		return
	}
	hm.isRunning = true

	hm.wg.Add(3)
	go hm.levelLoop(CheckFast)
	go hm.levelLoop(CheckMedium)
	go hm.levelLoop(CheckDeep)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Health check manager started")
}

// Stop cancels the loops and waits for in-flight batches to drain.
func (hm *HealthCheckManager) Stop() {
	hm.mu.Lock()
	if !hm.isRunning {
		hm.mu.Unlock()
		return
	}
	hm.isRunning = false
	hm.cancel()
	hm.mu.Unlock()

	hm.wg.Wait()
}

// Status returns a copy of the health record for a node.
func (hm *HealthCheckManager) Status(id dht.NodeID) (HealthStatus, bool) {
	hm.statusMu.Lock()
	defer hm.statusMu.Unlock()
	status, ok := hm.statuses[id]
	if !ok {
		return HealthStatus{}, false
	}
	return *status, true
}

func (hm *HealthCheckManager) levelLoop(level CheckLevel) {
	defer hm.wg.Done()

	for {
		params := hm.cfg.AdaptiveHealthParams(hm.client.Info().TotalNodes)
		var interval time.Duration
		switch level {
		case CheckFast:
			interval = params.FastInterval
		case CheckMedium:
			interval = params.MediumInterval
		default:
			interval = params.DeepInterval
		}

		select {
		case <-hm.ctx.Done():
			return
		case <-time.After(interval):
			hm.RunLevel(hm.ctx, level)
		}
	}
}

// RunLevel performs one pass of the given check level over its target set.
// Exported so tests and diagnostics can drive a pass directly.
func (hm *HealthCheckManager) RunLevel(ctx context.Context, level CheckLevel) {
	params := hm.cfg.AdaptiveHealthParams(hm.client.Info().TotalNodes)
	targets := hm.selectTargets(level)
	if len(targets) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "RunLevel",
		"level":    level,
		"targets":  len(targets),
		"batch":    params.BatchSize,
		"parallel": params.ConcurrentBatches,
	}).Debug("Health check pass starting")

	batches := partition(targets, params.BatchSize)
	sem := semaphore.NewWeighted(int64(maxIntd(params.ConcurrentBatches, 1)))

	var wg sync.WaitGroup
	for _, batch := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(batch []dht.NodeInfo) {
			defer wg.Done()
			defer sem.Release(1)
			hm.runBatch(ctx, level, batch, params)
		}(batch)
	}
	wg.Wait()
}

// runBatch checks every node in a batch, bounded by the batch size.
func (hm *HealthCheckManager) runBatch(ctx context.Context, level CheckLevel, batch []dht.NodeInfo, params config.HealthParams) {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxIntd(params.BatchSize, 1))

	for _, info := range batch {
		info := info
		group.Go(func() error {
			ok := hm.checkNode(gctx, level, info, params)
			hm.processResult(level, info, ok, params)
			return nil
		})
	}
	_ = group.Wait()
}

// selectTargets picks the node set for a level:
// fast = all active cached nodes; medium = score < 0.7 or unverified for
// over ten minutes; deep = critical nodes, failing nodes, or score < 0.5.
func (hm *HealthCheckManager) selectTargets(level CheckLevel) []dht.NodeInfo {
	active := hm.cache.ActiveNodes()

	switch level {
	case CheckFast:
		return active

	case CheckMedium:
		var targets []dht.NodeInfo
		for _, info := range active {
			entry, ok := hm.cache.Entry(info.ID)
			if !ok {
				continue
			}
			if entry.AvailabilityScore() < 0.7 || time.Since(entry.LastVerified) > 10*time.Minute {
				targets = append(targets, info)
			}
		}
		return targets

	default:
		var targets []dht.NodeInfo
		for _, info := range active {
			entry, ok := hm.cache.Entry(info.ID)
			if !ok {
				continue
			}
			critical := hm.isCritical(info)
			failing := false
			hm.statusMu.Lock()
			if status, ok := hm.statuses[info.ID]; ok && status.ConsecutiveFailures > 0 {
				failing = true
			}
			hm.statusMu.Unlock()

			if critical || failing || entry.AvailabilityScore() < 0.5 {
				targets = append(targets, info)
			}
		}
		return targets
	}
}

// isCritical reports whether the node holds a priority role.
func (hm *HealthCheckManager) isCritical(info dht.NodeInfo) bool {
	for _, role := range info.Capabilities {
		if _, ok := hm.priorityRoles[role]; ok {
			return true
		}
	}
	if info.CurrentRole != nil {
		if _, ok := hm.priorityRoles[info.CurrentRole.Role]; ok {
			return true
		}
	}
	return false
}

// checkNode performs the actual verification for one node at one level.
func (hm *HealthCheckManager) checkNode(ctx context.Context, level CheckLevel, info dht.NodeInfo, params config.HealthParams) bool {
	contact := info.Contact()

	switch level {
	case CheckFast:
		cctx, cancel := context.WithTimeout(ctx, params.FastTimeout)
		defer cancel()
		return hm.client.Ping(cctx, contact, params.FastTimeout) == nil

	case CheckMedium:
		cctx, cancel := context.WithTimeout(ctx, params.MediumTimeout)
		defer cancel()
		if err := hm.client.Ping(cctx, contact, params.MediumTimeout); err != nil {
			return false
		}
		_, err := hm.client.FindNode(cctx, contact, hm.client.SelfContact().ID, params.MediumTimeout)
		return err == nil

	default:
		cctx, cancel := context.WithTimeout(ctx, params.DeepTimeout)
		defer cancel()
		if err := hm.client.Ping(cctx, contact, params.DeepTimeout); err != nil {
			return false
		}
		if _, err := hm.client.FindNode(cctx, contact, hm.client.SelfContact().ID, params.DeepTimeout); err != nil {
			return false
		}
		return hm.verifyPublication(cctx, info)
	}
}

// verifyPublication cross-checks the node's directory record. A missing
// record is not a failure (publication is best-effort); a record that
// parses and reports a non-active state is.
func (hm *HealthCheckManager) verifyPublication(ctx context.Context, info dht.NodeInfo) bool {
	value, found, err := hm.client.Get(ctx, NodeKey(info.ID))
	if err != nil || !found {
		return true
	}
	var published PublishedNode
	if ok, _ := value.Decode(&published); !ok {
		return true
	}
	return published.State == string(dht.StateActive) || published.State == string(dht.StateBusy)
}

// processResult records one check outcome and applies the eviction policy:
// consecutive failures at or past the threshold, or an availability score
// below the minimum, removes the node everywhere.
func (hm *HealthCheckManager) processResult(level CheckLevel, info dht.NodeInfo, ok bool, params config.HealthParams) {
	hm.cache.UpdateVerification(info.ID, ok)

	hm.statusMu.Lock()
	status, present := hm.statuses[info.ID]
	if !present {
		status = &HealthStatus{NodeID: info.ID}
		hm.statuses[info.ID] = status
	}
	now := time.Now()
	status.LastCheck = now
	status.LastLevel = level
	status.TotalChecks++
	status.IsCritical = hm.isCritical(info)
	if ok {
		status.SuccessfulChecks++
		status.ConsecutiveFailures = 0
		status.LastSuccess = now
	} else {
		status.ConsecutiveFailures++
		status.LastFailure = now
	}
	failures := status.ConsecutiveFailures
	score := status.AvailabilityScore()
	hm.statusMu.Unlock()

	if failures >= params.FailureThreshold || score < params.MinScore {
		hm.evict(info.ID, failures, score)
	}
}

// evict removes a failed node from the cache, the routing table, and the
// status map. Routing-table removal failure is non-fatal.
func (hm *HealthCheckManager) evict(id dht.NodeID, failures int, score float64) {
	hm.cache.Remove(id)
	if !hm.client.RemoveContact(id) {
		logrus.WithFields(logrus.Fields{
			"function": "evict",
			"node_id":  id.Short(),
		}).Debug("Node was not present in routing table")
	}

	hm.statusMu.Lock()
	delete(hm.statuses, id)
	hm.statusMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":             "evict",
		"node_id":              id.Short(),
		"consecutive_failures": failures,
		"availability_score":   score,
	}).Info("Unhealthy node evicted")
}

func partition(nodes []dht.NodeInfo, size int) [][]dht.NodeInfo {
	if size < 1 {
		size = 1
	}
	var batches [][]dht.NodeInfo
	for start := 0; start < len(nodes); start += size {
		end := start + size
		if end > len(nodes) {
			end = len(nodes)
		}
		batches = append(batches, nodes[start:end])
	}
	return batches
}

func maxIntd(a, b int) int {
	if a > b {
		return a
	}
	return b
}
