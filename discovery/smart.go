package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/errs"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
)

// ErrNotEnoughNodes is raised when all discovery strategies and the
// deadline are exhausted short of the requirement. Fatal to a session.
var ErrNotEnoughNodes = errs.Class("not enough nodes")

// NotEnoughNodesError carries the shortfall details.
type NotEnoughNodesError struct {
	Found    int
	Required int
	Duration time.Duration
}

func (e *NotEnoughNodesError) Error() string {
	return fmt.Sprintf("found %d of %d required nodes after %s", e.Found, e.Required, e.Duration)
}

// cleanupInterval paces the background expired-entry sweep.
const cleanupInterval = 60 * time.Second

// SmartStrategy composes the cache, iterative discovery, random walk, and
// an aggressive unfiltered retry behind one call, under a deadline that
// adapts to network size and health. Background cache refresh and cleanup
// start lazily on first use and stop on Close.
type SmartStrategy struct {
	client    Client
	cfg       *config.Settings
	cache     *NodeCache
	discovery *Service
	walker    *RandomWalkExplorer

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bgWg      sync.WaitGroup
	bgStarted bool
	bgMu      sync.Mutex
}

// NewSmartStrategy creates the composite strategy over an existing cache.
func NewSmartStrategy(client Client, cfg *config.Settings, cache *NodeCache) *SmartStrategy {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &SmartStrategy{
		client:    client,
		cfg:       cfg,
		cache:     cache,
		discovery: NewService(client, cfg),
		walker:    NewRandomWalkExplorer(client, cfg),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
}

// Cache exposes the underlying node cache.
func (ss *SmartStrategy) Cache() *NodeCache {
	return ss.cache
}

// DiscoverNodes returns at least requiredCount distinct peers, or a
// NotEnoughNodes error wrapping the shortfall. Only the cache stage
// applies minScore; requiredCaps filters the cache and the first
// discovery pass, while the random walk and the final pass apply no
// capability filter.
//
// Strategy order: cache, iterative discovery for twice the deficit, random
// walk, then one unfiltered discovery pass for three times the deficit.
// Every stage is skipped once the requirement is met or the deadline is
// spent.
func (ss *SmartStrategy) DiscoverNodes(ctx context.Context, requiredCount int, requiredCaps []dht.Role, minScore float64) ([]dht.NodeInfo, error) {
	ss.ensureBackgroundTasks()

	start := time.Now()
	info := ss.client.Info()
	params := ss.cfg.AdaptiveKademliaParams(info.TotalNodes)
	budget := params.DiscoveryTimeout

	// A sparse or badly distributed network earns extra time up front.
	if info.TotalNodes < requiredCount || !info.Health.WellDistributed {
		extension := minDur(ss.cfg.BaseQueryTimeout*3, budget/2)
		budget += extension
		logrus.WithFields(logrus.Fields{
			"function":    "DiscoverNodes",
			"total_nodes": info.TotalNodes,
			"required":    requiredCount,
			"extension":   extension.String(),
		}).Info("Network looks unhealthy, extending discovery deadline")
	}
	deadline := start.Add(budget)

	logrus.WithFields(logrus.Fields{
		"function":     "DiscoverNodes",
		"required":     requiredCount,
		"capabilities": requiredCaps,
		"budget":       budget.String(),
	}).Info("Smart discovery starting")

	seen := make(map[dht.NodeID]struct{})
	var found []dht.NodeInfo
	collect := func(infos []dht.NodeInfo) {
		self := ss.client.SelfContact().ID
		for _, node := range infos {
			if node.ID == self {
				continue
			}
			if _, ok := seen[node.ID]; ok {
				continue
			}
			seen[node.ID] = struct{}{}
			found = append(found, node)
			ss.cache.Add(node)
		}
	}

	// Stage 1: the cache.
	collect(ss.cache.GetByCapabilities(requiredCaps, requiredCount, minScore))
	logrus.WithFields(logrus.Fields{
		"function": "DiscoverNodes",
		"stage":    "cache",
		"found":    len(found),
	}).Debug("Cache stage complete")

	// Stage 2: iterative discovery for twice the deficit.
	if len(found) < requiredCount && time.Now().Before(deadline) {
		remaining := requiredCount - len(found)
		stageBudget := time.Duration(float64(time.Until(deadline)) * 0.6)
		stageCtx, cancel := context.WithTimeout(ctx, stageBudget)
		result := ss.discovery.DiscoverNodes(stageCtx, remaining*2, requiredCaps)
		cancel()
		collect(result.Nodes)
		logrus.WithFields(logrus.Fields{
			"function": "DiscoverNodes",
			"stage":    "discovery",
			"found":    len(found),
		}).Debug("Discovery stage complete")
	}

	// Stage 3: random walk to reach unexplored regions.
	if len(found) < requiredCount && time.Now().Before(deadline) {
		remaining := requiredCount - len(found)
		stageCtx, cancel := context.WithDeadline(ctx, deadline)
		collect(ss.walker.Explore(stageCtx, WalkCount(remaining)))
		cancel()
		logrus.WithFields(logrus.Fields{
			"function": "DiscoverNodes",
			"stage":    "random_walk",
			"found":    len(found),
		}).Debug("Random walk stage complete")
	}

	// Stage 4: aggressive unfiltered retry for three times the deficit.
	if len(found) < requiredCount {
		remaining := requiredCount - len(found)
		stageBudget := minDur(params.QueryTimeout*3, ss.cfg.MaxQueryTimeout)
		stageCtx, cancel := context.WithTimeout(ctx, stageBudget)
		result := ss.discovery.DiscoverNodes(stageCtx, remaining*3, nil)
		cancel()
		collect(result.Nodes)
		logrus.WithFields(logrus.Fields{
			"function": "DiscoverNodes",
			"stage":    "aggressive",
			"found":    len(found),
		}).Debug("Aggressive stage complete")
	}

	duration := time.Since(start)
	if len(found) < requiredCount {
		detail := &NotEnoughNodesError{
			Found:    len(found),
			Required: requiredCount,
			Duration: duration,
		}
		logrus.WithFields(logrus.Fields{
			"function": "DiscoverNodes",
			"found":    detail.Found,
			"required": detail.Required,
			"duration": duration.String(),
		}).Error("Smart discovery exhausted all strategies")
		return found, ErrNotEnoughNodes.Wrap(detail)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DiscoverNodes",
		"found":    len(found),
		"required": requiredCount,
		"duration": duration.String(),
	}).Info("Smart discovery complete")

	return found, nil
}

// ensureBackgroundTasks starts the refresh and cleanup loops on first use.
func (ss *SmartStrategy) ensureBackgroundTasks() {
	ss.bgMu.Lock()
	defer ss.bgMu.Unlock()
	if ss.bgStarted {
		return
	}
	ss.bgStarted = true

	ss.bgWg.Add(2)
	go ss.refreshLoop()
	go ss.cleanupLoop()
}

// Close stops the background tasks. Idempotent.
func (ss *SmartStrategy) Close() {
	ss.bgMu.Lock()
	started := ss.bgStarted
	ss.bgMu.Unlock()

	ss.bgCancel()
	if started {
		ss.bgWg.Wait()
	}
}

// refreshLoop re-verifies nodes whose verification has gone stale.
func (ss *SmartStrategy) refreshLoop() {
	defer ss.bgWg.Done()
	ticker := time.NewTicker(ss.cfg.CacheRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ss.bgCtx.Done():
			return
		case <-ticker.C:
			for _, info := range ss.cache.NodesNeedingRefresh() {
				pctx, cancel := context.WithTimeout(ss.bgCtx, ss.cfg.BaseQueryTimeout)
				err := ss.client.Ping(pctx, info.Contact(), ss.cfg.BaseQueryTimeout)
				cancel()
				ss.cache.UpdateVerification(info.ID, err == nil)
			}
		}
	}
}

// cleanupLoop sweeps expired cache entries.
func (ss *SmartStrategy) cleanupLoop() {
	defer ss.bgWg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ss.bgCtx.Done():
			return
		case <-ticker.C:
			ss.cache.CleanupExpired()
		}
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
