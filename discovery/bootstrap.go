package discovery

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/config"
)

// SelectionStrategy picks which healthy seed a joining node dials.
type SelectionStrategy string

const (
	SelectRoundRobin  SelectionStrategy = "round_robin"
	SelectLeastLoaded SelectionStrategy = "least_loaded"
	SelectPriority    SelectionStrategy = "priority"
	SelectRandom      SelectionStrategy = "random"
)

// BootstrapNode is one seed in the pool with its health bookkeeping.
type BootstrapNode struct {
	Host            string
	Port            int
	Name            string
	Priority        int
	LoadScore       float64
	LastHealthCheck time.Time
	IsHealthy       bool
	ConnectionCount int
	FailureCount    int
}

// HostPort returns the seed's dialable address.
func (bn *BootstrapNode) HostPort() config.HostPort {
	return config.HostPort{Host: bn.Host, Port: bn.Port}
}

// BootstrapManager maintains the pool of seed nodes: selection by
// strategy, per-seed health tracking, and a periodic health recomputation
// loop. Pool size follows the configured scale class.
type BootstrapManager struct {
	cfg      *config.Settings
	strategy SelectionStrategy

	nodes  []*BootstrapNode
	cursor int
	mu     sync.Mutex

	checker func(ctx context.Context, node *BootstrapNode) error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// NewBootstrapManager builds the pool from the configured seed list,
// capped by the bootstrap strategy's scale class.
func NewBootstrapManager(parent context.Context, cfg *config.Settings) *BootstrapManager {
	ctx, cancel := context.WithCancel(parent)
	bm := &BootstrapManager{
		cfg:      cfg,
		strategy: SelectionStrategy(cfg.BootstrapSelectionStrategy),
		ctx:      ctx,
		cancel:   cancel,
	}

	seeds := cfg.BootstrapNodesList()
	if limit := cfg.MaxBootstrapNodesForStrategy(); limit > 0 && len(seeds) > limit {
		seeds = seeds[:limit]
	}
	for i, seed := range seeds {
		bm.nodes = append(bm.nodes, &BootstrapNode{
			Host:      seed.Host,
			Port:      seed.Port,
			Name:      seed.String(),
			Priority:  i,
			IsHealthy: true,
		})
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewBootstrapManager",
		"seeds":    len(bm.nodes),
		"strategy": bm.strategy,
	}).Info("Bootstrap pool initialised")

	return bm
}

// SetHealthChecker installs the probe used by the background health loop.
func (bm *BootstrapManager) SetHealthChecker(checker func(ctx context.Context, node *BootstrapNode) error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.checker = checker
}

// Select returns the next seed according to the selection strategy. Only
// healthy seeds participate; with none healthy, the full pool is the
// fallback. Returns false when the pool is empty.
func (bm *BootstrapManager) Select() (*BootstrapNode, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	pool := bm.healthyLocked()
	if len(pool) == 0 {
		pool = bm.nodes
	}
	if len(pool) == 0 {
		return nil, false
	}

	var chosen *BootstrapNode
	switch bm.strategy {
	case SelectLeastLoaded:
		sorted := make([]*BootstrapNode, len(pool))
		copy(sorted, pool)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].LoadScore != sorted[j].LoadScore {
				return sorted[i].LoadScore < sorted[j].LoadScore
			}
			return sorted[i].ConnectionCount < sorted[j].ConnectionCount
		})
		chosen = sorted[0]

	case SelectPriority:
		sorted := make([]*BootstrapNode, len(pool))
		copy(sorted, pool)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Priority < sorted[j].Priority
		})
		chosen = sorted[0]

	case SelectRandom:
		chosen = pool[rand.Intn(len(pool))]

	default: // round robin
		chosen = pool[bm.cursor%len(pool)]
		bm.cursor++
	}

	chosen.ConnectionCount++
	return chosen, true
}

// All returns every configured seed address, for callers that fan out to
// the whole pool.
func (bm *BootstrapManager) All() []config.HostPort {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	out := make([]config.HostPort, 0, len(bm.nodes))
	for _, node := range bm.nodes {
		out = append(out, node.HostPort())
	}
	return out
}

// Healthy returns the addresses of all currently healthy seeds.
func (bm *BootstrapManager) Healthy() []config.HostPort {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var out []config.HostPort
	for _, node := range bm.healthyLocked() {
		out = append(out, node.HostPort())
	}
	return out
}

func (bm *BootstrapManager) healthyLocked() []*BootstrapNode {
	var out []*BootstrapNode
	for _, node := range bm.nodes {
		if node.IsHealthy {
			out = append(out, node)
		}
	}
	return out
}

// ReportSuccess resets a seed's failure streak.
func (bm *BootstrapManager) ReportSuccess(hp config.HostPort) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if node := bm.findLocked(hp); node != nil {
		node.FailureCount = 0
		node.IsHealthy = true
		node.LastHealthCheck = time.Now()
	}
}

// ReportFailure increments a seed's failure streak and marks it unhealthy
// after the configured threshold of consecutive failures.
func (bm *BootstrapManager) ReportFailure(hp config.HostPort) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	node := bm.findLocked(hp)
	if node == nil {
		return
	}
	node.FailureCount++
	node.LastHealthCheck = time.Now()
	if node.FailureCount >= bm.cfg.BootstrapFailureThreshold {
		node.IsHealthy = false
		logrus.WithFields(logrus.Fields{
			"function": "ReportFailure",
			"seed":     node.Name,
			"failures": node.FailureCount,
		}).Warn("Bootstrap seed marked unhealthy")
	}
}

func (bm *BootstrapManager) findLocked(hp config.HostPort) *BootstrapNode {
	for _, node := range bm.nodes {
		if node.Host == hp.Host && node.Port == hp.Port {
			return node
		}
	}
	return nil
}

// Start launches the periodic health recomputation loop. A no-op without
// an installed health checker.
func (bm *BootstrapManager) Start() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.isRunning || bm.checker == nil {
		return
	}
	bm.isRunning = true

	bm.wg.Add(1)
	go bm.healthLoop()
}

// Stop halts the health loop.
func (bm *BootstrapManager) Stop() {
	bm.mu.Lock()
	if !bm.isRunning {
		bm.mu.Unlock()
		return
	}
	bm.isRunning = false
	bm.mu.Unlock()

	bm.cancel()
	bm.wg.Wait()
}

func (bm *BootstrapManager) healthLoop() {
	defer bm.wg.Done()
	ticker := time.NewTicker(bm.cfg.BootstrapHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bm.ctx.Done():
			return
		case <-ticker.C:
			bm.recomputeHealth()
		}
	}
}

func (bm *BootstrapManager) recomputeHealth() {
	bm.mu.Lock()
	nodes := make([]*BootstrapNode, len(bm.nodes))
	copy(nodes, bm.nodes)
	checker := bm.checker
	bm.mu.Unlock()

	for _, node := range nodes {
		ctx, cancel := context.WithTimeout(bm.ctx, bm.cfg.BootstrapConnectionTimeout)
		err := checker(ctx, node)
		cancel()
		if err != nil {
			bm.ReportFailure(node.HostPort())
		} else {
			bm.ReportSuccess(node.HostPort())
		}
	}
}
