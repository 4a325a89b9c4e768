package dht

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds the periodic upkeep intervals for a DHT node.
type MaintenanceConfig struct {
	// How often to ping a sample of known contacts.
	PingInterval time.Duration
	// How often to run a random-target lookup to diversify buckets.
	LookupInterval time.Duration
	// How long stored session values live before local expiry.
	StorageMaxAge time.Duration
	// How often expired storage entries are swept.
	StorageSweepInterval time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for node upkeep.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		PingInterval:         1 * time.Minute,
		LookupInterval:       5 * time.Minute,
		StorageMaxAge:        1 * time.Hour,
		StorageSweepInterval: 10 * time.Minute,
	}
}

// Maintainer runs the periodic upkeep loops for one node: contact pings,
// random lookups, and storage expiry. All loops stop on Stop or when the
// parent context cancels.
type Maintainer struct {
	server *Server
	config *MaintenanceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer creates a maintenance manager bound to server.
func NewMaintainer(parent context.Context, server *Server, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Maintainer{
		server: server,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the maintenance loops. Idempotent.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return
	}
	m.isRunning = true

	m.wg.Add(3)
	go m.pingLoop()
	go m.lookupLoop()
	go m.sweepLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"node_id":  m.server.ID().Short(),
	}).Info("DHT maintenance started")
}

// Stop halts all loops and waits for them to exit.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintainer) pingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pingContacts()
		}
	}
}

// pingContacts probes a bounded sample of known contacts and drops the
// ones that fail to answer.
func (m *Maintainer) pingContacts() {
	contacts := m.server.RoutingTable().AllContacts()
	if len(contacts) > 16 {
		contacts = contacts[:16]
	}

	for _, c := range contacts {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
		err := m.server.Ping(ctx, c, 2*time.Second)
		cancel()
		if err != nil {
			m.server.RoutingTable().RemoveContact(c.ID)
			logrus.WithFields(logrus.Fields{
				"function": "pingContacts",
				"node_id":  m.server.ID().Short(),
				"peer":     c.ID.Short(),
			}).Debug("Unresponsive contact pruned")
		}
	}
}

func (m *Maintainer) lookupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.LookupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.server.RefreshTable(m.ctx)
		}
	}
}

func (m *Maintainer) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.StorageSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			removed := m.server.Storage().ExpireOlderThan(m.config.StorageMaxAge)
			if removed > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "sweepLoop",
					"node_id":  m.server.ID().Short(),
					"removed":  removed,
				}).Debug("Expired stored values swept")
			}
		}
	}
}
