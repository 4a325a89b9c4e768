// Package protocol implements the CQKD choreography: the worker executor
// loop that turns stateless nodes into temporary quantum roles, and the
// Alice and Bob orchestrators that drive the 19-step exchange end to end.
package protocol

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/quantum"
	"github.com/opd-ai/cqkd/session"
)

const (
	// workerPollInterval paces the command polling loop.
	workerPollInterval = 300 * time.Millisecond
	// workerRoleTTL is the conservative lease taken for each command.
	workerRoleTTL = 300 * time.Second
	// recentCommandCapacity bounds the deduplication set; on overflow the
	// older half is dropped.
	recentCommandCapacity = 1000
)

// recentSet remembers recently processed command IDs in insertion order.
type recentSet struct {
	ids      map[string]struct{}
	order    []string
	capacity int
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{
		ids:      make(map[string]struct{}),
		capacity: capacity,
	}
}

func (rs *recentSet) contains(id string) bool {
	_, ok := rs.ids[id]
	return ok
}

func (rs *recentSet) add(id string) {
	if _, ok := rs.ids[id]; ok {
		return
	}
	if len(rs.order) >= rs.capacity {
		drop := rs.order[:len(rs.order)/2]
		for _, old := range drop {
			delete(rs.ids, old)
		}
		rs.order = append([]string(nil), rs.order[len(rs.order)/2:]...)
	}
	rs.ids[id] = struct{}{}
	rs.order = append(rs.order, id)
}

// Executor is the worker loop: poll the node's command key, deduplicate,
// take the role lease, dispatch to the matching quantum handler, release.
// The loop is single-consumer per node, so the recent-command set needs no
// locking.
type Executor struct {
	store  session.Store
	lease  *dht.LeaseManager
	env    *quantum.Env
	nodeID dht.NodeID

	interval time.Duration
	roleTTL  time.Duration
	recent   *recentSet
}

// NewExecutor creates a worker executor for one node.
func NewExecutor(store session.Store, lease *dht.LeaseManager, nodeID dht.NodeID) *Executor {
	return &Executor{
		store:    store,
		lease:    lease,
		env:      quantum.NewEnv(store, nodeID),
		nodeID:   nodeID,
		interval: workerPollInterval,
		roleTTL:  workerRoleTTL,
		recent:   newRecentSet(recentCommandCapacity),
	}
}

// Run polls for commands until the context cancels. A handler in flight
// at cancellation completes and its role is released before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	cmdKey := session.CommandKey(e.nodeID.String())

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"node_id":  e.nodeID.Short(),
		"cmd_key":  cmdKey,
	}).Info("Worker executor started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"node_id":  e.nodeID.Short(),
			}).Info("Worker executor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.pollOnce(ctx, cmdKey)
		}
	}
}

// pollOnce reads the command key and processes a novel command if present.
func (e *Executor) pollOnce(ctx context.Context, cmdKey string) {
	value, found, err := e.store.Get(ctx, cmdKey)
	if err != nil || !found {
		return
	}

	var cmd session.Command
	decoded, err := value.Decode(&cmd)
	if err != nil || !decoded || cmd.CmdID == "" {
		return
	}
	if e.recent.contains(cmd.CmdID) {
		return
	}
	e.recent.add(cmd.CmdID)

	e.execute(ctx, cmd)
}

// execute runs one command under a scoped role lease. A denied lease is
// benign: the worker simply skips the command and the orchestrator
// observes a missing result.
func (e *Executor) execute(ctx context.Context, cmd session.Command) {
	role, err := cmd.ParsedRole()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "execute",
			"node_id":    e.nodeID.Short(),
			"cmd_id":     cmd.CmdID,
			"session_id": cmd.SessionID,
			"error":      err.Error(),
		}).Warn("Command with unknown role ignored")
		return
	}

	handler, ok := quantum.Dispatch(role)
	if !ok {
		return
	}

	release, acquired := e.lease.ScopedRole(role, cmd.SessionID, e.roleTTL)
	if !acquired {
		logrus.WithFields(logrus.Fields{
			"function":   "execute",
			"node_id":    e.nodeID.Short(),
			"cmd_id":     cmd.CmdID,
			"session_id": cmd.SessionID,
			"role":       role,
		}).Info("Role unavailable, command skipped")
		return
	}
	defer release()

	logrus.WithFields(logrus.Fields{
		"function":     "execute",
		"node_id":      e.nodeID.Short(),
		"cmd_id":       cmd.CmdID,
		"session_id":   cmd.SessionID,
		"role":         role,
		"operation_id": cmd.OperationID,
	}).Info("Executing command")

	if err := handler(ctx, e.env, cmd); err != nil {
		e.recordFailure(ctx, cmd, err)
	}
}

// recordFailure writes the per-command diagnostic record. Failures are not
// retried; the orchestrator times out on the missing result.
func (e *Executor) recordFailure(ctx context.Context, cmd session.Command, cause error) {
	logrus.WithFields(logrus.Fields{
		"function":   "recordFailure",
		"node_id":    e.nodeID.Short(),
		"cmd_id":     cmd.CmdID,
		"session_id": cmd.SessionID,
		"role":       cmd.Role,
		"error":      cause.Error(),
	}).Error("Command handler failed")

	record := session.ErrorRecord{
		CmdID:       cmd.CmdID,
		SessionID:   cmd.SessionID,
		Role:        cmd.Role,
		OperationID: cmd.OperationID,
		NodeID:      e.nodeID.String(),
		Error:       cause.Error(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	value, err := dht.JSONValue(record)
	if err != nil {
		return
	}
	if err := e.store.Put(ctx, session.ErrorKey(cmd.SessionID, cmd.CmdID), value); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recordFailure",
			"node_id":  e.nodeID.Short(),
			"cmd_id":   cmd.CmdID,
			"error":    err.Error(),
		}).Warn("Could not write error record")
	}
}
