package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/config"
	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/quantum"
	"github.com/opd-ai/cqkd/session"
)

const (
	// resultTimeout bounds the wait for each worker result key.
	resultTimeout = 30 * time.Second
	// siftingTimeout bounds the wait for the collider's output.
	siftingTimeout = 60 * time.Second
	// completionErrorLimit truncates error messages in completion records.
	completionErrorLimit = 500
	// completionSampleLimit caps per-role sample IDs in the completion
	// record, keeping it well inside one UDP frame.
	completionSampleLimit = 3
)

// Discoverer is the slice of the smart discovery strategy Alice consumes.
type Discoverer interface {
	DiscoverNodes(ctx context.Context, requiredCount int, requiredCaps []dht.Role, minScore float64) ([]dht.NodeInfo, error)
	Close()
}

// HandshakePayload is the single JSON object Alice publishes for Bob. Bob
// learns only what he needs: lengths, the sorting rule, her (shuffled)
// bases, the BG nodes for his own basis generation, and where results
// appear. The QSG/QPP allocation stays Alice's private knowledge.
type HandshakePayload struct {
	LC          int      `json:"lc"`
	LK          int      `json:"lk"`
	SortingRule []int    `json:"sorting_rule"`
	AliceBases  []string `json:"alice_bases"`
	QPMNodes    []string `json:"qpm_nodes"`
	QPCNode     string   `json:"qpc_node"`
	BGNodes     []string `json:"bg_nodes"`
	AliceNode   string   `json:"alice_node"`
	Timestamp   string   `json:"ts"`
}

// roleSummary is the per-role slice of a completion record.
type roleSummary struct {
	Count   int      `json:"count"`
	Samples []string `json:"samples"`
}

// CompletionRecord is the session summary Alice writes either way. It is
// deliberately small: counts and a few sample IDs instead of full
// allocations, and a truncated error string.
type CompletionRecord struct {
	Status         string                 `json:"status"`
	Timestamp      string                 `json:"timestamp"`
	Orchestrator   string                 `json:"orchestrator"`
	LC             int                    `json:"lc"`
	LK             int                    `json:"lk"`
	Alpha          int                    `json:"alpha"`
	Roles          map[string]roleSummary `json:"roles,omitempty"`
	ValidPositions int                    `json:"valid_positions"`
	Error          string                 `json:"error,omitempty"`
}

// Alice drives the initiator side of the exchange: sizing, discovery,
// allocation, quantum dispatch, collection, shuffling, the handshake with
// Bob, sifting, and final key extraction.
type Alice struct {
	store    session.Store
	discover Discoverer
	cfg      *config.Settings
	selfID   dht.NodeID

	sessionID string
	sizing    session.Sizing
}

// NewAlice creates the initiator orchestrator.
func NewAlice(store session.Store, discover Discoverer, cfg *config.Settings, selfID dht.NodeID) *Alice {
	return &Alice{
		store:    store,
		discover: discover,
		cfg:      cfg,
		selfID:   selfID,
	}
}

// SessionID returns the current session identifier, once opened.
func (a *Alice) SessionID() string {
	return a.sessionID
}

// GenerateKey runs the full exchange for a key of lc bits and returns the
// packed key bytes. A completion record is written whether the session
// succeeds or fails; discovery background tasks stop on return.
func (a *Alice) GenerateKey(ctx context.Context, lc int) ([]byte, error) {
	defer a.discover.Close()

	// Sizing: lk covers the expected sift loss, alpha staffs one node per
	// role per position.
	a.sizing = session.NewSizing(lc, a.cfg.KeyLengthMultiplier, a.cfg.RequiredNodesMultiplier)
	a.sessionID = a.cfg.SessionID
	if a.sessionID == "" {
		a.sessionID = session.NewSessionID()
	}

	log := logrus.WithFields(logrus.Fields{
		"session_id": a.sessionID,
		"lc":         a.sizing.LC,
		"lk":         a.sizing.LK,
		"alpha":      a.sizing.Alpha,
	})
	log.Info("Alice session starting")

	key, alloc, validCount, err := a.run(ctx, log)

	record := CompletionRecord{
		Status:         "success",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Orchestrator:   a.selfID.String(),
		LC:             a.sizing.LC,
		LK:             a.sizing.LK,
		Alpha:          a.sizing.Alpha,
		ValidPositions: validCount,
	}
	if alloc != nil {
		record.Roles = summariseAllocation(alloc)
	}
	if err != nil {
		record.Status = "failed"
		record.Error = truncate(err.Error(), completionErrorLimit)
	}
	a.writeCompletion(ctx, record)

	if err != nil {
		log.WithField("error", err.Error()).Error("Alice session failed")
		return nil, err
	}
	log.WithField("key_bytes", len(key)).Info("Alice session complete")
	return key, nil
}

// run executes the protocol steps, returning the key, the allocation for
// the completion record, and the surviving position count.
func (a *Alice) run(ctx context.Context, log *logrus.Entry) ([]byte, session.Allocation, int, error) {
	// Discovery with a retry budget; a sparse network earns extra tries.
	available, err := a.discoverWithRetry(ctx, log)
	if err != nil {
		return nil, nil, 0, err
	}

	alloc, err := session.Allocate(available, a.sizing.LK)
	if err != nil {
		return nil, nil, 0, err
	}
	log.WithFields(logrus.Fields{
		"function": "run",
		"qsg":      len(alloc[dht.RoleQSG]),
		"bg":       len(alloc[dht.RoleBG]),
		"qpp":      len(alloc[dht.RoleQPP]),
		"qpm":      len(alloc[dht.RoleQPM]),
		"qpc":      len(alloc[dht.RoleQPC]),
	}).Info("Node allocation complete")

	if err := a.dispatchQuantumOperations(ctx, alloc); err != nil {
		return nil, alloc, 0, err
	}

	bits, bases, err := a.collectQuantumResults(ctx)
	if err != nil {
		return nil, alloc, 0, err
	}

	// Shuffle after collection: the permutation reorders bits and bases
	// together and doubles as the sorting rule Bob receives.
	rule := session.RandomPermutation(a.sizing.LK)
	bits = session.ApplyPermutation(bits, rule)
	bases = session.ApplyPermutation(bases, rule)
	log.WithFields(logrus.Fields{
		"function": "run",
	}).Info("Key material shuffled")

	if err := a.notifyBob(ctx, alloc, rule, bases); err != nil {
		return nil, alloc, 0, err
	}

	// QPC runs coordinator-side, then the published result is awaited like
	// any other key so the flow matches a worker-side collider too.
	if _, err := quantum.ExecuteQPC(ctx, a.store, a.sessionID, a.sizing.LK); err != nil {
		return nil, alloc, 0, err
	}
	validPositions, err := a.awaitSifting(ctx)
	if err != nil {
		return nil, alloc, 0, err
	}

	key, err := a.extractKey(bits, rule, validPositions)
	if err != nil {
		return nil, alloc, len(validPositions), err
	}
	return key, alloc, len(validPositions), nil
}

// discoverWithRetry asks the smart strategy for alpha nodes, retrying on
// shortfall. The budget starts at two attempts and grows to four when the
// first pass found fewer than half of alpha, the sign of a poorly
// connected network.
func (a *Alice) discoverWithRetry(ctx context.Context, log *logrus.Entry) ([]dht.NodeInfo, error) {
	retryBudget := 2
	var lastErr error

	for attempt := 1; attempt <= retryBudget; attempt++ {
		nodes, err := a.discover.DiscoverNodes(ctx, a.sizing.Alpha, nil, 0.0)
		if err == nil {
			return nodes, nil
		}
		lastErr = err

		if attempt == 1 && len(nodes) < a.sizing.Alpha/2 && retryBudget < 4 {
			retryBudget = 4
			log.WithFields(logrus.Fields{
				"function":     "discoverWithRetry",
				"found":        len(nodes),
				"retry_budget": retryBudget,
			}).Warn("Network looks poor, increasing discovery retry budget")
		}
		log.WithFields(logrus.Fields{
			"function": "discoverWithRetry",
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Discovery attempt failed")
	}
	return nil, lastErr
}

// dispatchQuantumOperations writes the four per-position commands: QSG,
// BG (owner alice), QPP, and QPM. Workers read their data inputs from the
// DHT pipeline keys; commands carry only addressing.
func (a *Alice) dispatchQuantumOperations(ctx context.Context, alloc session.Allocation) error {
	qsg := alloc[dht.RoleQSG]
	bg := alloc[dht.RoleBG]
	qpp := alloc[dht.RoleQPP]
	qpm := alloc[dht.RoleQPM]

	dispatched := 0
	for i := 0; i < a.sizing.LK; i++ {
		commands := []struct {
			node   dht.NodeInfo
			role   dht.Role
			params session.CommandParams
		}{
			{qsg[i], dht.RoleQSG, session.CommandParams{
				SessionID:   a.sessionID,
				OperationID: i,
				AliceAddr:   a.selfID.String(),
				QPPAddr:     qpp[i].ID.String(),
			}},
			{bg[i], dht.RoleBG, session.CommandParams{
				SessionID:   a.sessionID,
				OperationID: i,
				Owner:       "alice",
				AliceAddr:   a.selfID.String(),
				QPPAddr:     qpp[i].ID.String(),
				QPMAddr:     qpm[i].ID.String(),
			}},
			{qpp[i], dht.RoleQPP, session.CommandParams{
				SessionID:   a.sessionID,
				OperationID: i,
				QPMAddr:     qpm[i].ID.String(),
			}},
			{qpm[i], dht.RoleQPM, session.CommandParams{
				SessionID:   a.sessionID,
				OperationID: i,
				BobAddr:     a.cfg.BobAddress,
			}},
		}

		for _, c := range commands {
			cmdID := fmt.Sprintf("%s_%s_%d", a.sessionID, c.role, i)
			cmd, err := session.NewCommand(cmdID, a.sessionID, c.role, i, c.params)
			if err != nil {
				return err
			}
			value, err := dht.JSONValue(cmd)
			if err != nil {
				return err
			}
			if err := a.store.Put(ctx, session.CommandKey(c.node.ID.String()), value); err != nil {
				return err
			}
			dispatched++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "dispatchQuantumOperations",
		"session_id": a.sessionID,
		"commands":   dispatched,
	}).Info("Quantum operations dispatched")
	return nil
}

// collectQuantumResults polls the QSG and BG result keys for every
// position. A missing result past the timeout aborts the session.
func (a *Alice) collectQuantumResults(ctx context.Context) ([]int, []string, error) {
	bits := make([]int, a.sizing.LK)
	bases := make([]string, a.sizing.LK)

	for i := 0; i < a.sizing.LK; i++ {
		var spin quantum.SpinResult
		spinKey := session.QSGResultKey(a.sessionID, i)
		if !session.PollJSON(ctx, a.store, spinKey, session.DefaultPollInterval, resultTimeout, &spin) {
			return nil, nil, session.ErrTimeout.Wrap(&session.TimeoutError{
				Step: "collect_qsg", Key: spinKey, Elapsed: resultTimeout,
			})
		}
		bits[i] = spin.Spin

		var base quantum.BaseResult
		baseKey := session.BGAliceResultKey(a.sessionID, i)
		if !session.PollJSON(ctx, a.store, baseKey, session.DefaultPollInterval, resultTimeout, &base) {
			return nil, nil, session.ErrTimeout.Wrap(&session.TimeoutError{
				Step: "collect_bg", Key: baseKey, Elapsed: resultTimeout,
			})
		}
		bases[i] = base.Base
	}

	logrus.WithFields(logrus.Fields{
		"function":   "collectQuantumResults",
		"session_id": a.sessionID,
		"bits":       len(bits),
		"bases":      len(bases),
	}).Info("Quantum results collected")
	return bits, bases, nil
}

// notifyBob publishes the handshake payload, then announces the session
// on the well-known process key. The ordering matters: Bob validates a
// candidate session by the presence of the payload, so the payload must
// land first.
func (a *Alice) notifyBob(ctx context.Context, alloc session.Allocation, rule []int, bases []string) error {
	qpcNode := ""
	if qpcs := alloc.NodeIDs(dht.RoleQPC); len(qpcs) > 0 {
		qpcNode = qpcs[0]
	}

	payload := HandshakePayload{
		LC:          a.sizing.LC,
		LK:          a.sizing.LK,
		SortingRule: rule,
		AliceBases:  bases,
		QPMNodes:    alloc.NodeIDs(dht.RoleQPM),
		QPCNode:     qpcNode,
		BGNodes:     alloc.NodeIDs(dht.RoleBG),
		AliceNode:   a.selfID.String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	value, err := dht.JSONValue(payload)
	if err != nil {
		return err
	}
	if err := a.store.Put(ctx, session.AliceToBobKey(a.sessionID), value); err != nil {
		return err
	}
	if err := a.store.Put(ctx, session.ProcessIDKey, dht.StringValue(a.sessionID)); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "notifyBob",
		"session_id": a.sessionID,
	}).Info("Bob notified")
	return nil
}

// awaitSifting polls the collider output key.
func (a *Alice) awaitSifting(ctx context.Context) ([]int, error) {
	var result quantum.SiftingResult
	key := session.QPCSiftingResultKey(a.sessionID)
	if !session.PollJSON(ctx, a.store, key, session.DefaultPollInterval, siftingTimeout, &result) {
		return nil, session.ErrTimeout.Wrap(&session.TimeoutError{
			Step: "await_qpc", Key: key, Elapsed: siftingTimeout,
		})
	}
	return result.ValidPositions, nil
}

// extractKey keeps the bits at surviving positions, requires at least lc
// of them, truncates to lc, and packs MSB-first.
func (a *Alice) extractKey(bits []int, rule []int, validPositions []int) ([]byte, error) {
	sifted := session.SiftByRule(bits, rule, validPositions)
	if len(sifted) < a.sizing.LC {
		return nil, session.ErrInsufficientBits.Wrap(&session.InsufficientBitsError{
			Required:  a.sizing.LC,
			Available: len(sifted),
		})
	}
	return session.BitsToBytes(sifted[:a.sizing.LC]), nil
}

// writeCompletion stores the session summary; failure to write it is
// logged and swallowed, it must never mask the session outcome.
func (a *Alice) writeCompletion(ctx context.Context, record CompletionRecord) {
	value, err := dht.JSONValue(record)
	if err != nil {
		return
	}
	if err := a.store.Put(ctx, session.CompletionKey(a.sessionID), value); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "writeCompletion",
			"session_id": a.sessionID,
			"error":      err.Error(),
		}).Warn("Could not write completion record")
	}
}

func summariseAllocation(alloc session.Allocation) map[string]roleSummary {
	out := make(map[string]roleSummary, len(alloc))
	for role, nodes := range alloc {
		summary := roleSummary{Count: len(nodes)}
		for i := 0; i < len(nodes) && i < completionSampleLimit; i++ {
			summary.Samples = append(summary.Samples, nodes[i].ID.String())
		}
		out[string(role)] = summary
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
