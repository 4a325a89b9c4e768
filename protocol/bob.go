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

// handshakeValidationWindow is how long Bob waits for the handshake
// payload of a candidate session before declaring it stale.
const handshakeValidationWindow = 5 * time.Second

// Bob drives the receiver side. He sees only the published process ID,
// the handshake payload, the BG node list inside it, the measurement
// result keys, and the sifting result. Which nodes played QSG or QPP is
// Alice's private allocation.
type Bob struct {
	store  session.Store
	cfg    *config.Settings
	selfID dht.NodeID

	lastSeenSession  string
	validationWindow time.Duration
}

// NewBob creates the receiver orchestrator.
func NewBob(store session.Store, cfg *config.Settings, selfID dht.NodeID) *Bob {
	return &Bob{
		store:            store,
		cfg:              cfg,
		selfID:           selfID,
		validationWindow: handshakeValidationWindow,
	}
}

// WaitForSession polls the well-known process key for a fresh session.
// Candidates equal to "None", the deletion sentinel, or the previously
// accepted session are ignored; a candidate whose handshake payload does
// not appear within the validation window is stale and skipped without
// being remembered, so a slow Alice can still be accepted later.
func (b *Bob) WaitForSession(ctx context.Context, timeout time.Duration) (string, *HandshakePayload, error) {
	deadline := time.Now().Add(timeout)

	logrus.WithFields(logrus.Fields{
		"function": "WaitForSession",
		"node_id":  b.selfID.Short(),
	}).Info("Waiting for a new session")

	for time.Now().Before(deadline) {
		value, found, err := b.store.Get(ctx, session.ProcessIDKey)
		if err == nil && found {
			candidate := value.String()
			if candidate != "" && candidate != session.NoneValue && candidate != b.lastSeenSession {
				payload, ok := b.validateCandidate(ctx, candidate)
				if ok {
					b.lastSeenSession = candidate
					logrus.WithFields(logrus.Fields{
						"function":   "WaitForSession",
						"session_id": candidate,
						"lk":         payload.LK,
					}).Info("Session accepted")
					return candidate, payload, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(session.DefaultPollInterval):
		}
	}

	return "", nil, session.ErrTimeout.Wrap(&session.TimeoutError{
		Step: "await_handshake", Key: session.ProcessIDKey, Elapsed: timeout,
	})
}

// validateCandidate confirms the handshake payload exists for a session
// ID within the validation window.
func (b *Bob) validateCandidate(ctx context.Context, sid string) (*HandshakePayload, bool) {
	var payload HandshakePayload
	key := session.AliceToBobKey(sid)
	if !session.PollJSON(ctx, b.store, key, session.DefaultPollInterval, b.validationWindow, &payload) {
		logrus.WithFields(logrus.Fields{
			"function":   "validateCandidate",
			"session_id": sid,
		}).Warn("Candidate session has no handshake payload, treating as stale")
		return nil, false
	}
	return &payload, true
}

// ReceiveKey runs Bob's steps for an accepted session and returns his
// copy of the key.
func (b *Bob) ReceiveKey(ctx context.Context, sid string, payload *HandshakePayload) ([]byte, error) {
	log := logrus.WithFields(logrus.Fields{
		"session_id": sid,
		"lc":         payload.LC,
		"lk":         payload.LK,
	})

	if !session.IsPermutation(payload.SortingRule, payload.LK) {
		return nil, fmt.Errorf("handshake sorting rule is not a permutation of [0,%d)", payload.LK)
	}

	if err := b.dispatchBaseGeneration(ctx, sid, payload); err != nil {
		return nil, err
	}
	log.Info("Bob basis generation dispatched")

	bases, err := b.collectBases(ctx, sid, payload.LK)
	if err != nil {
		return nil, err
	}
	log.WithField("bases", len(bases)).Info("Bob bases collected")

	bits, err := b.collectMeasurements(ctx, sid, payload)
	if err != nil {
		return nil, err
	}
	log.WithField("measurements", len(bits)).Info("Measurements collected")

	validPositions, err := b.awaitSifting(ctx, sid)
	if err != nil {
		return nil, err
	}
	log.WithField("valid_positions", len(validPositions)).Info("Sifting result received")

	sifted := session.SiftByRule(bits, payload.SortingRule, validPositions)
	if len(sifted) < payload.LC {
		return nil, session.ErrInsufficientBits.Wrap(&session.InsufficientBitsError{
			Required:  payload.LC,
			Available: len(sifted),
		})
	}
	key := session.BitsToBytes(sifted[:payload.LC])

	log.WithField("key_bytes", len(key)).Info("Bob key extracted")
	return key, nil
}

// Run waits for a session and completes it.
func (b *Bob) Run(ctx context.Context, handshakeTimeout time.Duration) ([]byte, error) {
	sid, payload, err := b.WaitForSession(ctx, handshakeTimeout)
	if err != nil {
		return nil, err
	}
	return b.ReceiveKey(ctx, sid, payload)
}

// dispatchBaseGeneration commands the BG nodes from the handshake payload
// to generate Bob's bases. By the time Alice notifies Bob she has already
// collected her own BG results, so the command keys are free to reuse.
func (b *Bob) dispatchBaseGeneration(ctx context.Context, sid string, payload *HandshakePayload) error {
	if len(payload.BGNodes) == 0 {
		return fmt.Errorf("handshake payload lists no BG nodes")
	}

	for i := 0; i < payload.LK; i++ {
		nodeID := payload.BGNodes[i%len(payload.BGNodes)]
		cmdID := fmt.Sprintf("%s_bg_bob_%d", sid, i)
		cmd, err := session.NewCommand(cmdID, sid, dht.RoleBG, i, session.CommandParams{
			SessionID:   sid,
			OperationID: i,
			Owner:       "bob",
			BobAddr:     b.selfID.String(),
		})
		if err != nil {
			return err
		}
		value, err := dht.JSONValue(cmd)
		if err != nil {
			return err
		}
		if err := b.store.Put(ctx, session.CommandKey(nodeID), value); err != nil {
			return err
		}
	}
	return nil
}

// collectBases polls the per-position Bob basis results.
func (b *Bob) collectBases(ctx context.Context, sid string, lk int) ([]string, error) {
	bases := make([]string, lk)
	for i := 0; i < lk; i++ {
		var base quantum.BaseResult
		key := session.BGBobResultKey(sid, i)
		if !session.PollJSON(ctx, b.store, key, session.DefaultPollInterval, resultTimeout, &base) {
			return nil, session.ErrTimeout.Wrap(&session.TimeoutError{
				Step: "collect_bases", Key: key, Elapsed: resultTimeout,
			})
		}
		bases[i] = base.Base
	}
	return bases, nil
}

// collectMeasurements gathers the measured bits, indexing through the
// sorting rule: position j of Bob's sequence is the bit measured at
// original index sorting_rule[j], keeping him aligned with Alice's
// shuffled ordering.
func (b *Bob) collectMeasurements(ctx context.Context, sid string, payload *HandshakePayload) ([]int, error) {
	bits := make([]int, payload.LK)
	for j := 0; j < payload.LK; j++ {
		original := payload.SortingRule[j]
		var result quantum.MeasurementResult
		key := session.QPMResultKey(sid, original)
		if !session.PollJSON(ctx, b.store, key, session.DefaultPollInterval, resultTimeout, &result) {
			return nil, session.ErrTimeout.Wrap(&session.TimeoutError{
				Step: "collect_measurements", Key: key, Elapsed: resultTimeout,
			})
		}
		bits[j] = result.Bit
	}
	return bits, nil
}

func (b *Bob) awaitSifting(ctx context.Context, sid string) ([]int, error) {
	var result quantum.SiftingResult
	key := session.QPCSiftingResultKey(sid)
	if !session.PollJSON(ctx, b.store, key, session.DefaultPollInterval, siftingTimeout, &result) {
		return nil, session.ErrTimeout.Wrap(&session.TimeoutError{
			Step: "await_qpc", Key: key, Elapsed: siftingTimeout,
		})
	}
	return result.ValidPositions, nil
}
