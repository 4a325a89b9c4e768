package quantum

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/session"
)

// qpcPerKeyTimeout bounds the wait for each reconciliation record. A
// missing record counts as bases_match=false so index alignment survives
// worker failures.
const qpcPerKeyTimeout = 60 * time.Second

// SiftingResult is the collider's output: the positions where both bases
// coincided.
type SiftingResult struct {
	ValidPositions    []int  `json:"valid_positions"`
	TotalMeasurements int    `json:"total_measurements"`
	SessionID         string `json:"session_id"`
}

// Sift computes the valid positions from an ordered measurement list.
// A nil entry reads as bases_match=false.
func Sift(records []*ReconciliationRecord) []int {
	valid := make([]int, 0, len(records))
	for i, record := range records {
		if record != nil && record.BasesMatch {
			valid = append(valid, i)
		}
	}
	return valid
}

// ExecuteQPC gathers the lk reconciliation records, computes the valid
// positions, and publishes the sifting result. It is a coordinator-side
// function in the canonical flow: Alice invokes it directly without a
// role lease.
func ExecuteQPC(ctx context.Context, store session.Store, sid string, lk int) (*SiftingResult, error) {
	return ExecuteQPCWithTimeout(ctx, store, sid, lk, qpcPerKeyTimeout)
}

// ExecuteQPCWithTimeout is ExecuteQPC with an explicit per-key wait.
func ExecuteQPCWithTimeout(ctx context.Context, store session.Store, sid string, lk int, perKeyTimeout time.Duration) (*SiftingResult, error) {
	records := make([]*ReconciliationRecord, lk)
	missing := 0
	for i := 0; i < lk; i++ {
		var record ReconciliationRecord
		key := session.QPMToQPCKey(sid, i)
		if session.PollJSON(ctx, store, key, session.DefaultPollInterval, perKeyTimeout, &record) {
			records[i] = &record
		} else {
			missing++
			logrus.WithFields(logrus.Fields{
				"function":     "ExecuteQPC",
				"session_id":   sid,
				"operation_id": i,
			}).Warn("Reconciliation record missing, counted as basis mismatch")
		}
	}

	result := &SiftingResult{
		ValidPositions:    Sift(records),
		TotalMeasurements: lk,
		SessionID:         sid,
	}

	efficiency := 0.0
	if lk > 0 {
		efficiency = float64(len(result.ValidPositions)) / float64(lk)
	}
	logrus.WithFields(logrus.Fields{
		"function":        "ExecuteQPC",
		"session_id":      sid,
		"valid_positions": len(result.ValidPositions),
		"missing":         missing,
		"efficiency":      efficiency,
	}).Info("Sifting complete")

	value, err := dht.JSONValue(result)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, session.QPCSiftingResultKey(sid), value); err != nil {
		return nil, err
	}
	return result, nil
}

// executeQPCWorker adapts ExecuteQPC to the worker handler signature for
// sessions that allocate QPC as a real role.
func executeQPCWorker(ctx context.Context, env *Env, cmd session.Command) error {
	// The command's operation_id carries lk in the worker-side variant.
	_, err := ExecuteQPC(ctx, env.Store, cmd.SessionID, cmd.OperationID)
	return err
}
