package quantum

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/session"
)

// Measure simulates the quantum measurement of a polarized photon in
// Bob's basis. The probability of reading 0 is cos²(Δθ) against the
// basis's first axis, with the angle normalised to [0,90] for symmetry.
// The second return reports whether Alice's and Bob's bases coincide.
func Measure(alicePolarization int, bobBase string, fraction float64) (int, bool) {
	angles := BaseAngles(bobBase)

	diff := alicePolarization - angles[0]
	if diff < 0 {
		diff = -diff
	}
	if diff > 90 {
		diff = 180 - diff
	}

	// cos(90°) is not exactly zero in floating point; the aligned and
	// orthogonal cases must stay deterministic.
	var prob0 float64
	switch diff {
	case 0:
		prob0 = 1
	case 90:
		prob0 = 0
	default:
		c := math.Cos(float64(diff) * math.Pi / 180)
		prob0 = c * c
	}
	bit := 1
	if fraction < prob0 {
		bit = 0
	}

	aliceBase := BaseRectilinear
	if alicePolarization == 45 || alicePolarization == 135 {
		aliceBase = BaseDiagonal
	}
	return bit, aliceBase == bobBase
}

// MeasurementResult is the bit a QPM worker publishes for Bob.
type MeasurementResult struct {
	Bit         int    `json:"bit"`
	FromNode    string `json:"from_node"`
	OperationID int    `json:"operation_id"`
}

// ReconciliationRecord is the sifting input a QPM worker publishes for
// the collider.
type ReconciliationRecord struct {
	AliceBase   string `json:"alice_base"`
	BobBase     string `json:"bob_base"`
	BasesMatch  bool   `json:"bases_match"`
	OperationID int    `json:"operation_id"`
	FromNode    string `json:"from_node"`
}

// ExecuteQPM waits for the polarization from QPP and Bob's basis from his
// BG worker, measures, and publishes the bit to Bob plus the
// reconciliation record to the collider.
func ExecuteQPM(ctx context.Context, env *Env, cmd session.Command) error {
	var polarization PolarizationResult
	polKey := session.QPPToQPMKey(cmd.SessionID, cmd.OperationID)
	if !session.PollJSON(ctx, env.Store, polKey, session.DefaultPollInterval, pipelineWaitTimeout, &polarization) {
		return fmt.Errorf("timed out waiting for polarization on %s", polKey)
	}

	var bobBase BaseResult
	baseKey := session.BGBobResultKey(cmd.SessionID, cmd.OperationID)
	if !session.PollJSON(ctx, env.Store, baseKey, session.DefaultPollInterval, pipelineWaitTimeout, &bobBase) {
		return fmt.Errorf("timed out waiting for bob basis on %s", baseKey)
	}

	fraction, err := env.randomFraction()
	if err != nil {
		return err
	}
	bit, basesMatch := Measure(polarization.Polarization, bobBase.Base, fraction)

	logrus.WithFields(logrus.Fields{
		"function":     "ExecuteQPM",
		"node_id":      env.NodeID.Short(),
		"session_id":   cmd.SessionID,
		"operation_id": cmd.OperationID,
		"polarization": polarization.Polarization,
		"bob_base":     bobBase.Base,
		"bit":          bit,
		"bases_match":  basesMatch,
	}).Info("Measurement complete")

	toBob, err := dht.JSONValue(MeasurementResult{
		Bit:         bit,
		FromNode:    env.NodeID.String(),
		OperationID: cmd.OperationID,
	})
	if err != nil {
		return err
	}
	if err := env.Store.Put(ctx, session.QPMResultKey(cmd.SessionID, cmd.OperationID), toBob); err != nil {
		return err
	}

	toQPC, err := dht.JSONValue(ReconciliationRecord{
		AliceBase:   polarization.AliceBase,
		BobBase:     bobBase.Base,
		BasesMatch:  basesMatch,
		OperationID: cmd.OperationID,
		FromNode:    env.NodeID.String(),
	})
	if err != nil {
		return err
	}
	return env.Store.Put(ctx, session.QPMToQPCKey(cmd.SessionID, cmd.OperationID), toQPC)
}
