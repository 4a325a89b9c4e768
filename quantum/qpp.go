package quantum

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/session"
)

// Polarize maps a spin bit and basis onto a polarization angle:
// (0,+)=0, (1,+)=90, (0,x)=45, (1,x)=135 degrees.
func Polarize(spin int, base string) int {
	if base == BaseDiagonal {
		if spin == 1 {
			return 135
		}
		return 45
	}
	if spin == 1 {
		return 90
	}
	return 0
}

// PolarizationResult is the payload a QPP worker publishes for QPM.
type PolarizationResult struct {
	Polarization int    `json:"polarization"`
	Spin         int    `json:"spin"`
	AliceBase    string `json:"alice_base"`
	FromNode     string `json:"from_node"`
	OperationID  int    `json:"operation_id"`
}

// ExecuteQPP waits for its spin and basis inputs on the pipeline keys,
// computes the polarization, and publishes it for the QPM worker.
func ExecuteQPP(ctx context.Context, env *Env, cmd session.Command) error {
	var spin SpinResult
	spinKey := session.QSGToQPPKey(cmd.SessionID, cmd.OperationID)
	if !session.PollJSON(ctx, env.Store, spinKey, session.DefaultPollInterval, pipelineWaitTimeout, &spin) {
		return fmt.Errorf("timed out waiting for spin on %s", spinKey)
	}

	var base BaseResult
	baseKey := session.BGToQPPKey(cmd.SessionID, cmd.OperationID)
	if !session.PollJSON(ctx, env.Store, baseKey, session.DefaultPollInterval, pipelineWaitTimeout, &base) {
		return fmt.Errorf("timed out waiting for basis on %s", baseKey)
	}

	polarization := Polarize(spin.Spin, base.Base)

	logrus.WithFields(logrus.Fields{
		"function":     "ExecuteQPP",
		"node_id":      env.NodeID.Short(),
		"session_id":   cmd.SessionID,
		"operation_id": cmd.OperationID,
		"spin":         spin.Spin,
		"base":         base.Base,
		"polarization": polarization,
	}).Info("Polarization applied")

	result := PolarizationResult{
		Polarization: polarization,
		Spin:         spin.Spin,
		AliceBase:    base.Base,
		FromNode:     env.NodeID.String(),
		OperationID:  cmd.OperationID,
	}
	value, err := dht.JSONValue(result)
	if err != nil {
		return err
	}
	return env.Store.Put(ctx, session.QPPToQPMKey(cmd.SessionID, cmd.OperationID), value)
}
