package quantum

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/session"
)

// SpinResult is the payload a QSG worker publishes: the generated spin
// bit, spin up = 1 and spin down = 0.
type SpinResult struct {
	Spin        int    `json:"spin"`
	FromNode    string `json:"from_node"`
	OperationID int    `json:"operation_id"`
}

// ExecuteQSG draws one uniform-random spin bit and publishes it twice:
// to Alice for her key material and to the QPP pipeline leg.
func ExecuteQSG(ctx context.Context, env *Env, cmd session.Command) error {
	spin, err := env.randomBit()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "ExecuteQSG",
		"node_id":      env.NodeID.Short(),
		"session_id":   cmd.SessionID,
		"operation_id": cmd.OperationID,
		"spin":         spin,
	}).Info("Spin generated")

	result := SpinResult{
		Spin:        spin,
		FromNode:    env.NodeID.String(),
		OperationID: cmd.OperationID,
	}

	toAlice, err := dht.JSONValue(result)
	if err != nil {
		return err
	}
	if err := env.Store.Put(ctx, session.QSGResultKey(cmd.SessionID, cmd.OperationID), toAlice); err != nil {
		return err
	}

	toQPP, err := dht.JSONValue(result)
	if err != nil {
		return err
	}
	return env.Store.Put(ctx, session.QSGToQPPKey(cmd.SessionID, cmd.OperationID), toQPP)
}
