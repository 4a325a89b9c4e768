package quantum

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/session"
)

// Measurement bases of the BB84 protocol.
const (
	BaseRectilinear = "+" // 0 and 90 degrees
	BaseDiagonal    = "x" // 45 and 135 degrees
)

// BaseAngles returns the two measurement axes of a basis, in degrees.
func BaseAngles(base string) [2]int {
	if base == BaseDiagonal {
		return [2]int{45, 135}
	}
	return [2]int{0, 90}
}

// BaseResult is the payload a BG worker publishes.
type BaseResult struct {
	Base        string `json:"base"`
	Angles      [2]int `json:"angles"`
	FromNode    string `json:"from_node"`
	OperationID int    `json:"operation_id"`
}

// ExecuteBG draws a uniform-random basis. The command's owner parameter
// routes the result: Alice's bases also feed the QPP pipeline leg, Bob's
// go only to his result key, where QPM picks them up.
func ExecuteBG(ctx context.Context, env *Env, cmd session.Command) error {
	params, err := cmd.DecodeParams()
	if err != nil {
		return err
	}

	bit, err := env.randomBit()
	if err != nil {
		return err
	}
	base := BaseRectilinear
	if bit == 1 {
		base = BaseDiagonal
	}

	logrus.WithFields(logrus.Fields{
		"function":     "ExecuteBG",
		"node_id":      env.NodeID.Short(),
		"session_id":   cmd.SessionID,
		"operation_id": cmd.OperationID,
		"owner":        params.Owner,
		"base":         base,
	}).Info("Basis generated")

	result := BaseResult{
		Base:        base,
		Angles:      BaseAngles(base),
		FromNode:    env.NodeID.String(),
		OperationID: cmd.OperationID,
	}
	value, err := dht.JSONValue(result)
	if err != nil {
		return err
	}

	switch params.Owner {
	case "alice":
		if err := env.Store.Put(ctx, session.BGAliceResultKey(cmd.SessionID, cmd.OperationID), value); err != nil {
			return err
		}
		return env.Store.Put(ctx, session.BGToQPPKey(cmd.SessionID, cmd.OperationID), value)
	case "bob":
		return env.Store.Put(ctx, session.BGBobResultKey(cmd.SessionID, cmd.OperationID), value)
	default:
		return fmt.Errorf("bg command without a valid owner: %q", params.Owner)
	}
}
