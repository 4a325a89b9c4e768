// Package quantum implements the five CQKD role handlers: spin generation
// (QSG), basis generation (BG), polarization (QPP), measurement (QPM),
// and basis reconciliation (QPC). Handlers read their inputs from DHT
// keys and write their outputs to DHT keys; the command that triggers a
// handler only carries addressing.
package quantum

import (
	"context"
	"crypto/rand"
	"io"
	"time"

	"github.com/opd-ai/cqkd/dht"
	"github.com/opd-ai/cqkd/session"
)

// pipelineWaitTimeout bounds how long a handler polls for its upstream
// pipeline input before failing the command.
const pipelineWaitTimeout = 60 * time.Second

// Env is the execution environment a handler runs in: the DHT store, the
// executing node's identity, and the entropy source. Tests inject a
// deterministic reader; production uses the CSPRNG.
type Env struct {
	Store  session.Store
	NodeID dht.NodeID
	Rand   io.Reader
}

// NewEnv builds a handler environment with crypto/rand entropy.
func NewEnv(store session.Store, nodeID dht.NodeID) *Env {
	return &Env{Store: store, NodeID: nodeID, Rand: rand.Reader}
}

// randomBit draws one uniform bit from the environment's entropy source.
func (e *Env) randomBit() (int, error) {
	var b [1]byte
	if _, err := io.ReadFull(e.Rand, b[:]); err != nil {
		return 0, err
	}
	return int(b[0] & 1), nil
}

// randomFraction draws a uniform value in [0,1) with 16-bit resolution,
// matching the measurement granularity of the simulation.
func (e *Env) randomFraction() (float64, error) {
	var b [2]byte
	if _, err := io.ReadFull(e.Rand, b[:]); err != nil {
		return 0, err
	}
	n := uint16(b[0])<<8 | uint16(b[1])
	return float64(n) / 65536.0, nil
}

// Handler executes one quantum role step for a command.
type Handler func(ctx context.Context, env *Env, cmd session.Command) error

// Dispatch is the closed role-to-handler table workers use.
func Dispatch(role dht.Role) (Handler, bool) {
	switch role {
	case dht.RoleQSG:
		return ExecuteQSG, true
	case dht.RoleBG:
		return ExecuteBG, true
	case dht.RoleQPP:
		return ExecuteQPP, true
	case dht.RoleQPM:
		return ExecuteQPM, true
	case dht.RoleQPC:
		// QPC normally runs coordinator-side without a lease, but a session
		// that allocates it as a worker role dispatches here too.
		return executeQPCWorker, true
	}
	return nil, false
}
