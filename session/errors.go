package session

import (
	"fmt"
	"time"

	"github.com/zeebo/errs"
)

// Error classes for the protocol layer. Transport and not-enough-nodes
// errors are owned by the dht and discovery packages; everything that
// originates in the choreography itself lives here.
var (
	// ErrTimeout marks a polling loop that exhausted its budget waiting
	// for a DHT key. Fatal to the session.
	ErrTimeout = errs.Class("step timeout")

	// ErrInsufficientBits marks a sift rate too low to reach the desired
	// key length. Fatal to the session.
	ErrInsufficientBits = errs.Class("insufficient bits after sifting")

	// ErrRoleBusy marks a role request refused because the node holds an
	// unexpired lease. Benign for workers.
	ErrRoleBusy = errs.Class("role busy")

	// ErrRoleDenied marks a role request refused for state or capability
	// reasons. Benign for workers.
	ErrRoleDenied = errs.Class("role denied")
)

// TimeoutError carries which step timed out and after how long.
type TimeoutError struct {
	Step    string
	Key     string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s waiting for %s", e.Step, e.Elapsed, e.Key)
}

// InsufficientBitsError carries the sift shortfall.
type InsufficientBitsError struct {
	Required  int
	Available int
}

func (e *InsufficientBitsError) Error() string {
	return fmt.Sprintf("need %d bits, sifting left %d", e.Required, e.Available)
}
