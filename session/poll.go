package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cqkd/dht"
)

// Store is the slice of DHT behaviour the protocol layer consumes. A
// *dht.Server satisfies it; tests substitute an in-memory map.
type Store interface {
	Get(ctx context.Context, key string) (dht.Value, bool, error)
	Put(ctx context.Context, key string, value dht.Value) error
	Delete(ctx context.Context, key string) error
}

// DefaultPollInterval paces every waiting loop in the protocol.
const DefaultPollInterval = 300 * time.Millisecond

// Poll waits for a key to appear, checking every interval until timeout.
// Tombstoned and absent values keep the loop waiting. Returns the value,
// or a zero Value with ok=false once the budget is spent or the context
// cancels. This is the single waiting primitive: no component hand-rolls
// its own sleep/retry loop.
func Poll(ctx context.Context, store Store, key string, interval, timeout time.Duration) (dht.Value, bool) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	attempts := 0

	for {
		value, found, err := store.Get(ctx, key)
		if err == nil && found {
			return value, true
		}
		attempts++

		if time.Now().After(deadline) {
			logrus.WithFields(logrus.Fields{
				"function": "Poll",
				"key":      key,
				"attempts": attempts,
				"timeout":  timeout.String(),
			}).Debug("Poll budget exhausted")
			return dht.Value{}, false
		}

		select {
		case <-ctx.Done():
			return dht.Value{}, false
		case <-time.After(interval):
		}
	}
}

// PollJSON polls for a key and decodes the JSON value into dst. A value
// that arrives but does not decode counts as a failed wait.
func PollJSON(ctx context.Context, store Store, key string, interval, timeout time.Duration, dst any) bool {
	value, ok := Poll(ctx, store, key, interval, timeout)
	if !ok {
		return false
	}
	decoded, err := value.Decode(dst)
	if err != nil || !decoded {
		logrus.WithFields(logrus.Fields{
			"function": "PollJSON",
			"key":      key,
		}).Warn("Polled value is not valid JSON")
		return false
	}
	return true
}
