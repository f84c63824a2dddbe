package ledger

import (
	"context"
	"time"
)

// transientBackoff is the bounded exponential backoff schedule spec.md
// §4.1 mandates for transient RPC faults: 3 attempts, 500ms -> 2s -> 8s.
var transientBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

// retryTransient runs fn up to len(transientBackoff)+1 times, sleeping the
// configured schedule between attempts. It only retries errors fn itself
// classifies as transient by returning true alongside the error; a
// *PermanentError (or any error reported non-transient) surfaces
// immediately without consuming a retry.
func retryTransient(ctx context.Context, fn func() (isTransient bool, err error)) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		transient, err := fn()
		if err == nil {
			return nil
		}
		if !transient {
			return err
		}
		lastErr = err
		if attempt >= len(transientBackoff) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transientBackoff[attempt]):
		}
	}
}
