// Package ledger provides sentinel errors for ledger operations.

package ledger

import "errors"

// Sentinel errors for ledger operations.
var (
	// ErrRequestNotFound is returned when a request id has no on-ledger record.
	ErrRequestNotFound = errors.New("ledger: request not found")

	// ErrOracleKeyUnavailable is returned by every write method when no
	// oracle private key was configured at startup (spec.md §4.1).
	ErrOracleKeyUnavailable = errors.New("ledger: oracle key unavailable, writes disabled")

	// ErrNoFulfillerForClass is returned when the ledger's approved-fulfiller
	// registry has no entry matching the requested class.
	ErrNoFulfillerForClass = errors.New("ledger: no approved fulfiller for class")

	// ErrCursorNotFound is returned by the cursor store when no cursor has
	// ever been persisted.
	ErrCursorNotFound = errors.New("ledger: poll cursor not found")
)
