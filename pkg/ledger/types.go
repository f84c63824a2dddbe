package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies the type of escrow/registry contract event the
// poller decodes (spec.md §4.1).
type EventType string

const (
	EventAidRequested          EventType = "AidRequested"
	EventVerificationSubmitted EventType = "VerificationSubmitted"
	EventConsensusSubmitted    EventType = "ConsensusSubmitted"
	EventFulfillerAssigned     EventType = "FulfillerAssigned"
	EventDeliveryVerified      EventType = "DeliveryVerified"
	EventPayoutReleased        EventType = "PayoutReleased"
	EventRequestTimedOut       EventType = "RequestTimedOut"
)

// ContractEvent is the common interface every decoded escrow event
// satisfies, mirroring the teacher's anchor.ContractEvent shape.
type ContractEvent interface {
	Type() EventType
	BlockNumber() uint64
	TxHash() string
	Timestamp() time.Time
}

type baseEvent struct {
	EvtType   EventType
	Block     uint64
	Hash      string
	At        time.Time
}

func (e baseEvent) Type() EventType        { return e.EvtType }
func (e baseEvent) BlockNumber() uint64    { return e.Block }
func (e baseEvent) TxHash() string         { return e.Hash }
func (e baseEvent) Timestamp() time.Time   { return e.At }

// AidRequestedEvent is emitted when a new request is submitted on-ledger.
type AidRequestedEvent struct {
	baseEvent
	RequestID uint64
	Requester common.Address
}

// PayoutReleasedEvent is emitted on final settlement.
type PayoutReleasedEvent struct {
	baseEvent
	RequestID uint64
	Amount    *big.Int
}

// RequestTimedOutEvent is emitted when the ledger accepts a timeout_request call.
type RequestTimedOutEvent struct {
	baseEvent
	RequestID uint64
}

// VerificationSubmittedEvent mirrors a submit_verification write landing on-ledger.
type VerificationSubmittedEvent struct {
	baseEvent
	RequestID uint64
	GnssHash  [32]byte
}

// ConsensusSubmittedEvent mirrors a submit_consensus write landing on-ledger.
type ConsensusSubmittedEvent struct {
	baseEvent
	RequestID uint64
	Approved  bool
}

// FulfillerAssignedEvent mirrors an assign_fulfiller write landing on-ledger.
type FulfillerAssignedEvent struct {
	baseEvent
	RequestID uint64
	Fulfiller common.Address
}

// DeliveryVerifiedEvent mirrors a verify_delivery write landing on-ledger.
type DeliveryVerifiedEvent struct {
	baseEvent
	RequestID uint64
	Verified  bool
}

// PermanentError is the distinct error kind surfaced immediately for a
// contract revert or invalid-state rejection, never retried (spec.md
// §4.1, §7).
type PermanentError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return "ledger: permanent failure in " + e.Op + ": " + e.Reason + ": " + e.Cause.Error()
	}
	return "ledger: permanent failure in " + e.Op + ": " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// WriteResult is returned by every write method: the transaction hash
// once at least one confirmation has landed (spec.md §4.1).
type WriteResult struct {
	TxHash      string
	BlockNumber uint64
}

// CursorStore persists the single piece of state the orchestrator must
// survive a restart with: the last-seen ledger block (spec.md §6). It is
// satisfied by pkg/store's cometbft-db-backed CursorStore; defined here
// to avoid a dependency from this package onto pkg/store.
type CursorStore interface {
	LoadCursor() (uint64, error)
	SaveCursor(height uint64) error
}
