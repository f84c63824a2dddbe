// Package orchestrator drives the 8-stage aid-request pipeline (C6):
// GNSS authentication, event attestation, LLM panel consensus, escrow
// funding, fulfiller dispatch, delivery verification, and settlement.
// One Pipeline runs per request; the Orchestrator holds the registry of
// in-flight pipelines, guarded by a single lock held only for lookup
// and insert/delete, never across a suspension point (spec.md §5).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aidchain/orchestrator/pkg/bus"
	"github.com/aidchain/orchestrator/pkg/commitment"
	"github.com/aidchain/orchestrator/pkg/consensus"
	"github.com/aidchain/orchestrator/pkg/event"
	"github.com/aidchain/orchestrator/pkg/fulfiller"
	"github.com/aidchain/orchestrator/pkg/gnss"
	"github.com/aidchain/orchestrator/pkg/ledger"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/stageerr"
)

// Stage enumerates the 8 pipeline stages plus the AwaitingDelivery wait
// point (spec.md §4.6).
type Stage int

const (
	StageRequest Stage = iota + 1
	StageGnssVerify
	StageEventVerify
	StageConsensus
	StageContract
	StageFulfillment
	StageAwaitingDelivery
	StageReceipt
	StageSettlement
)

func (s Stage) String() string {
	switch s {
	case StageRequest:
		return "Request"
	case StageGnssVerify:
		return "GnssVerify"
	case StageEventVerify:
		return "EventVerify"
	case StageConsensus:
		return "Consensus"
	case StageContract:
		return "Contract"
	case StageFulfillment:
		return "Fulfillment"
	case StageAwaitingDelivery:
		return "AwaitingDelivery"
	case StageReceipt:
		return "Receipt"
	case StageSettlement:
		return "Settlement"
	default:
		return "Unknown"
	}
}

// Record is the in-memory pipeline record (spec.md §3).
type Record struct {
	RequestID     uint64
	CurrentStage  Stage
	StartedAt     time.Time
	StageTimes    map[Stage]time.Time
	GnssProof     *model.GnssProofBundle
	EventProof    *model.EventAttestation
	Transcript    *model.ConsensusTranscript
	DeliveryProof *model.DeliveryProof
	Verification  *model.DeliveryVerification
	LastError     error

	deliveryCh chan model.DeliveryProof
}

// Ledger is the subset of *ledger.Adapter the pipeline's stages call
// out to. Defined here, rather than depending on the concrete type
// directly, so a stage's ledger-write digests can be exercised in
// tests without a live chain (pkg/ledger.types.go's CursorStore
// follows the same narrow-interface pattern).
type Ledger interface {
	SubmitVerification(ctx context.Context, requestID uint64, combinedDigest [32]byte) (ledger.WriteResult, error)
	SubmitConsensus(ctx context.Context, requestID uint64, t model.ConsensusTranscript, transcriptDigest [32]byte) (ledger.WriteResult, error)
	GetApprovedFulfillers(ctx context.Context) ([]model.ApprovedFulfiller, error)
	AssignFulfiller(ctx context.Context, requestID uint64, fulfillerAddr string) (ledger.WriteResult, error)
	VerifyDelivery(ctx context.Context, requestID uint64, verified bool, proofDigest [32]byte) (ledger.WriteResult, error)
	ReleasePayout(ctx context.Context, requestID uint64) (ledger.WriteResult, error)
	TimeoutRequest(ctx context.Context, requestID uint64) (ledger.WriteResult, error)
}

// Deps bundles every dependency a Pipeline's stages call out to.
type Deps struct {
	Ledger        Ledger
	SatelliteSource gnss.SatelliteSource
	EventProviders []event.Provider
	EventProviderTimeout time.Duration
	ConsensusNodes []consensus.Node
	ConsensusHealth *consensus.NodeHealthMonitor
	NodeTimeout   time.Duration
	Dispatcher    fulfiller.Dispatcher
	DeliveryTimeout time.Duration
	Bus           *bus.Bus
}

// Orchestrator owns the registry of in-flight pipelines.
type Orchestrator struct {
	deps Deps

	mu       sync.Mutex
	records  map[uint64]*Record

	shuttingDown bool
}

// New builds an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.DeliveryTimeout <= 0 {
		deps.DeliveryTimeout = 24 * time.Hour
	}
	return &Orchestrator{deps: deps, records: make(map[uint64]*Record)}
}

// ActiveRecord returns the in-flight record for id, if any. Safe for
// concurrent HTTP handler reads.
func (o *Orchestrator) ActiveRecord(id uint64) (*Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	return r, ok
}

// ActiveRecords returns a snapshot of every in-flight pipeline, for
// GET /api/pipeline/active.
func (o *Orchestrator) ActiveRecords() []*Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Record, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, r)
	}
	return out
}

// Submission is everything the HTTP surface collects at POST
// /api/requests: the ledger-mirrored request fields plus the raw
// inputs only the pipeline's first stages need (spec.md §6 body:
// "gnss_data, device_id").
type Submission struct {
	Request         model.Request
	DeviceID        string
	RawSignalBundle []byte
}

// StartPipeline records a newly submitted request and launches its
// pipeline in a goroutine: stages 1-6, then a suspension at
// AwaitingDelivery until SubmitDelivery or the delivery timeout fires.
// It returns as soon as the goroutine is launched; the pipeline runs on
// a background context, so cancelling ctx does not stop it.
func (o *Orchestrator) StartPipeline(ctx context.Context, sub Submission) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	record := &Record{
		RequestID:  sub.Request.ID,
		CurrentStage: StageRequest,
		StartedAt:  time.Now(),
		StageTimes: map[Stage]time.Time{StageRequest: time.Now()},
		deliveryCh: make(chan model.DeliveryProof, 1),
	}
	o.records[sub.Request.ID] = record
	o.mu.Unlock()

	o.publish(sub.Request.ID, StageRequest, bus.StatusCompleted, "request recorded", nil)

	go o.run(context.Background(), sub, record)
}

// SubmitDelivery hands a delivery proof to the pipeline awaiting it, a
// rendezvous on the pipeline record (spec.md §5's suspension-point
// list: "on the delivery webhook arrival").
func (o *Orchestrator) SubmitDelivery(requestID uint64, proof model.DeliveryProof) error {
	o.mu.Lock()
	record, ok := o.records[requestID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: no active pipeline for request %d", requestID)
	}
	select {
	case record.deliveryCh <- proof:
		return nil
	default:
		return fmt.Errorf("orchestrator: delivery already submitted for request %d", requestID)
	}
}

// Shutdown stops accepting new pipelines. In-flight stages run to
// their own deadlines; a final shutdown event is emitted per active
// pipeline (spec.md §5).
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shuttingDown = true
	stages := make(map[uint64]Stage, len(o.records))
	for id, r := range o.records {
		stages[id] = r.CurrentStage
	}
	o.mu.Unlock()

	for id, stage := range stages {
		o.publish(id, stage, bus.StatusPending, "orchestrator shutting down", nil)
	}
}

func (o *Orchestrator) run(ctx context.Context, sub Submission, record *Record) {
	req := sub.Request
	defer o.retire(req.ID)

	gnssProof, gnssDigest, err := o.stageGnssVerify(ctx, sub, record)
	if err != nil {
		o.fail(record, StageGnssVerify, err)
		return
	}
	record.GnssProof = &gnssProof

	eventAttestation, eventDigest, err := o.stageEventVerify(ctx, req, record)
	if err != nil {
		o.fail(record, StageEventVerify, err)
		return
	}
	record.EventProof = &eventAttestation

	// Stages 2 and 3 share one ledger write at stage-3 exit (Open
	// Question (a), SPEC_FULL.md §9).
	combined := commitment.HashConcat([]byte(gnssDigest), []byte(eventDigest))
	var combinedDigest [32]byte
	copy(combinedDigest[:], combined)
	if _, err := o.deps.Ledger.SubmitVerification(ctx, req.ID, combinedDigest); err != nil {
		o.fail(record, StageEventVerify, err)
		return
	}

	transcript, err := o.stageConsensus(ctx, req, record)
	if err != nil {
		o.fail(record, StageConsensus, err)
		return
	}
	record.Transcript = &transcript
	if !transcript.Approved {
		o.publish(req.ID, StageConsensus, bus.StatusFailed, transcript.Reason, nil)
		return
	}

	if err := o.stageContract(ctx, req, record, transcript); err != nil {
		o.fail(record, StageContract, err)
		return
	}

	dispatch, err := o.stageFulfillment(ctx, req, record, transcript)
	if err != nil {
		o.fail(record, StageFulfillment, err)
		return
	}
	_ = dispatch

	o.setStage(record, StageAwaitingDelivery)
	o.publish(req.ID, StageAwaitingDelivery, bus.StatusPending, "awaiting delivery proof", nil)

	proof, timedOut := o.awaitDelivery(ctx, record)
	if timedOut {
		o.timeoutRequest(ctx, req.ID, record)
		return
	}
	record.DeliveryProof = &proof

	if err := o.stageReceipt(ctx, req, record, proof); err != nil {
		o.fail(record, StageReceipt, err)
		return
	}

	if err := o.stageSettlement(ctx, req, record); err != nil {
		o.fail(record, StageSettlement, err)
		return
	}
}

func (o *Orchestrator) awaitDelivery(ctx context.Context, record *Record) (model.DeliveryProof, bool) {
	timer := time.NewTimer(o.deps.DeliveryTimeout)
	defer timer.Stop()

	select {
	case proof := <-record.deliveryCh:
		return proof, false
	case <-timer.C:
		return model.DeliveryProof{}, true
	case <-ctx.Done():
		return model.DeliveryProof{}, true
	}
}

func (o *Orchestrator) timeoutRequest(ctx context.Context, requestID uint64, record *Record) {
	if _, err := o.deps.Ledger.TimeoutRequest(ctx, requestID); err != nil {
		o.fail(record, StageAwaitingDelivery, err)
		return
	}
	o.publish(requestID, StageAwaitingDelivery, bus.StatusFailed, "delivery window elapsed", nil)
}

func (o *Orchestrator) fail(record *Record, stage Stage, err error) {
	record.LastError = err
	o.publish(record.RequestID, stage, bus.StatusFailed, err.Error(), nil)
}

func (o *Orchestrator) setStage(record *Record, stage Stage) {
	record.CurrentStage = stage
	record.StageTimes[stage] = time.Now()
}

func (o *Orchestrator) publish(requestID uint64, stage Stage, status bus.Status, message string, payload interface{}) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(bus.Event{
		RequestID: requestID,
		Stage:     stage.String(),
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (o *Orchestrator) retire(requestID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.records, requestID)
}

// asStageErr adapts any error into the generic KindInternal bucket if
// it isn't already a *stageerr.Error. The GNSS, event and receipt
// stages wrap their collaborators' errors with it; ledger errors reach
// fail() unwrapped.
func asStageErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*stageerr.Error); ok {
		return err
	}
	return stageerr.Internal("unclassified stage failure", err)
}
