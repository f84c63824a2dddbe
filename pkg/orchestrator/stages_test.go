package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/pkg/commitment"
	"github.com/aidchain/orchestrator/pkg/consensus"
	"github.com/aidchain/orchestrator/pkg/fulfiller"
	"github.com/aidchain/orchestrator/pkg/ledger"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/stageerr"
)

// stubLedger captures the digests handed to SubmitConsensus and
// VerifyDelivery, so a stage test
// can assert the bytes actually anchored are commitment.Digest32's
// output rather than some truncated stand-in.
type stubLedger struct {
	fulfillers []model.ApprovedFulfiller

	submitConsensusDigest [32]byte
	verifyDeliveryDigest  [32]byte
	verifyDeliveryVerified bool

	getApprovedFulfillersErr error
	assignFulfillerErr       error
	releasePayoutErr         error
}

func (s *stubLedger) SubmitVerification(ctx context.Context, requestID uint64, combinedDigest [32]byte) (ledger.WriteResult, error) {
	return ledger.WriteResult{}, nil
}

func (s *stubLedger) SubmitConsensus(ctx context.Context, requestID uint64, t model.ConsensusTranscript, transcriptDigest [32]byte) (ledger.WriteResult, error) {
	s.submitConsensusDigest = transcriptDigest
	return ledger.WriteResult{}, nil
}

func (s *stubLedger) GetApprovedFulfillers(ctx context.Context) ([]model.ApprovedFulfiller, error) {
	return s.fulfillers, s.getApprovedFulfillersErr
}

func (s *stubLedger) AssignFulfiller(ctx context.Context, requestID uint64, fulfillerAddr string) (ledger.WriteResult, error) {
	return ledger.WriteResult{}, s.assignFulfillerErr
}

func (s *stubLedger) VerifyDelivery(ctx context.Context, requestID uint64, verified bool, proofDigest [32]byte) (ledger.WriteResult, error) {
	s.verifyDeliveryDigest = proofDigest
	s.verifyDeliveryVerified = verified
	return ledger.WriteResult{}, nil
}

func (s *stubLedger) ReleasePayout(ctx context.Context, requestID uint64) (ledger.WriteResult, error) {
	return ledger.WriteResult{}, s.releasePayoutErr
}

func (s *stubLedger) TimeoutRequest(ctx context.Context, requestID uint64) (ledger.WriteResult, error) {
	return ledger.WriteResult{}, nil
}

var _ Ledger = (*stubLedger)(nil)

type stubNode struct {
	id, modelID, response string
	err                   error
}

func (n stubNode) ID() string      { return n.id }
func (n stubNode) ModelID() string { return n.modelID }
func (n stubNode) Complete(ctx context.Context, prompt consensus.Prompt) (string, error) {
	return n.response, n.err
}

func approvingVerdict() string {
	return `{"approved":true,"recommended_aid":0,"fulfiller_type":0,"estimated_cost":500,"confidence":90,"priority_score":3}`
}

func newRecord() *Record {
	return &Record{StageTimes: make(map[Stage]time.Time)}
}

func TestStageConsensusAnchorsDigest32OfTranscript(t *testing.T) {
	led := &stubLedger{}
	o := New(Deps{Ledger: led, ConsensusNodes: []consensus.Node{
		stubNode{id: "n1", modelID: "m1", response: approvingVerdict()},
		stubNode{id: "n2", modelID: "m2", response: approvingVerdict()},
		stubNode{id: "n3", modelID: "m3", response: approvingVerdict()},
	}})

	record := newRecord()
	record.GnssProof = &model.GnssProofBundle{}
	record.EventProof = &model.EventAttestation{}

	transcript, err := o.stageConsensus(context.Background(), model.Request{ID: 1}, record)
	if err != nil {
		t.Fatalf("stageConsensus() error = %v", err)
	}

	want, err := commitment.Digest32(transcript)
	if err != nil {
		t.Fatalf("commitment.Digest32() error = %v", err)
	}
	if led.submitConsensusDigest != want {
		t.Fatalf("SubmitConsensus digest = %x, want %x (commitment.Digest32 of the transcript)", led.submitConsensusDigest, want)
	}

	// The bug this guards against: truncating the hex string returned
	// by commitment.HashCanonical instead of hashing to raw bytes.
	hexDigest, err := commitment.HashCanonical(transcript)
	if err != nil {
		t.Fatalf("commitment.HashCanonical() error = %v", err)
	}
	var truncated [32]byte
	copy(truncated[:], []byte(hexDigest))
	if led.submitConsensusDigest == truncated {
		t.Fatalf("SubmitConsensus digest equals the truncated hex string, not a real SHA-256 digest")
	}
}

func TestStageReceiptAnchorsDigest32OfVerification(t *testing.T) {
	led := &stubLedger{}
	o := New(Deps{Ledger: led})

	record := newRecord()
	req := model.Request{ID: 7, Location: model.CoordinateFromDecimal(-17.05230, 36.87140)}
	proof := model.DeliveryProof{
		Class:        model.FulfillerAerial,
		DropLocation: model.CoordinateFromDecimal(-17.05230, 36.87140),
		ImageDigest:  "0xdeadbeef",
	}

	if err := o.stageReceipt(context.Background(), req, record, proof); err != nil {
		t.Fatalf("stageReceipt() error = %v", err)
	}
	if !led.verifyDeliveryVerified {
		t.Fatalf("expected VerifyDelivery to be called with verified=true")
	}

	want, err := commitment.Digest32(*record.Verification)
	if err != nil {
		t.Fatalf("commitment.Digest32() error = %v", err)
	}
	if led.verifyDeliveryDigest != want {
		t.Fatalf("VerifyDelivery digest = %x, want %x (commitment.Digest32 of the verification)", led.verifyDeliveryDigest, want)
	}
}

func TestStageReceiptUnverifiedIsAttestationError(t *testing.T) {
	led := &stubLedger{}
	o := New(Deps{Ledger: led})

	record := newRecord()
	req := model.Request{ID: 9, Location: model.CoordinateFromDecimal(0, 0)}
	proof := model.DeliveryProof{Class: model.FulfillerAerial, DropLocation: model.CoordinateFromDecimal(10, 10), ImageDigest: "0xdeadbeef"}

	err := o.stageReceipt(context.Background(), req, record, proof)
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Kind != stageerr.KindAttestation {
		t.Fatalf("expected an attestation stageerr, got %v", err)
	}
	if led.verifyDeliveryVerified {
		t.Fatalf("expected VerifyDelivery to be called with verified=false")
	}
}

func TestStageContractAssignsMatchingFulfiller(t *testing.T) {
	led := &stubLedger{fulfillers: []model.ApprovedFulfiller{
		{Address: "0xAAA", Class: model.FulfillerHuman},
		{Address: "0xBBB", Class: model.FulfillerAerial},
	}}
	o := New(Deps{Ledger: led})
	record := newRecord()
	transcript := model.ConsensusTranscript{ChosenFulfiller: model.FulfillerAerial}

	if err := o.stageContract(context.Background(), model.Request{ID: 1}, record, transcript); err != nil {
		t.Fatalf("stageContract() error = %v", err)
	}
}

func TestStageContractNoMatchingFulfillerIsPermanent(t *testing.T) {
	led := &stubLedger{fulfillers: []model.ApprovedFulfiller{{Address: "0xAAA", Class: model.FulfillerHuman}}}
	o := New(Deps{Ledger: led})
	record := newRecord()
	transcript := model.ConsensusTranscript{ChosenFulfiller: model.FulfillerAerial}

	err := o.stageContract(context.Background(), model.Request{ID: 1}, record, transcript)
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Kind != stageerr.KindPermanent {
		t.Fatalf("expected a permanent stageerr, got %v", err)
	}
}

type stubDispatcher struct {
	result fulfiller.DispatchResult
	err    error
}

func (s stubDispatcher) Dispatch(ctx context.Context, fulfillerAddr string, req fulfiller.DispatchRequest) (fulfiller.DispatchResult, error) {
	return s.result, s.err
}

func TestStageFulfillmentDispatchesToChosenFulfiller(t *testing.T) {
	led := &stubLedger{fulfillers: []model.ApprovedFulfiller{{Address: "0xBBB", Class: model.FulfillerAerial}}}
	o := New(Deps{Ledger: led, Dispatcher: stubDispatcher{result: fulfiller.DispatchResult{DispatchID: "d-1"}}})
	record := newRecord()
	record.GnssProof = &model.GnssProofBundle{}
	transcript := model.ConsensusTranscript{ChosenFulfiller: model.FulfillerAerial}

	result, err := o.stageFulfillment(context.Background(), model.Request{ID: 1}, record, transcript)
	if err != nil {
		t.Fatalf("stageFulfillment() error = %v", err)
	}
	if result.DispatchID != "d-1" {
		t.Fatalf("DispatchID = %q, want d-1", result.DispatchID)
	}
}

func TestStageSettlementReleasesPayout(t *testing.T) {
	led := &stubLedger{}
	o := New(Deps{Ledger: led})
	record := newRecord()

	if err := o.stageSettlement(context.Background(), model.Request{ID: 1}, record); err != nil {
		t.Fatalf("stageSettlement() error = %v", err)
	}
}

func TestStageSettlementPropagatesLedgerError(t *testing.T) {
	led := &stubLedger{releasePayoutErr: errors.New("rpc down")}
	o := New(Deps{Ledger: led})
	record := newRecord()

	if err := o.stageSettlement(context.Background(), model.Request{ID: 1}, record); err == nil {
		t.Fatalf("expected stageSettlement to propagate the ledger error")
	}
}
