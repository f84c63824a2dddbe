package orchestrator

import (
	"context"

	"github.com/aidchain/orchestrator/pkg/bus"
	"github.com/aidchain/orchestrator/pkg/commitment"
	"github.com/aidchain/orchestrator/pkg/consensus"
	"github.com/aidchain/orchestrator/pkg/event"
	"github.com/aidchain/orchestrator/pkg/fulfiller"
	"github.com/aidchain/orchestrator/pkg/gnss"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/stageerr"
)

// stageGnssVerify is stage 2 (spec.md §4.6 row 2): call C2, publish the
// outcome. The ledger write for this stage is deferred and combined
// with stage 3's (Open Question (a)).
func (o *Orchestrator) stageGnssVerify(ctx context.Context, sub Submission, record *Record) (model.GnssProofBundle, string, error) {
	o.setStage(record, StageGnssVerify)
	o.publish(sub.Request.ID, StageGnssVerify, bus.StatusStarted, "authenticating location", nil)

	req := gnss.LocationRequest{
		ClaimedLat:      sub.Request.Location.Lat(),
		ClaimedLng:      sub.Request.Location.Lng(),
		DeviceID:        sub.DeviceID,
		RawSignalBundle: sub.RawSignalBundle,
	}
	bundle, digest, err := gnss.VerifyLocation(ctx, o.deps.SatelliteSource, req)
	if err != nil {
		return model.GnssProofBundle{}, "", asStageErr(err)
	}

	o.publish(sub.Request.ID, StageGnssVerify, bus.StatusCompleted, "location authenticated", nil)
	return bundle, digest, nil
}

// stageEventVerify is stage 3: call C3 against the authenticated
// location (not the claimed one — the attested position is the basis
// for every downstream decision).
func (o *Orchestrator) stageEventVerify(ctx context.Context, req model.Request, record *Record) (model.EventAttestation, string, error) {
	o.setStage(record, StageEventVerify)
	o.publish(req.ID, StageEventVerify, bus.StatusStarted, "matching disaster event", nil)

	q := event.Query{
		Lat:          record.GnssProof.AuthenticatedLocation.Lat(),
		Lng:          record.GnssProof.AuthenticatedLocation.Lng(),
		ClaimedClass: aidClassName(req.AidClass),
	}
	attestation, digest, err := event.VerifyEvent(ctx, o.deps.EventProviders, q, o.deps.EventProviderTimeout)
	if err != nil {
		return model.EventAttestation{}, "", asStageErr(err)
	}

	o.publish(req.ID, StageEventVerify, bus.StatusCompleted, "event matched", nil)
	return attestation, digest, nil
}

// stageConsensus is stage 4: build the structured prompt from the
// attested request data and run the LLM panel.
func (o *Orchestrator) stageConsensus(ctx context.Context, req model.Request, record *Record) (model.ConsensusTranscript, error) {
	o.setStage(record, StageConsensus)
	o.publish(req.ID, StageConsensus, bus.StatusStarted, "running consensus panel", nil)

	prompt := consensus.Prompt{
		AidClass:        req.AidClass,
		Urgency:         req.Urgency,
		Lat:             record.GnssProof.AuthenticatedLocation.Lat(),
		Lng:             record.GnssProof.AuthenticatedLocation.Lng(),
		AccuracyMeters:  record.GnssProof.AccuracyMeters,
		EventClass:      record.EventProof.Class,
		EventSeverity:   record.EventProof.Severity,
		EventRegion:     record.EventProof.Region,
		DistanceToEvent: record.EventProof.DistanceKM,
		SourceCount:     len(record.EventProof.Sources),
	}

	transcript, _, err := consensus.RunConsensus(ctx, o.deps.ConsensusNodes, prompt, o.deps.NodeTimeout, o.deps.ConsensusHealth)
	if err != nil {
		return model.ConsensusTranscript{}, stageerr.Internal("consensus run failed", err)
	}

	transcriptDigest, err := commitment.Digest32(transcript)
	if err != nil {
		return model.ConsensusTranscript{}, stageerr.Internal("canonical hash of consensus transcript failed", err)
	}
	if _, err := o.deps.Ledger.SubmitConsensus(ctx, req.ID, transcript, transcriptDigest); err != nil {
		return model.ConsensusTranscript{}, err
	}

	status := bus.StatusCompleted
	if !transcript.Approved {
		status = bus.StatusFailed
	}
	o.publish(req.ID, StageConsensus, status, transcript.Reason, nil)
	return transcript, nil
}

// stageContract is stage 5: assign the fulfiller and bind escrow.
func (o *Orchestrator) stageContract(ctx context.Context, req model.Request, record *Record, transcript model.ConsensusTranscript) error {
	o.setStage(record, StageContract)
	o.publish(req.ID, StageContract, bus.StatusStarted, "binding escrow", nil)

	fulfillers, err := o.deps.Ledger.GetApprovedFulfillers(ctx)
	if err != nil {
		return err
	}

	var chosen *model.ApprovedFulfiller
	for i := range fulfillers {
		if fulfillers[i].Class == transcript.ChosenFulfiller {
			chosen = &fulfillers[i]
			break
		}
	}
	if chosen == nil {
		return stageerr.Permanent("NoFulfillerForClass", nil)
	}

	if _, err := o.deps.Ledger.AssignFulfiller(ctx, req.ID, chosen.Address); err != nil {
		return err
	}

	o.publish(req.ID, StageContract, bus.StatusCompleted, "fulfiller assigned", nil)
	return nil
}

// stageFulfillment is stage 6: dispatch to the assigned fulfiller.
func (o *Orchestrator) stageFulfillment(ctx context.Context, req model.Request, record *Record, transcript model.ConsensusTranscript) (fulfiller.DispatchResult, error) {
	o.setStage(record, StageFulfillment)
	o.publish(req.ID, StageFulfillment, bus.StatusStarted, "dispatching fulfiller", nil)

	registry, err := o.deps.Ledger.GetApprovedFulfillers(ctx)
	if err != nil {
		return fulfiller.DispatchResult{}, err
	}

	result, err := fulfiller.Dispatch(ctx, registry, o.deps.Dispatcher, fulfiller.DispatchRequest{
		RequestID:      req.ID,
		FulfillerClass: transcript.ChosenFulfiller,
		AidClass:       transcript.ChosenAidClass,
		Lat:            record.GnssProof.AuthenticatedLocation.Lat(),
		Lng:            record.GnssProof.AuthenticatedLocation.Lng(),
		EstimatedCost:  transcript.ChosenCost,
	})
	if err != nil {
		return fulfiller.DispatchResult{}, err
	}

	o.publish(req.ID, StageFulfillment, bus.StatusCompleted, "fulfiller dispatched: "+result.DispatchID, nil)
	return result, nil
}

// stageReceipt is stage 7: verify the submitted delivery proof and
// anchor the outcome.
func (o *Orchestrator) stageReceipt(ctx context.Context, req model.Request, record *Record, proof model.DeliveryProof) error {
	o.setStage(record, StageReceipt)
	o.publish(req.ID, StageReceipt, bus.StatusStarted, "verifying delivery", nil)

	verification, _, err := fulfiller.VerifyDelivery(proof, req.Location.Lat(), req.Location.Lng())
	if err != nil {
		return asStageErr(err)
	}
	record.Verification = &verification

	verificationDigest, err := commitment.Digest32(verification)
	if err != nil {
		return stageerr.Internal("canonical hash of delivery verification failed", err)
	}
	if _, err := o.deps.Ledger.VerifyDelivery(ctx, req.ID, verification.Verified, verificationDigest); err != nil {
		return err
	}

	if !verification.Verified {
		o.publish(req.ID, StageReceipt, bus.StatusFailed, verification.Reason, nil)
		return stageerr.Attestation("DeliveryVerificationFailed: "+verification.Reason, nil)
	}

	o.publish(req.ID, StageReceipt, bus.StatusCompleted, "delivery verified", nil)
	return nil
}

// stageSettlement is stage 8: release escrowed funds.
func (o *Orchestrator) stageSettlement(ctx context.Context, req model.Request, record *Record) error {
	o.setStage(record, StageSettlement)
	o.publish(req.ID, StageSettlement, bus.StatusStarted, "releasing payout", nil)

	if _, err := o.deps.Ledger.ReleasePayout(ctx, req.ID); err != nil {
		return err
	}

	o.publish(req.ID, StageSettlement, bus.StatusCompleted, "payout released", nil)
	return nil
}

func aidClassName(c model.AidClass) string {
	switch c {
	case model.AidMedical:
		return "medical"
	case model.AidFood:
		return "food"
	case model.AidShelter:
		return "shelter"
	case model.AidRescue:
		return "rescue"
	case model.AidComms:
		return "comms"
	case model.AidEvacuation:
		return "evacuation"
	default:
		return "unknown"
	}
}
