// Package fulfiller implements the dispatch and delivery-verification
// contracts of C5: picking a configured fulfiller for a class and
// issuing the dispatch call, and a pure function over proof inputs
// deciding whether a delivery is verified.
package fulfiller

import (
	"context"
	"time"

	"github.com/aidchain/orchestrator/pkg/commitment"
	"github.com/aidchain/orchestrator/pkg/geo"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/stageerr"
)

const aerialToleranceMeters = 30.0

// DispatchRequest is the dispatch input (spec.md §4.5).
type DispatchRequest struct {
	RequestID      uint64
	FulfillerClass model.FulfillerClass
	AidClass       model.AidClass
	Lat, Lng       float64
	EstimatedCost  int64
}

// DispatchResult is returned on a successful dispatch call.
type DispatchResult struct {
	DispatchID string
	ExpectedETA time.Time
	Fulfiller  model.ApprovedFulfiller
}

// Dispatcher issues the actual dispatch call to a fulfiller's webhook
// once a matching registry entry is found. Implementations wrap an
// HTTP client against pkg/config.ListConfig's FulfillerEndpointConfig.
type Dispatcher interface {
	Dispatch(ctx context.Context, fulfillerAddr string, req DispatchRequest) (DispatchResult, error)
}

// Dispatch selects the configured fulfiller matching req.FulfillerClass
// from the ledger-sourced registry and issues the dispatch call
// (resolves the Open Question on fulfiller discovery: ledger-sourced,
// never hard-coded; SPEC_FULL.md §9).
func Dispatch(ctx context.Context, registry []model.ApprovedFulfiller, d Dispatcher, req DispatchRequest) (DispatchResult, error) {
	var chosen *model.ApprovedFulfiller
	for i := range registry {
		if registry[i].Class == req.FulfillerClass {
			chosen = &registry[i]
			break
		}
	}
	if chosen == nil {
		return DispatchResult{}, stageerr.Permanent("NoFulfillerForClass", nil)
	}

	result, err := d.Dispatch(ctx, chosen.Address, req)
	if err != nil {
		return DispatchResult{}, stageerr.Transient("fulfiller dispatch call failed", err)
	}
	result.Fulfiller = *chosen
	return result, nil
}

// VerifyDelivery is a pure function over proof inputs (spec.md §4.5).
func VerifyDelivery(proof model.DeliveryProof, targetLat, targetLng float64) (model.DeliveryVerification, string, error) {
	var verification model.DeliveryVerification

	switch proof.Class {
	case model.FulfillerAerial:
		distance := geo.HaversineMeters(targetLat, targetLng, proof.DropLocation.Lat(), proof.DropLocation.Lng())
		gpsOK := distance < aerialToleranceMeters
		imageOK := proof.ImageDigest != "" && proof.ImageDigest != zeroDigest
		verification = model.DeliveryVerification{
			Verified:  gpsOK && imageOK,
			DistanceM: distance,
		}
		if !verification.Verified {
			verification.Reason = reasonFor(gpsOK, imageOK)
		}

	case model.FulfillerHuman:
		// The orchestrator assumes an upstream officer-registry check;
		// this hook only validates the proof fields are present
		// (spec.md §4.5 note: "replaceable hook").
		signatureOK := len(proof.Signature) > 0
		officerOK := proof.OfficerID != ""
		verification = model.DeliveryVerification{Verified: signatureOK && officerOK}
		if !verification.Verified {
			if !signatureOK {
				verification.Reason = "missing signature"
			} else {
				verification.Reason = "missing officer id"
			}
		}

	default:
		return model.DeliveryVerification{}, "", stageerr.Validation("unknown fulfiller class", nil)
	}

	digest, err := commitment.HashCanonical(verification)
	if err != nil {
		return model.DeliveryVerification{}, "", stageerr.Internal("canonical hash of delivery verification failed", err)
	}
	return verification, digest, nil
}

// zeroDigest is the all-zero 32-byte digest, hex-encoded.
const zeroDigest = "0x0000000000000000000000000000000000000000000000000000000000000000"

func reasonFor(gpsOK, imageOK bool) string {
	switch {
	case !gpsOK && !imageOK:
		return "drop location out of tolerance and image digest missing"
	case !gpsOK:
		return "drop location out of tolerance"
	default:
		return "image digest missing"
	}
}
