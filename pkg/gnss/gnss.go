// Package gnss implements the GNSS authentication client (C2): it turns
// a raw satellite signal bundle into an authenticated, anti-spoof-
// checked location, cross-checked against the requester's claim.
package gnss

import (
	"context"
	"math"
	"time"

	"github.com/aidchain/orchestrator/pkg/commitment"
	"github.com/aidchain/orchestrator/pkg/geo"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/stageerr"
)

const (
	minSatellites            = 4
	cn0StdDevThresholdDB      = 0.5
	elevationPowerDeltaMaxDB  = 5.0
	positionToleranceMeters   = 50.0
	lowElevationCutoffDeg     = 30.0
)

// SatelliteObservation is one tracked satellite's signal characteristics,
// as reported by the upstream authenticator.
type SatelliteObservation struct {
	SatelliteID   string
	CN0DB         float64 // carrier-to-noise ratio, dB-Hz
	ElevationDeg  float64
	Authenticated bool
}

// Snapshot is the upstream authenticator's full report for one
// verification call: tracked satellites, the computed pseudorange fix,
// and whether the navigation-message authentication chain validated.
type Snapshot struct {
	Satellites     []SatelliteObservation
	FixLat, FixLng float64
	AuthChainValid bool
	AuthKeyID      string
	AtomicTime     time.Time
}

// SatelliteSource is the injected upstream dependency: acquiring a
// satellite snapshot and computing the pseudorange fix is delegated to
// it (spec.md §4.2 step 1 and 4), keeping this package a pure
// algorithm over whatever the source reports.
type SatelliteSource interface {
	Snapshot(ctx context.Context, deviceID string, rawSignalBundle []byte) (Snapshot, error)
}

// LocationRequest is the verify_location input (spec.md §4.2).
type LocationRequest struct {
	ClaimedLat, ClaimedLng float64
	DeviceID               string
	RawSignalBundle        []byte
}

// VerifyLocation runs the full GNSS authentication battery and returns
// a canonically-hashed GnssProofBundle, or a stageerr classifying why
// it failed. A failure still carries enough information for an audit
// record even though the pipeline halts (spec.md §4.2 final paragraph).
func VerifyLocation(ctx context.Context, source SatelliteSource, req LocationRequest) (model.GnssProofBundle, string, error) {
	snap, err := source.Snapshot(ctx, req.DeviceID, req.RawSignalBundle)
	if err != nil {
		return model.GnssProofBundle{}, "", stageerr.Transient("gnss snapshot acquisition failed", err)
	}

	authenticatedCount := 0
	for _, s := range snap.Satellites {
		if s.Authenticated {
			authenticatedCount++
		}
	}
	if authenticatedCount < minSatellites {
		return model.GnssProofBundle{}, "", stageerr.Attestation("InsufficientCoverage", nil)
	}

	if !snap.AuthChainValid {
		return model.GnssProofBundle{}, "", stageerr.Attestation("AuthenticationFailed", nil)
	}

	if reason, spoofed := detectSpoofing(snap.Satellites); spoofed {
		return model.GnssProofBundle{}, "", stageerr.Attestation("SpoofingDetected: "+reason, nil)
	}

	distance := geo.HaversineMeters(req.ClaimedLat, req.ClaimedLng, snap.FixLat, snap.FixLng)
	if distance > positionToleranceMeters {
		return model.GnssProofBundle{}, "", stageerr.Attestation("PositionMismatch", nil)
	}

	bundle := model.GnssProofBundle{
		AuthenticatedLocation: model.CoordinateFromDecimal(snap.FixLat, snap.FixLng),
		AccuracyMeters:        distance,
		SatelliteCount:        authenticatedCount,
		AuthKeyID:             snap.AuthKeyID,
		AntiSpoofPassed:       true,
		AuthenticatedAt:       snap.AtomicTime,
		DeviceID:              req.DeviceID,
	}

	digest, err := commitment.HashCanonical(bundle)
	if err != nil {
		return model.GnssProofBundle{}, "", stageerr.Internal("canonical hash of GNSS bundle failed", err)
	}
	return bundle, digest, nil
}

// detectSpoofing runs the anti-spoofing battery (spec.md §4.2 step 3):
// a dispersion check on carrier-to-noise ratios, and an elevation-power
// correlation sanity check.
func detectSpoofing(obs []SatelliteObservation) (reason string, spoofed bool) {
	if len(obs) == 0 {
		return "no observations", true
	}

	cn0 := make([]float64, 0, len(obs))
	var lowElev, highElev []float64
	for _, s := range obs {
		cn0 = append(cn0, s.CN0DB)
		if s.ElevationDeg < lowElevationCutoffDeg {
			lowElev = append(lowElev, s.CN0DB)
		} else {
			highElev = append(highElev, s.CN0DB)
		}
	}

	if stdDev(cn0) <= cn0StdDevThresholdDB {
		return "carrier-to-noise dispersion too low", true
	}

	if len(lowElev) > 0 && len(highElev) > 0 {
		delta := mean(lowElev) - mean(highElev)
		if delta > elevationPowerDeltaMaxDB {
			return "elevation-power correlation out of bounds", true
		}
	}

	return "", false
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}
