package gnss

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/pkg/stageerr"
)

type stubSource struct {
	snap Snapshot
	err  error
}

func (s stubSource) Snapshot(ctx context.Context, deviceID string, raw []byte) (Snapshot, error) {
	return s.snap, s.err
}

// naturalObservations returns a set of authenticated satellites with
// realistic, dispersed CN0 readings across a spread of elevations —
// the baseline a genuinely sky-observed fix would produce.
func naturalObservations() []SatelliteObservation {
	return []SatelliteObservation{
		{SatelliteID: "G01", CN0DB: 44.2, ElevationDeg: 72, Authenticated: true},
		{SatelliteID: "G05", CN0DB: 38.1, ElevationDeg: 55, Authenticated: true},
		{SatelliteID: "G12", CN0DB: 31.7, ElevationDeg: 20, Authenticated: true},
		{SatelliteID: "G19", CN0DB: 29.4, ElevationDeg: 15, Authenticated: true},
		{SatelliteID: "G22", CN0DB: 41.0, ElevationDeg: 63, Authenticated: true},
	}
}

func TestVerifyLocationSourceErrorIsTransient(t *testing.T) {
	_, _, err := VerifyLocation(context.Background(), stubSource{err: errors.New("upstream timeout")}, LocationRequest{})
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Kind != stageerr.KindTransient {
		t.Fatalf("expected a transient stageerr, got %v", err)
	}
}

func TestVerifyLocationInsufficientCoverage(t *testing.T) {
	snap := Snapshot{
		Satellites:     []SatelliteObservation{{SatelliteID: "G01", CN0DB: 40, ElevationDeg: 60, Authenticated: true}},
		AuthChainValid: true,
	}
	_, _, err := VerifyLocation(context.Background(), stubSource{snap: snap}, LocationRequest{})
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Kind != stageerr.KindAttestation || se.Reason != "InsufficientCoverage" {
		t.Fatalf("expected InsufficientCoverage attestation error, got %v", err)
	}
}

func TestVerifyLocationAuthChainInvalid(t *testing.T) {
	snap := Snapshot{Satellites: naturalObservations(), AuthChainValid: false}
	_, _, err := VerifyLocation(context.Background(), stubSource{snap: snap}, LocationRequest{})
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Reason != "AuthenticationFailed" {
		t.Fatalf("expected AuthenticationFailed, got %v", err)
	}
}

func TestVerifyLocationPositionMismatch(t *testing.T) {
	snap := Snapshot{
		Satellites:     naturalObservations(),
		AuthChainValid: true,
		FixLat:         -17.0523, FixLng: 36.8714,
	}
	req := LocationRequest{ClaimedLat: -17.2000, ClaimedLng: 37.0000}
	_, _, err := VerifyLocation(context.Background(), stubSource{snap: snap}, req)
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Reason != "PositionMismatch" {
		t.Fatalf("expected PositionMismatch, got %v", err)
	}
}

func TestVerifyLocationSucceedsWithinTolerance(t *testing.T) {
	snap := Snapshot{
		Satellites:     naturalObservations(),
		AuthChainValid: true,
		FixLat:         -17.05230, FixLng: 36.87140,
		AuthKeyID:  "key-1",
		AtomicTime: time.Now(),
	}
	req := LocationRequest{ClaimedLat: -17.05231, ClaimedLng: 36.87138, DeviceID: "dev-42"}
	bundle, digest, err := VerifyLocation(context.Background(), stubSource{snap: snap}, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bundle.AntiSpoofPassed {
		t.Fatalf("expected AntiSpoofPassed=true")
	}
	if bundle.SatelliteCount != 5 {
		t.Fatalf("SatelliteCount = %d, want 5", bundle.SatelliteCount)
	}
	if bundle.DeviceID != "dev-42" {
		t.Fatalf("DeviceID not carried through from the request")
	}
	if digest == "" {
		t.Fatalf("expected a non-empty canonical digest")
	}
}

func TestDetectSpoofingFlagsLowCN0Dispersion(t *testing.T) {
	// Every satellite reports the same CN0 — replay/jamming signature.
	flat := []SatelliteObservation{
		{CN0DB: 40.0, ElevationDeg: 70},
		{CN0DB: 40.0, ElevationDeg: 60},
		{CN0DB: 40.0, ElevationDeg: 20},
		{CN0DB: 40.0, ElevationDeg: 10},
	}
	reason, spoofed := detectSpoofing(flat)
	if !spoofed {
		t.Fatalf("expected spoofing to be detected for zero CN0 dispersion")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty reason")
	}
}

func TestDetectSpoofingPassesOnNaturalDispersion(t *testing.T) {
	_, spoofed := detectSpoofing(naturalObservations())
	if spoofed {
		t.Fatalf("expected naturally dispersed CN0/elevation readings to pass")
	}
}

func TestDetectSpoofingEmptyObservations(t *testing.T) {
	_, spoofed := detectSpoofing(nil)
	if !spoofed {
		t.Fatalf("expected spoofed=true for zero observations")
	}
}
