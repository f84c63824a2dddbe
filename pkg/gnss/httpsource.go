package gnss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSatelliteSource wraps an HTTP call to the configured GNSS
// authentication backend (pkg/config.Config's GnssBackendURL), the same
// marshal/POST/unmarshal shape the teacher's attestation.Service uses to
// reach peer validators.
type HTTPSatelliteSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSatelliteSource builds a source against baseURL with the given
// request timeout.
func NewHTTPSatelliteSource(baseURL string, timeout time.Duration) *HTTPSatelliteSource {
	return &HTTPSatelliteSource{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type snapshotRequest struct {
	DeviceID        string `json:"device_id"`
	RawSignalBundle []byte `json:"raw_signal_bundle"`
}

type snapshotResponse struct {
	Satellites []SatelliteObservation `json:"satellites"`
	FixLat     float64                `json:"fix_lat"`
	FixLng     float64                `json:"fix_lng"`
	AuthChainValid bool               `json:"auth_chain_valid"`
	AuthKeyID  string                 `json:"auth_key_id"`
	AtomicTime time.Time              `json:"atomic_time"`
}

// Snapshot implements SatelliteSource by POSTing to baseURL/v1/snapshot.
func (s *HTTPSatelliteSource) Snapshot(ctx context.Context, deviceID string, rawSignalBundle []byte) (Snapshot, error) {
	body, err := json.Marshal(snapshotRequest{DeviceID: deviceID, RawSignalBundle: rawSignalBundle})
	if err != nil {
		return Snapshot{}, fmt.Errorf("gnss: marshal snapshot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/snapshot", bytes.NewReader(body))
	if err != nil {
		return Snapshot{}, fmt.Errorf("gnss: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("gnss: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("gnss: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("gnss: backend returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out snapshotResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Snapshot{}, fmt.Errorf("gnss: parse response: %w", err)
	}

	return Snapshot{
		Satellites:     out.Satellites,
		FixLat:         out.FixLat,
		FixLng:         out.FixLng,
		AuthChainValid: out.AuthChainValid,
		AuthKeyID:      out.AuthKeyID,
		AtomicTime:     out.AtomicTime,
	}, nil
}
