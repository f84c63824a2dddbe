package event

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aidchain/orchestrator/pkg/model"
)

// HTTPProvider wraps one configured disaster-data provider
// (pkg/config.ListConfig's EventProviderConfig): a GET against its base
// URL with lat/lng/radius query parameters and an optional API key.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider builds a provider. timeout bounds this provider's own
// client; VerifyEvent additionally wraps each call in a per-call
// context deadline, so the shorter of the two governs.
func NewHTTPProvider(name, baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{name: name, baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProvider) Name() string { return p.name }

type providerEvent struct {
	Class     string    `json:"class"`
	Severity  int       `json:"severity"`
	Region    string    `json:"region"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	RadiusKM  float64   `json:"radius_km"`
	Active    bool      `json:"active"`
	Sources   []string  `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

// Query implements Provider by GETting baseURL/v1/events.
func (p *HTTPProvider) Query(ctx context.Context, lat, lng, radiusKM float64) ([]RawEvent, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("radius_km", strconv.FormatFloat(radiusKM, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/events?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("event: build request for %s: %w", p.name, err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("event: %s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("event: %s read response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("event: %s returned status %d: %s", p.name, resp.StatusCode, string(raw))
	}

	var out []providerEvent
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("event: %s parse response: %w", p.name, err)
	}

	events := make([]RawEvent, len(out))
	for i, e := range out {
		events[i] = RawEvent{
			Class:     e.Class,
			Severity:  model.Severity(e.Severity),
			Region:    e.Region,
			Centre:    model.CoordinateFromDecimal(e.Lat, e.Lng),
			RadiusKM:  e.RadiusKM,
			Active:    e.Active,
			Sources:   append(e.Sources, p.name),
			Timestamp: e.Timestamp,
		}
	}
	return events, nil
}
