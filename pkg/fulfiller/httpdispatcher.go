package fulfiller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aidchain/orchestrator/pkg/config"
	"github.com/aidchain/orchestrator/pkg/model"
)

// HTTPDispatcher issues the dispatch call over HTTP against the
// operational endpoints in pkg/config.ListConfig's FulfillerEndpoints,
// keyed by the ledger-registered address.
type HTTPDispatcher struct {
	endpoints map[string]config.FulfillerEndpointConfig // address (lowercased) -> endpoint
	client    *http.Client
}

// NewHTTPDispatcher builds a dispatcher from the list config.
func NewHTTPDispatcher(list *config.ListConfig, timeout time.Duration) *HTTPDispatcher {
	endpoints := make(map[string]config.FulfillerEndpointConfig, len(list.FulfillerEndpoints))
	for _, f := range list.FulfillerEndpoints {
		endpoints[normalizeAddr(f.Address)] = f
	}
	return &HTTPDispatcher{endpoints: endpoints, client: &http.Client{Timeout: timeout}}
}

func normalizeAddr(addr string) string {
	out := make([]byte, len(addr))
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

type dispatchWireRequest struct {
	RequestID      uint64               `json:"request_id"`
	FulfillerClass model.FulfillerClass `json:"fulfiller_class"`
	AidClass       model.AidClass       `json:"aid_class"`
	Lat            float64              `json:"lat"`
	Lng            float64              `json:"lng"`
	EstimatedCost  int64                `json:"estimated_cost"`
}

type dispatchWireResponse struct {
	DispatchID  string    `json:"dispatch_id"`
	ExpectedETA time.Time `json:"expected_eta"`
}

// Dispatch implements Dispatcher by POSTing to the fulfiller's
// configured dispatch URL.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, fulfillerAddr string, req DispatchRequest) (DispatchResult, error) {
	endpoint, ok := d.endpoints[normalizeAddr(fulfillerAddr)]
	if !ok {
		return DispatchResult{}, fmt.Errorf("fulfiller: no operational endpoint configured for %s", fulfillerAddr)
	}

	body, err := json.Marshal(dispatchWireRequest{
		RequestID:      req.RequestID,
		FulfillerClass: req.FulfillerClass,
		AidClass:       req.AidClass,
		Lat:            req.Lat,
		Lng:            req.Lng,
		EstimatedCost:  req.EstimatedCost,
	})
	if err != nil {
		return DispatchResult{}, fmt.Errorf("fulfiller: marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.DispatchURL, bytes.NewReader(body))
	if err != nil {
		return DispatchResult{}, fmt.Errorf("fulfiller: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if endpoint.WebhookSecret != "" {
		httpReq.Header.Set("X-Webhook-Secret", endpoint.WebhookSecret)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("fulfiller: %s dispatch call failed: %w", endpoint.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("fulfiller: %s read response: %w", endpoint.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return DispatchResult{}, fmt.Errorf("fulfiller: %s returned status %d: %s", endpoint.Name, resp.StatusCode, string(raw))
	}

	var out dispatchWireResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return DispatchResult{}, fmt.Errorf("fulfiller: %s parse response: %w", endpoint.Name, err)
	}

	return DispatchResult{DispatchID: out.DispatchID, ExpectedETA: out.ExpectedETA}, nil
}
