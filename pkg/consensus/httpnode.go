package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPNode wraps one configured LLM panel member
// (pkg/config.ListConfig's LLMEndpointConfig): a chat-completion style
// POST carrying the structured Prompt, returning the raw model text for
// parseVerdict to interpret.
type HTTPNode struct {
	id      string
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPNode builds a node.
func NewHTTPNode(id, model, baseURL, apiKey string, timeout time.Duration) *HTTPNode {
	return &HTTPNode{id: id, model: model, baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (n *HTTPNode) ID() string      { return n.id }
func (n *HTTPNode) ModelID() string { return n.model }

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Text string `json:"text"`
}

// Complete implements Node by POSTing a rendered prompt to
// baseURL/v1/complete and returning the model's raw text.
func (n *HTTPNode) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body, err := json.Marshal(completionRequest{Model: n.model, Prompt: renderPrompt(prompt)})
	if err != nil {
		return "", fmt.Errorf("consensus: marshal prompt for %s: %w", n.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("consensus: build request for %s: %w", n.id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("consensus: %s request failed: %w", n.id, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("consensus: %s read response: %w", n.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("consensus: %s returned status %d: %s", n.id, resp.StatusCode, string(raw))
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("consensus: %s parse response: %w", n.id, err)
	}
	return out.Text, nil
}

// renderPrompt turns the structured Prompt into the text body sent to
// every node identically (spec.md §4.4 step 1: "identical structured
// input").
func renderPrompt(p Prompt) string {
	return fmt.Sprintf(
		"aid_class=%d urgency=%d lat=%f lng=%f accuracy_m=%f event_class=%s event_severity=%d event_region=%s distance_km=%f source_count=%d\n"+
			"Respond with a single JSON object: {\"approved\":bool,\"reason\":string,\"recommended_aid\":int,\"fulfiller_type\":int,\"estimated_cost\":int,\"confidence\":int,\"priority_score\":int}",
		p.AidClass, p.Urgency, p.Lat, p.Lng, p.AccuracyMeters, p.EventClass, p.EventSeverity, p.EventRegion, p.DistanceToEvent, p.SourceCount,
	)
}
