// Package consensus implements the LLM panel consensus engine (C4):
// a structured prompt is dispatched to every configured LLM endpoint in
// parallel, responses are parsed into verdicts, and the panel's
// decision is aggregated by supermajority vote, plurality class choice,
// and median cost — never by LLM self-reported agreement.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aidchain/orchestrator/pkg/commitment"
	"github.com/aidchain/orchestrator/pkg/model"
)

const (
	defaultNodeTimeout = 30 * time.Second
	quorumFloor        = 3
)

// Prompt is the structured input sent identically to every node
// (spec.md §4.4 step 1).
type Prompt struct {
	AidClass        model.AidClass
	Urgency         model.Urgency
	Lat, Lng        float64
	AccuracyMeters  float64
	EventClass      string
	EventSeverity   model.Severity
	EventRegion     string
	DistanceToEvent float64
	SourceCount     int
}

// Verdict is one node's parsed JSON response (spec.md §4.4 step 1 field list).
type Verdict struct {
	Approved       bool                 `json:"approved"`
	Reason         string               `json:"reason"`
	RecommendedAid model.AidClass       `json:"recommended_aid"`
	FulfillerType  model.FulfillerClass `json:"fulfiller_type"`
	EstimatedCost  int64                `json:"estimated_cost"`
	Confidence     int                  `json:"confidence"`
	PriorityScore  int                  `json:"priority_score"`
}

// Node is one configured LLM endpoint. Implementations wrap an HTTP
// client against pkg/config.ListConfig's LLMEndpointConfig.
type Node interface {
	ID() string
	ModelID() string
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// RunConsensus dispatches prompt to every node in parallel and
// aggregates the panel's transcript. health, if non-nil, records each
// node's outcome for the diagnostics surface.
func RunConsensus(ctx context.Context, nodes []Node, prompt Prompt, nodeTimeout time.Duration, health *NodeHealthMonitor) (model.ConsensusTranscript, string, error) {
	if nodeTimeout <= 0 {
		nodeTimeout = defaultNodeTimeout
	}

	verdicts := dispatchAll(ctx, nodes, prompt, nodeTimeout, health)

	transcript := aggregate(verdicts)

	digest, err := commitment.HashCanonical(transcript)
	if err != nil {
		return model.ConsensusTranscript{}, "", fmt.Errorf("consensus: canonical hash failed: %w", err)
	}
	return transcript, digest, nil
}

func dispatchAll(ctx context.Context, nodes []Node, prompt Prompt, timeout time.Duration, health *NodeHealthMonitor) []model.ConsensusNodeVerdict {
	var wg sync.WaitGroup
	results := make(chan model.ConsensusNodeVerdict, len(nodes))

	for _, n := range nodes {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			results <- callNode(ctx, n, prompt, timeout, health)
		}(n)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	verdicts := make([]model.ConsensusNodeVerdict, 0, len(nodes))
	for v := range results {
		verdicts = append(verdicts, v)
	}
	return verdicts
}

func callNode(ctx context.Context, n Node, prompt Prompt, timeout time.Duration, health *NodeHealthMonitor) model.ConsensusNodeVerdict {
	start := time.Now()
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := n.Complete(nctx, prompt)
	latency := time.Since(start)
	if err != nil {
		if health != nil {
			health.RecordOutcome(n.ID(), false, latency, err.Error())
		}
		return model.ConsensusNodeVerdict{NodeID: n.ID(), ModelID: n.ModelID(), Valid: false, LatencyMS: latency.Milliseconds()}
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		if health != nil {
			health.RecordOutcome(n.ID(), false, latency, "parse failure: "+err.Error())
		}
		return model.ConsensusNodeVerdict{NodeID: n.ID(), ModelID: n.ModelID(), Valid: false, LatencyMS: latency.Milliseconds()}
	}

	if health != nil {
		health.RecordOutcome(n.ID(), true, latency, "")
	}
	return model.ConsensusNodeVerdict{
		NodeID:         n.ID(),
		ModelID:        n.ModelID(),
		Valid:          true,
		Approve:        verdict.Approved,
		RecommendedAid: verdict.RecommendedAid,
		FulfillerType:  verdict.FulfillerType,
		EstimatedCost:  verdict.EstimatedCost,
		Confidence:     verdict.Confidence,
		PriorityScore:  verdict.PriorityScore,
		LatencyMS:      latency.Milliseconds(),
	}
}

// parseVerdict strips code-fence markers (LLMs routinely wrap JSON in
// ```json ... ```) before unmarshalling (spec.md §4.4 step 3).
func parseVerdict(raw string) (Verdict, error) {
	cleaned := stripCodeFence(raw)
	var v Verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func aggregate(verdicts []model.ConsensusNodeVerdict) model.ConsensusTranscript {
	validCount := 0
	approvalCount := 0
	for _, v := range verdicts {
		if v.Valid {
			validCount++
			if v.Approve {
				approvalCount++
			}
		}
	}

	transcript := model.ConsensusTranscript{
		NodeCount:     len(verdicts),
		ValidCount:    validCount,
		ApprovalCount: approvalCount,
		Nodes:         verdicts,
	}

	if validCount < quorumFloor {
		transcript.Approved = false
		transcript.Reason = "InsufficientNodes"
		return transcript
	}

	// Strict two-thirds supermajority over valid nodes (spec.md §4.4 step 5).
	if !(3*approvalCount > 2*validCount) {
		transcript.Approved = false
		transcript.Reason = "SupermajorityNotReached"
		return transcript
	}

	transcript.Approved = true

	var approving []model.ConsensusNodeVerdict
	for _, v := range verdicts {
		if v.Valid && v.Approve {
			approving = append(approving, v)
		}
	}

	transcript.ChosenAidClass = pluralityAidClass(approving)
	transcript.ChosenFulfiller = pluralityFulfillerClass(approving)
	transcript.ChosenCost = medianCost(approving)
	transcript.AverageConfidence = meanConfidence(approving)
	return transcript
}

func pluralityAidClass(vs []model.ConsensusNodeVerdict) model.AidClass {
	counts := map[model.AidClass]int{}
	for _, v := range vs {
		counts[v.RecommendedAid]++
	}
	return pluralityWinner(counts)
}

func pluralityFulfillerClass(vs []model.ConsensusNodeVerdict) model.FulfillerClass {
	counts := map[model.FulfillerClass]int{}
	for _, v := range vs {
		counts[v.FulfillerType]++
	}
	return pluralityWinner(counts)
}

// pluralityWinner picks the highest count, breaking ties by lowest
// numeric class value (spec.md §4.4 step 6, deterministic tie rule).
// T is instantiated with model.AidClass and model.FulfillerClass, both
// plain int-backed enums.
func pluralityWinner[T ~int](counts map[T]int) T {
	var winner T
	best := -1
	classes := make([]T, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	for _, c := range classes {
		if counts[c] > best {
			best = counts[c]
			winner = c
		}
	}
	return winner
}

// medianCost is the lower median on even counts (spec.md §4.4 step 6).
func medianCost(vs []model.ConsensusNodeVerdict) int64 {
	if len(vs) == 0 {
		return 0
	}
	costs := make([]int64, len(vs))
	for i, v := range vs {
		costs[i] = v.EstimatedCost
	}
	sort.Slice(costs, func(i, j int) bool { return costs[i] < costs[j] })
	n := len(costs)
	if n%2 == 1 {
		return costs[n/2]
	}
	return costs[n/2-1]
}

func meanConfidence(vs []model.ConsensusNodeVerdict) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum int
	for _, v := range vs {
		sum += v.Confidence
	}
	return float64(sum) / float64(len(vs))
}
