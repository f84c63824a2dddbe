package consensus

import (
	"testing"

	"github.com/aidchain/orchestrator/pkg/model"
)

func verdict(aid model.AidClass, fulfiller model.FulfillerClass, approve bool, cost int64, confidence int) model.ConsensusNodeVerdict {
	return model.ConsensusNodeVerdict{
		Valid:          true,
		Approve:        approve,
		RecommendedAid: aid,
		FulfillerType:  fulfiller,
		EstimatedCost:  cost,
		Confidence:     confidence,
	}
}

func TestAggregateInsufficientNodes(t *testing.T) {
	verdicts := []model.ConsensusNodeVerdict{
		verdict(model.AidFood, model.FulfillerAerial, true, 100, 80),
		verdict(model.AidFood, model.FulfillerAerial, true, 100, 80),
	}
	transcript := aggregate(verdicts)
	if transcript.Approved {
		t.Fatalf("expected Approved=false below quorum floor")
	}
	if transcript.Reason != "InsufficientNodes" {
		t.Fatalf("Reason = %q, want InsufficientNodes", transcript.Reason)
	}
}

func TestAggregateSupermajorityNotReached(t *testing.T) {
	verdicts := []model.ConsensusNodeVerdict{
		verdict(model.AidFood, model.FulfillerAerial, true, 100, 80),
		verdict(model.AidFood, model.FulfillerAerial, false, 100, 80),
		verdict(model.AidFood, model.FulfillerAerial, false, 100, 80),
	}
	transcript := aggregate(verdicts)
	if transcript.Approved {
		t.Fatalf("expected Approved=false, only 1/3 approve")
	}
	if transcript.Reason != "SupermajorityNotReached" {
		t.Fatalf("Reason = %q, want SupermajorityNotReached", transcript.Reason)
	}
}

func TestAggregateApprovedPicksPluralityAndMedian(t *testing.T) {
	verdicts := []model.ConsensusNodeVerdict{
		verdict(model.AidFood, model.FulfillerAerial, true, 100, 70),
		verdict(model.AidFood, model.FulfillerAerial, true, 200, 90),
		verdict(model.AidMedical, model.FulfillerHuman, true, 300, 80),
	}
	transcript := aggregate(verdicts)
	if !transcript.Approved {
		t.Fatalf("expected Approved=true, got Reason=%q", transcript.Reason)
	}
	if transcript.ChosenAidClass != model.AidFood {
		t.Fatalf("ChosenAidClass = %v, want AidFood (plurality 2/3)", transcript.ChosenAidClass)
	}
	if transcript.ChosenFulfiller != model.FulfillerAerial {
		t.Fatalf("ChosenFulfiller = %v, want FulfillerAerial", transcript.ChosenFulfiller)
	}
	if transcript.ChosenCost != 200 {
		t.Fatalf("ChosenCost = %d, want 200 (median of 100,200,300)", transcript.ChosenCost)
	}
}

func TestAggregateExcludesInvalidAndDissentingFromPlurality(t *testing.T) {
	verdicts := []model.ConsensusNodeVerdict{
		verdict(model.AidFood, model.FulfillerAerial, true, 100, 70),
		verdict(model.AidShelter, model.FulfillerAerial, false, 500, 10), // dissents, excluded from plurality
		verdict(model.AidFood, model.FulfillerAerial, true, 140, 90),
		verdict(model.AidFood, model.FulfillerAerial, true, 120, 80),
		{Valid: false}, // counted in NodeCount, excluded from ValidCount/ApprovalCount
	}
	transcript := aggregate(verdicts)
	if transcript.NodeCount != 5 {
		t.Fatalf("NodeCount = %d, want 5", transcript.NodeCount)
	}
	if transcript.ValidCount != 4 {
		t.Fatalf("ValidCount = %d, want 4", transcript.ValidCount)
	}
	if !transcript.Approved {
		t.Fatalf("expected Approved=true (3/4 valid approve), got Reason=%q", transcript.Reason)
	}
	if transcript.ChosenAidClass != model.AidFood {
		t.Fatalf("ChosenAidClass = %v, want AidFood — dissenting verdict must not count toward plurality", transcript.ChosenAidClass)
	}
}

func TestPluralityWinnerTiesBreakByLowestValue(t *testing.T) {
	counts := map[model.AidClass]int{
		model.AidShelter: 2,
		model.AidFood:    2,
	}
	got := pluralityWinner(counts)
	if got != model.AidFood {
		t.Fatalf("pluralityWinner() = %v, want AidFood (lower numeric value wins tie)", got)
	}
}

func TestMedianCostEvenCountPicksLowerMedian(t *testing.T) {
	vs := []model.ConsensusNodeVerdict{
		{EstimatedCost: 400},
		{EstimatedCost: 100},
		{EstimatedCost: 300},
		{EstimatedCost: 200},
	}
	got := medianCost(vs)
	if got != 200 {
		t.Fatalf("medianCost() = %d, want 200 (lower of the two middle values)", got)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain json", `{"approved":true}`, `{"approved":true}`},
		{"fenced with lang tag", "```json\n{\"approved\":true}\n```", `{"approved":true}`},
		{"fenced no lang tag", "```\n{\"approved\":true}\n```", `{"approved":true}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := stripCodeFence(c.in); got != c.want {
				t.Fatalf("stripCodeFence(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}
