package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/stageerr"
)

type stubProvider struct {
	name   string
	events []RawEvent
	err    error
}

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Query(ctx context.Context, lat, lng, radiusKM float64) ([]RawEvent, error) {
	return s.events, s.err
}

func floodEvent(sources ...string) RawEvent {
	return RawEvent{
		Class:    "flood",
		Severity: model.SeveritySevere,
		Region:   "sofala-mz",
		Centre:   model.CoordinateFromDecimal(-17.05, 36.87),
		RadiusKM: 20,
		Active:   true,
		Sources:  sources,
	}
}

func TestVerifyEventNoEventFound(t *testing.T) {
	_, _, err := VerifyEvent(context.Background(), []Provider{stubProvider{name: "p1"}}, Query{Lat: -17, Lng: 36}, time.Second)
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Reason != "NoEventFound" {
		t.Fatalf("expected NoEventFound, got %v", err)
	}
}

func TestVerifyEventOutsideRadiusIsNoEventFound(t *testing.T) {
	far := RawEvent{Class: "flood", Active: true, RadiusKM: 5, Centre: model.CoordinateFromDecimal(10, 10)}
	_, _, err := VerifyEvent(context.Background(), []Provider{stubProvider{name: "p1", events: []RawEvent{far}}}, Query{Lat: -17, Lng: 36, RadiusKM: 100}, time.Second)
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Reason != "NoEventFound" {
		t.Fatalf("expected NoEventFound for an out-of-radius event, got %v", err)
	}
}

func TestVerifyEventInactiveEventRejected(t *testing.T) {
	inactive := floodEvent("gdacs")
	inactive.Active = false
	_, _, err := VerifyEvent(context.Background(), []Provider{stubProvider{name: "p1", events: []RawEvent{inactive}}}, Query{Lat: -17.05, Lng: 36.87}, time.Second)
	var se *stageerr.Error
	if !errors.As(err, &se) || se.Reason != "EventNotActive" {
		t.Fatalf("expected EventNotActive, got %v", err)
	}
}

func TestVerifyEventMergesCorroboratingProviders(t *testing.T) {
	providers := []Provider{
		stubProvider{name: "gdacs", events: []RawEvent{floodEvent("gdacs")}},
		stubProvider{name: "reliefweb", events: []RawEvent{floodEvent("reliefweb")}},
		stubProvider{name: "flaky", err: errors.New("timeout")},
	}
	attestation, digest, err := VerifyEvent(context.Background(), providers, Query{Lat: -17.05, Lng: 36.87}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attestation.Sources) != 2 {
		t.Fatalf("Sources = %v, want both corroborating providers merged", attestation.Sources)
	}
	if digest == "" {
		t.Fatalf("expected a non-empty digest")
	}
	if attestation.Region != "sofala-mz" {
		t.Fatalf("Region = %q, want the winning event's region carried onto the attestation", attestation.Region)
	}
}

func TestFanOutQuerySkipsErroringProviders(t *testing.T) {
	providers := []Provider{
		stubProvider{name: "ok", events: []RawEvent{floodEvent("ok")}},
		stubProvider{name: "broken", err: errors.New("boom")},
	}
	got := fanOutQuery(context.Background(), providers, Query{Lat: -17.05, Lng: 36.87}, time.Second)
	if len(got) != 1 {
		t.Fatalf("fanOutQuery() returned %d events, want 1 (erroring provider skipped)", len(got))
	}
}

func TestDedupMergesWithinRadiusSameClass(t *testing.T) {
	a := scoredEvent{event: floodEvent("a"), distance: 5}
	b := scoredEvent{event: floodEvent("b"), distance: 2}
	merged := dedup([]scoredEvent{a, b})
	if len(merged) != 1 {
		t.Fatalf("dedup() returned %d groups, want 1", len(merged))
	}
	if len(merged[0].event.Sources) != 2 {
		t.Fatalf("merged sources = %v, want both a and b", merged[0].event.Sources)
	}
}

func TestDedupKeepsDistinctClassesSeparate(t *testing.T) {
	flood := scoredEvent{event: floodEvent("a"), distance: 1}
	quake := scoredEvent{event: RawEvent{Class: "earthquake", Centre: floodEvent().Centre}, distance: 1}
	merged := dedup([]scoredEvent{flood, quake})
	if len(merged) != 2 {
		t.Fatalf("dedup() returned %d groups, want 2 (different classes must not merge)", len(merged))
	}
}

func TestScoreEventHigherSeverityAndCoverageScoreHigher(t *testing.T) {
	low := scoredEvent{event: RawEvent{Severity: model.SeverityLow, RadiusKM: 20, Sources: []string{"a"}}, distance: 5}
	high := scoredEvent{event: RawEvent{Severity: model.SeverityCritical, RadiusKM: 20, Sources: []string{"a", "b", "c"}}, distance: 5}
	if scoreEvent(high) <= scoreEvent(low) {
		t.Fatalf("expected a more severe, better-corroborated event to score higher")
	}
}

func TestScoreEventCloserDistanceScoresHigher(t *testing.T) {
	near := scoredEvent{event: RawEvent{RadiusKM: 20, Sources: []string{"a"}}, distance: 1}
	far := scoredEvent{event: RawEvent{RadiusKM: 20, Sources: []string{"a"}}, distance: 19}
	if scoreEvent(near) <= scoreEvent(far) {
		t.Fatalf("expected the closer event to score higher")
	}
}
