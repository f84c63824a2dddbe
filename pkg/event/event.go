// Package event implements the disaster-event attestation engine (C3):
// it fans a location query out to every configured disaster-data
// provider in parallel, deduplicates and scores the results, and
// returns the single best-matching active event.
//
// The fan-out/fan-in shape is grounded on the teacher's
// attestation.Service.RequestAttestations: a WaitGroup, a buffered
// response channel sized to the fan-out count, a closer goroutine, and
// a collector range loop — generalized here with a per-provider
// timeout instead of one shared deadline.
package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aidchain/orchestrator/pkg/commitment"
	"github.com/aidchain/orchestrator/pkg/geo"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/stageerr"
)

const (
	defaultProviderTimeout = 10 * time.Second
	dedupRadiusKM          = 50.0
	scoreWeightProximity   = 0.5
	scoreWeightSourceCover = 0.3
	scoreWeightSeverity    = 0.2
	sourceCoverageCap      = 3.0
)

// RawEvent is what one provider reports for a single disaster event.
type RawEvent struct {
	Class     string
	Severity  model.Severity
	Region    string
	Centre    model.Coordinate
	RadiusKM  float64
	Active    bool
	Sources   []string
	Timestamp time.Time
}

// Provider queries one disaster-data source. Implementations wrap an
// HTTP client against a configured base URL (pkg/config.ListConfig's
// EventProviderConfig); this package only depends on the interface.
type Provider interface {
	Name() string
	Query(ctx context.Context, lat, lng, radiusKM float64) ([]RawEvent, error)
}

// Query is the verify_event input (spec.md §4.3).
type Query struct {
	Lat, Lng     float64
	ClaimedClass string
	RadiusKM     float64 // defaults to 100 if zero
}

type scoredEvent struct {
	event    RawEvent
	distance float64
	score    float64
}

// VerifyEvent runs the full C3 algorithm: parallel provider fan-out,
// radius filter, cross-provider dedup, scoring, and selection of the
// single best active event.
func VerifyEvent(ctx context.Context, providers []Provider, q Query, providerTimeout time.Duration) (model.EventAttestation, string, error) {
	if q.RadiusKM <= 0 {
		q.RadiusKM = 100
	}
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}

	events := fanOutQuery(ctx, providers, q, providerTimeout)
	if len(events) == 0 {
		return model.EventAttestation{}, "", stageerr.Attestation("NoEventFound", nil)
	}

	inRadius := make([]scoredEvent, 0, len(events))
	for _, e := range events {
		d := geo.HaversineKM(q.Lat, q.Lng, e.Centre.Lat(), e.Centre.Lng())
		if d > q.RadiusKM {
			continue
		}
		inRadius = append(inRadius, scoredEvent{event: e, distance: d})
	}
	if len(inRadius) == 0 {
		return model.EventAttestation{}, "", stageerr.Attestation("NoEventFound", nil)
	}

	merged := dedup(inRadius)
	for i := range merged {
		merged[i].score = scoreEvent(merged[i])
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].score > merged[j].score })

	best := merged[0]
	if !best.event.Active {
		return model.EventAttestation{}, "", stageerr.Attestation("EventNotActive", nil)
	}

	attestation := model.EventAttestation{
		EventID:    commitment.HashBytes([]byte(fmt.Sprintf("%s|%f|%f", best.event.Class, best.event.Centre.Lat(), best.event.Centre.Lng()))),
		Class:      best.event.Class,
		Severity:   best.event.Severity,
		Region:     best.event.Region,
		Centre:     best.event.Centre,
		RadiusKM:   best.event.RadiusKM,
		Sources:    best.event.Sources,
		DistanceKM: best.distance,
		Active:     best.event.Active,
		Timestamp:  best.event.Timestamp,
	}
	digest, err := commitment.HashCanonical(attestation)
	if err != nil {
		return model.EventAttestation{}, "", stageerr.Internal("canonical hash of event attestation failed", err)
	}
	return attestation, digest, nil
}

func fanOutQuery(ctx context.Context, providers []Provider, q Query, timeout time.Duration) []RawEvent {
	var wg sync.WaitGroup
	results := make(chan []RawEvent, len(providers))

	for _, p := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			evts, err := p.Query(pctx, q.Lat, q.Lng, q.RadiusKM)
			if err != nil {
				// A provider timing out or erroring is skipped, not fatal,
				// provided at least one other provider succeeds (spec.md §4.3 step 1).
				return
			}
			results <- evts
		}(p)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []RawEvent
	for evts := range results {
		all = append(all, evts...)
	}
	return all
}

// dedup merges events of the same class whose centres lie within
// dedupRadiusKM, unioning their source sets (spec.md §4.3 step 3).
func dedup(candidates []scoredEvent) []scoredEvent {
	merged := make([]scoredEvent, 0, len(candidates))
	used := make([]bool, len(candidates))

	for i := range candidates {
		if used[i] {
			continue
		}
		group := candidates[i]
		sources := append([]string(nil), group.event.Sources...)

		for j := i + 1; j < len(candidates); j++ {
			if used[j] || candidates[j].event.Class != group.event.Class {
				continue
			}
			centreDist := geo.HaversineKM(
				group.event.Centre.Lat(), group.event.Centre.Lng(),
				candidates[j].event.Centre.Lat(), candidates[j].event.Centre.Lng(),
			)
			if centreDist <= dedupRadiusKM {
				used[j] = true
				sources = append(sources, candidates[j].event.Sources...)
				// Keep the closer-to-user record as the survivor's geometry.
				if candidates[j].distance < group.distance {
					survivorSources := sources
					group = candidates[j]
					sources = survivorSources
				}
			}
		}

		group.event.Sources = dedupStrings(sources)
		merged = append(merged, group)
	}
	return merged
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func scoreEvent(se scoredEvent) float64 {
	proximity := 1 - se.distance/se.event.RadiusKM
	if proximity < 0 {
		proximity = 0
	}
	sourceCoverage := float64(len(se.event.Sources)) / sourceCoverageCap
	if sourceCoverage > 1 {
		sourceCoverage = 1
	}
	severity := se.event.Severity.Weight()

	return scoreWeightProximity*proximity + scoreWeightSourceCover*sourceCoverage + scoreWeightSeverity*severity
}
