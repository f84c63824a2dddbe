package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/pkg/bus"
	"github.com/aidchain/orchestrator/pkg/consensus"
	"github.com/aidchain/orchestrator/pkg/event"
	"github.com/aidchain/orchestrator/pkg/fulfiller"
	"github.com/aidchain/orchestrator/pkg/gnss"
	"github.com/aidchain/orchestrator/pkg/model"
)

// naturalSatellites mirrors pkg/gnss's own test fixture: authenticated
// satellites with realistic, dispersed CN0 readings across a spread of
// elevations, the baseline a genuinely sky-observed fix would produce.
func naturalSatellites() []gnss.SatelliteObservation {
	return []gnss.SatelliteObservation{
		{SatelliteID: "G01", CN0DB: 44.2, ElevationDeg: 72, Authenticated: true},
		{SatelliteID: "G05", CN0DB: 38.1, ElevationDeg: 55, Authenticated: true},
		{SatelliteID: "G12", CN0DB: 31.7, ElevationDeg: 20, Authenticated: true},
		{SatelliteID: "G19", CN0DB: 29.4, ElevationDeg: 15, Authenticated: true},
		{SatelliteID: "G22", CN0DB: 41.0, ElevationDeg: 63, Authenticated: true},
	}
}

const testLat, testLng = -17.05230, 36.87140

type stubSatelliteSource struct {
	snap gnss.Snapshot
	err  error
}

func (s stubSatelliteSource) Snapshot(ctx context.Context, deviceID string, raw []byte) (gnss.Snapshot, error) {
	return s.snap, s.err
}

func goodSatelliteSource() gnss.SatelliteSource {
	return stubSatelliteSource{snap: gnss.Snapshot{
		Satellites:     naturalSatellites(),
		FixLat:         testLat,
		FixLng:         testLng,
		AuthChainValid: true,
		AuthKeyID:      "key-1",
		AtomicTime:     time.Now(),
	}}
}

type stubEventProvider struct {
	name   string
	events []event.RawEvent
}

func (p stubEventProvider) Name() string { return p.name }
func (p stubEventProvider) Query(ctx context.Context, lat, lng, radiusKM float64) ([]event.RawEvent, error) {
	return p.events, nil
}

func goodEventProvider() event.Provider {
	return stubEventProvider{name: "gdacs", events: []event.RawEvent{{
		Class:    "flood",
		Severity: model.SeveritySevere,
		Region:   "sofala-mz",
		Centre:   model.CoordinateFromDecimal(testLat, testLng),
		RadiusKM: 20,
		Active:   true,
		Sources:  []string{"gdacs"},
	}}}
}

func goodConsensusNodes() []consensus.Node {
	return []consensus.Node{
		stubNode{id: "n1", modelID: "m1", response: approvingVerdict()},
		stubNode{id: "n2", modelID: "m2", response: approvingVerdict()},
		stubNode{id: "n3", modelID: "m3", response: approvingVerdict()},
	}
}

// drainUntil reads events off sub until pred matches one, returning
// every event seen in order; it fails the test if timeout elapses first.
func drainUntil(t *testing.T, sub *bus.Subscription, timeout time.Duration, pred func(bus.Event) bool) []bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	var seen []bus.Event
	for {
		select {
		case evt := <-sub.Events():
			seen = append(seen, evt)
			if pred(evt) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event; seen so far: %+v", seen)
			return seen
		}
	}
}

func TestRunHappyPathReachesSettlement(t *testing.T) {
	led := &stubLedger{fulfillers: []model.ApprovedFulfiller{{Address: "0xBBB", Class: model.FulfillerAerial}}}
	eventBus := bus.New()
	o := New(Deps{
		Ledger:          led,
		SatelliteSource: goodSatelliteSource(),
		EventProviders:  []event.Provider{goodEventProvider()},
		ConsensusNodes:  goodConsensusNodes(),
		Dispatcher:      stubDispatcher{result: fulfiller.DispatchResult{DispatchID: "d-1"}},
		Bus:             eventBus,
		DeliveryTimeout: time.Second,
	})

	sub := eventBus.Subscribe(nil)
	defer sub.Close()

	req := model.Request{ID: 1, AidClass: model.AidFood, Location: model.CoordinateFromDecimal(testLat, testLng)}
	o.StartPipeline(context.Background(), Submission{Request: req, DeviceID: "dev-1", RawSignalBundle: []byte("raw")})

	seen := drainUntil(t, sub, 2*time.Second, func(e bus.Event) bool {
		return e.Stage == "AwaitingDelivery" && e.Status == bus.StatusPending
	})
	for _, e := range seen {
		if e.Status == bus.StatusFailed {
			t.Fatalf("unexpected stage failure before delivery: %+v", e)
		}
	}

	proof := model.DeliveryProof{
		Class:        model.FulfillerAerial,
		DropLocation: model.CoordinateFromDecimal(testLat, testLng),
		ImageDigest:  "0xdeadbeef",
	}
	if err := o.SubmitDelivery(req.ID, proof); err != nil {
		t.Fatalf("SubmitDelivery() error = %v", err)
	}

	final := drainUntil(t, sub, 2*time.Second, func(e bus.Event) bool {
		return e.Stage == "Settlement" && e.Status != bus.StatusStarted
	})
	last := final[len(final)-1]
	if last.Status != bus.StatusCompleted {
		t.Fatalf("final Settlement event status = %v, want completed", last.Status)
	}

	// The pipeline goroutine retires its record just after publishing
	// the final event, so give it a moment to do so.
	retired := false
	for i := 0; i < 100 && !retired; i++ {
		if _, ok := o.ActiveRecord(req.ID); !ok {
			retired = true
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !retired {
		t.Fatalf("expected the record to be retired once the pipeline reaches a terminal stage")
	}
}

func TestRunStopsAtFirstFailingStage(t *testing.T) {
	led := &stubLedger{}
	eventBus := bus.New()
	o := New(Deps{
		Ledger:          led,
		SatelliteSource: stubSatelliteSource{err: nil, snap: gnss.Snapshot{}}, // no satellites tracked: InsufficientCoverage
		EventProviders:  []event.Provider{goodEventProvider()},
		ConsensusNodes:  goodConsensusNodes(),
		Bus:             eventBus,
	})

	sub := eventBus.Subscribe(nil)
	defer sub.Close()

	req := model.Request{ID: 2, Location: model.CoordinateFromDecimal(testLat, testLng)}
	o.StartPipeline(context.Background(), Submission{Request: req, DeviceID: "dev-2"})

	seen := drainUntil(t, sub, 2*time.Second, func(e bus.Event) bool {
		return e.Stage == "GnssVerify" && e.Status == bus.StatusFailed
	})
	for _, e := range seen {
		if e.Stage == "EventVerify" || e.Stage == "Consensus" {
			t.Fatalf("pipeline advanced past the failing GNSS stage: %+v", e)
		}
	}
}

func TestRunTimesOutAwaitingDelivery(t *testing.T) {
	led := &stubLedger{fulfillers: []model.ApprovedFulfiller{{Address: "0xBBB", Class: model.FulfillerAerial}}}
	eventBus := bus.New()
	o := New(Deps{
		Ledger:          led,
		SatelliteSource: goodSatelliteSource(),
		EventProviders:  []event.Provider{goodEventProvider()},
		ConsensusNodes:  goodConsensusNodes(),
		Dispatcher:      stubDispatcher{result: fulfiller.DispatchResult{DispatchID: "d-1"}},
		Bus:             eventBus,
		DeliveryTimeout: 20 * time.Millisecond,
	})

	sub := eventBus.Subscribe(nil)
	defer sub.Close()

	req := model.Request{ID: 3, AidClass: model.AidFood, Location: model.CoordinateFromDecimal(testLat, testLng)}
	o.StartPipeline(context.Background(), Submission{Request: req, DeviceID: "dev-3", RawSignalBundle: []byte("raw")})

	seen := drainUntil(t, sub, 2*time.Second, func(e bus.Event) bool {
		return e.Stage == "AwaitingDelivery" && e.Status == bus.StatusFailed
	})
	if seen[len(seen)-1].Message != "delivery window elapsed" {
		t.Fatalf("Message = %q, want delivery window elapsed", seen[len(seen)-1].Message)
	}
}

func TestStartPipelineRejectedAfterShutdown(t *testing.T) {
	o := New(Deps{Ledger: &stubLedger{}})
	o.Shutdown()

	o.StartPipeline(context.Background(), Submission{Request: model.Request{ID: 4}})
	if _, ok := o.ActiveRecord(4); ok {
		t.Fatalf("expected StartPipeline to reject new work after Shutdown")
	}
}

func TestSubmitDeliveryRejectsUnknownRequest(t *testing.T) {
	o := New(Deps{Ledger: &stubLedger{}})
	if err := o.SubmitDelivery(999, model.DeliveryProof{}); err == nil {
		t.Fatalf("expected an error for a request with no active pipeline")
	}
}
