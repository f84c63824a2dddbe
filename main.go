package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aidchain/orchestrator/pkg/auth"
	"github.com/aidchain/orchestrator/pkg/bus"
	"github.com/aidchain/orchestrator/pkg/config"
	"github.com/aidchain/orchestrator/pkg/consensus"
	"github.com/aidchain/orchestrator/pkg/ethereum"
	"github.com/aidchain/orchestrator/pkg/event"
	"github.com/aidchain/orchestrator/pkg/fulfiller"
	"github.com/aidchain/orchestrator/pkg/gnss"
	"github.com/aidchain/orchestrator/pkg/ledger"
	"github.com/aidchain/orchestrator/pkg/metrics"
	"github.com/aidchain/orchestrator/pkg/orchestrator"
	"github.com/aidchain/orchestrator/pkg/server"
	"github.com/aidchain/orchestrator/pkg/store"
)

// HealthStatus tracks the service's dependency health for /health,
// the same explicit-tracking shape the teacher's validator used for
// its own degradation reporting, retargeted at this service's three
// external dependencies: the ledger RPC, the audit database (optional),
// and the ledger event poller.
type HealthStatus struct {
	Status        string `json:"status"` // "ok", "degraded", "error"
	Ledger        string `json:"ledger"`
	Database      string `json:"database"`
	Poller        string `json:"poller"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	startTime time.Time
	mu        sync.RWMutex
}

var healthStatus = &HealthStatus{
	Status:    "starting",
	Ledger:    "unknown",
	Database:  "disabled",
	Poller:    "unknown",
	startTime: time.Now(),
}

func (h *HealthStatus) SetLedger(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Ledger = status
	h.updateOverallStatus()
}

func (h *HealthStatus) SetDatabase(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Database = status
	h.updateOverallStatus()
}

func (h *HealthStatus) SetPoller(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Poller = status
	h.updateOverallStatus()
}

func (h *HealthStatus) updateOverallStatus() {
	if h.Ledger == "disconnected" {
		h.Status = "error"
		return
	}
	if h.Database == "disconnected" || h.Poller == "stalled" {
		h.Status = "degraded"
		return
	}
	h.Status = "ok"
}

func (h *HealthStatus) ToJSON() []byte {
	h.mu.Lock()
	h.UptimeSeconds = int64(time.Since(h.startTime).Seconds())
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	data, _ := json.Marshal(h)
	return data
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting aidchain orchestrator")

	var (
		devMode = flag.Bool("dev", false, "relax configuration validation for local development")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.PrintDefaults()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *devMode {
		if err := cfg.ValidateForDevelopment(); err != nil {
			log.Fatalf("configuration: %v", err)
		}
		log.Printf("running with relaxed development validation")
	} else {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("configuration: %v", err)
		}
	}

	listCfg, err := config.LoadListConfig(cfg.ListConfigPath)
	if err != nil {
		log.Fatalf("load list configuration: %v", err)
	}
	log.Printf("loaded %d event providers, %d LLM endpoints, %d fulfiller endpoints",
		len(listCfg.EventProviders), len(listCfg.LLMEndpoints), len(listCfg.FulfillerEndpoints))

	ethClient, err := ethereum.NewClient(cfg.LedgerRPCURL, cfg.LedgerChainID)
	if err != nil {
		log.Fatalf("dial ledger RPC: %v", err)
	}

	ledgerAdapter, err := ledger.NewAdapter(ethClient, cfg.EscrowContractAddr, cfg.OraclePrivateKey,
		ledger.WithCallTimeout(cfg.LedgerCallTimeout))
	if err != nil {
		log.Fatalf("build ledger adapter: %v", err)
	}
	if ledgerAdapter.OracleAddress().Hex() == "0x0000000000000000000000000000000000000000" {
		log.Printf("no oracle key configured; ledger writes are disabled, running read-only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := ledgerAdapter.Health(healthCtx); err != nil {
		log.Printf("ledger health check failed at startup: %v", err)
		healthStatus.SetLedger("disconnected")
	} else {
		healthStatus.SetLedger("connected")
	}
	healthCancel()

	cursorStore, err := store.NewCursorStore(cfg.CursorStorePath)
	if err != nil {
		log.Fatalf("open cursor store: %v", err)
	}
	defer cursorStore.Close()

	eventBus := bus.New()

	var auditStore *store.AuditStore
	if cfg.DatabaseURL != "" {
		auditStore, err = store.NewAuditStore(store.AuditStoreConfig{
			DatabaseURL:     cfg.DatabaseURL,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			if cfg.DatabaseRequired {
				log.Fatalf("open audit store: %v", err)
			}
			log.Printf("audit store unavailable, continuing without audit logging: %v", err)
			healthStatus.SetDatabase("disconnected")
		} else {
			defer auditStore.Close()
			if err := auditStore.MigrateUp(ctx); err != nil {
				log.Fatalf("run audit store migrations: %v", err)
			}
			healthStatus.SetDatabase("connected")
			go auditBridge(ctx, eventBus, auditStore)
		}
	}

	poller, err := ledger.NewPoller(ethClient, cfg.EscrowContractAddr, cursorStore, ledger.PollerConfig{
		PollInterval:  cfg.LedgerPollInterval,
		BlockLookback: cfg.LedgerLookback,
	})
	if err != nil {
		log.Fatalf("build ledger poller: %v", err)
	}
	if err := poller.Start(ctx); err != nil {
		log.Fatalf("start ledger poller: %v", err)
	}
	healthStatus.SetPoller("running")
	go pollerErrorLog(poller)
	defer poller.Stop()

	metricsRegistry, promRegistry := metrics.NewRegistry()
	go metricsBridge(ctx, eventBus, metricsRegistry)

	satelliteSource := gnss.NewHTTPSatelliteSource(cfg.GnssBackendURL, cfg.GnssTimeout)

	eventProviders := make([]event.Provider, 0, len(listCfg.EventProviders))
	for _, p := range listCfg.EventProviders {
		timeout := p.Timeout.Duration()
		if timeout <= 0 {
			timeout = cfg.EventProviderTimeout
		}
		eventProviders = append(eventProviders, event.NewHTTPProvider(p.Name, p.BaseURL, p.APIKey, timeout))
	}

	consensusNodes := make([]consensus.Node, 0, len(listCfg.LLMEndpoints))
	for _, n := range listCfg.LLMEndpoints {
		timeout := n.Timeout.Duration()
		if timeout <= 0 {
			timeout = cfg.LLMNodeTimeout
		}
		consensusNodes = append(consensusNodes, consensus.NewHTTPNode(n.NodeID, n.Model, n.BaseURL, n.APIKey, timeout))
	}
	consensusHealth := consensus.NewNodeHealthMonitor(0.5)

	dispatcher := fulfiller.NewHTTPDispatcher(listCfg, cfg.FulfillerDispatchTimeout)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenLifetime)

	orch := orchestrator.New(orchestrator.Deps{
		Ledger:               ledgerAdapter,
		SatelliteSource:      satelliteSource,
		EventProviders:       eventProviders,
		EventProviderTimeout: cfg.EventProviderTimeout,
		ConsensusNodes:       consensusNodes,
		ConsensusHealth:      consensusHealth,
		NodeTimeout:          cfg.LLMNodeTimeout,
		Dispatcher:           dispatcher,
		DeliveryTimeout:      cfg.DeliveryTimeout,
		Bus:                  eventBus,
	})

	srv := server.NewServer(server.Deps{
		Orchestrator:   orch,
		Ledger:         ledgerAdapter,
		Bus:            eventBus,
		Issuer:         issuer,
		Audit:          auditStore,
		WebhookSecrets: cfg.WebhookSharedSecrets,
		Production:     !*devMode,
	})

	mux := srv.Routes()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if healthStatus.Status == "error" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write(healthStatus.ToJSON())
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(promRegistry),
	}

	go func() {
		log.Printf("HTTP API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down orchestrator...")

	orch.Shutdown()
	cancel() // stops the poller's pollLoop and the metrics/audit bridges

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Printf("orchestrator stopped")
}

// pollerErrorLog drains the poller's non-blocking error channel so a
// flaky RPC node shows up in logs instead of silently filling the
// channel (spec.md §7's transient-fault handling extends to observability).
func pollerErrorLog(p *ledger.Poller) {
	for err := range p.Errors() {
		log.Printf("ledger poller error: %v", err)
		healthStatus.SetPoller("stalled")
	}
}

// auditBridge persists every bus event to the audit store, best-effort
// (spec.md §6: attestation failures never touch the ledger, so this is
// the only durable record of why a pipeline stopped).
func auditBridge(ctx context.Context, b *bus.Bus, audit *store.AuditStore) {
	sub := b.Subscribe(nil)
	defer sub.Close()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := audit.RecordEvent(ctx, evt); err != nil {
				log.Printf("audit: record event failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// metricsBridge translates bus events into the prometheus counters and
// gauges C7 otherwise has no reason to touch (spec.md §4.7's progress
// feed is also the orchestrator's only metrics signal).
func metricsBridge(ctx context.Context, b *bus.Bus, reg *metrics.Registry) {
	sub := b.Subscribe(nil)
	defer sub.Close()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			switch evt.Status {
			case bus.StatusCompleted:
				switch evt.Stage {
				case "Request":
					reg.PipelinesStarted.WithLabelValues("unknown").Inc()
				case "Settlement":
					reg.PipelinesCompleted.WithLabelValues("settled").Inc()
				}
			case bus.StatusFailed:
				reg.PipelinesCompleted.WithLabelValues("failed").Inc()
			}
		case <-ticker.C:
			reg.BusSubscribers.Set(float64(b.SubscriberCount()))
		case <-ctx.Done():
			return
		}
	}
}
