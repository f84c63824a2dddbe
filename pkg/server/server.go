// Copyright 2025 Certen Protocol
//
// External Surface (C8): a thin HTTP/WebSocket layer that validates
// inputs, starts or resumes pipelines, and exposes the bus. Per
// spec.md §4.8, the surface carries no domain logic of its own — every
// handler here delegates to the orchestrator, the ledger adapter, or
// the bus.

package server

import (
	"log"
	"net/http"

	"github.com/aidchain/orchestrator/pkg/auth"
	"github.com/aidchain/orchestrator/pkg/bus"
	"github.com/aidchain/orchestrator/pkg/ledger"
	"github.com/aidchain/orchestrator/pkg/orchestrator"
	"github.com/aidchain/orchestrator/pkg/store"
)

// Server wires the HTTP/WS surface to the orchestrator and its
// supporting components. It holds no pipeline state of its own.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	ledger       *ledger.Adapter
	bus          *bus.Bus
	issuer       *auth.Issuer
	audit        *store.AuditStore // may be nil: audit logging is best-effort
	webhookSecrets map[string]string
	production   bool
	logger       *log.Logger
}

// Deps bundles everything NewServer needs.
type Deps struct {
	Orchestrator   *orchestrator.Orchestrator
	Ledger         *ledger.Adapter
	Bus            *bus.Bus
	Issuer         *auth.Issuer
	Audit          *store.AuditStore
	WebhookSecrets map[string]string
	Production     bool
	Logger         *log.Logger
}

// NewServer builds a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}
	return &Server{
		orchestrator:   deps.Orchestrator,
		ledger:         deps.Ledger,
		bus:            deps.Bus,
		issuer:         deps.Issuer,
		audit:          deps.Audit,
		webhookSecrets: deps.WebhookSecrets,
		production:     deps.Production,
		logger:         deps.Logger,
	}
}

// Routes builds the HTTP surface's request multiplexer (spec.md §6).
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/requests", s.requireAuth(s.handleCreateRequest))
	mux.HandleFunc("GET /api/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /api/requests/{id}/pipeline", s.handleGetPipeline)
	mux.HandleFunc("GET /api/requests/user/{addr}", s.handleGetUserRequests)
	mux.HandleFunc("POST /api/delivery/confirm", s.requireAuth(s.handleDeliveryConfirm))
	mux.HandleFunc("GET /api/fund/stats", s.handleFundStats)
	mux.HandleFunc("GET /api/pipeline/active", s.handleActivePipelines)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/webhooks/{fulfiller}", s.handleWebhook)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}
