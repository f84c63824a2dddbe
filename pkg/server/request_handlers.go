// Copyright 2025 Certen Protocol

package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aidchain/orchestrator/pkg/ledger"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/orchestrator"
)

// createRequestBody is POST /api/requests's body (spec.md §6). There is
// no on-ledger submit_request write (C1's contract is read-get/write-
// transition only, spec.md §4.1) — the requester's wallet submits the
// initial escrow-funding transaction directly against the contract.
// This endpoint picks up the resulting pending request for the
// authenticated address and starts the off-chain pipeline for it
// (SPEC_FULL.md §9, resolved Open Question (d)).
type createRequestBody struct {
	AidType  model.AidClass `json:"aid_type"`
	Urgency  model.Urgency  `json:"urgency"`
	Lat      float64        `json:"lat"`
	Lng      float64        `json:"lng"`
	Details  string         `json:"details"`
	GnssData string         `json:"gnss_data"` // base64-encoded raw signal bundle
	DeviceID string         `json:"device_id"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r)
	if claims == nil {
		s.writeJSONError(w, http.StatusUnauthorized, "missing bearer claims", nil)
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !body.AidType.Valid() || !body.Urgency.Valid() {
		s.writeJSONError(w, http.StatusBadRequest, "invalid aid_type or urgency", nil)
		return
	}
	rawSignalBundle, err := base64.StdEncoding.DecodeString(body.GnssData)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "gnss_data must be base64-encoded", err)
		return
	}

	req, err := s.findPendingRequest(r, claims.Subject)
	if err != nil {
		if err == errNoPendingRequest {
			s.writeJSONError(w, http.StatusBadRequest, "no pending on-ledger request found for this address; submit the escrow transaction first", nil)
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, "ledger lookup failed", err)
		return
	}

	deviceID := body.DeviceID
	if deviceID == "" {
		deviceID = claims.DeviceID
	}

	s.orchestrator.StartPipeline(r.Context(), orchestrator.Submission{
		Request:         req,
		DeviceID:        deviceID,
		RawSignalBundle: rawSignalBundle,
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id":   req.ID,
		"status":       "pipeline_started",
		"pipeline_url": "/api/requests/" + strconv.FormatUint(req.ID, 10) + "/pipeline",
	})
}

var errNoPendingRequest = errPendingRequest("no pending request")

type errPendingRequest string

func (e errPendingRequest) Error() string { return string(e) }

// findPendingRequest locates the most recently submitted request for
// addr that hasn't yet entered the pipeline.
func (s *Server) findPendingRequest(r *http.Request, addr string) (model.Request, error) {
	ids, err := s.ledger.GetUserRequests(r.Context(), addr)
	if err != nil {
		return model.Request{}, err
	}

	var best *model.Request
	for i := len(ids) - 1; i >= 0; i-- {
		req, err := s.ledger.GetRequest(r.Context(), ids[i])
		if err != nil {
			continue
		}
		if req.Status == model.StatusSubmitted {
			best = &req
			break
		}
	}
	if best == nil {
		return model.Request{}, errNoPendingRequest
	}
	return *best, nil
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request id", err)
		return
	}

	req, err := s.ledger.GetRequest(r.Context(), id)
	if err != nil {
		if err == ledger.ErrRequestNotFound {
			s.writeJSONError(w, http.StatusNotFound, "request not found", nil)
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, "ledger read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request id", err)
		return
	}

	record, ok := s.orchestrator.ActiveRecord(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_active"})
		return
	}

	writeJSON(w, http.StatusOK, pipelineView(record))
}

func (s *Server) handleGetUserRequests(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")

	ids, err := s.ledger.GetUserRequests(r.Context(), addr)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "ledger read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":     addr,
		"request_ids": ids,
	})
}

func (s *Server) handleFundStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.GetPoolStats(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "ledger read failed", err)
		return
	}
	// Monetary values cross the adapter boundary as integer minor units;
	// the external surface is where they become human-facing decimal
	// strings (spec.md §4.1 key semantics).
	writeJSON(w, http.StatusOK, map[string]string{
		"total_deposited":  minorUnitsToDecimalString(stats.Deposited),
		"total_escrowed":   minorUnitsToDecimalString(stats.Escrowed),
		"total_paid_out":   minorUnitsToDecimalString(stats.PaidOut),
		"available_balance": minorUnitsToDecimalString(stats.Available),
	})
}

func (s *Server) handleActivePipelines(w http.ResponseWriter, r *http.Request) {
	records := s.orchestrator.ActiveRecords()
	out := make([]map[string]interface{}, len(records))
	for i, record := range records {
		out[i] = pipelineView(record)
	}
	writeJSON(w, http.StatusOK, out)
}

func pipelineView(record *orchestrator.Record) map[string]interface{} {
	view := map[string]interface{}{
		"request_id":    record.RequestID,
		"current_stage": record.CurrentStage.String(),
		"elapsed_ms":    record.StageTimes[record.CurrentStage].Sub(record.StartedAt).Milliseconds(),
	}
	if record.LastError != nil {
		view["error"] = record.LastError.Error()
	}
	return view
}

// minorUnitsToDecimalString converts integer minor units (6 decimal
// places, by the stablecoin's convention, spec.md §4.1) to a decimal
// string without floating-point rounding.
func minorUnitsToDecimalString(minorUnits int64) string {
	const scale = 1_000_000
	neg := minorUnits < 0
	if neg {
		minorUnits = -minorUnits
	}
	whole := minorUnits / scale
	frac := minorUnits % scale
	s := strconv.FormatInt(whole, 10) + "." + padLeft(strconv.FormatInt(frac, 10), 6)
	if neg {
		s = "-" + s
	}
	return s
}

func padLeft(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
