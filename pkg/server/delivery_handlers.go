// Copyright 2025 Certen Protocol

package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/aidchain/orchestrator/pkg/bus"
	"github.com/aidchain/orchestrator/pkg/model"
	"github.com/aidchain/orchestrator/pkg/orchestrator"
)

// deliveryConfirmBody is POST /api/delivery/confirm's body (spec.md §6):
// `{request_id, …proof fields}`, the proof fields varying by fulfiller
// class (spec.md §4.5).
type deliveryConfirmBody struct {
	RequestID uint64 `json:"request_id"`
	Class     model.FulfillerClass `json:"class"`

	DropLat     float64 `json:"drop_lat"`
	DropLng     float64 `json:"drop_lng"`
	ImageDigest string  `json:"image_digest"`
	DroneID     string  `json:"drone_id"`

	OfficerID string `json:"officer_id"`
	Signature []byte `json:"signature"`
}

func (b deliveryConfirmBody) toProof() model.DeliveryProof {
	return model.DeliveryProof{
		Class:        b.Class,
		DropLocation: model.CoordinateFromDecimal(b.DropLat, b.DropLng),
		ImageDigest:  b.ImageDigest,
		DroneID:      b.DroneID,
		OfficerID:    b.OfficerID,
		Signature:    b.Signature,
		Timestamp:    time.Now(),
	}
}

// deliveryWaitTimeout bounds how long the HTTP handler waits for the
// pipeline to settle or fail after a proof is submitted, before
// answering with a received-but-pending status.
const deliveryWaitTimeout = 30 * time.Second

func (s *Server) handleDeliveryConfirm(w http.ResponseWriter, r *http.Request) {
	var body deliveryConfirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !body.Class.Valid() {
		s.writeJSONError(w, http.StatusBadRequest, "invalid fulfiller class", nil)
		return
	}

	s.submitAndAwait(w, r, body.RequestID, body.toProof())
}

// fulfillerReferencePattern matches the deliverable reference every
// webhook payload must carry (spec.md §6: "aidchain-{id}").
var fulfillerReferencePattern = regexp.MustCompile(`aidchain-(\d+)`)

type webhookBody struct {
	Reference string `json:"reference"`
	deliveryConfirmBody
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	fulfillerName := r.PathValue("fulfiller")
	secret, ok := s.webhookSecrets[fulfillerName]
	if !ok || secret == "" || r.Header.Get("X-Webhook-Secret") != secret {
		s.writeJSONError(w, http.StatusUnauthorized, "invalid webhook credentials", nil)
		return
	}

	var body webhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "invalid webhook body", err)
		return
	}

	match := fulfillerReferencePattern.FindStringSubmatch(body.Reference)
	if match == nil {
		s.writeJSONError(w, http.StatusInternalServerError, "missing or malformed deliverable reference", nil)
		return
	}
	requestID, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "malformed deliverable reference", err)
		return
	}

	if err := s.orchestrator.SubmitDelivery(requestID, body.toProof()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "pipeline not awaiting delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// submitAndAwait hands the proof to the orchestrator, then watches the
// bus for that request's next terminal event so the HTTP response
// reflects the outcome spec.md §6 documents as synchronous.
func (s *Server) submitAndAwait(w http.ResponseWriter, r *http.Request, requestID uint64, proof model.DeliveryProof) {
	sub := s.bus.Subscribe(&requestID)
	defer sub.Close()

	if err := s.orchestrator.SubmitDelivery(requestID, proof); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "pipeline not awaiting delivery for this request", err)
		return
	}

	deadline := time.NewTimer(deliveryWaitTimeout)
	defer deadline.Stop()

	for {
		select {
		case evt := <-sub.Events():
			switch {
			case evt.Stage == orchestrator.StageSettlement.String() && evt.Status == bus.StatusCompleted:
				writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
				return
			case evt.Stage == orchestrator.StageReceipt.String() && evt.Status == bus.StatusFailed:
				writeJSON(w, http.StatusBadRequest, map[string]string{"status": "failed", "reason": evt.Message})
				return
			case evt.Status == bus.StatusFailed:
				writeJSON(w, http.StatusBadRequest, map[string]string{"status": "failed", "reason": evt.Message})
				return
			}
		case <-deadline.C:
			writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
			return
		case <-r.Context().Done():
			return
		}
	}
}
