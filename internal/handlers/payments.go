package handlers

import (
	"encoding/json"
	"net/http"

	"jobboard/internal/payments"
	"jobboard/internal/workflow"
	"jobboard/models"
)

// GetPaymentSplitHandler обрабатывает GET /api/jobs/{jobId}/payment-split
func (h *Handler) GetPaymentSplitHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	split, err := h.Service.GetPaymentSplit(r.Context(), a, jobID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, split)
}

// ReleaseWarrantyHandler обрабатывает POST /api/jobs/{jobId}/warranty/release (администратор)
func (h *Handler) ReleaseWarrantyHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	if a.Role != models.RoleAdmin {
		writeError(w, r, http.StatusForbidden, workflow.CodeForbidden, "only admin can release warranty holds")
		return
	}
	jobID, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	result, err := h.Service.ReleaseWarrantyHold(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type openDisputeRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

// OpenDisputeHandler обрабатывает POST /api/jobs/{jobId}/disputes
func (h *Handler) OpenDisputeHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	var req openDisputeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	dispute, err := h.Service.OpenDispute(r.Context(), a, jobID, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

type resolveDisputeRequest struct {
	Outcome workflow.DisputeOutcome `json:"outcome" validate:"required,oneof=TECHNICIAN DEALER"`
}

// ResolveDisputeHandler обрабатывает POST /api/disputes/{disputeId}/resolve
func (h *Handler) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	disputeID, ok := pathID(w, r, "disputeId")
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	dispute, err := h.Service.ResolveDispute(r.Context(), a, disputeID, req.Outcome)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

type paymentWebhookRequest struct {
	JobID            int64  `json:"jobId" validate:"required,gt=0"`
	PaymentIntentID  string `json:"paymentIntentId" validate:"required"`
	PaymentReference string `json:"paymentReference" validate:"required,max=200"`
}

// PaymentWebhookHandler обрабатывает POST /api/webhooks/payment от платежного шлюза.
// Тело подписано HMAC-SHA256 в заголовке X-Signature; повторная доставка безопасна.
func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, "Failed to read request body")
		return
	}
	if err := payments.VerifySignature(h.WebhookSecret, body, r.Header.Get("X-Signature")); err != nil {
		writeError(w, r, http.StatusUnauthorized, workflow.CodeForbidden, "invalid signature")
		return
	}

	var req paymentWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, "Invalid JSON format")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, validationMessage(err))
		return
	}

	job, err := h.Service.CapturePayment(r.Context(), req.JobID, req.PaymentIntentID, req.PaymentReference)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":         job.ID,
		"status":        job.Status,
		"paymentLocked": job.PaymentLocked,
	})
}
