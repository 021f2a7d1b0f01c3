package handlers

import (
	"net/http"
)

type placeBidRequest struct {
	OfferedPrice int64  `json:"offeredPrice" validate:"required,gt=0"`
	Message      string `json:"message" validate:"max=500"`
}

// PlaceBidHandler обрабатывает POST /api/jobs/{jobId}/bids
func (h *Handler) PlaceBidHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	var req placeBidRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	bid, err := h.Service.PlaceBid(r.Context(), a, jobID, req.OfferedPrice, req.Message)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// ListBidsForJobHandler обрабатывает GET /api/jobs/{jobId}/bids
func (h *Handler) ListBidsForJobHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	ledger, err := h.Service.ListBidsForJob(r.Context(), a, jobID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

type counterOfferRequest struct {
	Price int64 `json:"price" validate:"required,gt=0"`
}

// CounterOfferHandler обрабатывает POST /api/bids/{bidId}/counter
func (h *Handler) CounterOfferHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	bidID, ok := pathID(w, r, "bidId")
	if !ok {
		return
	}
	var req counterOfferRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	counter, err := h.Service.CounterOffer(r.Context(), a, bidID, req.Price)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, counter)
}

// AcceptBidHandler обрабатывает POST /api/bids/{bidId}/accept
func (h *Handler) AcceptBidHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	bidID, ok := pathID(w, r, "bidId")
	if !ok {
		return
	}
	job, err := h.Service.AcceptBid(r.Context(), a, bidID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RejectBidHandler обрабатывает POST /api/bids/{bidId}/reject
func (h *Handler) RejectBidHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	bidID, ok := pathID(w, r, "bidId")
	if !ok {
		return
	}
	bid, err := h.Service.RejectBid(r.Context(), a, bidID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// AcceptCounterOfferHandler обрабатывает POST /api/counter-offers/{counterId}/accept
func (h *Handler) AcceptCounterOfferHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	counterID, ok := pathID(w, r, "counterId")
	if !ok {
		return
	}
	job, err := h.Service.AcceptCounterOffer(r.Context(), a, counterID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RejectCounterOfferHandler обрабатывает POST /api/counter-offers/{counterId}/reject
func (h *Handler) RejectCounterOfferHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	counterID, ok := pathID(w, r, "counterId")
	if !ok {
		return
	}
	bid, err := h.Service.RejectCounterOffer(r.Context(), a, counterID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

