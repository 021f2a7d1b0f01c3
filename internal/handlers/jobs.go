package handlers

import (
	"net/http"
	"strconv"

	"jobboard/internal/workflow"
	"jobboard/models"

	"github.com/paulmach/orb"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// parsePaginationParams парсит limit и offset из query, с дефолтами и ограничениями
func parsePaginationParams(r *http.Request) PaginationParams {
	params := PaginationParams{Limit: 5}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 50 {
		params.Limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		params.Offset = o
	}
	return params
}

type createDealerRequest struct {
	ID         int64   `json:"id" validate:"required,gt=0"`
	Name       string  `json:"name" validate:"required,max=100"`
	TrustScore float64 `json:"trustScore" validate:"gte=0,lte=100"`
	Rating     float64 `json:"rating" validate:"gte=0,lte=5"`
}

// CreateDealerHandler обрабатывает POST /api/dealers
func (h *Handler) CreateDealerHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req createDealerRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	dealer, err := h.Service.CreateDealer(r.Context(), a, workflow.NewDealer{
		ID:         req.ID,
		Name:       req.Name,
		TrustScore: req.TrustScore,
		Rating:     req.Rating,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dealer)
}

type createJobRequest struct {
	Title         string  `json:"title" validate:"required,max=200"`
	Description   string  `json:"description" validate:"max=2000"`
	WorkDetails   string  `json:"workDetails" validate:"max=5000"`
	Amount        *int64  `json:"amount" validate:"omitempty,gte=0"`
	WarrantyDays  *int    `json:"warrantyDays" validate:"omitempty,gte=0,lte=3650"`
	City          string  `json:"city" validate:"max=100"`
	State         string  `json:"state" validate:"max=100"`
	Address       string  `json:"address" validate:"max=500"`
	Pincode       string  `json:"pincode" validate:"max=20"`
	Latitude      float64 `json:"latitude" validate:"latitude"`
	Longitude     float64 `json:"longitude" validate:"longitude"`
	PlaceName     string  `json:"placeName" validate:"max=200"`
	CustomerName  string  `json:"customerName" validate:"max=200"`
	CustomerPhone string  `json:"customerPhone" validate:"max=30"`
	CustomerEmail string  `json:"customerEmail" validate:"omitempty,email"`
}

// CreateJobHandler обрабатывает POST /api/jobs
func (h *Handler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req createJobRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	job, err := h.Service.CreateJob(r.Context(), a, workflow.NewJob{
		Title:         req.Title,
		Description:   req.Description,
		WorkDetails:   req.WorkDetails,
		Amount:        req.Amount,
		WarrantyDays:  req.WarrantyDays,
		City:          req.City,
		State:         req.State,
		Address:       req.Address,
		Pincode:       req.Pincode,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		PlaceName:     req.PlaceName,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// GetJobHandler обрабатывает GET /api/jobs/{jobId}.
// Техник получает проекцию с закрытыми полями, дилер и администратор - полную запись.
func (h *Handler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}

	if a.Role == models.RoleTechnician {
		view, err := h.Service.GetJobForTechnician(r.Context(), jobID, a.UserID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	job, err := h.Service.GetJobForDealer(r.Context(), a, jobID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListOpenJobsHandler обрабатывает GET /api/jobs?lat=&lng=&radiusKm=&limit=&offset=
func (h *Handler) ListOpenJobsHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	params := parsePaginationParams(r)
	q := workflow.OpenJobsQuery{Limit: params.Limit, Offset: params.Offset}

	query := r.URL.Query()
	if query.Has("lat") || query.Has("lng") {
		lat, errLat := strconv.ParseFloat(query.Get("lat"), 64)
		lng, errLng := strconv.ParseFloat(query.Get("lng"), 64)
		if errLat != nil || errLng != nil {
			writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, "lat and lng must be numbers")
			return
		}
		q.Near = &orb.Point{lng, lat}
		q.RadiusKm = 25
		if s := query.Get("radiusKm"); s != "" {
			radius, err := strconv.ParseFloat(s, 64)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, "radiusKm must be a number")
				return
			}
			q.RadiusKm = radius
		}
	}

	views, err := h.Service.ListOpenJobs(r.Context(), a, q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type acceptJobRequest struct {
	TermsAccepted bool `json:"termsAccepted"`
}

// AcceptJobHandler обрабатывает POST /api/jobs/{jobId}/accept
func (h *Handler) AcceptJobHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	var req acceptJobRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	job, err := h.Service.AcceptJobDirect(r.Context(), a, jobID, req.TermsAccepted)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobAction func(h *Handler, r *http.Request, a models.Actor, jobID int64) (any, error)

// jobActionHandler - общий обработчик POST /api/jobs/{jobId}/<действие> без тела запроса
func (h *Handler) jobActionHandler(action jobAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := actor(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobId")
		if !ok {
			return
		}
		result, err := action(h, r, a, jobID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// StartJobHandler обрабатывает POST /api/jobs/{jobId}/start
func (h *Handler) StartJobHandler(w http.ResponseWriter, r *http.Request) {
	h.jobActionHandler(func(h *Handler, r *http.Request, a models.Actor, jobID int64) (any, error) {
		return h.Service.StartJob(r.Context(), a, jobID)
	})(w, r)
}

// SubmitCompletionHandler обрабатывает POST /api/jobs/{jobId}/complete
func (h *Handler) SubmitCompletionHandler(w http.ResponseWriter, r *http.Request) {
	h.jobActionHandler(func(h *Handler, r *http.Request, a models.Actor, jobID int64) (any, error) {
		return h.Service.SubmitCompletion(r.Context(), a, jobID)
	})(w, r)
}

type approveResponse struct {
	Job          *models.Job          `json:"job"`
	PaymentSplit *models.PaymentSplit `json:"paymentSplit"`
}

// ApproveCompletionHandler обрабатывает POST /api/jobs/{jobId}/approve
func (h *Handler) ApproveCompletionHandler(w http.ResponseWriter, r *http.Request) {
	h.jobActionHandler(func(h *Handler, r *http.Request, a models.Actor, jobID int64) (any, error) {
		job, split, err := h.Service.ApproveCompletion(r.Context(), a, jobID)
		if err != nil {
			return nil, err
		}
		return approveResponse{Job: job, PaymentSplit: split}, nil
	})(w, r)
}

// RequestReworkHandler обрабатывает POST /api/jobs/{jobId}/rework
func (h *Handler) RequestReworkHandler(w http.ResponseWriter, r *http.Request) {
	h.jobActionHandler(func(h *Handler, r *http.Request, a models.Actor, jobID int64) (any, error) {
		return h.Service.RequestRework(r.Context(), a, jobID)
	})(w, r)
}

// CancelJobHandler обрабатывает POST /api/jobs/{jobId}/cancel
func (h *Handler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	h.jobActionHandler(func(h *Handler, r *http.Request, a models.Actor, jobID int64) (any, error) {
		return h.Service.CancelJob(r.Context(), a, jobID)
	})(w, r)
}
