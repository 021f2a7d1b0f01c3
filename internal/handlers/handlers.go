package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"jobboard/internal/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler оборачивает сервис заказов для HTTP API
type Handler struct {
	Service       *workflow.Service
	WebhookSecret string
	validate      *validator.Validate
}

// NewHandler создает новый Handler
func NewHandler(service *workflow.Service, webhookSecret string) *Handler {
	return &Handler{
		Service:       service,
		WebhookSecret: webhookSecret,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ErrorResponse - тело ответа с ошибкой
type ErrorResponse struct {
	Code   workflow.Code `json:"code"`
	Reason string        `json:"reason"`
}

// PingHandler отвечает "ok" для проверки сервера
func (h *Handler) PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

const maxBodySize = 1048576

// readBody читает тело запроса с ограничением размера
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// decodeJSON разбирает тело в dst и проверяет теги validate
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, "Failed to read request body")
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, "Invalid JSON format")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("field %s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
}

// pathID читает положительный числовой параметр пути
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, workflow.CodeValidation, "Invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code workflow.Code, reason string) {
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "reason", reason)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Reason: reason})
}

var statusByCode = map[workflow.Code]int{
	workflow.CodeValidation:       http.StatusBadRequest,
	workflow.CodeNotFound:         http.StatusNotFound,
	workflow.CodeForbidden:        http.StatusForbidden,
	workflow.CodeInvalidState:     http.StatusConflict,
	workflow.CodeDuplicateBid:     http.StatusConflict,
	workflow.CodeRoundLimit:       http.StatusConflict,
	workflow.CodeAlreadyAssigned:  http.StatusConflict,
	workflow.CodeTermsNotAccepted: http.StatusUnprocessableEntity,
}

// writeServiceError переводит доменную ошибку в HTTP-ответ. Детали внутренних ошибок не раскрываются.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var werr *workflow.Error
	if !errors.As(err, &werr) || werr.Code == workflow.CodeInternal {
		writeError(w, r, http.StatusInternalServerError, workflow.CodeInternal, "internal error")
		return
	}
	status, ok := statusByCode[werr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, ErrorResponse{Code: werr.Code, Reason: werr.Message})
}
