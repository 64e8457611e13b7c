package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/order"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
)

// ErrorResponse is the JSON error envelope of every endpoint.
type ErrorResponse struct {
	Message   string   `json:"message"`
	Errors    []string `json:"errors"`
	Code      string   `json:"code,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
	Action    string   `json:"action,omitempty"`
}

// WriteError writes a JSON error envelope with the given status.
func WriteError(w http.ResponseWriter, statusCode int, message string, errs []string, log *slog.Logger) {
	writeErrorResponse(w, statusCode, ErrorResponse{Message: message, Errors: errs}, log)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse, log *slog.Logger) {
	if response.Errors == nil {
		response.Errors = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// The status line is already out; an encoding failure can only be logged.
	if err := json.NewEncoder(w).Encode(response); err != nil && log != nil {
		log.Error("failed to encode error response", "error", err)
	}
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil && log != nil {
		log.Error("failed to encode response", "error", err)
	}
}

// WriteDomainError maps err onto a status code and writes it with its
// classification, so operators see the actionable hint.
func WriteDomainError(w http.ResponseWriter, err error, log *slog.Logger) {
	status := StatusFor(err)
	c := nfse.Classify(err)
	writeErrorResponse(w, status, ErrorResponse{
		Message:   http.StatusText(status),
		Errors:    []string{err.Error()},
		Code:      c.Code,
		Retryable: c.Retryable,
		Action:    c.Action,
	}, log)
}

// StatusFor returns the HTTP status of a domain error.
func StatusFor(err error) int {
	var (
		generation *nfse.GenerationError
		validation *nfse.ValidationError
		signing    *nfse.SigningError
		submission *nfse.SubmissionError
	)

	switch {
	case errors.Is(err, emission.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, nfse.ErrAlreadyEmitted),
		errors.Is(err, nfse.ErrDuplicateQueueItem),
		errors.Is(err, nfse.ErrEmissionInProgress),
		errors.Is(err, nfse.ErrNotCancellable),
		errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, nfse.ErrInvalidCancelReason),
		errors.As(err, &generation),
		errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &signing):
		return http.StatusFailedDependency
	case errors.As(err, &submission):
		if submission.Temporary {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
