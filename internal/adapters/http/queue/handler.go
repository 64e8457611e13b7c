package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"3tcapital/ms_nfse_emissor/internal/core/queue"
	httperrors "3tcapital/ms_nfse_emissor/internal/infrastructure/http"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service is the part of the queue service exposed over HTTP.
type Service interface {
	AddToQueue(ctx context.Context, orderID int64, trigger queue.Trigger, delay time.Duration, priority int) (int64, error)
	ProcessQueue(ctx context.Context, limit int) (int, error)
	ResetStuckItems(ctx context.Context, threshold time.Duration) (int, error)
	RetryFailedItems(ctx context.Context, limit int) (int, error)
	ListFailed(ctx context.Context, limit int) ([]queue.Item, error)
	CancelItem(ctx context.Context, id int64) error
	GetItem(ctx context.Context, id int64) (*queue.Item, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)
	Statistics(ctx context.Context) (queue.Stats, error)
	GetQueueHealth(ctx context.Context) (queue.Health, error)
}

// Handler bridges HTTP traffic with the queue application service.
type Handler struct {
	service Service
	log     *slog.Logger
}

func NewHandler(service Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Register mounts the queue routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/", h.Enqueue)
	r.Get("/stats", h.Stats)
	r.Get("/health", h.Health)
	r.Get("/failed", h.ListFailed)
	r.Post("/process", h.Process)
	r.Post("/retry", h.Retry)
	r.Post("/reset", h.Reset)
	r.Post("/pause", h.Pause)
	r.Post("/resume", h.Resume)
	r.Get("/items/{itemID}", h.GetItem)
	r.Delete("/items/{itemID}", h.CancelItem)
}

type enqueueRequest struct {
	OrderID      int64 `json:"orderId"`
	Priority     int   `json:"priority"`
	DelaySeconds int   `json:"delaySeconds"`
}

type enqueueResponse struct {
	ItemID  int64 `json:"itemId"`
	OrderID int64 `json:"orderId"`
}

type statsResponse struct {
	queue.Stats
	Paused bool `json:"paused"`
}

type countResponse struct {
	Count int `json:"count"`
}

// Enqueue handles POST /api/v1/queue.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Invalid request body", []string{err.Error()}, h.log)
		return
	}

	var errs []string
	if req.OrderID <= 0 {
		errs = append(errs, "orderId is required")
	}
	if req.Priority != 0 && (req.Priority < queue.MinPriority || req.Priority > queue.MaxPriority) {
		errs = append(errs, fmt.Sprintf("priority must be between %d and %d", queue.MinPriority, queue.MaxPriority))
	}
	if req.DelaySeconds < 0 {
		errs = append(errs, "delaySeconds must not be negative")
	}
	if len(errs) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", errs, h.log)
		return
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	id, err := h.service.AddToQueue(r.Context(), req.OrderID, queue.TriggerManual, delay, req.Priority)
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusAccepted, enqueueResponse{ItemID: id, OrderID: req.OrderID}, h.log)
}

// Stats handles GET /api/v1/queue/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	paused, err := h.service.IsPaused(r.Context())
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, statsResponse{Stats: stats, Paused: paused}, h.log)
}

// Health handles GET /api/v1/queue/health. A critical queue answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.service.GetQueueHealth(r.Context())
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	status := http.StatusOK
	if health.Status == queue.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	httperrors.WriteJSON(w, status, health, h.log)
}

// ListFailed handles GET /api/v1/queue/failed?limit=50.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r, defaultListLimit)
	if !ok {
		return
	}
	items, err := h.service.ListFailed(r.Context(), limit)
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"items": items}, h.log)
}

// Process handles POST /api/v1/queue/process?limit=10, draining one batch now.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r, 0)
	if !ok {
		return
	}
	n, err := h.service.ProcessQueue(r.Context(), limit)
	h.writeCount(w, n, err)
}

// Retry handles POST /api/v1/queue/retry?limit=10.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r, 0)
	if !ok {
		return
	}
	n, err := h.service.RetryFailedItems(r.Context(), limit)
	h.writeCount(w, n, err)
}

// Reset handles POST /api/v1/queue/reset?olderThan=10m.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{"olderThan must be a positive duration such as 10m"}, h.log)
			return
		}
		threshold = d
	}
	n, err := h.service.ResetStuckItems(r.Context(), threshold)
	h.writeCount(w, n, err)
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.writePaused(w, r, h.service.Pause(r.Context()), true)
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.writePaused(w, r, h.service.Resume(r.Context()), false)
}

func (h *Handler) writePaused(w http.ResponseWriter, r *http.Request, err error, paused bool) {
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	h.log.InfoContext(r.Context(), "queue pause flag changed", "paused", paused)
	httperrors.WriteJSON(w, http.StatusOK, map[string]bool{"paused": paused}, h.log)
}

// GetItem handles GET /api/v1/queue/items/{itemID}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, item, h.log)
}

// CancelItem handles DELETE /api/v1/queue/items/{itemID}. Only pending items can be cancelled.
func (h *Handler) CancelItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelItem(r.Context(), id); err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeCount(w http.ResponseWriter, n int, err error) {
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, countResponse{Count: n}, h.log)
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxListLimit {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{fmt.Sprintf("limit must be between 1 and %d", maxListLimit)}, h.log)
		return 0, false
	}
	return n, true
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "itemID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{fmt.Sprintf("invalid item id %q", raw)}, h.log)
		return 0, false
	}
	return id, true
}
