package emission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appemission "3tcapital/ms_nfse_emissor/internal/application/emission"
	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	httperrors "3tcapital/ms_nfse_emissor/internal/infrastructure/http"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/http/middleware"
)

// MaxBatchSize bounds the orders of a single batch request.
const MaxBatchSize = 100

const dateLayout = "2006-01-02"

// Service is the part of the emission service exposed over HTTP.
type Service interface {
	MarkPending(ctx context.Context, orderID int64) error
	ProcessEmission(ctx context.Context, orderID int64, force bool) (*appemission.Result, error)
	CancelNfse(ctx context.Context, orderID int64, reason string) (*nfse.CancelResult, error)
	QueryStatus(ctx context.Context, lookup emission.Lookup) (*appemission.StatusView, error)
	ProcessBatchEmission(ctx context.Context, orderIDs []int64, force bool) appemission.BatchSummary
	Statistics(ctx context.Context, from, to time.Time) (emission.Stats, error)
	DownloadXML(ctx context.Context, orderID int64, signed bool) (string, error)
	TestConnection(ctx context.Context) error
}

// Handler bridges HTTP traffic with the emission application service.
type Handler struct {
	service Service
	log     *slog.Logger
	now     func() time.Time
}

func NewHandler(service Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log, now: time.Now}
}

// Register mounts the emission routes on r. Batch runs under the extended
// write timeout configured by the server.
func (h *Handler) Register(r chi.Router, batch func(http.Handler) http.Handler) {
	r.Get("/stats", h.Stats)
	r.Get("/connection", h.TestConnection)
	r.Get("/key/{accessKey}", h.StatusByKey)
	r.With(batch).Post("/batch", h.Batch)
	r.Route("/{orderID}", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Post("/", h.Emit)
		r.Post("/pending", h.MarkPending)
		r.Post("/cancel", h.Cancel)
		r.Get("/xml", h.DownloadXML)
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	OrderID   int64  `json:"orderId"`
	AccessKey string `json:"accessKey"`
	Protocol  string `json:"protocol,omitempty"`
	Status    string `json:"status"`
}

type batchRequest struct {
	OrderIDs []int64 `json:"orderIds"`
	Force    bool    `json:"force"`
}

// Emit handles POST /api/v1/emissions/{orderID}?force=true.
func (h *Handler) Emit(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	h.log.InfoContext(r.Context(), "manual emission requested",
		"order_id", orderID,
		"force", force,
		"requested_by", middleware.Subject(r.Context()),
	)

	result, err := h.service.ProcessEmission(r.Context(), orderID, force)
	if err != nil {
		h.log.WarnContext(r.Context(), "manual emission failed", "order_id", orderID, "error", err)
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, result, h.log)
}

// MarkPending handles POST /api/v1/emissions/{orderID}/pending.
func (h *Handler) MarkPending(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkPending(r.Context(), orderID); err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel handles POST /api/v1/emissions/{orderID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Invalid request body", []string{err.Error()}, h.log)
		return
	}

	h.log.InfoContext(r.Context(), "cancellation requested", "order_id", orderID, "requested_by", middleware.Subject(r.Context()))
	result, err := h.service.CancelNfse(r.Context(), orderID, req.Reason)
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, cancelResponse{
		OrderID:   orderID,
		AccessKey: result.AccessKey,
		Protocol:  result.Protocol,
		Status:    result.Status,
	}, h.log)
}

// Status handles GET /api/v1/emissions/{orderID}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	h.writeStatus(w, r, emission.Lookup{OrderID: orderID})
}

// StatusByKey handles GET /api/v1/emissions/key/{accessKey}.
func (h *Handler) StatusByKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "accessKey"))
	if key == "" {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{"access key is required"}, h.log)
		return
	}
	h.writeStatus(w, r, emission.Lookup{AccessKey: key})
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, lookup emission.Lookup) {
	view, err := h.service.QueryStatus(r.Context(), lookup)
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, view, h.log)
}

// DownloadXML handles GET /api/v1/emissions/{orderID}/xml?signed=false.
// The signed document is returned unless signed=false.
func (h *Handler) DownloadXML(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	signed := true
	if v := r.URL.Query().Get("signed"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{"signed must be a boolean"}, h.log)
			return
		}
		signed = parsed
	}

	xml, err := h.service.DownloadXML(r.Context(), orderID, signed)
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}

	name := fmt.Sprintf("dps-%d.xml", orderID)
	if signed {
		name = fmt.Sprintf("dps-%d-signed.xml", orderID)
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml)); err != nil {
		h.log.ErrorContext(r.Context(), "failed to write xml", "order_id", orderID, "error", err)
	}
}

// Batch handles POST /api/v1/emissions/batch.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "Invalid request body", []string{err.Error()}, h.log)
		return
	}
	if errs := validateBatch(req.OrderIDs); len(errs) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", errs, h.log)
		return
	}

	summary := h.service.ProcessBatchEmission(r.Context(), req.OrderIDs, req.Force)
	status := http.StatusOK
	if summary.Failed > 0 && summary.Succeeded > 0 {
		status = http.StatusMultiStatus
	}
	httperrors.WriteJSON(w, status, summary, h.log)
}

func validateBatch(ids []int64) []string {
	var errs []string
	if len(ids) == 0 {
		errs = append(errs, "orderIds must not be empty")
	}
	if len(ids) > MaxBatchSize {
		errs = append(errs, fmt.Sprintf("at most %d orders per batch", MaxBatchSize))
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id <= 0 {
			errs = append(errs, fmt.Sprintf("invalid order id %d", id))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("order %d listed more than once", id))
		}
		seen[id] = true
	}
	return errs
}

// Stats handles GET /api/v1/emissions/stats?from=2025-01-01&to=2025-02-01.
// Dates are YYYY-MM-DD or RFC 3339; the default period is the last 30 days.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	to := h.now().UTC()
	from := to.AddDate(0, 0, -30)

	var errs []string
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			errs = append(errs, "from: "+err.Error())
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			errs = append(errs, "to: "+err.Error())
		}
		to = t
	}
	if len(errs) == 0 && !from.Before(to) {
		errs = append(errs, "from must be before to")
	}
	if len(errs) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", errs, h.log)
		return
	}

	stats, err := h.service.Statistics(r.Context(), from, to)
	if err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, stats, h.log)
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, errors.New("expected YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

// TestConnection handles GET /api/v1/emissions/connection.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.service.TestConnection(r.Context()); err != nil {
		httperrors.WriteDomainError(w, err, h.log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.log)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "orderID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{fmt.Sprintf("invalid order id %q", raw)}, h.log)
		return 0, false
	}
	return id, true
}
