package validation

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"3tcapital/ms_nfse_emissor/internal/core/validation"
	httperrors "3tcapital/ms_nfse_emissor/internal/infrastructure/http"
)

// MaxDocumentBytes bounds posted documents.
const MaxDocumentBytes = 2 << 20

// Validator produces reports for arbitrary XML documents.
type Validator interface {
	Schemas() []string
	ComprehensiveReport(xml string, schemaNames ...string) validation.ComprehensiveReport
}

// Handler exposes the schema validator for operators checking documents by hand.
type Handler struct {
	validator Validator
	log       *slog.Logger
}

func NewHandler(validator Validator, log *slog.Logger) *Handler {
	return &Handler{validator: validator, log: log}
}

// Register mounts the validation routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/schemas", h.Schemas)
	r.Post("/", h.Validate)
}

type validateRequest struct {
	XML     string   `json:"xml"`
	Schemas []string `json:"schemas"`
}

// Schemas handles GET /api/v1/validation/schemas.
func (h *Handler) Schemas(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, map[string][]string{"schemas": h.validator.Schemas()}, h.log)
}

// Validate handles POST /api/v1/validation. The body is either the raw XML
// (schemas given as repeated ?schema= parameters) or a JSON object with xml
// and schemas. Without schemas they are inferred from the document. An
// invalid document is still a 200: the report is the answer.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxDocumentBytes))
	if err != nil {
		httperrors.WriteError(w, http.StatusRequestEntityTooLarge, "Document too large", []string{fmt.Sprintf("at most %d bytes are accepted", MaxDocumentBytes)}, h.log)
		return
	}

	req := validateRequest{XML: string(body), Schemas: r.URL.Query()["schema"]}
	if isJSON(r.Header.Get("Content-Type")) {
		req = validateRequest{}
		if err := json.Unmarshal(body, &req); err != nil {
			httperrors.WriteError(w, http.StatusBadRequest, "Invalid request body", []string{err.Error()}, h.log)
			return
		}
	}

	if strings.TrimSpace(req.XML) == "" {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", []string{"xml document is required"}, h.log)
		return
	}
	known := h.validator.Schemas()
	var unknown []string
	for _, s := range req.Schemas {
		if !slices.Contains(known, s) {
			unknown = append(unknown, fmt.Sprintf("unknown schema %q, expected one of %s", s, strings.Join(known, ", ")))
		}
	}
	if len(unknown) > 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "Validation error", unknown, h.log)
		return
	}

	report := h.validator.ComprehensiveReport(req.XML, req.Schemas...)
	h.log.InfoContext(r.Context(), "document validated",
		"valid", report.Valid,
		"errors", report.TotalErrors,
		"warnings", report.TotalWarnings,
		"compliance", report.Compliance,
	)
	httperrors.WriteJSON(w, http.StatusOK, report, h.log)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
