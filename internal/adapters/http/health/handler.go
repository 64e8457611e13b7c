package health

import (
	"net/http"

	apphealth "3tcapital/ms_nfse_emissor/internal/application/health"
	corehealth "3tcapital/ms_nfse_emissor/internal/core/health"
	httperrors "3tcapital/ms_nfse_emissor/internal/infrastructure/http"
)

// Handler bridges HTTP traffic with the health application service.
type Handler struct {
	service *apphealth.Service
}

func NewHandler(service *apphealth.Service) *Handler {
	return &Handler{service: service}
}

// Live handles GET /health: the process answers.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, h.service.Liveness(r.Context()), nil)
}

// Ready handles GET /health/ready: dependencies are checked and a DOWN
// component answers 503 so load balancers stop routing.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.service.Status(r.Context())
	code := http.StatusOK
	if status.Status == corehealth.StateDown {
		code = http.StatusServiceUnavailable
	}
	httperrors.WriteJSON(w, code, status, nil)
}
