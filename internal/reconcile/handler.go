package reconcile

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/domus-hq/domus/internal/platform/httpx"
)

// Handler exposes the reconciliation report. Read-only: drift is surfaced
// for investigation, never corrected over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reconciliation", h.getReconciliation)
}

func (h *Handler) getReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetReconciliation(r.Context())
	if err != nil {
		h.logger.Error("reconciliation report", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "reconciliation unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
