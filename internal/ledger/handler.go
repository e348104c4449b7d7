package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/domus-hq/domus/internal/platform/httpx"
	"github.com/domus-hq/domus/internal/shared"
)

// Handler exposes the read-only reporting surface over the ledger. Mutating
// operations stay in-process; reporting consumers never get a path to them.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/apartments/{id}/ledger", h.getLedger)
	r.Get("/apartments/{id}/balance", h.getBalance)
}

func (h *Handler) getLedger(w http.ResponseWriter, r *http.Request) {
	apartmentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid apartment id", err.Error())
		return
	}
	opt := ListOptions{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("period_id"); raw != "" {
		periodID, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid period id", err.Error())
			return
		}
		opt.PeriodID = &periodID
	}

	entries, pagination, err := h.service.GetLedger(r.Context(), apartmentID, opt)
	if err != nil {
		h.logger.Error("get ledger", slog.String("apartment_id", apartmentID.String()), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "ledger unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":    toEntryViews(entries),
		"pagination": pagination,
	})
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	apartmentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid apartment id", err.Error())
		return
	}
	var periodID *uuid.UUID
	if raw := r.URL.Query().Get("period_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid period id", err.Error())
			return
		}
		periodID = &parsed
	}

	balance, err := h.service.GetBalance(r.Context(), apartmentID, periodID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.NotFound(w, "apartment not found")
			return
		}
		h.logger.Error("get balance", slog.String("apartment_id", apartmentID.String()), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "balance unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"apartment_id": apartmentID,
		"balance":      balance.StringFixed(2),
	})
}

type entryView struct {
	ID            uuid.UUID  `json:"id"`
	ApartmentID   uuid.UUID  `json:"apartment_id"`
	EntryType     EntryType  `json:"entry_type"`
	Amount        string     `json:"amount"`
	ReferenceType string     `json:"reference_type"`
	ReferenceID   *uuid.UUID `json:"reference_id,omitempty"`
	Description   string     `json:"description"`
	PeriodID      *uuid.UUID `json:"occupancy_period_id,omitempty"`
	CreatedAt     string     `json:"created_at"`
}

func toEntryViews(entries []Entry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{
			ID:            e.ID,
			ApartmentID:   e.ApartmentID,
			EntryType:     e.Type,
			Amount:        e.Amount.StringFixed(2),
			ReferenceType: string(e.ReferenceType),
			ReferenceID:   e.ReferenceID,
			Description:   e.Description,
			PeriodID:      e.PeriodID,
			CreatedAt:     e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return fallback
	}
	return val
}
