package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway/health"
	"github.com/BaSui01/modelgate/gateway/store"
	"github.com/BaSui01/modelgate/types"
)

// Prober triggers on-demand health probes. Satisfied by
// *health.Prober.
type Prober interface {
	TriggerProbe(ctx context.Context, providerName string) (*health.Result, error)
}

// AdminStore is the configuration surface the admin endpoints read
// and invalidate. Satisfied by *store.ConfigStore.
type AdminStore interface {
	ListProviders(ctx context.Context) ([]store.Provider, error)
	Invalidate(ctx context.Context) error
}

// AdminHandler serves the operator endpoints: provider status, request
// statistics, recent logs, manual probes, and cache invalidation.
// Authentication is the admin middleware's job.
type AdminHandler struct {
	cfgStore    AdminStore
	healthStore *store.HealthStore
	logs        *store.LogStore
	prober      Prober
	logger      *zap.Logger
}

// NewAdminHandler builds the admin handler. prober may be nil when the
// probe loop is disabled; the probe endpoint then reports 503.
func NewAdminHandler(cfgStore AdminStore, healthStore *store.HealthStore,
	logs *store.LogStore, prober Prober, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		cfgStore:    cfgStore,
		healthStore: healthStore,
		logs:        logs,
		prober:      prober,
		logger:      logger.With(zap.String("component", "admin_handler")),
	}
}

// ProviderStatus is one row of the provider listing: configuration
// plus the current health record, if any.
type ProviderStatus struct {
	store.Provider
	Health *store.ProviderHealth `json:"health,omitempty"`
}

// HandleProviders lists all providers with their health records.
func (h *AdminHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}

	providers, err := h.cfgStore.ListProviders(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "listing providers failed").
			WithCause(err), h.logger)
		return
	}
	healthRows, err := h.healthStore.List(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "listing health records failed").
			WithCause(err), h.logger)
		return
	}

	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		status := ProviderStatus{Provider: p}
		if hr, ok := healthRows[p.ID]; ok {
			record := hr
			status.Health = &record
		}
		out = append(out, status)
	}
	WriteJSON(w, http.StatusOK, out)
}

// HandleStats aggregates the request log per provider. The window
// defaults to 24 hours; override with ?hours=N.
func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"hours must be a positive integer", h.logger)
			return
		}
		hours = n
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	stats, err := h.logs.StatsSince(r.Context(), since)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "aggregating stats failed").
			WithCause(err), h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"since": since,
		"stats": stats,
	})
}

// HandleLogs returns recent request log rows, optionally filtered by
// ?provider=name, capped by ?limit=N.
func (h *AdminHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"limit must be a positive integer", h.logger)
			return
		}
		limit = n
	}

	rows, err := h.logs.Recent(r.Context(), r.URL.Query().Get("provider"), limit)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "reading request logs failed").
			WithCause(err), h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, rows)
}

// HandleProbe runs an immediate health probe against one provider:
// POST /admin/probe?provider=name.
func (h *AdminHandler) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if h.prober == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable,
			"health probing is disabled", h.logger)
		return
	}

	name := r.URL.Query().Get("provider")
	if name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"provider query parameter is required", h.logger)
		return
	}

	res, err := h.prober.TriggerProbe(r.Context(), name)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, err.Error()).
			WithHTTPStatus(http.StatusNotFound).WithCause(err), h.logger)
		return
	}

	h.logger.Info("manual probe completed",
		zap.String("provider", name), zap.Bool("healthy", res.Healthy))
	WriteJSON(w, http.StatusOK, res)
}

// HandleInvalidateCache drops the cached routing projections so the
// next request re-reads the database.
func (h *AdminHandler) HandleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}

	if err := h.cfgStore.Invalidate(r.Context()); err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "cache invalidation failed").
			WithCause(err), h.logger)
		return
	}
	h.logger.Info("routing cache invalidated")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}
