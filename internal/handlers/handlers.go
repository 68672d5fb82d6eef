package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasapahq/kasapa/internal/cache"
	"github.com/kasapahq/kasapa/internal/config"
	"github.com/kasapahq/kasapa/internal/logging"
	"github.com/kasapahq/kasapa/internal/scheduler"
	"github.com/kasapahq/kasapa/internal/services"
)

const maxCronBodyBytes = 1 << 20 // 1 MB

// Handlers provides the HTTP request handlers for the reconciliation service.
type Handlers struct {
	config            *config.Config
	db                *pgxpool.Pool
	cacheProvider     cache.Provider
	verification      *services.VerificationService
	reaper            *services.ReaperService
	schedulerVerifier *scheduler.Verifier
	logger            *slog.Logger
}

type Dependencies struct {
	Config            *config.Config
	DB                *pgxpool.Pool
	CacheProvider     cache.Provider
	Verification      *services.VerificationService
	Reaper            *services.ReaperService
	SchedulerVerifier *scheduler.Verifier
	Logger            *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("handlers dependencies: db is required")
	}
	if deps.CacheProvider == nil {
		return nil, fmt.Errorf("handlers dependencies: cacheProvider is required")
	}
	if deps.Verification == nil {
		return nil, fmt.Errorf("handlers dependencies: verification service is required")
	}
	if deps.Reaper == nil {
		return nil, fmt.Errorf("handlers dependencies: reaper service is required")
	}
	if deps.SchedulerVerifier == nil {
		return nil, fmt.Errorf("handlers dependencies: scheduler verifier is required")
	}

	return &Handlers{
		config:            deps.Config,
		db:                deps.DB,
		cacheProvider:     deps.CacheProvider,
		verification:      deps.Verification,
		reaper:            deps.Reaper,
		schedulerVerifier: deps.SchedulerVerifier,
		logger:            logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.db.Ping(ctx); err != nil {
		logger.Error("database health check failed", "error", err)
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, logger)
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, logger *slog.Logger) {
	writeJSON(w, status, map[string]string{"error": message}, logger)
}
