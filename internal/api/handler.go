// Package api exposes the pipeline over HTTP. Routing, middleware
// chaining, and the error envelope follow one shape across all
// endpoints so front ends only need a single client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/session"
)

type ReadinessCheck func(ctx context.Context) error

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Pipeline          *pipeline.Pipeline
	Schemas           *schema.Cache
	Sessions          *session.Manager
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(deps, w, r)
	})
	mux.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleGetSchema(cfg, deps, w, r)
	})
	mux.HandleFunc("POST /v1/schema/invalidate", func(w http.ResponseWriter, r *http.Request) {
		handleInvalidateSchema(deps, w, r)
	})
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetSession(deps, w, r)
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteSession(deps, w, r)
	})

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckDatabaseDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Database.DSN == "" {
			return errors.New("database dsn is not configured")
		}
		return nil
	}
}

func CheckAIConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.AI.BaseURL == "" {
			return errors.New("ai base url is not configured")
		}
		if cfg.AI.APIKey == "" {
			return errors.New("ai api key is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
