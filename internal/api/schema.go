package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/schema"
)

func handleGetSchema(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = cfg.Schema.TablePrefix
	}
	maxTables := cfg.Schema.MaxTables
	if raw := r.URL.Query().Get("max_tables"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_MAX_TABLES", "max_tables must be a positive integer", false, nil)
			return
		}
		maxTables = parsed
	}

	snapshot, err := deps.Schemas.Snapshot(r.Context(), prefix, maxTables)
	if err != nil {
		if errors.Is(err, schema.ErrUnavailable) {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", err.Error(), true, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func handleInvalidateSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}
	deps.Schemas.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated"})
}
