package api

import (
	"errors"
	"net/http"

	"github.com/querypilot/querypilot/internal/session"
)

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}

	view, err := deps.Sessions.Snapshot(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}
	deps.Sessions.Delete(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}
