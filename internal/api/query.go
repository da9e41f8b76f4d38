package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/querypilot/querypilot/internal/pipeline"
)

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "pipeline is not configured", false, nil)
		return
	}

	var request pipeline.Request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Text) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TEXT_REQUIRED", "text is required", false, nil)
		return
	}

	response, err := deps.Pipeline.Run(r.Context(), request)
	if err != nil {
		writePipelineError(w, r, response, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// writePipelineError maps the turn's taxonomy kind onto a status code.
// The partial response rides along in the envelope context so the
// caller can still show the rejected SQL or its explanation.
func writePipelineError(w http.ResponseWriter, r *http.Request, response pipeline.Response, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
		return
	}

	extra := map[string]any{
		"stage":    perr.Stage,
		"response": response,
	}
	switch perr.Kind {
	case pipeline.KindSchemaUnavailable:
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", perr.Err.Error(), true, extra)
	case pipeline.KindGenerationFailed:
		writeError(r.Context(), w, http.StatusBadGateway, "GENERATION_FAILED", perr.Err.Error(), true, extra)
	case pipeline.KindUnsafeQuery:
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "UNSAFE_QUERY", perr.Err.Error(), false, extra)
	case pipeline.KindExecutionError:
		writeError(r.Context(), w, http.StatusBadGateway, "EXECUTION_ERROR", perr.Err.Error(), true, extra)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", perr.Error(), false, extra)
	}
}
