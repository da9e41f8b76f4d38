package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/executor"
	"github.com/querypilot/querypilot/internal/nlsql"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/safety"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/session"
)

type fakeIntrospector struct {
	err   error
	calls int
}

func (f *fakeIntrospector) Snapshot(_ context.Context, tablePrefix string, _ int) (schema.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return schema.Snapshot{}, f.err
	}
	return schema.Snapshot{
		Tables: []schema.Table{
			{Name: "dl_buyer", Columns: []schema.Column{{Name: "id", DataType: "integer"}, {Name: "company_name", DataType: "text"}}},
			{Name: "dl_payment_history", Columns: []schema.Column{{Name: "buyer_id", DataType: "integer"}, {Name: "amount", DataType: "numeric"}}},
		},
		CapturedAt:       time.Now().UTC(),
		TablePrefix:      tablePrefix,
		SourceTableCount: 2,
	}, nil
}

type fixedReasoner struct {
	sql string
	err error
}

func (f *fixedReasoner) SelectTables(_ context.Context, _ string, catalog schema.Snapshot, _ int) (nlsql.TableSelection, error) {
	tables := make([]nlsql.SelectedTable, 0, len(catalog.Tables))
	for i, table := range catalog.Tables {
		tables = append(tables, nlsql.SelectedTable{Name: table.Name, Rank: i + 1})
	}
	return nlsql.TableSelection{Tables: tables, Confidence: 0.9}, nil
}

func (f *fixedReasoner) GenerateSQL(context.Context, string, schema.Snapshot) (nlsql.GeneratedQuery, error) {
	if f.err != nil {
		return nlsql.GeneratedQuery{}, f.err
	}
	return nlsql.GeneratedQuery{SQL: f.sql, Explanation: "generated", Confidence: 0.9}, nil
}

func (f *fixedReasoner) ImproveSQL(context.Context, string, string, schema.Snapshot, string) (nlsql.GeneratedQuery, error) {
	return nlsql.GeneratedQuery{SQL: f.sql, Confidence: 0.8, ChangesMade: "adjusted"}, nil
}

func newTestHandler(t *testing.T, reasoner nlsql.Reasoner, introspector schema.Introspector) (http.Handler, Dependencies) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if introspector == nil {
		introspector = &fakeIntrospector{}
	}
	schemas := schema.NewCache(introspector, time.Minute, logger)
	sessions := session.NewManager(logger)

	p, err := pipeline.New(pipeline.Deps{
		Schemas:   schemas,
		Selector:  nlsql.NewSelector(reasoner, logger),
		Reasoner:  reasoner,
		Validator: safety.NewValidator(nil),
		Executors: map[config.ExecMode]executor.Executor{config.ExecDryRun: executor.DryRun{}},
		Sessions:  sessions,
		Schema:    config.SchemaConfig{TablePrefix: "dl_", MaxTables: 20},
		Pipeline: config.PipelineConfig{
			ExecMode:           config.ExecDryRun,
			StageTimeout:       time.Second,
			ContextMaxMessages: 10,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	cfg := config.Config{
		Service: config.ServiceConfig{Name: "querypilot-test"},
		Schema:  config.SchemaConfig{TablePrefix: "dl_", MaxTables: 20},
	}
	deps := Dependencies{
		Logger:   logger,
		Pipeline: p,
		Schemas:  schemas,
		Sessions: sessions,
	}
	return NewHandler(cfg, deps), deps
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, &fixedReasoner{sql: "SELECT 1"}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["service"] != "querypilot-test" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyEndpointFailingCheck(t *testing.T) {
	handler, _ := newTestHandler(t, &fixedReasoner{sql: "SELECT 1"}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("no readiness check configured, status = %d", rec.Code)
	}

	cfg := config.Config{Service: config.ServiceConfig{Name: "querypilot-test"}}
	failing := NewHandler(cfg, Dependencies{
		Readiness: func(context.Context) error { return errors.New("db down") },
	})
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestQueryEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, &fixedReasoner{sql: "SELECT company_name FROM dl_buyer"}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"text": "show all companies"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var response pipeline.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.SQL != "SELECT company_name FROM dl_buyer" {
		t.Fatalf("SQL = %q", response.SQL)
	}
	if response.State != pipeline.StateResponded {
		t.Fatalf("State = %q", response.State)
	}
	if response.Execution == nil || !response.Execution.Skipped {
		t.Fatalf("Execution = %+v", response.Execution)
	}
	if response.SessionID == "" {
		t.Fatal("SessionID missing")
	}
}

func TestQueryEndpointValidation(t *testing.T) {
	handler, _ := newTestHandler(t, &fixedReasoner{sql: "SELECT 1"}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"text": "  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"text": "x", "bogus": 1}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, status = %d", rec.Code)
	}
}

func TestQueryEndpointUnsafeSQL(t *testing.T) {
	handler, _ := newTestHandler(t, &fixedReasoner{sql: "DROP TABLE dl_buyer;"}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"text": "remove everything"}`)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error_code"] != "UNSAFE_QUERY" || body["retryable"] != false {
		t.Fatalf("body = %v", body)
	}
	extra, _ := body["context"].(map[string]any)
	if extra == nil || extra["response"] == nil {
		t.Fatalf("envelope must carry the partial response: %v", body)
	}
}

func TestQueryEndpointSchemaUnavailable(t *testing.T) {
	handler, _ := newTestHandler(t, &fixedReasoner{sql: "SELECT 1"}, &fakeIntrospector{err: schema.ErrUnavailable})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"text": "anything"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error_code"] != "SCHEMA_UNAVAILABLE" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestSchemaEndpoints(t *testing.T) {
	introspector := &fakeIntrospector{}
	handler, _ := newTestHandler(t, &fixedReasoner{sql: "SELECT 1"}, introspector)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snapshot schema.Snapshot
	_ = json.Unmarshal(rec.Body.Bytes(), &snapshot)
	if len(snapshot.Tables) != 2 {
		t.Fatalf("Tables = %v", snapshot.Tables)
	}

	// Second read is served from cache.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if introspector.calls != 1 {
		t.Fatalf("introspector calls = %d, want cached read", introspector.calls)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/schema/invalidate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("invalidate status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if introspector.calls != 2 {
		t.Fatalf("introspector calls = %d, invalidate must force a refresh", introspector.calls)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/schema?max_tables=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	handler, deps := newTestHandler(t, &fixedReasoner{sql: "SELECT company_name FROM dl_buyer"}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}

	id := deps.Sessions.Ensure("")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query",
		strings.NewReader(`{"text": "show all companies", "session_id": "`+id+`"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view session.View
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view.CurrentSQL == "" || len(view.History) != 1 {
		t.Fatalf("view = %+v", view)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d after delete", rec.Code)
	}
}
