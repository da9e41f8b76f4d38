// Package pipeline orchestrates one conversational turn: classify the
// request, fetch schema, pick tables, generate or improve SQL, gate it
// through the safety validator, execute, and record the outcome on the
// session. Each turn walks a fixed state machine; session state is
// only mutated after the producing stage fully succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/executor"
	"github.com/querypilot/querypilot/internal/nlsql"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/safety"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/session"
)

// State tracks how far a turn progressed.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateSchemaReady    State = "SCHEMA_READY"
	StateTablesSelected State = "TABLES_SELECTED"
	StateSQLReady       State = "SQL_READY"
	StateValidated      State = "VALIDATED"
	StateExecuted       State = "EXECUTED"
	StateSkipped        State = "SKIPPED"
	StateResponded      State = "RESPONDED"
	StateFailed         State = "FAILED"
)

type Request struct {
	SessionID   string          `json:"session_id"`
	Text        string          `json:"text"`
	Mode        config.ExecMode `json:"mode,omitempty"`
	TablePrefix string          `json:"table_prefix,omitempty"`
	MaxTables   int             `json:"max_tables,omitempty"`
}

type Response struct {
	SessionID         string                `json:"session_id"`
	Kind              session.RequestKind   `json:"kind"`
	State             State                 `json:"state"`
	SQL               string                `json:"sql,omitempty"`
	Explanation       string                `json:"explanation,omitempty"`
	Confidence        float64               `json:"confidence"`
	TablesUsed        []string              `json:"tables_used,omitempty"`
	Selection         *nlsql.TableSelection `json:"selection,omitempty"`
	Degraded          bool                  `json:"degraded,omitempty"`
	ChangesMade       string                `json:"changes_made,omitempty"`
	ContextUnderstood string                `json:"context_understood,omitempty"`
	Version           int                   `json:"version,omitempty"`
	Execution         *executor.Result      `json:"execution,omitempty"`
}

// Pipeline wires the stages together. Executors are registered per
// mode; a request may override the configured default.
type Pipeline struct {
	schemas   *schema.Cache
	selector  *nlsql.Selector
	reasoner  nlsql.Reasoner
	validator *safety.Validator
	executors map[config.ExecMode]executor.Executor
	sessions  *session.Manager

	defaultMode  config.ExecMode
	tablePrefix  string
	maxTables    int
	stageTimeout time.Duration
	maxMessages  int

	logger *slog.Logger
}

type Deps struct {
	Schemas   *schema.Cache
	Selector  *nlsql.Selector
	Reasoner  nlsql.Reasoner
	Validator *safety.Validator
	Executors map[config.ExecMode]executor.Executor
	Sessions  *session.Manager
	Schema    config.SchemaConfig
	Pipeline  config.PipelineConfig
	Logger    *slog.Logger
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Schemas == nil || deps.Selector == nil || deps.Reasoner == nil ||
		deps.Validator == nil || deps.Sessions == nil || len(deps.Executors) == 0 {
		return nil, fmt.Errorf("pipeline is missing a dependency")
	}
	if _, ok := deps.Executors[deps.Pipeline.ExecMode]; !ok {
		return nil, fmt.Errorf("no executor registered for default mode %q", deps.Pipeline.ExecMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stageTimeout := deps.Pipeline.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = 45 * time.Second
	}
	maxMessages := deps.Pipeline.ContextMaxMessages
	if maxMessages <= 0 {
		maxMessages = 10
	}
	return &Pipeline{
		schemas:      deps.Schemas,
		selector:     deps.Selector,
		reasoner:     deps.Reasoner,
		validator:    deps.Validator,
		executors:    deps.Executors,
		sessions:     deps.Sessions,
		defaultMode:  deps.Pipeline.ExecMode,
		tablePrefix:  deps.Schema.TablePrefix,
		maxTables:    deps.Schema.MaxTables,
		stageTimeout: stageTimeout,
		maxMessages:  maxMessages,
		logger:       logger,
	}, nil
}

func (p *Pipeline) Sessions() *session.Manager { return p.sessions }

// Run processes one turn. On failure the returned error is always a
// *Error carrying the taxonomy kind; the response still holds whatever
// the turn produced before failing.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	mode := req.Mode
	if mode == "" {
		mode = p.defaultMode
	}
	exec, ok := p.executors[mode]
	if !ok {
		return Response{}, fmt.Errorf("no executor registered for mode %q", mode)
	}
	prefix := req.TablePrefix
	if prefix == "" {
		prefix = p.tablePrefix
	}
	maxTables := req.MaxTables
	if maxTables <= 0 {
		maxTables = p.maxTables
	}

	id := p.sessions.Ensure(req.SessionID)
	resp := Response{SessionID: id, State: StateReceived}

	// The turn lock is held from classification through the final
	// append, so concurrent requests on one session run strictly in
	// arrival order and a later turn always sees the earlier one's SQL.
	endTurn, err := p.sessions.BeginTurn(id)
	if err != nil {
		return resp, fmt.Errorf("begin turn: %w", err)
	}
	defer endTurn()

	kind, err := p.sessions.Classify(id, req.Text)
	if err != nil {
		return resp, fmt.Errorf("classify request: %w", err)
	}
	resp.Kind = kind
	if err := p.sessions.AppendMessage(id, session.RoleUser, req.Text, map[string]string{"kind": string(kind)}); err != nil {
		return resp, fmt.Errorf("append user message: %w", err)
	}

	snap, err := p.loadSchema(ctx, prefix, maxTables)
	if err != nil {
		return p.fail(id, resp, &Error{Kind: KindSchemaUnavailable, Stage: "schema", Err: err})
	}
	resp.State = StateSchemaReady

	var generated nlsql.GeneratedQuery
	if kind == session.KindImprovement {
		generated, err = p.improve(ctx, id, req.Text, snap)
	} else {
		generated, err = p.generate(ctx, req.Text, snap, maxTables, &resp)
	}
	if err != nil {
		return p.fail(id, resp, &Error{Kind: KindGenerationFailed, Stage: "generate", Err: err})
	}
	resp.SQL = generated.SQL
	resp.Explanation = generated.Explanation
	resp.Confidence = generated.Confidence
	resp.TablesUsed = generated.TablesUsed
	resp.ChangesMade = generated.ChangesMade
	resp.ContextUnderstood = generated.ContextUnderstood
	if strings.TrimSpace(generated.SQL) == "" {
		// A reasoner that reports success without SQL is a generation
		// failure, not a safety rejection.
		return p.fail(id, resp, &Error{Kind: KindGenerationFailed, Stage: "generate", Err: errors.New("reasoner returned no SQL")})
	}
	resp.State = StateSQLReady

	if err := p.validator.Validate(generated.SQL); err != nil {
		// The explanation stays on the response so the caller can show
		// what was rejected; the session's current SQL is untouched.
		return p.fail(id, resp, &Error{Kind: KindUnsafeQuery, Stage: "validate", Err: err})
	}
	resp.State = StateValidated

	// Recorded before execution: a statement the database rejects is
	// still the session's current SQL, so the next turn can fix it.
	version, err := p.sessions.RecordVersion(id, generated.SQL, req.Text, generated.ChangesMade, generated.TablesUsed)
	if err != nil {
		return resp, fmt.Errorf("record version: %w", err)
	}
	resp.Version = version.Version

	result, err := p.execute(ctx, exec, generated.SQL)
	if err != nil {
		return p.fail(id, resp, &Error{Kind: KindExecutionError, Stage: "execute", Err: err})
	}
	resp.Execution = &result
	if result.Failed() {
		return p.fail(id, resp, &Error{Kind: KindExecutionError, Stage: "execute", Err: errors.New(result.Err)})
	}
	if result.Skipped {
		resp.State = StateSkipped
	} else {
		resp.State = StateExecuted
	}

	_ = p.sessions.AppendMessage(id, session.RoleAssistant, generated.Explanation, map[string]string{
		"sql":   generated.SQL,
		"state": string(resp.State),
	})
	resp.State = StateResponded
	return resp, nil
}

func (p *Pipeline) loadSchema(ctx context.Context, prefix string, maxTables int) (schema.Snapshot, error) {
	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	start := time.Now()
	snap, err := p.schemas.Snapshot(sctx, prefix, maxTables)
	observability.ObservePipelineStage("schema", outcome(err), time.Since(start))
	return snap, err
}

func (p *Pipeline) generate(ctx context.Context, text string, snap schema.Snapshot, maxTables int, resp *Response) (nlsql.GeneratedQuery, error) {
	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	start := time.Now()
	selection := p.selector.Select(sctx, text, snap, maxTables)
	observability.ObservePipelineStage("select_tables", "ok", time.Since(start))
	resp.Selection = &selection
	resp.Degraded = selection.Degraded
	resp.State = StateTablesSelected
	if selection.Degraded {
		p.logger.Warn("table selection degraded to heuristic",
			slog.Float64("confidence", selection.Confidence))
	}

	start = time.Now()
	generated, err := p.reasoner.GenerateSQL(sctx, text, snap.Slice(selection.Names()))
	observability.ObservePipelineStage("generate_sql", outcome(err), time.Since(start))
	return generated, err
}

func (p *Pipeline) improve(ctx context.Context, id, text string, snap schema.Snapshot) (nlsql.GeneratedQuery, error) {
	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	// Classification guarantees a current version exists here.
	version, ok, err := p.sessions.CurrentVersion(id)
	if err != nil || !ok {
		return nlsql.GeneratedQuery{}, fmt.Errorf("no current SQL to improve")
	}
	slice := snap
	if len(version.TablesUsed) > 0 {
		if scoped := snap.Slice(version.TablesUsed); len(scoped.Tables) > 0 {
			slice = scoped
		}
	}
	conversation, err := p.sessions.BuildContext(id, p.maxMessages)
	if err != nil {
		return nlsql.GeneratedQuery{}, fmt.Errorf("build context: %w", err)
	}

	start := time.Now()
	generated, err := p.reasoner.ImproveSQL(sctx, text, version.SQL, slice, conversation)
	observability.ObservePipelineStage("improve_sql", outcome(err), time.Since(start))
	return generated, err
}

func (p *Pipeline) execute(ctx context.Context, exec executor.Executor, sqlText string) (executor.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	start := time.Now()
	result, err := exec.Execute(sctx, sqlText)
	stageOutcome := outcome(err)
	if err == nil && result.Failed() {
		stageOutcome = "error"
	}
	observability.ObservePipelineStage("execute", stageOutcome, time.Since(start))
	return result, err
}

// fail appends a failure record so the conversation keeps continuity,
// then surfaces the taxonomy error.
func (p *Pipeline) fail(id string, resp Response, perr *Error) (Response, error) {
	resp.State = StateFailed
	p.logger.Error("turn failed",
		slog.String("session_id", id),
		slog.String("stage", perr.Stage),
		slog.String("kind", string(perr.Kind)),
		slog.Any("error", perr.Err))
	_ = p.sessions.AppendMessage(id, session.RoleSystem,
		fmt.Sprintf("turn failed at stage %s: %v", perr.Stage, perr.Err),
		map[string]string{"error_kind": string(perr.Kind)})
	return resp, perr
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
