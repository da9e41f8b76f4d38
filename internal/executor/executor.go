// Package executor runs validated SQL. Every execution mode sits
// behind the same contract so the pipeline never cares whether a
// statement ran locally, remotely, or not at all.
package executor

import (
	"context"
	"time"
)

// Result is the outcome of one execution attempt. Database failures
// are folded into Err rather than returned as a Go error: an error
// return from Execute means the executor itself broke (bad config,
// cancelled context), not that the statement failed.
type Result struct {
	Rows     []map[string]any `json:"rows,omitempty"`
	RowCount int              `json:"row_count"`
	Elapsed  time.Duration    `json:"elapsed"`
	Skipped  bool             `json:"skipped,omitempty"`
	Err      string           `json:"error,omitempty"`
}

func (r Result) Failed() bool { return r.Err != "" }

type Executor interface {
	Execute(ctx context.Context, sql string) (Result, error)
}

// DryRun satisfies Executor without touching a database. It marks the
// result skipped so callers can tell generation-only turns apart from
// empty result sets.
type DryRun struct{}

func (DryRun) Execute(_ context.Context, _ string) (Result, error) {
	return Result{Skipped: true}, nil
}
