package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Postgres executes statements directly against a live database.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Execute runs the statement and scans all rows into generic maps.
// Column types are whatever the driver hands back; the caller renders
// them, it does not compute on them.
func (p *Postgres) Execute(ctx context.Context, sqlText string) (Result, error) {
	start := time.Now()

	rows, err := p.db.QueryContext(ctx, sqlText)
	if err != nil {
		p.logger.Warn("statement execution failed", slog.Any("error", err))
		return Result{Elapsed: time.Since(start), Err: err.Error()}, nil
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{Elapsed: time.Since(start), Err: fmt.Sprintf("read columns: %v", err)}, nil
	}

	var collected []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Result{Elapsed: time.Since(start), Err: fmt.Sprintf("scan row: %v", err)}, nil
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[column] = string(raw)
			} else {
				row[column] = values[i]
			}
		}
		collected = append(collected, row)
	}
	if err := rows.Err(); err != nil {
		return Result{Elapsed: time.Since(start), Err: err.Error()}, nil
	}

	return Result{
		Rows:     collected,
		RowCount: len(collected),
		Elapsed:  time.Since(start),
	}, nil
}
