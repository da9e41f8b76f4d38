package executor

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostgresExecuteCollectsRows(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, company_name FROM dl_buyer")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_name"}).
			AddRow(1, []byte("Acme Corp")).
			AddRow(2, []byte("Globex")))

	exec := NewPostgres(db, quietLogger())
	result, err := exec.Execute(context.Background(), "SELECT id, company_name FROM dl_buyer")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Failed() {
		t.Fatalf("Result.Err = %q", result.Err)
	}
	if result.RowCount != 2 || len(result.Rows) != 2 {
		t.Fatalf("RowCount = %d, Rows = %v", result.RowCount, result.Rows)
	}
	if result.Rows[0]["company_name"] != "Acme Corp" {
		t.Fatalf("Rows[0] = %v, byte slices should arrive as strings", result.Rows[0])
	}
	assertSQLMock(t, mock)
}

func TestPostgresExecuteFoldsDatabaseErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nope FROM missing")).
		WillReturnError(errors.New(`relation "missing" does not exist`))

	exec := NewPostgres(db, quietLogger())
	result, err := exec.Execute(context.Background(), "SELECT nope FROM missing")
	if err != nil {
		t.Fatalf("database failures must fold into the result, got error %v", err)
	}
	if !result.Failed() {
		t.Fatal("expected Result.Err to be set")
	}
	if result.RowCount != 0 || len(result.Rows) != 0 {
		t.Fatalf("failed execution must carry no rows: %+v", result)
	}
	assertSQLMock(t, mock)
}

func TestPostgresExecuteEmptyResultSet(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM dl_buyer WHERE false")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	exec := NewPostgres(db, quietLogger())
	result, err := exec.Execute(context.Background(), "SELECT id FROM dl_buyer WHERE false")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Failed() || result.RowCount != 0 || result.Skipped {
		t.Fatalf("empty result set is a success, not a skip: %+v", result)
	}
	assertSQLMock(t, mock)
}

func TestDryRunSkipsExecution(t *testing.T) {
	result, err := DryRun{}.Execute(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Skipped {
		t.Fatal("dry-run result must be marked skipped")
	}
	if result.RowCount != 0 || len(result.Rows) != 0 || result.Failed() {
		t.Fatalf("dry-run result must be empty and clean: %+v", result)
	}
}
