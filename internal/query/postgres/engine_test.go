package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carecost/carecost/internal/query"
)

const cheapestKnee = "SELECT rndrng_prvdr_org_name, avg_submtd_cvrd_chrg FROM providers WHERE drg_desc ILIKE '%knee%' ORDER BY avg_submtd_cvrd_chrg LIMIT 20"

func TestExecuteRunsInReadOnlyTransactionAndCommits(t *testing.T) {
	db, mock := newSQLMock(t)
	engine := NewEngine(db, 3*time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 3000")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(cheapestKnee)).
		WillReturnRows(sqlmock.NewRows([]string{"rndrng_prvdr_org_name", "avg_submtd_cvrd_chrg"}).
			AddRow("Hospital A", []byte("41000.50")).
			AddRow("Hospital B", []byte("52000.00")))
	mock.ExpectCommit()

	result, err := engine.Execute(context.Background(), query.Request{SQL: cheapestKnee, RowLimit: 20})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	if result.Rows[0][1] != "41000.50" {
		t.Fatalf("charge = %#v", result.Rows[0][1])
	}
	if result.Truncated {
		t.Fatal("Truncated should be false")
	}
	if len(result.Columns) != 2 || result.Columns[0] != "rndrng_prvdr_org_name" {
		t.Fatalf("Columns = %v", result.Columns)
	}
	assertSQLMock(t, mock)
}

func TestExecuteCapsRowsAndMarksTruncated(t *testing.T) {
	db, mock := newSQLMock(t)
	engine := NewEngine(db, time.Second)

	rows := sqlmock.NewRows([]string{"drg_cd"})
	for i := 0; i < 5; i++ {
		rows.AddRow(int64(470 + i))
	}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 1000")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT drg_cd FROM providers")).WillReturnRows(rows)
	mock.ExpectCommit()

	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT drg_cd FROM providers", RowLimit: 3})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(result.Rows))
	}
	if !result.Truncated {
		t.Fatal("Truncated should be true")
	}
	assertSQLMock(t, mock)
}

func TestExecuteRollsBackAndClassifiesDatabaseErrors(t *testing.T) {
	cases := []struct {
		code string
		want query.Category
	}{
		{code: "42P01", want: query.CategorySyntax},
		{code: "42883", want: query.CategorySyntax},
		{code: "22P02", want: query.CategorySyntax},
		{code: "57014", want: query.CategoryTimeout},
		{code: "25006", want: query.CategoryConstraint},
		{code: "42501", want: query.CategoryConstraint},
		{code: "23505", want: query.CategoryConstraint},
		{code: "53300", want: query.CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			db, mock := newSQLMock(t)
			engine := NewEngine(db, time.Second)

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta("SELECT drg_cd FROM providers")).
				WillReturnError(&pgconn.PgError{Code: tc.code, Message: "boom"})
			mock.ExpectRollback()

			_, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT drg_cd FROM providers", RowLimit: 20})
			var execErr *query.ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("Execute() error = %v, want ExecutionError", err)
			}
			if execErr.Category != tc.want {
				t.Fatalf("Category = %s, want %s", execErr.Category, tc.want)
			}
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				t.Fatal("expected underlying PgError to be preserved")
			}
			assertSQLMock(t, mock)
		})
	}
}

func TestExecuteTimesOutAndRollsBack(t *testing.T) {
	db, mock := newSQLMock(t)
	engine := NewEngine(db, 10*time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 10")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT drg_cd FROM providers")).
		WillDelayFor(2 * time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"drg_cd"}).AddRow(int64(470)))
	mock.ExpectRollback()

	start := time.Now()
	_, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT drg_cd FROM providers", RowLimit: 20})
	if got := query.CategoryOf(err); got != query.CategoryTimeout {
		t.Fatalf("CategoryOf() = %s (err=%v)", got, err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Execute() took %s, want bounded by timeout", time.Since(start))
	}
	// database/sql rolls back an expired transaction from its own goroutine,
	// so the rollback expectation is not asserted synchronously here.
}

func TestExecuteRejectsEmptySQL(t *testing.T) {
	db, mock := newSQLMock(t)
	engine := NewEngine(db, time.Second)
	_, err := engine.Execute(context.Background(), query.Request{SQL: "  "})
	if got := query.CategoryOf(err); got != query.CategorySyntax {
		t.Fatalf("CategoryOf() = %s", got)
	}
	assertSQLMock(t, mock)
}

func TestExecuteUsesRequestTimeoutOverride(t *testing.T) {
	db, mock := newSQLMock(t)
	engine := NewEngine(db, 3*time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 1500")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))
	mock.ExpectCommit()

	if _, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT 1", Timeout: 1500 * time.Millisecond}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
