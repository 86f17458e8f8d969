// Package postgres executes validated read-only statements against the
// reference database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carecost/carecost/internal/query"
)

// timeoutGrace lets the server-side statement_timeout fire before the client
// context so the failure carries a proper SQLSTATE.
const timeoutGrace = 250 * time.Millisecond

type Engine struct {
	db               *sql.DB
	statementTimeout time.Duration
}

func NewEngine(db *sql.DB, statementTimeout time.Duration) *Engine {
	if statementTimeout <= 0 {
		statementTimeout = 3 * time.Second
	}
	return &Engine{db: db, statementTimeout: statementTimeout}
}

// Execute runs one statement inside a read-only transaction. The
// transaction is committed on success and rolled back on every other path,
// so the pooled connection is never returned mid-transaction.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, query.NewExecutionError(query.CategorySyntax, fmt.Errorf("sql is required"))
	}
	timeout := e.statementTimeout
	if request.Timeout > 0 {
		timeout = request.Timeout
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout+timeoutGrace)
	defer cancel()

	tx, err := e.db.BeginTx(runCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, classify(runCtx, fmt.Errorf("begin read-only tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(runCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
		return query.Result{}, classify(runCtx, fmt.Errorf("set statement timeout: %w", err))
	}

	rows, err := tx.QueryContext(runCtx, request.SQL)
	if err != nil {
		return query.Result{}, classify(runCtx, fmt.Errorf("execute query: %w", err))
	}
	columns, resultRows, truncated, err := query.CollectRows(rows, request.RowLimit)
	if err != nil {
		return query.Result{}, classify(runCtx, err)
	}

	if err := tx.Commit(); err != nil {
		return query.Result{}, classify(runCtx, fmt.Errorf("commit read-only tx: %w", err))
	}
	committed = true

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		Duration:  time.Since(start),
		Truncated: truncated,
	}, nil
}

func classify(ctx context.Context, err error) *query.ExecutionError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return query.NewExecutionError(categoryForCode(pgErr.Code), err)
	}
	if category, ok := query.ContextCategory(ctx, err); ok {
		return query.NewExecutionError(category, err)
	}
	return query.NewExecutionError(query.CategoryUnknown, err)
}

func categoryForCode(code string) query.Category {
	switch {
	case code == "57014":
		return query.CategoryTimeout
	case code == "25006", code == "42501", strings.HasPrefix(code, "23"):
		return query.CategoryConstraint
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"):
		return query.CategorySyntax
	default:
		return query.CategoryUnknown
	}
}
