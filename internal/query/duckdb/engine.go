// Package duckdb executes validated statements against an in-memory DuckDB
// loaded from an exported parquet snapshot.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/carecost/carecost/internal/dataset"
	"github.com/carecost/carecost/internal/query"
	"github.com/carecost/carecost/internal/storage"
)

type Engine struct {
	db               *sql.DB
	snapshotID       string
	statementTimeout time.Duration
}

// Open downloads the snapshot's tables, materializes them under their
// allow-listed names and then locks the database against file and network
// access. An empty snapshotID loads the latest published snapshot.
func Open(ctx context.Context, store storage.ObjectStore, snapshotID string, statementTimeout time.Duration) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if statementTimeout <= 0 {
		statementTimeout = 3 * time.Second
	}

	manifest, err := storage.LoadManifest(ctx, store, snapshotID)
	if err != nil {
		return nil, err
	}
	if manifest.SchemaVersion != dataset.SchemaVersion {
		return nil, fmt.Errorf("snapshot %q has schema version %d, want %d", manifest.SnapshotID, manifest.SchemaVersion, dataset.SchemaVersion)
	}

	workDir, err := os.MkdirTemp("", "carecost-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("create snapshot temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if err := loadTables(ctx, db, store, manifest, workDir); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range []string{
		"SET enable_external_access = false",
		"SET lock_configuration = true",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("lock duckdb configuration: %w", err)
		}
	}

	return &Engine{db: db, snapshotID: manifest.SnapshotID, statementTimeout: statementTimeout}, nil
}

func loadTables(ctx context.Context, db *sql.DB, store storage.ObjectStore, manifest storage.Manifest, workDir string) error {
	for _, name := range dataset.ReferenceSchema.TableNames() {
		table, ok := manifest.Table(name)
		if !ok {
			return fmt.Errorf("snapshot %q is missing table %q", manifest.SnapshotID, name)
		}
		localPath := filepath.Join(workDir, name+".parquet")
		if err := download(ctx, store, table.ObjectPath, localPath); err != nil {
			return err
		}
		createSQL := fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteString(localPath))
		if _, err := db.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("load table %q: %w", name, err)
		}
	}
	return nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local parquet file: %w", err)
	}
	defer func() { _ = file.Close() }()
	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return nil
}

func (e *Engine) SnapshotID() string {
	return e.snapshotID
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// Execute runs the statement inside a transaction that is always rolled
// back, wrapped in an outer select that fetches one row past the limit so
// truncation can be reported.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, query.NewExecutionError(query.CategorySyntax, fmt.Errorf("sql is required"))
	}
	timeout := e.statementTimeout
	if request.Timeout > 0 {
		timeout = request.Timeout
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit+1)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := e.db.BeginTx(runCtx, nil)
	if err != nil {
		return query.Result{}, classify(runCtx, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(runCtx, sqlText)
	if err != nil {
		return query.Result{}, classify(runCtx, fmt.Errorf("execute query: %w", err))
	}
	columns, resultRows, truncated, err := query.CollectRows(rows, request.RowLimit)
	if err != nil {
		return query.Result{}, classify(runCtx, err)
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		Duration:  time.Since(start),
		Truncated: truncated,
	}, nil
}

func classify(ctx context.Context, err error) *query.ExecutionError {
	if category, ok := query.ContextCategory(ctx, err); ok {
		return query.NewExecutionError(category, err)
	}
	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		return query.NewExecutionError(categoryForType(duckErr.Type), err)
	}
	return query.NewExecutionError(query.CategoryUnknown, err)
}

func categoryForType(errType duckdb.ErrorType) query.Category {
	switch errType {
	case duckdb.ErrorTypeInterrupt:
		return query.CategoryTimeout
	case duckdb.ErrorTypeConstraint, duckdb.ErrorTypePermission:
		return query.CategoryConstraint
	case duckdb.ErrorTypeParser, duckdb.ErrorTypeSyntax, duckdb.ErrorTypeBinder, duckdb.ErrorTypeCatalog,
		duckdb.ErrorTypeConversion, duckdb.ErrorTypeMismatchType, duckdb.ErrorTypeInvalidInput,
		duckdb.ErrorTypeOutOfRange, duckdb.ErrorTypeDivideByZero:
		return query.CategorySyntax
	default:
		return query.CategoryUnknown
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
