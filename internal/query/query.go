package query

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Request struct {
	SQL      string
	RowLimit int
	// Timeout overrides the engine's statement timeout when positive.
	Timeout time.Duration
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Duration  time.Duration
	Truncated bool
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategorySyntax     Category = "syntax"
	CategoryConstraint Category = "constraint"
	CategoryUnknown    Category = "unknown"
)

// ExecutionError is the only error an Engine returns for a failed statement.
// Err keeps the driver error for logging; callers surface only the Category.
type ExecutionError struct {
	Category Category
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("query execution failed: %s", e.Category)
	}
	return fmt.Sprintf("query execution failed: %s: %v", e.Category, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func NewExecutionError(category Category, err error) *ExecutionError {
	return &ExecutionError{Category: category, Err: err}
}

// CategoryOf reports the category of err, or CategoryUnknown when err is not
// an ExecutionError.
func CategoryOf(err error) Category {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Category
	}
	return CategoryUnknown
}

// ContextCategory classifies failures caused by the statement context, which
// both client cancellation and deadline expiry surface through.
func ContextCategory(ctx context.Context, err error) (Category, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CategoryTimeout, true
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return CategoryTimeout, true
	}
	return "", false
}

type floater interface {
	Float64() float64
}

// NormalizeValue converts driver values into plain JSON-friendly Go values.
func NormalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case floater:
		return typed.Float64()
	default:
		return typed
	}
}

func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = NormalizeValue(value)
	}
	return normalized
}
