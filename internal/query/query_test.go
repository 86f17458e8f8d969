package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExecutionErrorUnwrapsAndCategorizes(t *testing.T) {
	root := errors.New("relation does not exist")
	err := fmt.Errorf("run: %w", NewExecutionError(CategorySyntax, root))
	if !errors.Is(err, root) {
		t.Fatal("expected wrapped driver error")
	}
	if got := CategoryOf(err); got != CategorySyntax {
		t.Fatalf("CategoryOf() = %s", got)
	}
	if got := CategoryOf(errors.New("plain")); got != CategoryUnknown {
		t.Fatalf("CategoryOf(plain) = %s", got)
	}
}

func TestContextCategory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if got, ok := ContextCategory(ctx, errors.New("driver: canceling statement")); !ok || got != CategoryTimeout {
		t.Fatalf("ContextCategory() = %s, %v", got, ok)
	}
	if _, ok := ContextCategory(context.Background(), errors.New("syntax error")); ok {
		t.Fatal("expected no context category for live context")
	}
}

type decimal struct{ v float64 }

func (d decimal) Float64() float64 { return d.v }

func TestNormalizeValues(t *testing.T) {
	got := NormalizeValues([]any{[]byte("abc"), int64(3), decimal{v: 1.5}, nil})
	if got[0] != "abc" || got[1] != int64(3) || got[2] != 1.5 || got[3] != nil {
		t.Fatalf("NormalizeValues() = %#v", got)
	}
}
