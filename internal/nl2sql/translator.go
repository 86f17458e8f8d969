// Package nl2sql turns a plain language question into one candidate SQL
// statement over the reference schema. It never executes anything: the
// candidate still has to pass sqlguard before it reaches a database.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carecost/carecost/internal/dataset"
)

type Prompt struct {
	System string
	User   string
}

// Model is the only dependency on a language model. Implementations must
// honour ctx cancellation.
type Model interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

type ModelFunc func(ctx context.Context, prompt Prompt) (string, error)

func (f ModelFunc) Complete(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

// GeneratedQuery is the model output for one question. SQL is empty when the
// model answered in prose only; Narrative then carries that answer.
type GeneratedQuery struct {
	Raw       string
	SQL       string
	Narrative string
}

func (q GeneratedQuery) HasSQL() bool {
	return q.SQL != ""
}

type Stage string

const (
	StageModel    Stage = "model"
	StageTimeout  Stage = "timeout"
	StageCanceled Stage = "canceled"
	StageEmpty    Stage = "empty"
)

type TranslationError struct {
	Stage Stage
	Err   error
}

func (e *TranslationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("translate question: %s", e.Stage)
	}
	return fmt.Sprintf("translate question: %s: %v", e.Stage, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// Example is a worked question and SQL pair shown to the model.
type Example struct {
	Question string
	SQL      string
}

// ProcedureSampler supplies catalogue rows that ground procedure names in
// the prompt.
type ProcedureSampler interface {
	Samples(n int) []dataset.Procedure
}

type Options struct {
	RowCap      int
	Timeout     time.Duration
	SampleCount int
	Examples    []Example
}

type Translator struct {
	model    Model
	schema   dataset.Schema
	samples  ProcedureSampler
	examples []Example
	rowCap   int
	timeout  time.Duration
	nSamples int
	logger   *slog.Logger
}

func NewTranslator(model Model, schema dataset.Schema, samples ProcedureSampler, opts Options, logger *slog.Logger) (*Translator, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if len(schema.Tables) == 0 {
		return nil, fmt.Errorf("schema is required")
	}
	if opts.RowCap <= 0 {
		return nil, fmt.Errorf("row cap must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	examples := opts.Examples
	if examples == nil {
		examples = DefaultExamples
	}
	nSamples := opts.SampleCount
	if nSamples <= 0 {
		nSamples = 10
	}
	return &Translator{
		model:    model,
		schema:   schema,
		samples:  samples,
		examples: examples,
		rowCap:   opts.RowCap,
		timeout:  opts.Timeout,
		nSamples: nSamples,
		logger:   logger,
	}, nil
}

// Translate makes exactly one model call. Failures come back as
// *TranslationError so the caller can decline deterministically.
func (t *Translator) Translate(ctx context.Context, question string) (GeneratedQuery, error) {
	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	raw, err := t.model.Complete(callCtx, t.Prompt(question))
	if err != nil {
		stage := StageModel
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			stage = StageCanceled
		case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
			stage = StageTimeout
		case errors.Is(err, context.Canceled):
			stage = StageCanceled
		}
		return GeneratedQuery{}, &TranslationError{Stage: stage, Err: err}
	}
	if strings.TrimSpace(raw) == "" {
		return GeneratedQuery{}, &TranslationError{Stage: StageEmpty}
	}

	sql, narrative := ExtractSQL(raw)
	t.logger.Debug("assistant_translated", "has_sql", sql != "", "raw_bytes", len(raw))
	return GeneratedQuery{Raw: raw, SQL: sql, Narrative: narrative}, nil
}

const systemPrompt = "You are a SQL expert for US hospital price and quality data. " +
	"Answer with exactly one read-only SELECT statement in a ```sql fenced block, " +
	"followed by one short sentence describing what the query returns. " +
	"If the question cannot be answered from the tables below, reply in plain text without SQL."

// Prompt renders the schema, the catalogue samples, the worked examples and
// the question verbatim.
func (t *Translator) Prompt(question string) Prompt {
	var b strings.Builder
	b.WriteString("Tables (use only these tables and columns):\n")
	for _, table := range t.schema.Tables {
		fmt.Fprintf(&b, "- %s: %s\n", table.Name, table.Description)
		for _, col := range table.Columns {
			fmt.Fprintf(&b, "    %s %s -- %s\n", col.Name, col.Type, col.Description)
		}
	}
	fmt.Fprintf(&b, "\nAllowed functions: %s\n", strings.Join(t.schema.Functions, ", "))
	fmt.Fprintf(&b, "Allowed casts: %s\n", strings.Join(t.schema.CastTypes, ", "))

	if t.samples != nil {
		if samples := t.samples.Samples(t.nSamples); len(samples) > 0 {
			b.WriteString("\nSample DRG codes:\n")
			for _, p := range samples {
				fmt.Fprintf(&b, "- DRG %d: %s\n", p.Code, truncate(p.Description, 60))
			}
		}
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Prices are avg_submtd_cvrd_chrg; order ascending for \"cheapest\".\n")
	b.WriteString("- Ratings come from provider_ratings where rating_category = 'overall'; order descending for \"best\".\n")
	b.WriteString("- Match procedure names with drg_desc ILIKE '%term%'.\n")
	b.WriteString("- For distance from a ZIP code join zip_codes and use the haversine formula with radians, sin, cos, asin and sqrt; distances are in kilometres (1 mile = 1.609 km).\n")
	b.WriteString("- No CTEs, no comments, no semicolons inside the statement.\n")
	fmt.Fprintf(&b, "- Always end with LIMIT %d or less.\n", t.rowCap)

	if len(t.examples) > 0 {
		b.WriteString("\nExamples:\n")
		for _, ex := range t.examples {
			fmt.Fprintf(&b, "Question: %s\n```sql\n%s\n```\n", ex.Question, ex.SQL)
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	return Prompt{System: systemPrompt, User: b.String()}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var DefaultExamples = []Example{
	{
		Question: "cheapest knee replacement in NY",
		SQL: "SELECT p.rndrng_prvdr_org_name, p.rndrng_prvdr_city, p.rndrng_prvdr_state_abrvtn, p.drg_cd, p.avg_submtd_cvrd_chrg\n" +
			"FROM providers p\n" +
			"WHERE p.drg_desc ILIKE '%knee%' AND p.rndrng_prvdr_state_abrvtn = 'NY'\n" +
			"ORDER BY p.avg_submtd_cvrd_chrg ASC\n" +
			"LIMIT 10",
	},
	{
		Question: "best rated hospitals for DRG 291",
		SQL: "SELECT p.rndrng_prvdr_org_name, p.rndrng_prvdr_city, p.rndrng_prvdr_state_abrvtn, r.rating, p.avg_submtd_cvrd_chrg\n" +
			"FROM providers p\n" +
			"JOIN provider_ratings r ON r.provider_ccn = p.rndrng_prvdr_ccn AND r.rating_category = 'overall'\n" +
			"WHERE p.drg_cd = 291\n" +
			"ORDER BY r.rating DESC\n" +
			"LIMIT 10",
	},
	{
		Question: "DRG 470 within 25 miles of 90210",
		SQL: "SELECT p.rndrng_prvdr_org_name, p.rndrng_prvdr_city, p.avg_submtd_cvrd_chrg,\n" +
			"  2 * 6371.0088 * asin(sqrt(power(sin(radians(p.latitude - z.latitude) / 2), 2) + cos(radians(z.latitude)) * cos(radians(p.latitude)) * power(sin(radians(p.longitude - z.longitude) / 2), 2))) AS distance_km\n" +
			"FROM providers p, zip_codes z\n" +
			"WHERE z.zip_code = '90210' AND p.drg_cd = 470\n" +
			"  AND 2 * 6371.0088 * asin(sqrt(power(sin(radians(p.latitude - z.latitude) / 2), 2) + cos(radians(z.latitude)) * cos(radians(p.latitude)) * power(sin(radians(p.longitude - z.longitude) / 2), 2))) <= 40.2\n" +
			"ORDER BY distance_km ASC\n" +
			"LIMIT 10",
	},
}
