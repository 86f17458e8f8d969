// Package assistant answers plain language questions about hospital prices by
// chaining translation, validation, execution and synthesis. Every path ends
// in a well formed AskResponse; failures become low confidence declines.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carecost/carecost/internal/nl2sql"
	"github.com/carecost/carecost/internal/observability"
	"github.com/carecost/carecost/internal/query"
	"github.com/carecost/carecost/internal/sqlguard"
)

type Outcome string

const (
	OutcomeAnswered          Outcome = "answered"
	OutcomeNoResults         Outcome = "no_results"
	OutcomeOutOfScope        Outcome = "out_of_scope"
	OutcomeTranslationFailed Outcome = "translation_failed"
	OutcomeNarrativeOnly     Outcome = "narrative_only"
	OutcomeRejected          Outcome = "rejected"
	OutcomeExecutionFailed   Outcome = "execution_failed"
)

// AskResponse never carries numbers that did not come from executed rows.
// SQL is the statement that was run, nil when nothing was run.
type AskResponse struct {
	Answer     string  `json:"answer"`
	SQL        *string `json:"sql_query"`
	Confidence float64 `json:"confidence"`
	RowCount   int     `json:"results_count"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
}

type Translator interface {
	Translate(ctx context.Context, question string) (nl2sql.GeneratedQuery, error)
}

type Validator interface {
	Validate(candidate string) sqlguard.Verdict
}

// Catalog scores how strongly text names a known procedure.
type Catalog interface {
	Strength(text string) float64
}

type Service struct {
	translator Translator
	validator  Validator
	engine     query.Engine
	catalog    Catalog
	logger     *slog.Logger
}

func NewService(translator Translator, validator Validator, engine query.Engine, catalog Catalog, logger *slog.Logger) (*Service, error) {
	if translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		translator: translator,
		validator:  validator,
		engine:     engine,
		catalog:    catalog,
		logger:     logger,
	}, nil
}

const (
	outOfScopeAnswer   = "I can only help with hospital pricing and quality information. Please ask about medical procedures, costs, or hospital ratings."
	untranslatedAnswer = "I couldn't understand your question. Please try rephrasing it. For example: 'What's the cheapest hospital for knee replacement near 10001?'"
	rejectedAnswer     = "I couldn't build a safe query for that question, so nothing was run. Please try rephrasing it as a question about procedure prices, hospital locations or ratings."
	failedAnswer       = "I encountered an error processing your query. Please try rephrasing your question."
	timeoutAnswer      = "That question took too long to answer. Please narrow it down, for example by state or ZIP code."
)

// Ask runs the pipeline for one question. No database work starts until a
// candidate has been accepted by the validator.
func (s *Service) Ask(ctx context.Context, question string) AskResponse {
	response := s.ask(ctx, strings.TrimSpace(question))
	observability.ObserveAssistantOutcome(string(response.Outcome))
	return response
}

func (s *Service) ask(ctx context.Context, question string) AskResponse {
	strength := 0.0
	if s.catalog != nil && question != "" {
		strength = s.catalog.Strength(question)
	}
	if !inScope(question, strength) {
		s.logger.Debug("assistant question out of scope")
		return decline(OutcomeOutOfScope, outOfScopeAnswer, "")
	}

	generated, err := s.translator.Translate(ctx, question)
	if err != nil {
		stage := ""
		var translationErr *nl2sql.TranslationError
		if errors.As(err, &translationErr) {
			stage = string(translationErr.Stage)
		}
		s.logger.Warn("assistant translation failed", "stage", stage, "error", err)
		return decline(OutcomeTranslationFailed, untranslatedAnswer, stage)
	}
	if !generated.HasSQL() {
		answer := generated.Narrative
		if answer == "" {
			answer = untranslatedAnswer
		}
		return AskResponse{Answer: answer, Confidence: narrativeConfidence, Outcome: OutcomeNarrativeOnly}
	}

	verdict := s.validator.Validate(generated.SQL)
	s.logger.Debug("assistant_validated", "accepted", verdict.Accepted, "reason", string(verdict.Reason), "limit_applied", verdict.LimitApplied)
	if !verdict.Accepted {
		observability.IncrementSQLRejection(string(verdict.Reason))
		s.logger.Warn("generated sql rejected", "reason", string(verdict.Reason), "error", verdict.Err())
		return decline(OutcomeRejected, rejectedAnswer, string(verdict.Reason))
	}

	started := time.Now()
	result, err := s.engine.Execute(ctx, query.Request{SQL: verdict.SQL, RowLimit: verdict.Limit})
	observability.ObserveQueryLatency(time.Since(started))
	if err != nil {
		category := query.CategoryOf(err)
		observability.IncrementQueryError(string(category))
		s.logger.Error("assistant query failed", "category", string(category), "error", err)
		answer := failedAnswer
		if category == query.CategoryTimeout {
			answer = timeoutAnswer
		}
		response := decline(OutcomeExecutionFailed, answer, string(category))
		response.SQL = stringPtr(verdict.SQL)
		return response
	}

	response := Synthesize(question, result, strength)
	response.SQL = stringPtr(verdict.SQL)
	return response
}

func decline(outcome Outcome, answer, reason string) AskResponse {
	return AskResponse{
		Answer:     answer,
		Confidence: failureConfidence[outcome],
		Outcome:    outcome,
		Reason:     reason,
	}
}

var scopeKeywords = []string{
	"hospital", "medical", "procedure", "surgery", "drg", "cost", "price",
	"cheapest", "expensive", "rating", "quality", "medicare", "treatment",
	"diagnosis", "heart", "knee", "hip", "replacement", "care", "health",
	"charge", "facility", "clinic",
}

// inScope accepts any question mentioning a domain keyword or naming a
// catalogued procedure.
func inScope(question string, strength float64) bool {
	if question == "" {
		return false
	}
	if strength > 0 {
		return true
	}
	lower := strings.ToLower(question)
	for _, keyword := range scopeKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func stringPtr(value string) *string {
	return &value
}
