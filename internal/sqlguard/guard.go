// Package sqlguard statically checks model-generated SQL before it is allowed
// anywhere near a database connection. A candidate is accepted only when it
// is a single SELECT over allow-listed tables, columns, functions and casts;
// accepted statements always carry a row limit no larger than the cap.
package sqlguard

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/carecost/carecost/internal/dataset"
)

type Reason string

const (
	ReasonEmpty              Reason = "empty"
	ReasonMultipleStatements Reason = "multiple_statements"
	ReasonNotSelect          Reason = "not_select"
	ReasonForbiddenKeyword   Reason = "forbidden_keyword"
	ReasonTableNotAllowed    Reason = "table_not_allowed"
	ReasonColumnNotAllowed   Reason = "column_not_allowed"
	ReasonFunctionNotAllowed Reason = "function_not_allowed"
	ReasonMalformed          Reason = "malformed"
	ReasonUnsupportedSyntax  Reason = "unsupported_syntax"
	ReasonLimitInvalid       Reason = "limit_invalid"
)

// Verdict is the outcome of validating one candidate. SQL is only set when
// Accepted is true and is the exact text that may be executed.
type Verdict struct {
	Accepted     bool
	SQL          string
	Reason       Reason
	Detail       string
	Limit        int
	LimitApplied bool
}

func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &RejectedError{Reason: v.Reason, Detail: v.Detail}
}

type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("sql rejected: %s", e.Reason)
	}
	return fmt.Sprintf("sql rejected: %s: %s", e.Reason, e.Detail)
}

type rejection struct {
	reason Reason
	detail string
}

func reject(reason Reason, detail string) *rejection {
	return &rejection{reason: reason, detail: detail}
}

// Matched against every word of the raw text, including comments and string
// literals.
var forbiddenWords = setOf(
	"insert", "update", "delete", "drop", "alter", "create", "truncate", "grant", "revoke",
	"merge", "upsert", "copy", "into", "execute", "exec", "call",
	"vacuum", "analyze", "reindex", "cluster", "lock", "comment", "listen", "notify",
	"unlisten", "prepare", "deallocate", "discard", "refresh", "rename", "owner",
	"security", "begin", "commit", "rollback", "savepoint", "checkpoint",
	"import", "attach", "detach", "pragma", "install",
)

var keywords = setOf(
	"select", "distinct", "from", "where", "and", "or", "not", "in", "is", "null",
	"like", "ilike", "between", "join", "inner", "left", "right", "full", "outer", "cross",
	"on", "group", "by", "order", "asc", "desc", "nulls", "first", "last", "having",
	"limit", "offset", "as", "case", "when", "then", "else", "end", "true", "false",
	"union", "all", "intersect", "except", "exists", "any", "some", "over", "partition",
	"cast", "filter", "rows", "range", "unbounded", "preceding", "following", "current",
	"row", "escape",
	"with", "recursive", "fetch", "lateral", "values", "window", "tablesample", "natural",
	"using", "returning", "for", "only",
)

var unsupportedKeywords = setOf(
	"with", "recursive", "fetch", "lateral", "values", "window", "tablesample", "natural",
	"using", "returning", "for", "only",
)

type Validator struct {
	schema dataset.Schema
	rowCap int
}

func NewValidator(schema dataset.Schema, rowCap int) (*Validator, error) {
	if len(schema.Tables) == 0 {
		return nil, fmt.Errorf("schema allow-list is empty")
	}
	if rowCap <= 0 {
		return nil, fmt.Errorf("row cap must be > 0")
	}
	return &Validator{schema: schema, rowCap: rowCap}, nil
}

func (v *Validator) RowCap() int {
	return v.rowCap
}

func (v *Validator) Validate(candidate string) Verdict {
	if strings.TrimSpace(candidate) == "" {
		return rejected(reject(ReasonEmpty, ""))
	}
	for _, word := range words(candidate) {
		if _, ok := forbiddenWords[word]; ok {
			return rejected(reject(ReasonForbiddenKeyword, word))
		}
	}

	tokens, comments, rej := tokenize(candidate)
	if rej != nil {
		return rejected(rej)
	}

	edits := make([]edit, 0, len(comments)+2)
	for _, c := range comments {
		edits = append(edits, edit{span: c, replacement: " "})
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].is(tokenPunct, ";") {
		last := tokens[len(tokens)-1]
		edits = append(edits, edit{span: span{start: last.start, end: last.end}})
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return rejected(reject(ReasonEmpty, "only comments or separators"))
	}
	for _, tok := range tokens {
		if tok.is(tokenPunct, ";") {
			return rejected(reject(ReasonMultipleStatements, ""))
		}
	}
	if !tokens[0].is(tokenWord, "select") {
		return rejected(reject(ReasonNotSelect, tokens[0].text))
	}
	if rej := checkParens(tokens); rej != nil {
		return rejected(rej)
	}

	roles, aliases, rej := classify(tokens)
	if rej != nil {
		return rejected(rej)
	}
	if rej := v.checkIdentifiers(tokens, roles, aliases); rej != nil {
		return rejected(rej)
	}

	limit, limitEdits, appendLimit, rej := v.enforceLimit(tokens)
	if rej != nil {
		return rejected(rej)
	}
	edits = append(edits, limitEdits...)

	out := strings.TrimSpace(applyEdits(candidate, edits))
	if appendLimit {
		out += " LIMIT " + strconv.Itoa(limit)
	}
	return Verdict{
		Accepted:     true,
		SQL:          out,
		Limit:        limit,
		LimitApplied: appendLimit || len(limitEdits) > 0,
	}
}

func rejected(r *rejection) Verdict {
	return Verdict{Reason: r.reason, Detail: r.detail}
}

func checkParens(tokens []token) *rejection {
	depth := 0
	for _, tok := range tokens {
		if tok.kind != tokenPunct {
			continue
		}
		switch tok.text {
		case "(":
			depth++
		case ")":
			depth--
			if depth < 0 {
				return reject(ReasonMalformed, "unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return reject(ReasonMalformed, "unbalanced parentheses")
	}
	return nil
}

// enforceLimit inspects the last top-level LIMIT. A missing limit is appended,
// a larger or ALL limit is clamped to the cap, anything that is not a plain
// integer literal is rejected.
func (v *Validator) enforceLimit(tokens []token) (int, []edit, bool, *rejection) {
	depth := 0
	limitAt := -1
	for i, tok := range tokens {
		switch {
		case tok.is(tokenPunct, "("):
			depth++
		case tok.is(tokenPunct, ")"):
			depth--
		case depth == 0 && tok.is(tokenWord, "limit"):
			limitAt = i
		}
	}
	if limitAt < 0 {
		return v.rowCap, nil, true, nil
	}
	if limitAt+1 >= len(tokens) {
		return 0, nil, false, reject(ReasonLimitInvalid, "missing limit value")
	}

	value := tokens[limitAt+1]
	rest := tokens[limitAt+2:]
	if len(rest) > 0 {
		if len(rest) != 2 || !rest[0].is(tokenWord, "offset") || rest[1].kind != tokenNumber {
			return 0, nil, false, reject(ReasonLimitInvalid, "limit must end the statement")
		}
	}

	clamp := []edit{{span: span{start: value.start, end: value.end}, replacement: strconv.Itoa(v.rowCap)}}
	switch {
	case value.is(tokenWord, "all"):
		return v.rowCap, clamp, false, nil
	case value.kind == tokenNumber && isAllDigits(value.text):
		n, err := strconv.Atoi(value.text)
		if err != nil || n > v.rowCap {
			return v.rowCap, clamp, false, nil
		}
		return n, nil, false, nil
	default:
		return 0, nil, false, reject(ReasonLimitInvalid, value.text)
	}
}

type edit struct {
	span        span
	replacement string
}

func applyEdits(text string, edits []edit) string {
	sort.Slice(edits, func(i, j int) bool { return edits[i].span.start > edits[j].span.start })
	for _, e := range edits {
		text = text[:e.span.start] + e.replacement + text[e.span.end:]
	}
	return text
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func setOf(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[value] = struct{}{}
	}
	return out
}
