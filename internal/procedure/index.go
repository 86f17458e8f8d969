// Package procedure keeps an in-memory full text index of the DRG catalog
// for autocomplete, prompt grounding and match strength scoring.
package procedure

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/carecost/carecost/internal/dataset"
)

const (
	defaultSuggestLimit = 10
	fuzziness           = 1
)

type document struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Index is built once and never mutated, so it is safe for concurrent use.
type Index struct {
	index      bleve.Index
	procedures []dataset.Procedure
	byCode     map[int]dataset.Procedure
	vocabulary map[string]struct{}
}

func NewIndex(procedures []dataset.Procedure) (*Index, error) {
	mapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	codeField := bleve.NewTextFieldMapping()
	codeField.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("code", codeField)
	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("description", descriptionField)
	mapping.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create procedure index: %w", err)
	}

	sorted := append([]dataset.Procedure(nil), procedures...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	byCode := make(map[int]dataset.Procedure, len(sorted))
	batch := index.NewBatch()
	for _, p := range sorted {
		if _, dup := byCode[p.Code]; dup {
			continue
		}
		byCode[p.Code] = p
		id := strconv.Itoa(p.Code)
		if err := batch.Index(id, document{Code: id, Description: p.Description}); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("index procedure %d: %w", p.Code, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("index procedures: %w", err)
	}

	unique := make([]dataset.Procedure, 0, len(byCode))
	for _, p := range sorted {
		if len(unique) > 0 && unique[len(unique)-1].Code == p.Code {
			continue
		}
		unique = append(unique, p)
	}

	vocabulary, err := fieldTerms(index, "description")
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	return &Index{index: index, procedures: unique, byCode: byCode, vocabulary: vocabulary}, nil
}

func Load(ctx context.Context, source dataset.ProcedureSource) (*Index, error) {
	if source == nil {
		return nil, fmt.Errorf("procedure source is required")
	}
	procedures, err := source.ListProcedures(ctx)
	if err != nil {
		return nil, fmt.Errorf("load procedures: %w", err)
	}
	return NewIndex(procedures)
}

func fieldTerms(index bleve.Index, field string) (map[string]struct{}, error) {
	dict, err := index.FieldDict(field)
	if err != nil {
		return nil, fmt.Errorf("read %s terms: %w", field, err)
	}
	defer func() { _ = dict.Close() }()

	terms := make(map[string]struct{})
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, fmt.Errorf("read %s terms: %w", field, err)
		}
		if entry == nil {
			return terms, nil
		}
		terms[entry.Term] = struct{}{}
	}
}

func (x *Index) Close() error {
	return x.index.Close()
}

func (x *Index) Len() int {
	return len(x.procedures)
}

func (x *Index) Lookup(code int) (dataset.Procedure, bool) {
	p, ok := x.byCode[code]
	return p, ok
}

// Samples returns the first n procedures by code.
func (x *Index) Samples(n int) []dataset.Procedure {
	if n <= 0 {
		return nil
	}
	if n > len(x.procedures) {
		n = len(x.procedures)
	}
	return append([]dataset.Procedure(nil), x.procedures[:n]...)
}

// Suggest completes partial input. Digits are matched as a code prefix with
// an exact code first; anything else is a fuzzy match on descriptions.
func (x *Index) Suggest(text string, limit int) ([]dataset.Procedure, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []dataset.Procedure{}, nil
	}
	if limit <= 0 {
		limit = defaultSuggestLimit
	}

	if isDigits(text) {
		q := bleve.NewPrefixQuery(text)
		q.SetField("code")
		hits, err := x.search(q, len(x.procedures))
		if err != nil {
			return nil, err
		}
		sort.Slice(hits, func(i, j int) bool {
			iExact, jExact := strconv.Itoa(hits[i].Code) == text, strconv.Itoa(hits[j].Code) == text
			if iExact != jExact {
				return iExact
			}
			return hits[i].Code < hits[j].Code
		})
		if len(hits) > limit {
			hits = hits[:limit]
		}
		return hits, nil
	}

	q := x.descriptionQuery(tokenize(text))
	if q == nil {
		return []dataset.Procedure{}, nil
	}
	return x.search(q, limit)
}

// Strength scores how well free text names a catalogued procedure, in
// [0, 1]. A cited DRG code scores 1; only one to three digit tokens without
// a leading zero count as codes, so ZIPs such as 00603 do not. Otherwise it is the share of the
// text's catalogue terms that occur in the best matching description; text
// without any catalogue term scores 0.
func (x *Index) Strength(text string) float64 {
	tokens := tokenize(text)
	for _, token := range tokens {
		if !isCodeToken(token) {
			continue
		}
		code, _ := strconv.Atoi(token)
		if _, ok := x.Lookup(code); ok {
			return 1
		}
	}

	known := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, ok := x.vocabulary[token]; !ok {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		known = append(known, token)
	}
	if len(known) == 0 {
		return 0
	}

	best, err := x.search(x.descriptionQuery(known), 1)
	if err != nil || len(best) == 0 {
		return 0
	}
	described := make(map[string]struct{})
	for _, token := range tokenize(best[0].Description) {
		described[token] = struct{}{}
	}
	matched := 0
	for _, token := range known {
		if _, ok := described[token]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(known))
}

// descriptionQuery ORs a fuzzy query per term, as a plain match query would
// but tolerant of one typo per term.
func (x *Index) descriptionQuery(terms []string) blevequery.Query {
	if len(terms) == 0 {
		return nil
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("description")
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// search returns matching procedures by descending score, breaking ties by
// code so results are deterministic.
func (x *Index) search(q blevequery.Query, size int) ([]dataset.Procedure, error) {
	if size <= 0 {
		return []dataset.Procedure{}, nil
	}
	req := bleve.NewSearchRequest(q)
	req.Size = size
	req.SortBy([]string{"-_score", "code"})
	result, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search procedures: %w", err)
	}
	out := make([]dataset.Procedure, 0, len(result.Hits))
	for _, hit := range result.Hits {
		code, err := strconv.Atoi(hit.ID)
		if err != nil {
			continue
		}
		if p, ok := x.byCode[code]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isCodeToken(s string) bool {
	return len(s) <= 3 && isDigits(s) && s[0] != '0'
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
