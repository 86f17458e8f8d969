package assistant

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/carecost/carecost/internal/geo"
	"github.com/carecost/carecost/internal/query"
)

// FailureCeiling bounds the confidence of every response that was not
// backed by an executed query.
const FailureCeiling = 0.25

const (
	acceptedBase        = 0.35
	narrativeConfidence = 0.2
	strengthWeight      = 0.25
	summaryRows         = 3
)

var failureConfidence = map[Outcome]float64{
	OutcomeOutOfScope:        0,
	OutcomeTranslationFailed: 0,
	OutcomeRejected:          0.1,
	OutcomeExecutionFailed:   0.15,
}

// Confidence scores an executed query. Any accepted query that returned rows
// outscores every failure; one ambiguous row or a result cut off at the cap
// scores below a healthy result with the same match strength.
func Confidence(rows int, truncated bool, strength float64) float64 {
	if rows <= 0 {
		return acceptedBase
	}
	strength = math.Max(0, math.Min(1, strength))
	rowFactor := 0.3
	switch {
	case truncated:
		rowFactor = 0.25
	case rows == 1 && strength < 1:
		rowFactor = 0.2
	}
	return math.Min(1, acceptedBase+rowFactor+strengthWeight*strength)
}

// Synthesize summarises executed rows. It only quotes values present in
// result and never invents figures.
func Synthesize(question string, result query.Result, strength float64) AskResponse {
	rowCount := len(result.Rows)
	if rowCount == 0 {
		return AskResponse{
			Answer:     "I couldn't find any results matching your query. Try adjusting your search criteria, such as increasing the search radius or using different keywords.",
			Confidence: Confidence(0, false, strength),
			Outcome:    OutcomeNoResults,
		}
	}

	cols := locateColumns(result.Columns)
	rows := rankRows(result.Rows, cols, intentOf(question))

	var b strings.Builder
	if rowCount == 1 {
		b.WriteString("I found 1 result for your query:\n")
	} else {
		fmt.Fprintf(&b, "I found %d results for your query", rowCount)
		if result.Truncated {
			b.WriteString(" (showing the first ones only)")
		}
		b.WriteString(":\n")
	}
	for i, row := range rows {
		if i == summaryRows {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, describeRow(result.Columns, row, cols))
	}

	return AskResponse{
		Answer:     strings.TrimSpace(b.String()),
		Confidence: Confidence(rowCount, result.Truncated, strength),
		RowCount:   rowCount,
		Outcome:    OutcomeAnswered,
	}
}

type intent int

const (
	intentAsReturned intent = iota
	intentLowestCost
	intentHighestCost
	intentBestRated
	intentNearest
)

func intentOf(question string) intent {
	q := strings.ToLower(question)
	switch {
	case containsAny(q, "cheapest", "lowest", "least expensive", "cheap", "affordable", "lowest cost"):
		return intentLowestCost
	case containsAny(q, "best", "highest rated", "top rated", "top-rated", "quality"):
		return intentBestRated
	case containsAny(q, "most expensive", "priciest", "highest cost"):
		return intentHighestCost
	case containsAny(q, "closest", "nearest"):
		return intentNearest
	}
	return intentAsReturned
}

type columnIndex struct {
	name, city, state, drg, cost, rating, reviews, distanceKM, distanceMiles int
}

var (
	costColumns   = []string{"avg_submtd_cvrd_chrg", "avg_cost", "cost", "price", "avg_tot_pymt_amt", "avg_mdcr_pymt_amt"}
	ratingColumns = []string{"rating", "overall_rating", "avg_rating"}
)

func locateColumns(columns []string) columnIndex {
	find := func(names ...string) int {
		for _, name := range names {
			for i, col := range columns {
				if strings.EqualFold(col, name) {
					return i
				}
			}
		}
		return -1
	}
	return columnIndex{
		name:          find("rndrng_prvdr_org_name", "hospital", "hospital_name", "name"),
		city:          find("rndrng_prvdr_city", "city"),
		state:         find("rndrng_prvdr_state_abrvtn", "state_code", "state"),
		drg:           find("drg_cd"),
		cost:          find(costColumns...),
		rating:        find(ratingColumns...),
		reviews:       find("review_count"),
		distanceKM:    find("distance_km"),
		distanceMiles: find("distance_miles", "distance_mi"),
	}
}

// rankRows orders a copy of rows by the question's intent. Rows without the
// ranking value keep their position after ranked rows.
func rankRows(rows [][]any, cols columnIndex, want intent) [][]any {
	ranked := append([][]any(nil), rows...)
	key, desc := -1, false
	switch want {
	case intentLowestCost:
		key = cols.cost
	case intentHighestCost:
		key, desc = cols.cost, true
	case intentBestRated:
		key, desc = cols.rating, true
	case intentNearest:
		key = cols.distanceKM
		if key < 0 {
			key = cols.distanceMiles
		}
	}
	if key < 0 {
		return ranked
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, aok := toFloat(cell(ranked[i], key))
		b, bok := toFloat(cell(ranked[j], key))
		if aok != bok {
			return aok
		}
		if !aok || a == b {
			return false
		}
		if desc {
			return a > b
		}
		return a < b
	})
	return ranked
}

func describeRow(columns []string, row []any, cols columnIndex) string {
	if cols.name < 0 {
		parts := make([]string, 0, len(columns))
		for i, col := range columns {
			parts = append(parts, fmt.Sprintf("%s: %s", col, formatValue(cell(row, i))))
		}
		return strings.Join(parts, ", ")
	}

	var b strings.Builder
	b.WriteString(formatValue(cell(row, cols.name)))
	city, state := text(cell(row, cols.city)), text(cell(row, cols.state))
	switch {
	case city != "" && state != "":
		fmt.Fprintf(&b, " (%s, %s)", city, state)
	case city != "" || state != "":
		fmt.Fprintf(&b, " (%s%s)", city, state)
	}
	if v, ok := toFloat(cell(row, cols.cost)); ok {
		fmt.Fprintf(&b, ", average cost %s", formatMoney(v))
	}
	if v, ok := toFloat(cell(row, cols.rating)); ok {
		fmt.Fprintf(&b, ", rated %s/10", strconv.FormatFloat(v, 'f', 1, 64))
		if n, ok := toFloat(cell(row, cols.reviews)); ok {
			fmt.Fprintf(&b, " from %d reviews", int64(n))
		}
	}
	if v, ok := toFloat(cell(row, cols.drg)); ok {
		fmt.Fprintf(&b, ", DRG %d", int64(v))
	}
	if v, ok := toFloat(cell(row, cols.distanceKM)); ok {
		fmt.Fprintf(&b, ", %.1f miles away", geo.KMToMiles(v))
	} else if v, ok := toFloat(cell(row, cols.distanceMiles)); ok {
		fmt.Fprintf(&b, ", %.1f miles away", v)
	}
	return b.String()
}

func cell(row []any, i int) any {
	if i < 0 || i >= len(row) {
		return nil
	}
	return row[i]
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		return f, err == nil
	}
	return 0, false
}

func text(value any) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(query.NormalizeValue(value)))
}

func formatValue(value any) string {
	if value == nil {
		return "n/a"
	}
	if f, ok := value.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return text(value)
}

// formatMoney renders dollars with thousands separators, e.g. $45,000.00.
func formatMoney(v float64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	whole := strconv.FormatFloat(math.Floor(v), 'f', 0, 64)
	cents := int(math.Round((v - math.Floor(v)) * 100))
	if cents == 100 {
		whole = strconv.FormatFloat(math.Floor(v)+1, 'f', 0, 64)
		cents = 0
	}
	var grouped strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(r)
	}
	return fmt.Sprintf("%s$%s.%02d", sign, grouped.String(), cents)
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
