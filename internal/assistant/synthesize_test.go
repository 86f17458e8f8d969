package assistant

import (
	"strings"
	"testing"

	"github.com/carecost/carecost/internal/query"
)

func TestConfidenceOrdering(t *testing.T) {
	for _, strength := range []float64{0, 0.25, 0.5, 0.99, 1} {
		healthy := Confidence(5, false, strength)
		single := Confidence(1, false, strength)
		capped := Confidence(20, true, strength)
		for outcome, failed := range failureConfidence {
			if failed >= FailureCeiling {
				t.Fatalf("%s confidence %v not below ceiling", outcome, failed)
			}
			if failed >= single || failed >= capped {
				t.Fatalf("%s confidence %v not below accepted results", outcome, failed)
			}
		}
		if narrativeConfidence >= FailureCeiling {
			t.Fatalf("narrative confidence %v not below ceiling", narrativeConfidence)
		}
		if strength < 1 && single >= healthy {
			t.Fatalf("strength %v: single ambiguous row %v >= healthy %v", strength, single, healthy)
		}
		if capped >= healthy {
			t.Fatalf("strength %v: truncated %v >= healthy %v", strength, capped, healthy)
		}
		for _, c := range []float64{healthy, single, capped, Confidence(0, false, strength)} {
			if c < 0 || c > 1 {
				t.Fatalf("confidence %v out of range", c)
			}
		}
	}
	if Confidence(3, false, 1) <= Confidence(3, false, 0) {
		t.Fatal("match strength should raise confidence")
	}
	if got := Confidence(3, false, 7); got > 1 {
		t.Fatalf("Confidence() = %v, want clamped", got)
	}
}

func TestSynthesizeBestRatedLeadsWithHighestRating(t *testing.T) {
	result := query.Result{
		Columns: []string{"rndrng_prvdr_org_name", "rating", "review_count", "drg_cd"},
		Rows: [][]any{
			{"Lakeside", 7.5, int64(120), int64(291)},
			{"Hilltop", 9.1, int64(48), int64(291)},
			{"Riverside", nil, nil, int64(291)},
		},
	}
	response := Synthesize("best rated heart failure hospitals", result, 1)
	lines := strings.Split(response.Answer, "\n")
	if len(lines) != 4 {
		t.Fatalf("Answer = %q", response.Answer)
	}
	if lines[1] != "1. Hilltop, rated 9.1/10 from 48 reviews, DRG 291" {
		t.Fatalf("first line = %q", lines[1])
	}
	if lines[3] != "3. Riverside, DRG 291" {
		t.Fatalf("unrated row = %q", lines[3])
	}
	if response.Outcome != OutcomeAnswered || response.RowCount != 3 {
		t.Fatalf("response = %+v", response)
	}
}

func TestSynthesizeWithoutProviderColumns(t *testing.T) {
	result := query.Result{
		Columns: []string{"rndrng_prvdr_state_abrvtn", "avg_cost"},
		Rows:    [][]any{{"NY", 52000.5}},
	}
	response := Synthesize("average knee replacement cost in NY", result, 1)
	if !strings.Contains(response.Answer, "1. rndrng_prvdr_state_abrvtn: NY, avg_cost: 52000.5") {
		t.Fatalf("Answer = %q", response.Answer)
	}
}

func TestSynthesizeMentionsTruncation(t *testing.T) {
	result := query.Result{
		Columns:   []string{"rndrng_prvdr_org_name"},
		Rows:      [][]any{{"A"}, {"B"}},
		Truncated: true,
	}
	response := Synthesize("hospitals", result, 0)
	if !strings.HasPrefix(response.Answer, "I found 2 results for your query (showing the first ones only):") {
		t.Fatalf("Answer = %q", response.Answer)
	}
}

func TestFormatMoney(t *testing.T) {
	tests := map[float64]string{
		0:          "$0.00",
		999.999:    "$1,000.00",
		45000:      "$45,000.00",
		1234567.89: "$1,234,567.89",
		-12.5:      "-$12.50",
	}
	for in, want := range tests {
		if got := formatMoney(in); got != want {
			t.Fatalf("formatMoney(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestIntentOf(t *testing.T) {
	tests := map[string]intent{
		"cheapest knee replacement":        intentLowestCost,
		"best rated hospital for DRG 470":  intentBestRated,
		"most expensive heart surgery":     intentHighestCost,
		"nearest hospital to 10001":        intentNearest,
		"hospitals that treat hip surgery": intentAsReturned,
	}
	for question, want := range tests {
		if got := intentOf(question); got != want {
			t.Fatalf("intentOf(%q) = %v, want %v", question, got, want)
		}
	}
}
