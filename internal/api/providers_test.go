package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carecost/carecost/internal/dataset"
	"github.com/carecost/carecost/internal/search"
)

func TestSearchProvidersParsesFilterAndShapesResponse(t *testing.T) {
	distance := 2.34567
	rating := 8.5
	radius := 25.0
	searcher := &fakeSearcher{response: search.Response{
		Total: 1,
		Filter: search.AppliedFilter{
			Description: "knee",
			ZIP:         "10001",
			RadiusKM:    &radius,
			Center:      &dataset.Coordinates{Latitude: 40.7506, Longitude: -73.9972},
			Limit:       10,
			Sort:        search.SortCost,
		},
		Results: []search.Result{{
			Provider: dataset.ProviderRecord{
				CCN: "330001", Name: "Midtown General", City: "New York", State: "NY", ZIP: "10001",
				DRGCode: 470, DRGDescription: "MAJOR HIP AND KNEE JOINT REPLACEMENT", AvgSubmittedCharge: 48900,
				Location: &dataset.Coordinates{Latitude: 40.76, Longitude: -73.98},
			},
			DistanceKM:  &distance,
			Rating:      &rating,
			ReviewCount: 12,
			Exact:       true,
		}},
	}}
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Search: searcher})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/providers?drg=knee&zip=10001&radius_km=25&state=ny&min_rating=7&limit=10&sort=cost", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	if len(searcher.filters) != 1 {
		t.Fatalf("Search() calls = %d", len(searcher.filters))
	}
	filter := searcher.filters[0]
	if filter.DRGCode != nil || filter.Description != "knee" || filter.ZIP != "10001" || filter.State != "ny" {
		t.Fatalf("filter = %+v", filter)
	}
	if filter.RadiusKM == nil || *filter.RadiusKM != 25 || filter.MinRating == nil || *filter.MinRating != 7 {
		t.Fatalf("filter = %+v", filter)
	}
	if filter.Limit != 10 || filter.Sort != search.SortCost {
		t.Fatalf("filter = %+v", filter)
	}

	body := decodeBody(t, rr)
	if body["total_results"] != float64(1) {
		t.Fatalf("total_results = %v", body["total_results"])
	}
	providers := body["providers"].([]any)
	first := providers[0].(map[string]any)
	if first["rndrng_prvdr_org_name"] != "Midtown General" || first["distance_km"] != 2.35 || first["overall_rating"] != 8.5 {
		t.Fatalf("provider = %v", first)
	}
	params := body["search_params"].(map[string]any)
	center := params["center_coordinates"].(map[string]any)
	if center["latitude"] != 40.7506 {
		t.Fatalf("center = %v", center)
	}
}

func TestSearchProvidersNumericDRGIsCode(t *testing.T) {
	searcher := &fakeSearcher{}
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Search: searcher})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/providers?drg=470", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := searcher.filters[0].DRGCode; got == nil || *got != 470 {
		t.Fatalf("DRGCode = %v", got)
	}
	body := decodeBody(t, rr)
	if providers, ok := body["providers"].([]any); !ok || len(providers) != 0 {
		t.Fatalf("providers = %#v, want empty list", body["providers"])
	}
}

func TestSearchProvidersRejectsMalformedParameters(t *testing.T) {
	tests := []struct {
		query string
		field string
	}{
		{query: "zip=1000", field: "zip"},
		{query: "zip=abcde", field: "zip"},
		{query: "zip=10001&radius_km=far", field: "radius_km"},
		{query: "zip=10001&radius_km=NaN", field: "radius_km"},
		{query: "min_rating=high", field: "min_rating"},
		{query: "limit=ten", field: "limit"},
		{query: "sort=alphabetical", field: "sort"},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			searcher := &fakeSearcher{}
			h := NewHandler(loadTestConfig(t, nil), Dependencies{Search: searcher})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/providers?"+tc.query, nil))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rr.Code)
			}
			body := decodeBody(t, rr)
			if body["error_code"] != "INVALID_FILTER" || body["context"].(map[string]any)["field"] != tc.field {
				t.Fatalf("body = %v", body)
			}
			if len(searcher.filters) != 0 {
				t.Fatal("search ran for a malformed request")
			}
		})
	}
}

func TestSearchProvidersMapsEngineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "unknown zip", err: unknownZipErr, status: http.StatusNotFound, code: "ZIP_NOT_FOUND"},
		{name: "invalid filter", err: &search.InvalidFilterError{Field: "radius_km", Message: "must be greater than zero"}, status: http.StatusBadRequest, code: "INVALID_FILTER"},
		{name: "database down", err: errors.New("find provider candidates: conn refused"), status: http.StatusInternalServerError, code: "SEARCH_FAILED"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(loadTestConfig(t, nil), Dependencies{Search: &fakeSearcher{err: tc.err}})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/providers?zip=99999", nil))
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			if body := decodeBody(t, rr); body["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tc.code)
			}
			if strings.Contains(rr.Body.String(), "conn refused") {
				t.Fatalf("internal error leaked: %s", rr.Body.String())
			}
		})
	}
}

func TestGetProvider(t *testing.T) {
	average := 8.3
	directory := &fakeDirectory{details: map[string]dataset.ProviderDetails{
		"330001": {CCN: "330001", Name: "Midtown General", City: "New York", State: "NY", ZIP: "10001", AverageRating: &average, TotalReviews: 40, CategoriesRated: 3, Procedures: 12},
	}}
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Providers: directory})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/providers/330001", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	ratings := body["ratings"].(map[string]any)
	if body["rndrng_prvdr_org_name"] != "Midtown General" || ratings["average"] != 8.3 || ratings["categories_rated"] != float64(3) {
		t.Fatalf("body = %v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/providers/999999", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing provider status = %d", rr.Code)
	}
}

func TestSuggestProcedures(t *testing.T) {
	suggester := &fakeSuggester{}
	h := NewHandler(loadTestConfig(t, nil), Dependencies{Procedures: suggester})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/procedures/suggest?q=kne&limit=500", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if suggester.limit != maxSuggestions || suggester.texts[0] != "kne" {
		t.Fatalf("Suggest(%v, %d)", suggester.texts, suggester.limit)
	}
	body := decodeBody(t, rr)
	suggestions := body["suggestions"].([]any)
	if suggestions[0].(map[string]any)["drg_cd"] != float64(470) {
		t.Fatalf("suggestions = %v", suggestions)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/procedures/suggest", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing q status = %d", rr.Code)
	}
}
