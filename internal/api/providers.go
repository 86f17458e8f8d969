package api

import (
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/carecost/carecost/internal/dataset"
	"github.com/carecost/carecost/internal/geo"
	"github.com/carecost/carecost/internal/search"
)

var zipPattern = regexp.MustCompile(`^[0-9]{5}$`)

type providerResult struct {
	ID                 int64    `json:"id"`
	CCN                string   `json:"rndrng_prvdr_ccn"`
	Name               string   `json:"rndrng_prvdr_org_name"`
	City               string   `json:"rndrng_prvdr_city"`
	Street             string   `json:"rndrng_prvdr_st"`
	State              string   `json:"rndrng_prvdr_state_abrvtn"`
	ZIP                string   `json:"rndrng_prvdr_zip5"`
	DRGCode            int      `json:"drg_cd"`
	DRGDescription     string   `json:"drg_desc"`
	TotalDischarges    int      `json:"tot_dschrgs"`
	AvgSubmittedCharge float64  `json:"avg_submtd_cvrd_chrg"`
	AvgTotalPayment    float64  `json:"avg_tot_pymt_amt"`
	AvgMedicarePayment float64  `json:"avg_mdcr_pymt_amt"`
	Latitude           *float64 `json:"latitude"`
	Longitude          *float64 `json:"longitude"`
	DistanceKM         *float64 `json:"distance_km"`
	OverallRating      *float64 `json:"overall_rating"`
	ReviewCount        int      `json:"review_count"`
	ExactMatch         bool     `json:"exact_match"`
}

type coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type searchParams struct {
	DRG               *int         `json:"drg_cd,omitempty"`
	Description       string       `json:"drg_desc,omitempty"`
	ZIP               string       `json:"zip_code,omitempty"`
	RadiusKM          *float64     `json:"radius_km,omitempty"`
	CenterCoordinates *coordinates `json:"center_coordinates,omitempty"`
	State             string       `json:"state,omitempty"`
	MinRating         *float64     `json:"min_rating,omitempty"`
	Limit             int          `json:"limit"`
	Sort              string       `json:"sort,omitempty"`
}

type searchResponse struct {
	TotalResults        int              `json:"total_results"`
	SearchParams        searchParams     `json:"search_params"`
	Providers           []providerResult `json:"providers"`
	CandidatesTruncated bool             `json:"candidates_truncated"`
}

func handleSearchProviders(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Search == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SEARCH_NOT_CONFIGURED", "provider search is not configured", false, nil)
		return
	}

	filter, err := parseSearchFilter(r)
	if err != nil {
		writeFilterError(w, r, err)
		return
	}

	response, err := deps.Search.Search(r.Context(), filter)
	if err != nil {
		if errors.Is(err, search.ErrInvalidFilter) {
			writeFilterError(w, r, err)
			return
		}
		if deps.Logger != nil {
			deps.Logger.Error("provider search failed", "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SEARCH_FAILED", "provider search failed", true, nil)
		return
	}

	writeJSON(w, http.StatusOK, toSearchResponse(response))
}

func parseSearchFilter(r *http.Request) (search.Filter, error) {
	values := r.URL.Query()
	filter := search.Filter{
		ZIP:   strings.TrimSpace(values.Get("zip")),
		State: strings.TrimSpace(values.Get("state")),
	}
	if filter.ZIP != "" && !zipPattern.MatchString(filter.ZIP) {
		return search.Filter{}, &search.InvalidFilterError{Field: "zip", Message: "must be a 5 digit ZIP code"}
	}
	filter.DRGCode, filter.Description = search.ParseProcedure(values.Get("drg"))

	if raw := strings.TrimSpace(values.Get("radius_km")); raw != "" {
		radius, err := parseFinite(raw)
		if err != nil {
			return search.Filter{}, &search.InvalidFilterError{Field: "radius_km", Message: "must be a number", Err: err}
		}
		filter.RadiusKM = &radius
	}
	if raw := strings.TrimSpace(values.Get("min_rating")); raw != "" {
		rating, err := parseFinite(raw)
		if err != nil {
			return search.Filter{}, &search.InvalidFilterError{Field: "min_rating", Message: "must be a number", Err: err}
		}
		filter.MinRating = &rating
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return search.Filter{}, &search.InvalidFilterError{Field: "limit", Message: "must be an integer", Err: err}
		}
		filter.Limit = limit
	}
	sortBy, err := search.ParseSort(values.Get("sort"))
	if err != nil {
		return search.Filter{}, err
	}
	filter.Sort = sortBy
	return filter, nil
}

func parseFinite(raw string) (float64, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, strconv.ErrRange
	}
	return value, nil
}

func writeFilterError(w http.ResponseWriter, r *http.Request, err error) {
	var filterErr *search.InvalidFilterError
	if !errors.As(err, &filterErr) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILTER", err.Error(), false, nil)
		return
	}
	if errors.Is(err, geo.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "ZIP_NOT_FOUND", filterErr.Message, false, map[string]any{"field": filterErr.Field})
		return
	}
	writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FILTER", filterErr.Message, false, map[string]any{"field": filterErr.Field})
}

func toSearchResponse(response search.Response) searchResponse {
	applied := response.Filter
	params := searchParams{
		DRG:         applied.DRGCode,
		Description: applied.Description,
		ZIP:         applied.ZIP,
		RadiusKM:    applied.RadiusKM,
		State:       applied.State,
		MinRating:   applied.MinRating,
		Limit:       applied.Limit,
		Sort:        string(applied.Sort),
	}
	if applied.Center != nil {
		params.CenterCoordinates = &coordinates{Latitude: applied.Center.Latitude, Longitude: applied.Center.Longitude}
	}

	providers := make([]providerResult, 0, len(response.Results))
	for _, result := range response.Results {
		p := result.Provider
		item := providerResult{
			ID:                 p.ID,
			CCN:                p.CCN,
			Name:               p.Name,
			City:               p.City,
			Street:             p.Street,
			State:              p.State,
			ZIP:                p.ZIP,
			DRGCode:            p.DRGCode,
			DRGDescription:     p.DRGDescription,
			TotalDischarges:    p.TotalDischarges,
			AvgSubmittedCharge: p.AvgSubmittedCharge,
			AvgTotalPayment:    p.AvgTotalPayment,
			AvgMedicarePayment: p.AvgMedicarePayment,
			OverallRating:      result.Rating,
			ReviewCount:        result.ReviewCount,
			ExactMatch:         result.Exact,
		}
		if p.Location != nil {
			lat, lon := p.Location.Latitude, p.Location.Longitude
			item.Latitude, item.Longitude = &lat, &lon
		}
		if result.DistanceKM != nil {
			rounded := math.Round(*result.DistanceKM*100) / 100
			item.DistanceKM = &rounded
		}
		providers = append(providers, item)
	}
	return searchResponse{
		TotalResults:        response.Total,
		SearchParams:        params,
		Providers:           providers,
		CandidatesTruncated: response.CandidatesTruncated,
	}
}

type providerDetailsResponse struct {
	CCN     string         `json:"rndrng_prvdr_ccn"`
	Name    string         `json:"rndrng_prvdr_org_name"`
	Address map[string]any `json:"address"`
	Ratings map[string]any `json:"ratings"`
	// Procedures counts the DRGs the facility reported prices for.
	Procedures int `json:"procedures"`
}

func handleGetProvider(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Providers == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PROVIDERS_NOT_CONFIGURED", "provider directory is not configured", false, nil)
		return
	}
	ccn := strings.TrimSpace(r.PathValue("ccn"))
	if ccn == "" || len(ccn) > 10 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CCN", "ccn must be 1 to 10 characters", false, nil)
		return
	}

	details, err := deps.Providers.GetProviderDetails(r.Context(), ccn)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "PROVIDER_NOT_FOUND", "provider not found", false, map[string]any{"ccn": ccn})
			return
		}
		if deps.Logger != nil {
			deps.Logger.Error("provider lookup failed", "ccn", ccn, "error", err)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "PROVIDER_LOOKUP_FAILED", "provider lookup failed", true, nil)
		return
	}

	writeJSON(w, http.StatusOK, providerDetailsResponse{
		CCN:  details.CCN,
		Name: details.Name,
		Address: map[string]any{
			"street": details.Street,
			"city":   details.City,
			"state":  details.State,
			"zip":    details.ZIP,
		},
		Ratings: map[string]any{
			"average":          details.AverageRating,
			"total_reviews":    details.TotalReviews,
			"categories_rated": details.CategoriesRated,
		},
		Procedures: details.Procedures,
	})
}
