// Package search answers structured provider searches: procedure, state,
// ZIP radius and minimum rating filters over the reference data, ranked by
// cost, distance or rating.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/carecost/carecost/internal/dataset"
	"github.com/carecost/carecost/internal/geo"
	"github.com/carecost/carecost/internal/observability"
)

var ErrInvalidFilter = errors.New("invalid search filter")

// InvalidFilterError names the offending filter field. It matches
// ErrInvalidFilter with errors.Is and unwraps to the underlying cause, if any.
type InvalidFilterError struct {
	Field   string
	Message string
	Err     error
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %s: %s", e.Field, e.Message)
}

func (e *InvalidFilterError) Is(target error) bool {
	return target == ErrInvalidFilter
}

func (e *InvalidFilterError) Unwrap() error {
	return e.Err
}

func invalid(field, message string) error {
	return &InvalidFilterError{Field: field, Message: message}
}

type Sort string

const (
	SortDefault  Sort = ""
	SortCost     Sort = "cost"
	SortDistance Sort = "distance"
	SortRating   Sort = "rating"
)

func ParseSort(value string) (Sort, error) {
	switch s := Sort(strings.ToLower(strings.TrimSpace(value))); s {
	case SortDefault, SortCost, SortDistance, SortRating:
		return s, nil
	default:
		return "", invalid("sort", fmt.Sprintf("unknown sort %q", value))
	}
}

// Filter is one structured search request. RadiusKM only applies together
// with ZIP and defaults to the configured radius when nil.
type Filter struct {
	DRGCode     *int
	Description string
	ZIP         string
	RadiusKM    *float64
	State       string
	MinRating   *float64
	Limit       int
	Sort        Sort
}

// ParseProcedure interprets free input as a DRG code when it is an integer
// and as a description otherwise.
func ParseProcedure(input string) (*int, string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ""
	}
	if code, err := strconv.Atoi(input); err == nil {
		return &code, ""
	}
	return nil, input
}

// AppliedFilter echoes the filter after defaults, normalisation and ZIP
// resolution.
type AppliedFilter struct {
	DRGCode     *int
	Description string
	ZIP         string
	RadiusKM    *float64
	Center      *dataset.Coordinates
	State       string
	MinRating   *float64
	Limit       int
	Sort        Sort
}

type Result struct {
	Provider    dataset.ProviderRecord
	DistanceKM  *float64
	Rating      *float64
	ReviewCount int
	Exact       bool
}

type Response struct {
	Results []Result
	// Total counts every match before the result cap was applied.
	Total  int
	Filter AppliedFilter
	// CandidatesTruncated reports that the source returned a full candidate
	// window, so Total may undercount.
	CandidatesTruncated bool
}

type Locator interface {
	Resolve(zip string) (dataset.ZipLocation, error)
}

type Options struct {
	DefaultRadiusKM float64
	MaxRadiusKM     float64
	MaxResults      int
	CandidateLimit  int
}

type Engine struct {
	source  dataset.ProviderSource
	locator Locator
	opts    Options
	logger  *slog.Logger
}

func NewEngine(source dataset.ProviderSource, locator Locator, opts Options, logger *slog.Logger) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("provider source is required")
	}
	if locator == nil {
		return nil, fmt.Errorf("zip locator is required")
	}
	if opts.DefaultRadiusKM <= 0 || opts.MaxRadiusKM < opts.DefaultRadiusKM {
		return nil, fmt.Errorf("invalid radius options: default %.1f, max %.1f", opts.DefaultRadiusKM, opts.MaxRadiusKM)
	}
	if opts.MaxResults <= 0 || opts.CandidateLimit < opts.MaxResults {
		return nil, fmt.Errorf("invalid result limits: max results %d, candidate limit %d", opts.MaxResults, opts.CandidateLimit)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, locator: locator, opts: opts, logger: logger}, nil
}

// Search validates and resolves the filter before touching the source, so an
// invalid filter never costs a database round trip. Valid filters that match
// nothing return an empty result, not an error.
func (e *Engine) Search(ctx context.Context, filter Filter) (Response, error) {
	applied, err := e.apply(filter)
	if err != nil {
		observability.ObserveProviderSearch("invalid", -1)
		return Response{}, err
	}

	q := dataset.ProviderQuery{
		DRGCode:     applied.DRGCode,
		Description: applied.Description,
		State:       applied.State,
		MinRating:   applied.MinRating,
		Order:       candidateOrder(sortKey(applied)),
		Limit:       e.opts.CandidateLimit,
	}
	if applied.Center != nil {
		q.Box = geo.BoundingBox(*applied.Center, *applied.RadiusKM)
		q.Near = applied.Center
		q.RadiusKM = *applied.RadiusKM
	}

	candidates, err := e.source.FindProviders(ctx, q)
	if err != nil {
		observability.ObserveProviderSearch("error", -1)
		return Response{}, fmt.Errorf("find provider candidates: %w", err)
	}

	results := make([]Result, 0, len(candidates))
	for _, candidate := range candidates {
		result := Result{
			Provider:    candidate.Provider,
			Rating:      candidate.Rating,
			ReviewCount: candidate.ReviewCount,
			Exact:       candidate.Exact,
		}
		if applied.MinRating != nil && (candidate.Rating == nil || *candidate.Rating < *applied.MinRating) {
			continue
		}
		if applied.Center != nil {
			if candidate.Provider.Location == nil {
				continue
			}
			distance := geo.DistanceKM(*applied.Center, *candidate.Provider.Location)
			if distance > *applied.RadiusKM {
				continue
			}
			result.DistanceKM = &distance
		}
		results = append(results, result)
	}

	sortResults(results, applied)

	response := Response{
		Total:               len(results),
		Filter:              applied,
		CandidatesTruncated: len(candidates) >= e.opts.CandidateLimit,
	}
	if len(results) > applied.Limit {
		results = results[:applied.Limit]
	}
	response.Results = results

	if response.CandidatesTruncated {
		e.logger.Warn("provider candidate window saturated",
			slog.Int("candidate_limit", e.opts.CandidateLimit),
			slog.String("zip", applied.ZIP),
		)
	}
	outcome := "ok"
	if response.Total == 0 {
		outcome = "empty"
	}
	observability.ObserveProviderSearch(outcome, response.Total)
	return response, nil
}

func (e *Engine) apply(filter Filter) (AppliedFilter, error) {
	applied := AppliedFilter{
		DRGCode:     filter.DRGCode,
		Description: strings.TrimSpace(filter.Description),
		ZIP:         strings.TrimSpace(filter.ZIP),
		State:       strings.ToUpper(strings.TrimSpace(filter.State)),
		MinRating:   filter.MinRating,
		Limit:       filter.Limit,
		Sort:        filter.Sort,
	}

	if applied.DRGCode != nil && *applied.DRGCode <= 0 {
		return AppliedFilter{}, invalid("drg", "procedure code must be positive")
	}
	if applied.State != "" && !isStateCode(applied.State) {
		return AppliedFilter{}, invalid("state", "must be a two letter state code")
	}
	if applied.MinRating != nil && (!isFinite(*applied.MinRating) || *applied.MinRating < 0 || *applied.MinRating > 10) {
		return AppliedFilter{}, invalid("min_rating", "must be between 0 and 10")
	}
	if applied.Limit < 0 {
		return AppliedFilter{}, invalid("limit", "must not be negative")
	}
	if applied.Limit == 0 || applied.Limit > e.opts.MaxResults {
		applied.Limit = e.opts.MaxResults
	}
	if _, err := ParseSort(string(applied.Sort)); err != nil {
		return AppliedFilter{}, err
	}

	if filter.RadiusKM != nil {
		if !isFinite(*filter.RadiusKM) || *filter.RadiusKM <= 0 {
			return AppliedFilter{}, invalid("radius_km", "must be a finite number greater than zero")
		}
		if *filter.RadiusKM > e.opts.MaxRadiusKM {
			return AppliedFilter{}, invalid("radius_km", fmt.Sprintf("must not exceed %.0f", e.opts.MaxRadiusKM))
		}
		if applied.ZIP == "" {
			return AppliedFilter{}, invalid("radius_km", "requires zip")
		}
	}
	if applied.Sort == SortDistance && applied.ZIP == "" {
		return AppliedFilter{}, invalid("sort", "distance sort requires zip")
	}

	if applied.ZIP != "" {
		radius := e.opts.DefaultRadiusKM
		if filter.RadiusKM != nil {
			radius = *filter.RadiusKM
		}
		location, err := e.locator.Resolve(applied.ZIP)
		if err != nil {
			return AppliedFilter{}, &InvalidFilterError{Field: "zip", Message: fmt.Sprintf("zip code %s has no known location", applied.ZIP), Err: err}
		}
		center := location.Coordinates()
		applied.Center = &center
		applied.RadiusKM = &radius
	}
	return applied, nil
}

// sortResults orders by the requested key. An explicit distance sort beats
// an explicit cost sort, which beats the default: descending rating when a
// minimum rating is set, ascending cost otherwise. Ties go to exact matches,
// then to cost, facility and procedure code so ordering is total.
func sortResults(results []Result, filter AppliedFilter) {
	key := sortKey(filter)
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch key {
		case SortDistance:
			if c := compareOptional(a.DistanceKM, b.DistanceKM, false); c != 0 {
				return c < 0
			}
		case SortRating:
			if c := compareOptional(a.Rating, b.Rating, true); c != 0 {
				return c < 0
			}
		case SortCost:
			if a.Provider.AvgSubmittedCharge != b.Provider.AvgSubmittedCharge {
				return a.Provider.AvgSubmittedCharge < b.Provider.AvgSubmittedCharge
			}
		}
		if a.Exact != b.Exact {
			return a.Exact
		}
		if a.Provider.AvgSubmittedCharge != b.Provider.AvgSubmittedCharge {
			return a.Provider.AvgSubmittedCharge < b.Provider.AvgSubmittedCharge
		}
		if a.Provider.CCN != b.Provider.CCN {
			return a.Provider.CCN < b.Provider.CCN
		}
		return a.Provider.DRGCode < b.Provider.DRGCode
	})
}

func sortKey(filter AppliedFilter) Sort {
	if filter.Sort != SortDefault {
		return filter.Sort
	}
	if filter.MinRating != nil {
		return SortRating
	}
	return SortCost
}

// candidateOrder asks the source for the same ranking the results get, so a
// saturated candidate window drops the worst matches rather than arbitrary
// ones.
func candidateOrder(key Sort) dataset.CandidateOrder {
	switch key {
	case SortDistance:
		return dataset.OrderByDistance
	case SortRating:
		return dataset.OrderByRating
	default:
		return dataset.OrderByCost
	}
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// compareOptional orders present values before nil ones.
func compareOptional(a, b *float64, descending bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a == *b:
		return 0
	case (*a < *b) != descending:
		return -1
	default:
		return 1
	}
}

func isStateCode(value string) bool {
	if len(value) != 2 {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < 'A' || value[i] > 'Z' {
			return false
		}
	}
	return true
}
