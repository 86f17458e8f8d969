// Package dataset defines the hospital cost reference data: provider prices
// per procedure, facility ratings and ZIP centroids, together with the
// allow-listed schema that generated SQL is checked against.
package dataset

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("dataset: not found")

// OverallCategory is the rating category joined into search results.
const OverallCategory = "overall"

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// BoundingBox is an inclusive latitude/longitude window. A nil box on a query
// means no spatial prefilter.
type BoundingBox struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

func (b BoundingBox) Contains(c Coordinates) bool {
	return c.Latitude >= b.MinLatitude && c.Latitude <= b.MaxLatitude &&
		c.Longitude >= b.MinLongitude && c.Longitude <= b.MaxLongitude
}

// ProviderRecord is one facility's prices for one procedure. (CCN, DRGCode)
// is unique.
type ProviderRecord struct {
	ID                 int64
	CCN                string
	Name               string
	Street             string
	City               string
	State              string
	StateFIPS          *int
	ZIP                string
	RUCA               *float64
	RUCADescription    string
	DRGCode            int
	DRGDescription     string
	TotalDischarges    int
	AvgSubmittedCharge float64
	AvgTotalPayment    float64
	AvgMedicarePayment float64
	Location           *Coordinates
}

type RatingRecord struct {
	ID          int64
	ProviderCCN string
	Category    string
	Rating      float64
	ReviewCount int
}

type ZipLocation struct {
	ZIP       string
	City      string
	State     string
	StateName string
	County    string
	Latitude  float64
	Longitude float64
}

func (z ZipLocation) Coordinates() Coordinates {
	return Coordinates{Latitude: z.Latitude, Longitude: z.Longitude}
}

type Procedure struct {
	Code        int
	Description string
}

// CandidateOrder is the key a ProviderSource ranks candidates by before it
// cuts them at ProviderQuery.Limit.
type CandidateOrder int

const (
	OrderByCost CandidateOrder = iota
	OrderByDistance
	OrderByRating
)

// ProviderQuery is the structured candidate selection handed to a
// ProviderSource. Sources return candidates in Order so that a full window
// still holds the best matches; the caller re-checks the radius and applies
// the final ordering.
type ProviderQuery struct {
	DRGCode     *int
	Description string
	State       string
	MinRating   *float64
	Box         *BoundingBox
	// Near and RadiusKM restrict candidates to a great-circle radius and
	// anchor OrderByDistance.
	Near     *Coordinates
	RadiusKM float64
	Order    CandidateOrder
	Limit    int
}

type ProviderCandidate struct {
	Provider    ProviderRecord
	Rating      *float64
	ReviewCount int
	// Exact is false when the candidate only matched the description by
	// trigram similarity rather than by substring.
	Exact bool
}

type ProviderDetails struct {
	CCN             string
	Name            string
	Street          string
	City            string
	State           string
	ZIP             string
	AverageRating   *float64
	TotalReviews    int
	CategoriesRated int
	Procedures      int
}

type ProviderSource interface {
	FindProviders(ctx context.Context, q ProviderQuery) ([]ProviderCandidate, error)
}

type ZipSource interface {
	ListZipLocations(ctx context.Context) ([]ZipLocation, error)
}

type ProcedureSource interface {
	ListProcedures(ctx context.Context) ([]Procedure, error)
}
