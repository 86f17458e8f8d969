// Package postgres reads the reference tables from PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/carecost/carecost/internal/dataset"
)

// similarityThreshold is the pg_trgm score above which a description counts
// as a fuzzy match.
const similarityThreshold = 0.3

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

const zipColumns = `zip_code, COALESCE(city, ''), COALESCE(state_code, ''), COALESCE(state_name, ''), COALESCE(county, ''), latitude::float8, longitude::float8`

func (r *Repository) ListZipLocations(ctx context.Context) ([]dataset.ZipLocation, error) {
	locations := make([]dataset.ZipLocation, 0)
	err := r.EachZipLocation(ctx, func(z dataset.ZipLocation) error {
		locations = append(locations, z)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locations, nil
}

func (r *Repository) EachZipLocation(ctx context.Context, fn func(dataset.ZipLocation) error) error {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+zipColumns+`
FROM zip_codes
ORDER BY zip_code ASC`)
	if err != nil {
		return fmt.Errorf("list zip codes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var z dataset.ZipLocation
		if err := rows.Scan(&z.ZIP, &z.City, &z.State, &z.StateName, &z.County, &z.Latitude, &z.Longitude); err != nil {
			return fmt.Errorf("scan zip code row: %w", err)
		}
		if err := fn(z); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate zip code rows: %w", err)
	}
	return nil
}

// ListProcedures returns one entry per DRG code. Descriptions are taken from
// the lowest sorting spelling when facilities disagree.
func (r *Repository) ListProcedures(ctx context.Context) ([]dataset.Procedure, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT drg_cd, MIN(COALESCE(drg_desc, ''))
FROM providers
GROUP BY drg_cd
ORDER BY drg_cd ASC`)
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	procedures := make([]dataset.Procedure, 0)
	for rows.Next() {
		var p dataset.Procedure
		if err := rows.Scan(&p.Code, &p.Description); err != nil {
			return nil, fmt.Errorf("scan procedure row: %w", err)
		}
		procedures = append(procedures, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate procedure rows: %w", err)
	}
	return procedures, nil
}

const providerColumns = `p.id, COALESCE(p.rndrng_prvdr_ccn, ''), p.rndrng_prvdr_org_name, COALESCE(p.rndrng_prvdr_st, ''),
	COALESCE(p.rndrng_prvdr_city, ''), COALESCE(p.rndrng_prvdr_state_abrvtn, ''), p.rndrng_prvdr_state_fips,
	COALESCE(p.rndrng_prvdr_zip5, ''), p.rndrng_prvdr_ruca::float8, COALESCE(p.rndrng_prvdr_ruca_desc, ''),
	p.drg_cd, COALESCE(p.drg_desc, ''), COALESCE(p.tot_dschrgs, 0),
	COALESCE(p.avg_submtd_cvrd_chrg, 0)::float8, COALESCE(p.avg_tot_pymt_amt, 0)::float8, COALESCE(p.avg_mdcr_pymt_amt, 0)::float8,
	p.latitude::float8, p.longitude::float8`

// FindProviders narrows candidates with parameterised predicates. Rows are
// ranked by q.Order with exact matches, charge, facility and code as
// tie-breakers, so truncation at q.Limit keeps the best candidates and is
// deterministic.
func (r *Repository) FindProviders(ctx context.Context, q dataset.ProviderQuery) ([]dataset.ProviderCandidate, error) {
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}

	exactExpr := "TRUE"
	where := make([]string, 0, 6)
	switch {
	case q.DRGCode != nil:
		where = append(where, "p.drg_cd = "+arg(*q.DRGCode))
	case strings.TrimSpace(q.Description) != "":
		description := strings.TrimSpace(q.Description)
		pattern := arg("%" + escapeLike(description) + "%")
		exactExpr = "p.drg_desc ILIKE " + pattern
		where = append(where, fmt.Sprintf("(p.drg_desc ILIKE %s OR similarity(p.drg_desc, %s) >= %s)", pattern, arg(description), arg(similarityThreshold)))
	}
	if state := strings.TrimSpace(q.State); state != "" {
		where = append(where, "p.rndrng_prvdr_state_abrvtn = "+arg(strings.ToUpper(state)))
	}
	if q.Box != nil {
		where = append(where,
			fmt.Sprintf("p.latitude BETWEEN %s AND %s", arg(q.Box.MinLatitude), arg(q.Box.MaxLatitude)),
			fmt.Sprintf("p.longitude BETWEEN %s AND %s", arg(q.Box.MinLongitude), arg(q.Box.MaxLongitude)),
		)
	}
	if q.MinRating != nil {
		where = append(where, "pr.rating >= "+arg(*q.MinRating))
	}
	distanceExpr := ""
	if q.Near != nil {
		distanceExpr = haversineExpr(arg(q.Near.Latitude), arg(q.Near.Longitude))
		if q.RadiusKM > 0 {
			where = append(where, distanceExpr+" <= "+arg(q.RadiusKM))
		}
	}

	var b strings.Builder
	b.WriteString("\nSELECT ")
	b.WriteString(providerColumns)
	b.WriteString(",\n\tpr.rating::float8, COALESCE(pr.review_count, 0), ")
	b.WriteString(exactExpr)
	b.WriteString(" AS exact_match\nFROM providers p\nLEFT JOIN provider_ratings pr ON pr.provider_ccn = p.rndrng_prvdr_ccn AND pr.rating_category = ")
	b.WriteString(arg(dataset.OverallCategory))
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, "\n  AND "))
	}
	b.WriteString("\nORDER BY ")
	b.WriteString(candidateOrder(q.Order, distanceExpr))
	if q.Limit > 0 {
		b.WriteString("\nLIMIT ")
		b.WriteString(arg(q.Limit))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]dataset.ProviderCandidate, 0)
	for rows.Next() {
		var (
			scan      providerScan
			candidate dataset.ProviderCandidate
			rating    sql.NullFloat64
		)
		dest := append(scan.targets(), &rating, &candidate.ReviewCount, &candidate.Exact)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		candidate.Provider = scan.record()
		if rating.Valid {
			value := rating.Float64
			candidate.Rating = &value
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return candidates, nil
}

const candidateTieBreak = "exact_match DESC, p.avg_submtd_cvrd_chrg ASC NULLS LAST, p.rndrng_prvdr_ccn ASC, p.drg_cd ASC"

func candidateOrder(order dataset.CandidateOrder, distanceExpr string) string {
	switch {
	case order == dataset.OrderByDistance && distanceExpr != "":
		return distanceExpr + " ASC, " + candidateTieBreak
	case order == dataset.OrderByRating:
		return "pr.rating DESC NULLS LAST, " + candidateTieBreak
	default:
		return "p.avg_submtd_cvrd_chrg ASC NULLS LAST, exact_match DESC, p.rndrng_prvdr_ccn ASC, p.drg_cd ASC"
	}
}

// haversineExpr is the great-circle distance in km from the given
// placeholders to the provider, matching geo.DistanceKM.
func haversineExpr(lat, lon string) string {
	return fmt.Sprintf("(2 * 6371.0 * asin(least(1.0, sqrt("+
		"power(sin(radians(p.latitude::float8 - %[1]s::float8) / 2), 2) + "+
		"cos(radians(%[1]s::float8)) * cos(radians(p.latitude::float8)) * "+
		"power(sin(radians(p.longitude::float8 - %[2]s::float8) / 2), 2)))))", lat, lon)
}

func (r *Repository) GetProviderDetails(ctx context.Context, ccn string) (dataset.ProviderDetails, error) {
	query := `
SELECT p.rndrng_prvdr_ccn, p.rndrng_prvdr_org_name, COALESCE(p.rndrng_prvdr_st, ''), COALESCE(p.rndrng_prvdr_city, ''),
	COALESCE(p.rndrng_prvdr_state_abrvtn, ''), COALESCE(p.rndrng_prvdr_zip5, ''),
	r.average_rating, COALESCE(r.total_reviews, 0), COALESCE(r.categories_rated, 0),
	(SELECT COUNT(*) FROM providers x WHERE x.rndrng_prvdr_ccn = p.rndrng_prvdr_ccn)
FROM providers p
LEFT JOIN (
	SELECT provider_ccn, AVG(rating)::float8 AS average_rating, SUM(review_count) AS total_reviews,
		COUNT(DISTINCT rating_category) AS categories_rated
	FROM provider_ratings
	WHERE provider_ccn = $1
	GROUP BY provider_ccn
) r ON r.provider_ccn = p.rndrng_prvdr_ccn
WHERE p.rndrng_prvdr_ccn = $1
ORDER BY p.id ASC
LIMIT 1`

	var (
		details dataset.ProviderDetails
		average sql.NullFloat64
	)
	if err := r.db.QueryRowContext(ctx, query, ccn).Scan(
		&details.CCN,
		&details.Name,
		&details.Street,
		&details.City,
		&details.State,
		&details.ZIP,
		&average,
		&details.TotalReviews,
		&details.CategoriesRated,
		&details.Procedures,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dataset.ProviderDetails{}, dataset.ErrNotFound
		}
		return dataset.ProviderDetails{}, fmt.Errorf("get provider details: %w", err)
	}
	if average.Valid {
		value := average.Float64
		details.AverageRating = &value
	}
	return details, nil
}

func (r *Repository) EachProvider(ctx context.Context, fn func(dataset.ProviderRecord) error) error {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+providerColumns+`
FROM providers p
ORDER BY p.id ASC`)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var scan providerScan
		if err := rows.Scan(scan.targets()...); err != nil {
			return fmt.Errorf("scan provider row: %w", err)
		}
		if err := fn(scan.record()); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate provider rows: %w", err)
	}
	return nil
}

func (r *Repository) EachRating(ctx context.Context, fn func(dataset.RatingRecord) error) error {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, provider_ccn, rating::float8, COALESCE(rating_category, ''), COALESCE(review_count, 0)
FROM provider_ratings
ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("list provider ratings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var record dataset.RatingRecord
		if err := rows.Scan(&record.ID, &record.ProviderCCN, &record.Rating, &record.Category, &record.ReviewCount); err != nil {
			return fmt.Errorf("scan provider rating row: %w", err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate provider rating rows: %w", err)
	}
	return nil
}

// providerScan collects one row of providerColumns, keeping the nullable
// columns aside until record() folds them into the record.
type providerScan struct {
	provider  dataset.ProviderRecord
	stateFIPS sql.NullInt64
	ruca      sql.NullFloat64
	latitude  sql.NullFloat64
	longitude sql.NullFloat64
}

func (s *providerScan) targets() []any {
	p := &s.provider
	return []any{
		&p.ID, &p.CCN, &p.Name, &p.Street,
		&p.City, &p.State, &s.stateFIPS,
		&p.ZIP, &s.ruca, &p.RUCADescription,
		&p.DRGCode, &p.DRGDescription, &p.TotalDischarges,
		&p.AvgSubmittedCharge, &p.AvgTotalPayment, &p.AvgMedicarePayment,
		&s.latitude, &s.longitude,
	}
}

func (s *providerScan) record() dataset.ProviderRecord {
	record := s.provider
	if s.stateFIPS.Valid {
		fips := int(s.stateFIPS.Int64)
		record.StateFIPS = &fips
	}
	if s.ruca.Valid {
		ruca := s.ruca.Float64
		record.RUCA = &ruca
	}
	if s.latitude.Valid && s.longitude.Valid {
		record.Location = &dataset.Coordinates{Latitude: s.latitude.Float64, Longitude: s.longitude.Float64}
	}
	return record
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
