package export

import "github.com/carecost/carecost/internal/dataset"

// Parquet column names are the allow-listed column names, so a snapshot can
// be queried with the same SQL as the primary database.

type ProviderRow struct {
	ID                 int64    `parquet:"id"`
	CCN                string   `parquet:"rndrng_prvdr_ccn"`
	Name               string   `parquet:"rndrng_prvdr_org_name"`
	City               string   `parquet:"rndrng_prvdr_city"`
	Street             string   `parquet:"rndrng_prvdr_st"`
	StateFIPS          *int64   `parquet:"rndrng_prvdr_state_fips,optional"`
	ZIP                string   `parquet:"rndrng_prvdr_zip5"`
	State              string   `parquet:"rndrng_prvdr_state_abrvtn"`
	RUCA               *float64 `parquet:"rndrng_prvdr_ruca,optional"`
	RUCADescription    string   `parquet:"rndrng_prvdr_ruca_desc"`
	DRGCode            int64    `parquet:"drg_cd"`
	DRGDescription     string   `parquet:"drg_desc"`
	TotalDischarges    int64    `parquet:"tot_dschrgs"`
	AvgSubmittedCharge float64  `parquet:"avg_submtd_cvrd_chrg"`
	AvgTotalPayment    float64  `parquet:"avg_tot_pymt_amt"`
	AvgMedicarePayment float64  `parquet:"avg_mdcr_pymt_amt"`
	Latitude           *float64 `parquet:"latitude,optional"`
	Longitude          *float64 `parquet:"longitude,optional"`
}

type RatingRow struct {
	ID             int64   `parquet:"id"`
	ProviderCCN    string  `parquet:"provider_ccn"`
	Rating         float64 `parquet:"rating"`
	RatingCategory string  `parquet:"rating_category"`
	ReviewCount    int64   `parquet:"review_count"`
}

type ZipRow struct {
	ZIPCode   string  `parquet:"zip_code"`
	City      string  `parquet:"city"`
	StateCode string  `parquet:"state_code"`
	StateName string  `parquet:"state_name"`
	County    string  `parquet:"county"`
	Latitude  float64 `parquet:"latitude"`
	Longitude float64 `parquet:"longitude"`
}

func providerRow(r dataset.ProviderRecord) ProviderRow {
	row := ProviderRow{
		ID:                 r.ID,
		CCN:                r.CCN,
		Name:               r.Name,
		City:               r.City,
		Street:             r.Street,
		ZIP:                r.ZIP,
		State:              r.State,
		RUCA:               r.RUCA,
		RUCADescription:    r.RUCADescription,
		DRGCode:            int64(r.DRGCode),
		DRGDescription:     r.DRGDescription,
		TotalDischarges:    int64(r.TotalDischarges),
		AvgSubmittedCharge: r.AvgSubmittedCharge,
		AvgTotalPayment:    r.AvgTotalPayment,
		AvgMedicarePayment: r.AvgMedicarePayment,
	}
	if r.StateFIPS != nil {
		fips := int64(*r.StateFIPS)
		row.StateFIPS = &fips
	}
	if r.Location != nil {
		lat, lon := r.Location.Latitude, r.Location.Longitude
		row.Latitude = &lat
		row.Longitude = &lon
	}
	return row
}

func ratingRow(r dataset.RatingRecord) RatingRow {
	return RatingRow{
		ID:             r.ID,
		ProviderCCN:    r.ProviderCCN,
		Rating:         r.Rating,
		RatingCategory: r.Category,
		ReviewCount:    int64(r.ReviewCount),
	}
}

func zipRow(z dataset.ZipLocation) ZipRow {
	return ZipRow{
		ZIPCode:   z.ZIP,
		City:      z.City,
		StateCode: z.State,
		StateName: z.StateName,
		County:    z.County,
		Latitude:  z.Latitude,
		Longitude: z.Longitude,
	}
}
