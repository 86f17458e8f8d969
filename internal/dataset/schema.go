package dataset

import "strings"

// SchemaVersion must be bumped together with the reference data migrations
// whenever an allow-listed table or column changes.
const SchemaVersion = 1

type Column struct {
	Name        string
	Type        string
	Description string
}

type Table struct {
	Name        string
	Description string
	Columns     []Column
}

func (t Table) Column(name string) (Column, bool) {
	name = strings.ToLower(name)
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Schema is the explicit allow-list of everything generated SQL may touch.
type Schema struct {
	Version   int
	Tables    []Table
	Functions []string
	CastTypes []string
}

func (s Schema) Table(name string) (Table, bool) {
	name = strings.ToLower(name)
	for _, table := range s.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return Table{}, false
}

// HasColumn reports whether any allow-listed table exposes the column.
func (s Schema) HasColumn(name string) bool {
	for _, table := range s.Tables {
		if _, ok := table.Column(name); ok {
			return true
		}
	}
	return false
}

func (s Schema) AllowsFunction(name string) bool {
	return containsFold(s.Functions, name)
}

func (s Schema) AllowsCast(name string) bool {
	return containsFold(s.CastTypes, name)
}

func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

func containsFold(values []string, name string) bool {
	for _, value := range values {
		if strings.EqualFold(value, name) {
			return true
		}
	}
	return false
}

// ReferenceSchema is the allow-list for the providers, provider_ratings and
// zip_codes tables created by the reference data migrations.
var ReferenceSchema = Schema{
	Version: SchemaVersion,
	Tables: []Table{
		{
			Name:        "providers",
			Description: "Medicare inpatient prices, one row per hospital and DRG",
			Columns: []Column{
				{Name: "id", Type: "integer", Description: "surrogate row id"},
				{Name: "rndrng_prvdr_ccn", Type: "varchar(10)", Description: "hospital CMS certification number"},
				{Name: "rndrng_prvdr_org_name", Type: "varchar(255)", Description: "hospital name"},
				{Name: "rndrng_prvdr_city", Type: "varchar(100)", Description: "hospital city"},
				{Name: "rndrng_prvdr_st", Type: "text", Description: "hospital street address"},
				{Name: "rndrng_prvdr_state_fips", Type: "integer", Description: "state FIPS code"},
				{Name: "rndrng_prvdr_zip5", Type: "varchar(5)", Description: "hospital ZIP code"},
				{Name: "rndrng_prvdr_state_abrvtn", Type: "varchar(2)", Description: "two letter state code, e.g. 'NY'"},
				{Name: "rndrng_prvdr_ruca", Type: "numeric(3,1)", Description: "rural-urban commuting area code"},
				{Name: "rndrng_prvdr_ruca_desc", Type: "text", Description: "rural-urban commuting area description"},
				{Name: "drg_cd", Type: "integer", Description: "DRG procedure code, e.g. 470"},
				{Name: "drg_desc", Type: "text", Description: "DRG description, match with ILIKE"},
				{Name: "tot_dschrgs", Type: "integer", Description: "total discharges"},
				{Name: "avg_submtd_cvrd_chrg", Type: "numeric(12,2)", Description: "average covered charge billed, the price"},
				{Name: "avg_tot_pymt_amt", Type: "numeric(12,2)", Description: "average total payment received"},
				{Name: "avg_mdcr_pymt_amt", Type: "numeric(12,2)", Description: "average Medicare payment"},
				{Name: "latitude", Type: "numeric(10,8)", Description: "hospital latitude"},
				{Name: "longitude", Type: "numeric(11,8)", Description: "hospital longitude"},
			},
		},
		{
			Name:        "provider_ratings",
			Description: "hospital quality ratings, one row per hospital and category",
			Columns: []Column{
				{Name: "id", Type: "integer", Description: "surrogate row id"},
				{Name: "provider_ccn", Type: "varchar(10)", Description: "joins providers.rndrng_prvdr_ccn"},
				{Name: "rating", Type: "numeric(3,1)", Description: "rating from 1.0 to 10.0"},
				{Name: "rating_category", Type: "varchar(50)", Description: "category, 'overall' for the headline rating"},
				{Name: "review_count", Type: "integer", Description: "number of reviews behind the rating"},
			},
		},
		{
			Name:        "zip_codes",
			Description: "ZIP code centroids",
			Columns: []Column{
				{Name: "zip_code", Type: "varchar(5)", Description: "five digit ZIP code"},
				{Name: "city", Type: "varchar(100)", Description: "city name"},
				{Name: "state_code", Type: "varchar(2)", Description: "two letter state code"},
				{Name: "state_name", Type: "varchar(50)", Description: "state name"},
				{Name: "county", Type: "varchar(100)", Description: "county name"},
				{Name: "latitude", Type: "numeric(10,8)", Description: "centroid latitude"},
				{Name: "longitude", Type: "numeric(11,8)", Description: "centroid longitude"},
			},
		},
	},
	Functions: []string{
		"avg", "count", "min", "max", "sum",
		"round", "abs", "ceil", "floor", "sqrt", "power",
		"sin", "cos", "asin", "acos", "atan2", "radians", "degrees", "pi",
		"lower", "upper", "trim", "length", "coalesce", "nullif", "greatest", "least",
		"row_number", "rank", "dense_rank",
	},
	CastTypes: []string{"numeric", "integer", "int", "bigint", "float", "float8", "real", "text", "varchar", "decimal"},
}
