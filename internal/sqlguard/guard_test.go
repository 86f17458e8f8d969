package sqlguard

import (
	"errors"
	"strings"
	"testing"

	"github.com/carecost/carecost/internal/dataset"
)

func TestValidateAcceptsAllowListedQueries(t *testing.T) {
	cases := []struct {
		name      string
		sql       string
		wantSQL   string
		wantLimit int
	}{
		{
			name:      "appends missing limit",
			sql:       "SELECT rndrng_prvdr_org_name, avg_submtd_cvrd_chrg FROM providers WHERE drg_cd = 470 ORDER BY avg_submtd_cvrd_chrg ASC",
			wantSQL:   "SELECT rndrng_prvdr_org_name, avg_submtd_cvrd_chrg FROM providers WHERE drg_cd = 470 ORDER BY avg_submtd_cvrd_chrg ASC LIMIT 20",
			wantLimit: 20,
		},
		{
			name:      "join with aliases keeps smaller limit",
			sql:       "SELECT p.rndrng_prvdr_org_name, r.rating FROM providers p LEFT JOIN provider_ratings r ON r.provider_ccn = p.rndrng_prvdr_ccn AND r.rating_category = 'overall' WHERE p.drg_desc ILIKE '%knee%' ORDER BY r.rating DESC NULLS LAST LIMIT 5;",
			wantSQL:   "SELECT p.rndrng_prvdr_org_name, r.rating FROM providers p LEFT JOIN provider_ratings r ON r.provider_ccn = p.rndrng_prvdr_ccn AND r.rating_category = 'overall' WHERE p.drg_desc ILIKE '%knee%' ORDER BY r.rating DESC NULLS LAST LIMIT 5",
			wantLimit: 5,
		},
		{
			name:      "clamps large limit",
			sql:       "SELECT rndrng_prvdr_state_abrvtn AS state, AVG(avg_submtd_cvrd_chrg)::numeric(12,2) AS avg_cost FROM providers GROUP BY rndrng_prvdr_state_abrvtn ORDER BY avg_cost LIMIT 1000",
			wantSQL:   "SELECT rndrng_prvdr_state_abrvtn AS state, AVG(avg_submtd_cvrd_chrg)::numeric(12,2) AS avg_cost FROM providers GROUP BY rndrng_prvdr_state_abrvtn ORDER BY avg_cost LIMIT 20",
			wantLimit: 20,
		},
		{
			name:      "clamps limit all",
			sql:       "SELECT drg_cd, drg_desc FROM providers LIMIT ALL",
			wantSQL:   "SELECT drg_cd, drg_desc FROM providers LIMIT 20",
			wantLimit: 20,
		},
		{
			name:      "keeps offset",
			sql:       "SELECT drg_cd FROM public.providers ORDER BY drg_cd LIMIT 10 OFFSET 10",
			wantSQL:   "SELECT drg_cd FROM public.providers ORDER BY drg_cd LIMIT 10 OFFSET 10",
			wantLimit: 10,
		},
		{
			name:      "scalar subquery",
			sql:       "SELECT rndrng_prvdr_org_name FROM providers WHERE drg_cd = 470 AND avg_submtd_cvrd_chrg < (SELECT AVG(avg_submtd_cvrd_chrg) FROM providers WHERE drg_cd = 470)",
			wantSQL:   "SELECT rndrng_prvdr_org_name FROM providers WHERE drg_cd = 470 AND avg_submtd_cvrd_chrg < (SELECT AVG(avg_submtd_cvrd_chrg) FROM providers WHERE drg_cd = 470) LIMIT 20",
			wantLimit: 20,
		},
		{
			name:      "subquery alias exposes output names",
			sql:       "SELECT s.state, s.avg_cost FROM (SELECT rndrng_prvdr_state_abrvtn AS state, AVG(avg_submtd_cvrd_chrg) AS avg_cost FROM providers GROUP BY state) s ORDER BY avg_cost DESC LIMIT 5",
			wantSQL:   "SELECT s.state, s.avg_cost FROM (SELECT rndrng_prvdr_state_abrvtn AS state, AVG(avg_submtd_cvrd_chrg) AS avg_cost FROM providers GROUP BY state) s ORDER BY avg_cost DESC LIMIT 5",
			wantLimit: 5,
		},
		{
			name:      "quoted identifiers and cast",
			sql:       `SELECT "rndrng_prvdr_org_name", CAST(avg_tot_pymt_amt AS integer) paid FROM "providers" LIMIT 3`,
			wantSQL:   `SELECT "rndrng_prvdr_org_name", CAST(avg_tot_pymt_amt AS integer) paid FROM "providers" LIMIT 3`,
			wantLimit: 3,
		},
	}

	validator := newTestValidator(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := validator.Validate(tc.sql)
			if !verdict.Accepted {
				t.Fatalf("Validate() rejected: %s (%s)", verdict.Reason, verdict.Detail)
			}
			if verdict.SQL != tc.wantSQL {
				t.Fatalf("Validate().SQL = %q, want %q", verdict.SQL, tc.wantSQL)
			}
			if verdict.Limit != tc.wantLimit {
				t.Fatalf("Validate().Limit = %d, want %d", verdict.Limit, tc.wantLimit)
			}
			if verdict.Err() != nil {
				t.Fatalf("Err() = %v", verdict.Err())
			}
		})
	}
}

func TestValidateAcceptsDistanceExpression(t *testing.T) {
	sql := `SELECT p.rndrng_prvdr_org_name,
       6371 * acos(cos(radians(z.latitude)) * cos(radians(p.latitude)) * cos(radians(p.longitude) - radians(z.longitude)) + sin(radians(z.latitude)) * sin(radians(p.latitude))) AS distance_km
FROM providers p, zip_codes z
WHERE z.zip_code = '10001' AND p.drg_cd = 470
ORDER BY distance_km`
	verdict := newTestValidator(t).Validate(sql)
	if !verdict.Accepted {
		t.Fatalf("Validate() rejected: %s (%s)", verdict.Reason, verdict.Detail)
	}
	if !strings.HasSuffix(verdict.SQL, "ORDER BY distance_km LIMIT 20") {
		t.Fatalf("Validate().SQL = %q", verdict.SQL)
	}
}

func TestValidateStripsComments(t *testing.T) {
	verdict := newTestValidator(t).Validate("-- cheapest first\nSELECT drg_cd FROM providers /* inline note */ LIMIT 10")
	if !verdict.Accepted {
		t.Fatalf("Validate() rejected: %s (%s)", verdict.Reason, verdict.Detail)
	}
	if strings.Contains(verdict.SQL, "--") || strings.Contains(verdict.SQL, "/*") {
		t.Fatalf("comments survived: %q", verdict.SQL)
	}
	if !strings.HasPrefix(verdict.SQL, "SELECT drg_cd FROM providers") || !strings.HasSuffix(verdict.SQL, "LIMIT 10") {
		t.Fatalf("Validate().SQL = %q", verdict.SQL)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		want Reason
	}{
		{name: "empty", sql: "   ", want: ReasonEmpty},
		{name: "only separators", sql: " ;; ", want: ReasonEmpty},
		{name: "drop", sql: "DROP TABLE providers", want: ReasonForbiddenKeyword},
		{name: "stacked drop", sql: "SELECT * FROM providers; DROP TABLE providers;", want: ReasonForbiddenKeyword},
		{name: "select into", sql: "SELECT * INTO backup FROM providers", want: ReasonForbiddenKeyword},
		{name: "stacked select", sql: "SELECT drg_cd FROM providers; SELECT zip_code FROM zip_codes", want: ReasonMultipleStatements},
		{name: "explain", sql: "EXPLAIN SELECT * FROM providers", want: ReasonNotSelect},
		{name: "cte", sql: "WITH x AS (SELECT 1) SELECT * FROM x", want: ReasonNotSelect},
		{name: "unknown table", sql: "SELECT * FROM users", want: ReasonTableNotAllowed},
		{name: "catalog schema", sql: "SELECT * FROM pg_catalog.pg_user", want: ReasonTableNotAllowed},
		{name: "table in subquery", sql: "SELECT * FROM providers WHERE rndrng_prvdr_ccn IN (SELECT usename FROM pg_user)", want: ReasonTableNotAllowed},
		{name: "comma join", sql: "SELECT * FROM providers, pg_shadow", want: ReasonTableNotAllowed},
		{name: "unknown qualifier", sql: "SELECT pg_shadow.passwd FROM providers", want: ReasonTableNotAllowed},
		{name: "unknown column", sql: "SELECT password FROM providers", want: ReasonColumnNotAllowed},
		{name: "column of wrong table", sql: "SELECT p.zip_code FROM providers p", want: ReasonColumnNotAllowed},
		{name: "session function without parens", sql: "SELECT current_user FROM providers", want: ReasonColumnNotAllowed},
		{name: "table after join condition", sql: "SELECT 0 AS pg_shadow, 0 AS passwd, pg_shadow.passwd FROM providers p JOIN zip_codes z ON true, pg_shadow", want: ReasonTableNotAllowed},
		{name: "star over table after join condition", sql: "SELECT 0 AS pg_user, * FROM providers p JOIN zip_codes z ON z.zip_code = p.rndrng_prvdr_zip5, pg_user", want: ReasonTableNotAllowed},
		{name: "alias shadowing session function", sql: "SELECT 1 AS current_user, current_user FROM providers", want: ReasonColumnNotAllowed},
		{name: "alias shadowing session function in order by", sql: "SELECT 1 AS current_user FROM providers ORDER BY current_user", want: ReasonColumnNotAllowed},
		{name: "output alias as qualifier", sql: "SELECT 0 AS x, x.drg_cd FROM providers", want: ReasonTableNotAllowed},
		{name: "output alias in where", sql: "SELECT 0 AS passwd FROM providers WHERE passwd = 0", want: ReasonColumnNotAllowed},
		{name: "file function", sql: "SELECT pg_read_file('/etc/passwd')", want: ReasonFunctionNotAllowed},
		{name: "sleep", sql: "SELECT pg_sleep(10) FROM providers", want: ReasonFunctionNotAllowed},
		{name: "table function", sql: "SELECT * FROM read_parquet('s3://bucket/x.parquet')", want: ReasonFunctionNotAllowed},
		{name: "parameter", sql: "SELECT * FROM providers WHERE drg_cd = $1", want: ReasonUnsupportedSyntax},
		{name: "escape string", sql: "SELECT * FROM providers WHERE drg_desc = E'knee'", want: ReasonUnsupportedSyntax},
		{name: "backslash", sql: `SELECT * FROM providers WHERE drg_desc = 'a\'`, want: ReasonUnsupportedSyntax},
		{name: "regclass cast", sql: "SELECT drg_cd::regclass FROM providers", want: ReasonUnsupportedSyntax},
		{name: "fetch", sql: "SELECT * FROM providers FETCH FIRST 5 ROWS ONLY", want: ReasonUnsupportedSyntax},
		{name: "unterminated string", sql: "SELECT 'abc FROM providers", want: ReasonMalformed},
		{name: "unterminated comment", sql: "SELECT drg_cd FROM providers /* note", want: ReasonMalformed},
		{name: "unbalanced parens", sql: "SELECT (drg_cd FROM providers", want: ReasonMalformed},
		{name: "subquery limit", sql: "SELECT * FROM providers LIMIT (SELECT 5)", want: ReasonLimitInvalid},
		{name: "fractional limit", sql: "SELECT * FROM providers LIMIT 2.5", want: ReasonLimitInvalid},
	}

	validator := newTestValidator(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := validator.Validate(tc.sql)
			if verdict.Accepted {
				t.Fatalf("Validate() accepted %q as %q", tc.sql, verdict.SQL)
			}
			if verdict.Reason != tc.want {
				t.Fatalf("Validate().Reason = %s (%s), want %s", verdict.Reason, verdict.Detail, tc.want)
			}
			if verdict.SQL != "" {
				t.Fatalf("rejected verdict carries SQL %q", verdict.SQL)
			}
			var rejectedErr *RejectedError
			if !errors.As(verdict.Err(), &rejectedErr) || rejectedErr.Reason != tc.want {
				t.Fatalf("Err() = %v", verdict.Err())
			}
		})
	}
}

func TestValidateRejectsForbiddenKeywordsAnywhere(t *testing.T) {
	templates := []string{
		"%s TABLE providers",
		"SELECT * FROM providers WHERE drg_cd IN (SELECT drg_cd FROM providers WHERE 1 = 1) -- %s FROM providers",
		"SELECT * FROM providers /* %s */ LIMIT 5",
		"SELECT * FROM providers WHERE drg_cd IN (SELECT drg_cd FROM (%s providers SET drg_cd = 1) x)",
		"SELECT * FROM providers WHERE drg_desc = '%s'",
		"SELECT * FROM providers; %s zip_codes;",
	}
	validator := newTestValidator(t)
	for _, keyword := range []string{"DROP", "DELETE", "UPDATE", "INSERT", "TRUNCATE", "drop", "Delete", "ALTER", "GRANT", "CREATE"} {
		for _, template := range templates {
			sql := strings.Replace(template, "%s", keyword, 1)
			verdict := validator.Validate(sql)
			if verdict.Accepted {
				t.Fatalf("Validate(%q) accepted", sql)
			}
			if verdict.Reason != ReasonForbiddenKeyword {
				t.Fatalf("Validate(%q).Reason = %s, want %s", sql, verdict.Reason, ReasonForbiddenKeyword)
			}
		}
	}
}

func TestValidateNeverExceedsRowCap(t *testing.T) {
	validator := newTestValidator(t)
	for _, sql := range []string{
		"SELECT drg_cd FROM providers",
		"SELECT drg_cd FROM providers LIMIT 19",
		"SELECT drg_cd FROM providers LIMIT 21",
		"SELECT drg_cd FROM providers LIMIT 99999999999999999999",
		"SELECT drg_cd FROM providers OFFSET 5",
	} {
		verdict := validator.Validate(sql)
		if !verdict.Accepted {
			t.Fatalf("Validate(%q) rejected: %s", sql, verdict.Reason)
		}
		if verdict.Limit <= 0 || verdict.Limit > validator.RowCap() {
			t.Fatalf("Validate(%q).Limit = %d", sql, verdict.Limit)
		}
	}
}

func TestNewValidatorRequiresSchemaAndCap(t *testing.T) {
	if _, err := NewValidator(dataset.Schema{}, 20); err == nil {
		t.Fatal("expected error for empty schema")
	}
	if _, err := NewValidator(dataset.ReferenceSchema, 0); err == nil {
		t.Fatal("expected error for zero row cap")
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	validator, err := NewValidator(dataset.ReferenceSchema, 20)
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	return validator
}
