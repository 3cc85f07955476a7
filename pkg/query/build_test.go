package query

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/insights/pkg/model"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func q3() model.TimeRange {
	return model.TimeRange{Expr: "Q3 2024", Label: "Q3 2024", Start: day(2024, 7, 1), End: day(2024, 10, 1)}
}

func scanPlan() model.RoutePlan {
	return model.RoutePlan{
		Sources:    []string{"fact_sales"},
		FactTable:  "fact_sales",
		Mode:       model.ModeSingleTableScan,
		Metric:     model.MetricBinding{ColumnRef: model.ColumnRef{Name: "revenue", Table: "fact_sales", Column: "revenue"}, Aggregation: model.AggSum},
		Dimensions: []model.ColumnRef{{Name: "region", Table: "fact_sales", Column: "region"}},
		Filters: []model.FilterBinding{{
			ColumnRef: model.ColumnRef{Name: "channel", Table: "fact_sales", Column: "channel"},
			Predicate: model.Predicate{Op: model.OpEq, Values: []string{"online"}},
		}},
		TimeColumn: model.ColumnRef{Name: "time", Table: "fact_sales", Column: "order_date"},
		TimeRange:  q3(),
		Comparison: model.ComparisonNone,
	}
}

func TestInsights_Query_Build_SingleTableScan(t *testing.T) {
	t.Parallel()

	spec, cols, err := Build(scanPlan(), DuckDB, 100)
	require.NoError(t, err)

	want := `SELECT f."region" AS "region", CAST(SUM(f."revenue") AS DOUBLE) AS "revenue"
FROM "fact_sales" AS f
WHERE f."order_date" >= ?
  AND f."order_date" < ?
  AND f."channel" = ?
GROUP BY 1
ORDER BY 2 DESC NULLS LAST, 1
LIMIT 101`
	assert.Equal(t, want, spec.Statement)
	assert.Equal(t, "duckdb/single_table_scan", spec.TemplateID)
	assert.Equal(t, []any{day(2024, 7, 1), day(2024, 10, 1), "online"}, spec.Params)
	assert.Equal(t, []model.Column{
		{Name: "region", Kind: model.ColumnDimension},
		{Name: "revenue", Kind: model.ColumnMetric},
	}, cols)
}

func TestInsights_Query_Build_PostgresPlaceholders(t *testing.T) {
	t.Parallel()

	spec, _, err := Build(scanPlan(), Postgres, 100)
	require.NoError(t, err)
	assert.Contains(t, spec.Statement, `f."order_date" >= $1`)
	assert.Contains(t, spec.Statement, `f."order_date" < $2`)
	assert.Contains(t, spec.Statement, `f."channel" = $3`)
	assert.Contains(t, spec.Statement, "AS DOUBLE PRECISION")
}

func TestInsights_Query_Build_ValuesAreBoundNotInterpolated(t *testing.T) {
	t.Parallel()

	plan := scanPlan()
	hostile := "x'; DROP TABLE fact_sales; --"
	plan.Filters[0].Predicate = model.Predicate{Op: model.OpIn, Values: []string{"online", hostile}}

	spec, _, err := Build(plan, DuckDB, 100)
	require.NoError(t, err)
	assert.NotContains(t, spec.Statement, "DROP")
	assert.Contains(t, spec.Statement, `f."channel" IN (?, ?)`)
	assert.Equal(t, hostile, spec.Params[len(spec.Params)-1])
}

func TestInsights_Query_Build_MultiTableJoin(t *testing.T) {
	t.Parallel()

	plan := scanPlan()
	plan.Mode = model.ModeMultiTableJoin
	plan.Joins = []model.JoinSpec{
		{LeftTable: "fact_sales", LeftKey: "sku", RightTable: "dim_product", RightKey: "sku"},
		{LeftTable: "fact_sales", LeftKey: "customer_id", RightTable: "dim_customer", RightKey: "customer_id"},
	}
	plan.Dimensions = []model.ColumnRef{
		{Name: "category", Table: "dim_product", Column: "category"},
		{Name: "segment", Table: "dim_customer", Column: "segment"},
	}

	spec, cols, err := Build(plan, DuckDB, 100)
	require.NoError(t, err)
	assert.Contains(t, spec.Statement, `JOIN "dim_product" AS j1 ON f."sku" = j1."sku"`)
	assert.Contains(t, spec.Statement, `JOIN "dim_customer" AS j2 ON f."customer_id" = j2."customer_id"`)
	assert.Contains(t, spec.Statement, `j1."category" AS "category", j2."segment" AS "segment"`)
	assert.Contains(t, spec.Statement, "GROUP BY 1, 2")
	assert.Contains(t, spec.Statement, "ORDER BY 3 DESC NULLS LAST, 1, 2")
	assert.Len(t, cols, 3)
}

func TestInsights_Query_Build_Rollup(t *testing.T) {
	t.Parallel()

	plan := scanPlan()
	plan.Mode = model.ModeRollup
	plan.FactTable = "agg_sales_monthly"
	plan.Sources = []string{"agg_sales_monthly"}
	plan.Metric.Table = "agg_sales_monthly"
	plan.Dimensions[0].Table = "agg_sales_monthly"
	plan.Filters[0].Table = "agg_sales_monthly"
	plan.TimeColumn = model.ColumnRef{Name: "time", Table: "agg_sales_monthly", Column: "month"}

	spec, _, err := Build(plan, DuckDB, 100)
	require.NoError(t, err)
	assert.Equal(t, "duckdb/rollup", spec.TemplateID)
	assert.Contains(t, spec.Statement, `FROM "agg_sales_monthly" AS f`)
	assert.Contains(t, spec.Statement, `f."month" >= ?`)
}

func TestInsights_Query_Build_TimeBuckets(t *testing.T) {
	t.Parallel()

	plan := scanPlan()
	plan.Grain = model.GrainMonth
	plan.Dimensions = nil

	spec, cols, err := Build(plan, ClickHouse, 100)
	require.NoError(t, err)
	assert.Contains(t, spec.Statement, `SELECT toStartOfMonth(f."order_date") AS "period_start", CAST(SUM(f."revenue") AS Float64) AS "revenue"`)
	assert.Contains(t, spec.Statement, "GROUP BY 1\nORDER BY 1\n")
	assert.Equal(t, model.ColumnBucket, cols[0].Kind)

	spec, _, err = Build(plan, DuckDB, 100)
	require.NoError(t, err)
	assert.Contains(t, spec.Statement, `date_trunc('month', f."order_date") AS "period_start"`)
}

func TestInsights_Query_Build_PeriodOverPeriod(t *testing.T) {
	t.Parallel()

	plan := scanPlan()
	plan.Dimensions = nil
	plan.Filters = nil
	plan.Comparison = model.ComparisonPeriodOverPeriod
	plan.Previous = model.TimeRange{Label: "Q2 2024", Start: day(2024, 4, 1), End: day(2024, 7, 1)}
	plan.Limit = 5

	spec, cols, err := Build(plan, DuckDB, 100)
	require.NoError(t, err)
	assert.Contains(t, spec.Statement, `CASE WHEN f."order_date" >= ? THEN 'current' ELSE 'previous' END AS "period"`)
	assert.Contains(t, spec.Statement, "LIMIT 101")
	assert.Equal(t, []any{day(2024, 7, 1), day(2024, 4, 1), day(2024, 7, 1), day(2024, 7, 1), day(2024, 10, 1)}, spec.Params)
	assert.Equal(t, []model.Column{
		{Name: ColumnPeriod, Kind: model.ColumnPeriod},
		{Name: "revenue", Kind: model.ColumnMetric},
	}, cols)
}

func TestInsights_Query_Build_Scalar(t *testing.T) {
	t.Parallel()

	plan := scanPlan()
	plan.Dimensions = nil
	plan.Filters = nil
	plan.TimeRange = model.TimeRange{}

	spec, _, err := Build(plan, DuckDB, 10)
	require.NoError(t, err)
	assert.Equal(t, "SELECT CAST(SUM(f.\"revenue\") AS DOUBLE) AS \"revenue\"\nFROM \"fact_sales\" AS f\nLIMIT 11", spec.Statement)
	assert.Empty(t, spec.Params)
}

func TestInsights_Query_FetchLimit(t *testing.T) {
	t.Parallel()

	plan := scanPlan()
	n, capped := FetchLimit(plan, 100)
	assert.Equal(t, 101, n)
	assert.True(t, capped)

	plan.Limit = 5
	n, capped = FetchLimit(plan, 100)
	assert.Equal(t, 5, n)
	assert.False(t, capped)

	plan.Limit = 500
	n, capped = FetchLimit(plan, 100)
	assert.Equal(t, 101, n)
	assert.True(t, capped)
}

func TestInsights_Query_Build_InvalidPlans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *model.RoutePlan)
		want   string
	}{
		{"unknown mode", func(p *model.RoutePlan) { p.Mode = "full_scan" }, "unknown mode"},
		{"joins on a scan", func(p *model.RoutePlan) {
			p.Joins = []model.JoinSpec{{LeftTable: "fact_sales", LeftKey: "sku", RightTable: "dim_product", RightKey: "sku"}}
		}, "carries joins"},
		{"join mode without joins", func(p *model.RoutePlan) { p.Mode = model.ModeMultiTableJoin }, "without joins"},
		{"column outside plan", func(p *model.RoutePlan) { p.Dimensions[0].Table = "dim_product" }, "outside the plan"},
		{"bad column identifier", func(p *model.RoutePlan) { p.Metric.Column = "revenue); DROP TABLE x; --" }, "bad column identifier"},
		{"bad table identifier", func(p *model.RoutePlan) {
			p.FactTable = "fact_sales f, secrets"
			p.Metric.Table, p.Dimensions[0].Table, p.Filters[0].Table, p.TimeColumn.Table = p.FactTable, p.FactTable, p.FactTable, p.FactTable
		}, "bad table identifier"},
		{"filter without values", func(p *model.RoutePlan) { p.Filters[0].Predicate.Values = nil }, "no values"},
		{"unknown aggregation", func(p *model.RoutePlan) { p.Metric.Aggregation = "median" }, "unknown aggregation"},
		{"unbounded period comparison", func(p *model.RoutePlan) { p.Comparison = model.ComparisonPeriodOverPeriod }, "bounded"},
		{"time range without time column", func(p *model.RoutePlan) { p.TimeColumn = model.ColumnRef{} }, "without a time column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan := scanPlan()
			tt.mutate(&plan)
			_, _, err := Build(plan, DuckDB, 100)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPlan))
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}
