package validate

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/registry"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestValidator(t *testing.T, yaml string) *Validator {
	t.Helper()
	var (
		c   *registry.Catalog
		err error
	)
	if yaml == "" {
		c, err = registry.Default()
	} else {
		c, err = registry.Parse([]byte(yaml))
	}
	require.NoError(t, err)
	v, err := New(Config{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)), Registry: registry.NewStaticStore(c)})
	require.NoError(t, err)
	return v
}

func revenueBinding() model.MetricBinding {
	return model.MetricBinding{ColumnRef: model.ColumnRef{Name: "revenue", Table: "fact_sales", Column: "revenue"}, Aggregation: model.AggSum, NonNegative: true}
}

func regionPlan() model.RoutePlan {
	return model.RoutePlan{
		FactTable:  "fact_sales",
		Mode:       model.ModeSingleTableScan,
		Metric:     revenueBinding(),
		Dimensions: []model.ColumnRef{{Name: "region", Table: "fact_sales", Column: "region"}},
		TimeRange:  model.TimeRange{Label: "Q3 2024", Start: day(2024, 7, 1), End: day(2024, 10, 1)},
		Comparison: model.ComparisonNone,
	}
}

func regionResult(rows ...[]any) *model.QueryResult {
	return &model.QueryResult{
		Columns:  []model.Column{{Name: "region", Kind: model.ColumnDimension}, {Name: "revenue", Kind: model.ColumnMetric}},
		Rows:     rows,
		RowCount: len(rows),
	}
}

func names(r model.ValidationReport) []string {
	var out []string
	for _, c := range r.Checks {
		out = append(out, c.Name+":"+string(c.Severity))
	}
	return out
}

func TestInsights_Validate_Config(t *testing.T) {
	t.Parallel()

	require.Error(t, (&Config{}).Validate())
	require.Error(t, (&Config{Logger: slog.Default()}).Validate())

	cfg := Config{Logger: slog.Default(), Registry: &registry.Store{}, NullRateWarning: 0.6, NullRateCritical: 0.5}
	require.Error(t, cfg.Validate())

	cfg = Config{Logger: slog.Default(), Registry: &registry.Store{}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultNullRateWarning, cfg.NullRateWarning)
	assert.Equal(t, defaultNullRateCritical, cfg.NullRateCritical)
	assert.Equal(t, defaultUnknownShare, cfg.UnknownShareWarning)
	assert.Equal(t, defaultMagnitude, cfg.ComparisonMagnitude)

	cfg = Config{Logger: slog.Default(), Registry: &registry.Store{}, UnknownShareWarning: 1.5}
	require.Error(t, cfg.Validate())
}

func TestInsights_Validate_Clean(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")
	report := v.Validate(regionPlan(), regionResult([]any{"north", 100.0}, []any{"south", 80.0}))
	assert.Empty(t, report.Checks)
	assert.False(t, report.Critical())
}

func TestInsights_Validate_NonEmpty(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")
	report := v.Validate(regionPlan(), regionResult())
	assert.Equal(t, []string{"non_empty:critical"}, names(report))
	assert.Contains(t, report.Checks[0].Message, "revenue in Q3 2024")
}

func TestInsights_Validate_ExpectedColumns(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")
	res := &model.QueryResult{
		Columns:  []model.Column{{Name: "revenue", Kind: model.ColumnMetric}},
		Rows:     [][]any{{1.0}},
		RowCount: 1,
	}
	report := v.Validate(regionPlan(), res)
	assert.Equal(t, []string{"expected_columns:critical"}, names(report))
	assert.Contains(t, report.Checks[0].Message, "region")
}

func TestInsights_Validate_NullRate(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")

	report := v.Validate(regionPlan(), regionResult(
		[]any{"north", 1.0}, []any{"south", 2.0}, []any{"east", 3.0}, []any{"west", nil},
	))
	assert.Equal(t, []string{"null_rate:warning"}, names(report))
	assert.Equal(t, "25% of revenue values are missing.", report.Checks[0].Message)

	report = v.Validate(regionPlan(), regionResult(
		[]any{"north", 1.0}, []any{"south", nil}, []any{"east", nil}, []any{"west", nil},
	))
	assert.Equal(t, []string{"null_rate:critical"}, names(report))
	assert.True(t, report.Critical())
}

func TestInsights_Validate_UnknownShare(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")

	report := v.Validate(regionPlan(), regionResult(
		[]any{"north", 1.0}, []any{"south", 2.0}, []any{"east", 3.0}, []any{"west", 4.0}, []any{"Unknown", 5.0},
	))
	assert.Empty(t, report.Checks, "one unknown label in five is at the threshold")

	report = v.Validate(regionPlan(), regionResult(
		[]any{"north", 1.0}, []any{"UNKNOWN", 2.0}, []any{" ", 3.0}, []any{"west", 4.0},
	))
	assert.Equal(t, []string{"unknown_share:warning"}, names(report))
	assert.Equal(t, "50% of region labels are unknown or missing.", report.Checks[0].Message)
	assert.False(t, report.Critical())

	strict, err := New(Config{
		Logger:              slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Registry:            v.cfg.Registry,
		UnknownShareWarning: 0.1,
	})
	require.NoError(t, err)
	report = strict.Validate(regionPlan(), regionResult(
		[]any{"north", 1.0}, []any{"south", 2.0}, []any{"east", 3.0}, []any{"west", 4.0}, []any{"unknown", 5.0},
	))
	assert.Equal(t, []string{"unknown_share:warning"}, names(report))
}

func TestInsights_Validate_RowCount(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")

	scalar := regionPlan()
	scalar.Dimensions = nil
	res := &model.QueryResult{
		Columns:  []model.Column{{Name: "revenue", Kind: model.ColumnMetric}},
		Rows:     [][]any{{1.0}, {2.0}},
		RowCount: 2,
	}
	assert.Equal(t, []string{"row_count_plausibility:critical"}, names(v.Validate(scalar, res)))

	trend := regionPlan()
	trend.Dimensions = nil
	trend.Grain = model.GrainMonth
	bucketed := func(months ...time.Month) *model.QueryResult {
		res := &model.QueryResult{Columns: []model.Column{{Name: "period_start", Kind: model.ColumnBucket}, {Name: "revenue", Kind: model.ColumnMetric}}}
		for _, m := range months {
			res.Rows = append(res.Rows, []any{day(2024, m, 1), 10.0})
		}
		res.RowCount = len(res.Rows)
		return res
	}
	assert.Empty(t, v.Validate(trend, bucketed(7, 8, 9)).Checks)
	assert.Equal(t, []string{"row_count_plausibility:critical"}, names(v.Validate(trend, bucketed(6, 7, 8, 9))))

	sparse := v.Validate(trend, bucketed(7))
	assert.Equal(t, []string{"row_count_plausibility:info"}, names(sparse))
	assert.Contains(t, sparse.Checks[0].Message, "1 of 3 month periods")
}

func TestInsights_Validate_Truncation(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")
	res := regionResult([]any{"north", 1.0}, []any{"south", 2.0})
	res.Truncated = true
	report := v.Validate(regionPlan(), res)
	assert.Equal(t, []string{"truncation:warning"}, names(report))
	assert.False(t, report.Critical())
}

func TestInsights_Validate_MetricBounds(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")
	report := v.Validate(regionPlan(), regionResult([]any{"north", 100.0}, []any{"south", -3.0}))
	assert.Equal(t, []string{"metric_bounds:critical"}, names(report))

	bounded := newTestValidator(t, `
tables:
  scores:
    kind: fact
    time_column: day
    grain: day
    columns: {day: date, team: string, score: number}
metrics:
  score: {table: scores, aggregation: avg, column: score, bounds: {min: 0, max: 100}}
dimensions:
  team: {table: scores, column: team}
`)
	plan := model.RoutePlan{
		FactTable:  "scores",
		Mode:       model.ModeSingleTableScan,
		Metric:     model.MetricBinding{ColumnRef: model.ColumnRef{Name: "score", Table: "scores", Column: "score"}, Aggregation: model.AggAvg},
		Dimensions: []model.ColumnRef{{Name: "team", Table: "scores", Column: "team"}},
		Comparison: model.ComparisonNone,
	}
	res := &model.QueryResult{
		Columns:  []model.Column{{Name: "team", Kind: model.ColumnDimension}, {Name: "score", Kind: model.ColumnMetric}},
		Rows:     [][]any{{"a", 50.0}, {"b", 140.0}},
		RowCount: 2,
	}
	report = bounded.Validate(plan, res)
	assert.Equal(t, []string{"metric_bounds:critical"}, names(report))
	assert.Contains(t, report.Checks[0].Message, "maximum of 100")
}

func popPlan() model.RoutePlan {
	plan := regionPlan()
	plan.Dimensions = nil
	plan.Comparison = model.ComparisonPeriodOverPeriod
	plan.Previous = model.TimeRange{Label: "Q2 2024", Start: day(2024, 4, 1), End: day(2024, 7, 1)}
	return plan
}

func popResult(rows ...[]any) *model.QueryResult {
	return &model.QueryResult{
		Columns:  []model.Column{{Name: "period", Kind: model.ColumnPeriod}, {Name: "revenue", Kind: model.ColumnMetric}},
		Rows:     rows,
		RowCount: len(rows),
	}
}

func TestInsights_Validate_PeriodComparison(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")

	tests := []struct {
		name string
		res  *model.QueryResult
		want []string
	}{
		{"sane", popResult([]any{"current", 120.0}, []any{"previous", 100.0}), nil},
		{"missing previous", popResult([]any{"current", 120.0}), []string{"comparison_sanity:warning"}},
		{"zero baseline", popResult([]any{"current", 120.0}, []any{"previous", 0.0}), []string{"comparison_sanity:info"}},
		{"large change", popResult([]any{"current", 5000.0}, []any{"previous", 10.0}), []string{"comparison_sanity:warning"}},
		{"sign flip", popResult([]any{"current", -5.0}, []any{"previous", 100.0}), []string{"metric_bounds:critical", "comparison_sanity:critical"}},
		{"too many periods", popResult([]any{"current", 1.0}, []any{"previous", 1.0}, []any{"other", 1.0}), []string{"row_count_plausibility:critical"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, names(v.Validate(popPlan(), tt.res)))
		})
	}

	report := v.Validate(popPlan(), popResult([]any{"current", 120.0}))
	assert.Equal(t, "No revenue data for Q2 2024.", report.Checks[0].Message)
}

func TestInsights_Validate_SignedMetricSignFlip(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, `
tables:
  ledger:
    kind: fact
    time_column: day
    grain: day
    columns: {day: date, net_change: number}
metrics:
  net_change: {table: ledger, aggregation: sum, column: net_change}
dimensions: {}
`)
	plan := popPlan()
	plan.FactTable = "ledger"
	plan.Metric = model.MetricBinding{ColumnRef: model.ColumnRef{Name: "net_change", Table: "ledger", Column: "net_change"}, Aggregation: model.AggSum}
	res := &model.QueryResult{
		Columns:  []model.Column{{Name: "period", Kind: model.ColumnPeriod}, {Name: "net_change", Kind: model.ColumnMetric}},
		Rows:     [][]any{{"current", -40.0}, {"previous", 60.0}},
		RowCount: 2,
	}

	report := v.Validate(plan, res)
	assert.Equal(t, []string{"comparison_sanity:warning"}, names(report))
	assert.Equal(t, "net_change changes sign between Q2 2024 and Q3 2024.", report.Checks[0].Message)
	assert.False(t, report.Critical())
}

func TestInsights_Validate_SegmentComparison(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, "")
	plan := regionPlan()
	plan.Comparison = model.ComparisonSegmentVsSegment
	plan.Filters = []model.FilterBinding{{
		ColumnRef: model.ColumnRef{Name: "region", Table: "fact_sales", Column: "region"},
		Predicate: model.Predicate{Op: model.OpIn, Values: []string{"north", "south"}},
	}}

	assert.Empty(t, v.Validate(plan, regionResult([]any{"north", 100.0}, []any{"south", 90.0})).Checks)

	report := v.Validate(plan, regionResult([]any{"north", 100.0}))
	assert.Equal(t, []string{"comparison_sanity:warning"}, names(report))
	assert.Equal(t, "No revenue data for south.", report.Checks[0].Message)

	f, ok := SegmentFilter(plan)
	require.True(t, ok)
	assert.Equal(t, "region", f.Name)
}
