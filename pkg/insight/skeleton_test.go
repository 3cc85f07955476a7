package insight

import (
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
	return model.TimeRange{Label: "Q3 2024", Start: day(2024, 7, 1), End: day(2024, 10, 1)}
}

func basePlan() model.RoutePlan {
	return model.RoutePlan{
		FactTable:  "fact_sales",
		Mode:       model.ModeSingleTableScan,
		Metric:     model.MetricBinding{ColumnRef: model.ColumnRef{Name: "revenue", Table: "fact_sales", Column: "revenue"}, Aggregation: model.AggSum, NonNegative: true},
		TimeRange:  q3(),
		Comparison: model.ComparisonNone,
	}
}

func result(cols []model.Column, rows ...[]any) *model.QueryResult {
	return &model.QueryResult{Columns: cols, Rows: rows, RowCount: len(rows)}
}

var (
	colRegion  = model.Column{Name: "region", Kind: model.ColumnDimension}
	colRevenue = model.Column{Name: "revenue", Kind: model.ColumnMetric}
	colPeriod  = model.Column{Name: "period", Kind: model.ColumnPeriod}
	colBucket  = model.Column{Name: "period_start", Kind: model.ColumnBucket}
)

type shape struct {
	name string
	plan model.RoutePlan
	res  *model.QueryResult
	text string
}

func shapes() []shape {
	scalar := basePlan()
	scalar.Filters = []model.FilterBinding{{
		ColumnRef: model.ColumnRef{Name: "channel", Table: "fact_sales", Column: "channel"},
		Predicate: model.Predicate{Op: model.OpEq, Values: []string{"online"}},
	}}

	grouped := basePlan()
	grouped.Dimensions = []model.ColumnRef{{Name: "region", Table: "fact_sales", Column: "region"}}

	ranking := grouped
	ranking.Limit = 2

	trend := basePlan()
	trend.Grain = model.GrainMonth

	pop := basePlan()
	pop.Comparison = model.ComparisonPeriodOverPeriod
	pop.Previous = model.TimeRange{Label: "Q2 2024", Start: day(2024, 4, 1), End: day(2024, 7, 1)}

	segment := grouped
	segment.Comparison = model.ComparisonSegmentVsSegment
	segment.Filters = []model.FilterBinding{{
		ColumnRef: model.ColumnRef{Name: "region", Table: "fact_sales", Column: "region"},
		Predicate: model.Predicate{Op: model.OpIn, Values: []string{"north", "south"}},
	}}

	allTime := basePlan()
	allTime.TimeRange = model.TimeRange{}

	return []shape{
		{
			name: "scalar",
			plan: scalar,
			res:  result([]model.Column{colRevenue}, []any{1234.5}),
			text: "Revenue for channel online in Q3 2024 was 1,234.50.",
		},
		{
			name: "scalar all time",
			plan: allTime,
			res:  result([]model.Column{colRevenue}, []any{1234567.891}),
			text: "Revenue across all time was 1,234,567.89.",
		},
		{
			name: "grouped",
			plan: grouped,
			res:  result([]model.Column{colRegion, colRevenue}, []any{"north", 100.0}, []any{"south", 80.5}),
			text: "Revenue by region in Q3 2024: north 100.00; south 80.50.",
		},
		{
			name: "ranking",
			plan: ranking,
			res:  result([]model.Column{colRegion, colRevenue}, []any{"north", 100.0}, []any{"south", 80.5}),
			text: "Top region by revenue in Q3 2024: north 100.00; south 80.50.",
		},
		{
			name: "trend",
			plan: trend,
			res:  result([]model.Column{colBucket, colRevenue}, []any{day(2024, 7, 1), 10.0}, []any{day(2024, 8, 1), 20.0}),
			text: "Revenue by month in Q3 2024: 2024-07-01 10.00; 2024-08-01 20.00.",
		},
		{
			name: "period over period",
			plan: pop,
			res:  result([]model.Column{colPeriod, colRevenue}, []any{"current", 120.0}, []any{"previous", 100.0}),
			text: "Revenue in Q3 2024 was 120.00, compared with 100.00 in Q2 2024, an increase.",
		},
		{
			name: "segment",
			plan: segment,
			res:  result([]model.Column{colRegion, colRevenue}, []any{"north", 100.0}, []any{"south", 90.0}),
			text: "Revenue in Q3 2024: north 100.00 versus south 90.00; north is higher.",
		},
	}
}

func TestInsights_Insight_Skeleton_Shapes(t *testing.T) {
	t.Parallel()

	for _, tt := range shapes() {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sk := BuildSkeleton(tt.plan, tt.res)
			assert.Equal(t, tt.text, sk.Text)
			require.NotEmpty(t, sk.Cited)
		})
	}
}

func TestInsights_Insight_Skeleton_IsGrounded(t *testing.T) {
	t.Parallel()

	for _, tt := range shapes() {
		sk := BuildSkeleton(tt.plan, tt.res)
		ok, token := Grounded(sk.Text, sk.Cited, sk.Labels)
		assert.True(t, ok, "%s: %q", tt.name, token)
	}
}

func TestInsights_Insight_Skeleton_CitedLabels(t *testing.T) {
	t.Parallel()

	all := shapes()
	pop := BuildSkeleton(all[5].plan, all[5].res)
	assert.Equal(t, []model.CitedMetric{
		{Metric: "revenue", Value: 120, Labels: map[string]string{"period": "Q3 2024"}},
		{Metric: "revenue", Value: 100, Labels: map[string]string{"period": "Q2 2024"}},
	}, pop.Cited)

	grouped := BuildSkeleton(all[2].plan, all[2].res)
	assert.Equal(t, []model.CitedMetric{
		{Metric: "revenue", Value: 100, Labels: map[string]string{"region": "north"}},
		{Metric: "revenue", Value: 80.5, Labels: map[string]string{"region": "south"}},
	}, grouped.Cited)

	scalar := BuildSkeleton(all[0].plan, all[0].res)
	assert.Equal(t, []model.CitedMetric{{Metric: "revenue", Value: 1234.5}}, scalar.Cited)
}

func TestInsights_Insight_Skeleton_MissingSides(t *testing.T) {
	t.Parallel()

	all := shapes()
	pop := BuildSkeleton(all[5].plan, result([]model.Column{colPeriod, colRevenue}, []any{"current", 120.0}))
	assert.Equal(t, "Revenue in Q3 2024 was 120.00; no data was recorded in Q2 2024.", pop.Text)

	seg := BuildSkeleton(all[6].plan, result([]model.Column{colRegion, colRevenue}, []any{"north", 100.0}))
	assert.Equal(t, "Revenue in Q3 2024: north 100.00; no data for south.", seg.Text)

	scalar := BuildSkeleton(basePlan(), result([]model.Column{colRevenue}, []any{nil}))
	assert.Equal(t, "Revenue in Q3 2024 has no recorded value.", scalar.Text)
	assert.Empty(t, scalar.Cited)
}

func TestInsights_Insight_Skeleton_Truncated(t *testing.T) {
	t.Parallel()

	all := shapes()
	res := result([]model.Column{colRegion, colRevenue}, []any{"north", 100.0})
	res.Truncated = true
	sk := BuildSkeleton(all[2].plan, res)
	assert.Equal(t, "Revenue by region in Q3 2024: north 100.00. Further rows are omitted.", sk.Text)
}

func TestInsights_Insight_FormatFigure(t *testing.T) {
	t.Parallel()

	tests := map[float64]string{
		0:           "0.00",
		5:           "5.00",
		999.999:     "1,000.00",
		1234567.891: "1,234,567.89",
		-1500:       "-1,500.00",
		-0.001:      "0.00",
		100000:      "100,000.00",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatFigure(in), "%v", in)
	}
}
