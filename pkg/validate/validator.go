package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/malbeclabs/insights/pkg/metrics"
	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/query"
	"github.com/malbeclabs/insights/pkg/registry"
	"github.com/malbeclabs/insights/pkg/timerange"
)

const (
	CheckNonEmpty         = "non_empty"
	CheckExpectedColumns  = "expected_columns"
	CheckNullRate         = "null_rate"
	CheckUnknownShare     = "unknown_share"
	CheckRowCount         = "row_count_plausibility"
	CheckTruncation       = "truncation"
	CheckMetricBounds     = "metric_bounds"
	CheckComparisonSanity = "comparison_sanity"
)

const (
	defaultNullRateWarning  = 0.1
	defaultNullRateCritical = 0.5
	defaultUnknownShare     = 0.2
	defaultMagnitude        = 10.0
)

type Config struct {
	Logger   *slog.Logger
	Registry *registry.Store

	// NullRateWarning and NullRateCritical are fractions of rows in [0, 1].
	NullRateWarning  float64
	NullRateCritical float64

	// UnknownShareWarning is the fraction of dimension labels that may be
	// missing or "unknown" before a warning is raised.
	UnknownShareWarning float64

	// ComparisonMagnitude is the change ratio above which a comparison is
	// flagged as suspicious.
	ComparisonMagnitude float64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.NullRateWarning <= 0 {
		c.NullRateWarning = defaultNullRateWarning
	}
	if c.NullRateCritical <= 0 {
		c.NullRateCritical = defaultNullRateCritical
	}
	if c.NullRateWarning > 1 || c.NullRateCritical > 1 {
		return errors.New("null rate thresholds must be fractions")
	}
	if c.NullRateWarning > c.NullRateCritical {
		return fmt.Errorf("null rate warning threshold %.2f exceeds critical threshold %.2f", c.NullRateWarning, c.NullRateCritical)
	}
	if c.UnknownShareWarning <= 0 {
		c.UnknownShareWarning = defaultUnknownShare
	}
	if c.UnknownShareWarning > 1 {
		return errors.New("unknown share threshold must be a fraction")
	}
	if c.ComparisonMagnitude <= 1 {
		c.ComparisonMagnitude = defaultMagnitude
	}
	return nil
}

// Validator runs plausibility checks over a query result. It never modifies
// the result.
type Validator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{log: cfg.Logger, cfg: cfg}, nil
}

type run struct {
	plan   model.RoutePlan
	res    *model.QueryResult
	report model.ValidationReport
}

func (r *run) add(name string, sev model.Severity, format string, args ...any) {
	r.report.Checks = append(r.report.Checks, model.Check{Name: name, Severity: sev, Message: fmt.Sprintf(format, args...)})
	metrics.ValidationChecksTotal.WithLabelValues(name, string(sev)).Inc()
}

// Validate returns the findings for res in check order. Checks that pass add
// nothing to the report.
func (v *Validator) Validate(plan model.RoutePlan, res *model.QueryResult) model.ValidationReport {
	r := &run{plan: plan, res: res}

	if res == nil || len(res.Rows) == 0 {
		r.add(CheckNonEmpty, model.SeverityCritical, "No data matched %s.", describe(plan))
		return r.report
	}
	if !v.expectedColumns(r) {
		return r.report
	}
	v.nullRate(r)
	v.unknownShare(r)
	v.rowCount(r)
	if res.Truncated {
		r.add(CheckTruncation, model.SeverityWarning, "Only the first %d rows are shown; the full result is larger.", res.RowCount)
	}
	v.metricBounds(r)
	if plan.Comparison == model.ComparisonPeriodOverPeriod || plan.Comparison == model.ComparisonSegmentVsSegment {
		v.comparison(r)
	}

	v.log.Debug("validate: checks completed", "metric", plan.Metric.Name, "findings", len(r.report.Checks), "critical", r.report.Critical())
	return r.report
}

// ExpectedColumns lists the columns a result for plan must carry.
func ExpectedColumns(plan model.RoutePlan) []string {
	var cols []string
	if plan.Comparison == model.ComparisonPeriodOverPeriod {
		cols = append(cols, query.ColumnPeriod)
	}
	if plan.Grain != model.GrainNone {
		cols = append(cols, query.ColumnPeriodStart)
	}
	for _, d := range plan.Dimensions {
		cols = append(cols, d.Name)
	}
	return append(cols, plan.Metric.Name)
}

func (v *Validator) expectedColumns(r *run) bool {
	ok := true
	for _, name := range ExpectedColumns(r.plan) {
		if r.res.ColumnIndex(name) < 0 {
			r.add(CheckExpectedColumns, model.SeverityCritical, "The result is missing the %s column.", name)
			ok = false
		}
	}
	return ok
}

func (v *Validator) nullRate(r *run) {
	total := float64(len(r.res.Rows))
	for i, c := range r.res.Columns {
		nulls := 0
		for _, row := range r.res.Rows {
			if i >= len(row) || row[i] == nil {
				nulls++
			}
		}
		if nulls == 0 {
			continue
		}
		rate := float64(nulls) / total
		switch {
		case rate > v.cfg.NullRateCritical:
			r.add(CheckNullRate, model.SeverityCritical, "%.0f%% of %s values are missing.", rate*100, c.Name)
		case rate > v.cfg.NullRateWarning:
			r.add(CheckNullRate, model.SeverityWarning, "%.0f%% of %s values are missing.", rate*100, c.Name)
		}
	}
}

// unknownShare flags dimension columns whose labels are mostly missing, empty
// or "unknown".
func (v *Validator) unknownShare(r *run) {
	total := float64(len(r.res.Rows))
	for i, c := range r.res.Columns {
		if c.Kind != model.ColumnDimension {
			continue
		}
		unknown := 0
		for _, row := range r.res.Rows {
			if i >= len(row) || unknownLabel(row[i]) {
				unknown++
			}
		}
		if share := float64(unknown) / total; share > v.cfg.UnknownShareWarning {
			r.add(CheckUnknownShare, model.SeverityWarning, "%.0f%% of %s labels are unknown or missing.", share*100, c.Name)
		}
	}
}

func unknownLabel(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "unknown")
}

func (v *Validator) rowCount(r *run) {
	plan, res := r.plan, r.res
	scalar := len(plan.Dimensions) == 0 && plan.Grain == model.GrainNone && plan.Comparison != model.ComparisonPeriodOverPeriod
	if scalar && len(res.Rows) > 1 {
		r.add(CheckRowCount, model.SeverityCritical, "Expected a single value but the query returned %d rows.", len(res.Rows))
		return
	}

	if plan.Comparison == model.ComparisonPeriodOverPeriod {
		periods := distinct(res, query.ColumnPeriod)
		if len(periods) > 2 {
			r.add(CheckRowCount, model.SeverityCritical, "Expected at most two periods but found %d.", len(periods))
		}
	}

	if plan.Grain != model.GrainNone {
		want := timerange.Buckets(plan.TimeRange, plan.Grain)
		if plan.Comparison == model.ComparisonPeriodOverPeriod {
			want += timerange.Buckets(plan.Previous, plan.Grain)
		}
		got := len(distinct(res, query.ColumnPeriodStart))
		switch {
		case want > 0 && got > want:
			r.add(CheckRowCount, model.SeverityCritical, "Found %d %s periods but %s only spans %d.", got, plan.Grain, rangeLabel(plan.TimeRange), want)
		case want > 0 && got < want && !res.Truncated:
			r.add(CheckRowCount, model.SeverityInfo, "Data is present for %d of %d %s periods in %s.", got, want, plan.Grain, rangeLabel(plan.TimeRange))
		}
	}
}

func (v *Validator) metricBounds(r *run) {
	idx := r.res.ColumnIndex(r.plan.Metric.Name)
	var bounds registry.Bounds
	if m, ok := v.cfg.Registry.Current().Metric(r.plan.Metric.Name); ok {
		bounds = m.Bounds
	}
	negative, below, above := 0, 0, 0
	for _, row := range r.res.Rows {
		f, ok := query.Float64(row[idx])
		if !ok {
			continue
		}
		if r.plan.Metric.NonNegative && f < 0 {
			negative++
		}
		if bounds.Min != nil && f < *bounds.Min {
			below++
		}
		if bounds.Max != nil && f > *bounds.Max {
			above++
		}
	}
	name := r.plan.Metric.Name
	if negative > 0 {
		r.add(CheckMetricBounds, model.SeverityCritical, "%s cannot be negative but %d value(s) are.", name, negative)
	}
	if below > 0 {
		r.add(CheckMetricBounds, model.SeverityCritical, "%d %s value(s) fall below the allowed minimum of %s.", below, name, formatBound(*bounds.Min))
	}
	if above > 0 {
		r.add(CheckMetricBounds, model.SeverityCritical, "%d %s value(s) exceed the allowed maximum of %s.", above, name, formatBound(*bounds.Max))
	}
}

// comparison pairs the two sides per group and checks each pair.
func (v *Validator) comparison(r *run) {
	plan := r.plan
	sides, groups, ok := comparisonSides(plan, r.res)
	if !ok {
		r.add(CheckComparisonSanity, model.SeverityWarning, "The comparison could not be paired up from the result.")
		return
	}
	baseLabel, otherLabel := sides[0], sides[1]
	if plan.Comparison == model.ComparisonPeriodOverPeriod {
		baseLabel, otherLabel = rangeLabel(plan.Previous), rangeLabel(plan.TimeRange)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		vals := groups[key]
		base, hasBase := vals[sides[0]]
		other, hasOther := vals[sides[1]]
		where := ""
		if key != "" {
			where = " for " + key
		}
		switch {
		case !hasBase && !hasOther:
			continue
		case !hasBase:
			r.add(CheckComparisonSanity, model.SeverityWarning, "No %s data for %s%s.", plan.Metric.Name, baseLabel, where)
			continue
		case !hasOther:
			r.add(CheckComparisonSanity, model.SeverityWarning, "No %s data for %s%s.", plan.Metric.Name, otherLabel, where)
			continue
		}
		if base == 0 {
			r.add(CheckComparisonSanity, model.SeverityInfo, "%s is zero for %s%s, so no relative change applies.", plan.Metric.Name, baseLabel, where)
			continue
		}
		if (base < 0) != (other < 0) && other != 0 {
			sev := model.SeverityWarning
			if plan.Metric.NonNegative {
				sev = model.SeverityCritical
			}
			r.add(CheckComparisonSanity, sev, "%s changes sign between %s and %s%s.", plan.Metric.Name, baseLabel, otherLabel, where)
			continue
		}
		ratio := math.Abs(other / base)
		if ratio > v.cfg.ComparisonMagnitude || (other != 0 && ratio < 1/v.cfg.ComparisonMagnitude) {
			r.add(CheckComparisonSanity, model.SeverityWarning, "%s differs by more than %gx between %s and %s%s.", plan.Metric.Name, v.cfg.ComparisonMagnitude, baseLabel, otherLabel, where)
		}
	}
}

// comparisonSides returns the two side labels (baseline first) and the
// metric value per side for every remaining group key.
func comparisonSides(plan model.RoutePlan, res *model.QueryResult) ([2]string, map[string]map[string]float64, bool) {
	var sides [2]string
	sideCol := ""
	switch plan.Comparison {
	case model.ComparisonPeriodOverPeriod:
		sides = [2]string{query.PeriodPrevious, query.PeriodCurrent}
		sideCol = query.ColumnPeriod
	case model.ComparisonSegmentVsSegment:
		f, ok := SegmentFilter(plan)
		if !ok {
			return sides, nil, false
		}
		sides = [2]string{f.Predicate.Values[0], f.Predicate.Values[1]}
		sideCol = f.Name
	}
	sideIdx := res.ColumnIndex(sideCol)
	metricIdx := res.ColumnIndex(plan.Metric.Name)
	if sideIdx < 0 || metricIdx < 0 {
		return sides, nil, false
	}

	var keyIdx []int
	for i, c := range res.Columns {
		if i != sideIdx && i != metricIdx && c.Kind != model.ColumnMetric {
			keyIdx = append(keyIdx, i)
		}
	}
	groups := map[string]map[string]float64{}
	for _, row := range res.Rows {
		side := fmt.Sprint(row[sideIdx])
		if side != sides[0] && side != sides[1] {
			continue
		}
		f, ok := query.Float64(row[metricIdx])
		if !ok {
			continue
		}
		parts := make([]string, 0, len(keyIdx))
		for _, i := range keyIdx {
			parts = append(parts, FormatLabel(row[i]))
		}
		key := strings.Join(parts, ", ")
		if groups[key] == nil {
			groups[key] = map[string]float64{}
		}
		groups[key][side] += f
	}
	return sides, groups, true
}

// SegmentFilter returns the grouped filter that defines the segments of a
// segment comparison.
func SegmentFilter(plan model.RoutePlan) (model.FilterBinding, bool) {
	grouped := map[string]bool{}
	for _, d := range plan.Dimensions {
		grouped[d.Name] = true
	}
	for _, f := range plan.Filters {
		if grouped[f.Name] && f.Predicate.Op != model.OpNeq && len(f.Predicate.Values) >= 2 {
			return f, true
		}
	}
	return model.FilterBinding{}, false
}

// FormatLabel renders a dimension or bucket value for display.
func FormatLabel(v any) string {
	switch x := v.(type) {
	case nil:
		return "(none)"
	case time.Time:
		return x.UTC().Format("2006-01-02")
	default:
		return fmt.Sprint(x)
	}
}

func distinct(res *model.QueryResult, col string) map[string]struct{} {
	idx := res.ColumnIndex(col)
	out := map[string]struct{}{}
	if idx < 0 {
		return out
	}
	for _, row := range res.Rows {
		out[FormatLabel(row[idx])] = struct{}{}
	}
	return out
}

func describe(plan model.RoutePlan) string {
	s := plan.Metric.Name
	if !plan.TimeRange.IsZero() {
		s += " in " + rangeLabel(plan.TimeRange)
	}
	if len(plan.Filters) > 0 {
		var parts []string
		for _, f := range plan.Filters {
			parts = append(parts, f.Name+"="+strings.Join(f.Predicate.Values, "|"))
		}
		s += " with " + strings.Join(parts, ", ")
	}
	return s
}

func rangeLabel(r model.TimeRange) string {
	if r.Label != "" {
		return r.Label
	}
	if r.IsZero() {
		return "all time"
	}
	return r.Start.Format("2006-01-02") + " to " + r.End.Format("2006-01-02")
}

func formatBound(f float64) string {
	return fmt.Sprintf("%g", f)
}
