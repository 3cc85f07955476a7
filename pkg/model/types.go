package model

import (
	"sort"
	"time"
)

// Question is a single user request. It is immutable once created.
type Question struct {
	Text      string    `json:"text"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Comparison string

const (
	ComparisonNone             Comparison = "none"
	ComparisonPeriodOverPeriod Comparison = "period_over_period"
	ComparisonSegmentVsSegment Comparison = "segment_vs_segment"
)

type QuestionType string

const (
	QuestionTypeAggregation QuestionType = "aggregation"
	QuestionTypeComparison  QuestionType = "comparison"
	QuestionTypeRanking     QuestionType = "ranking"
	QuestionTypeTrend       QuestionType = "trend"
	QuestionTypeSummary     QuestionType = "summary"
)

type Grain string

const (
	GrainNone    Grain = ""
	GrainDay     Grain = "day"
	GrainWeek    Grain = "week"
	GrainMonth   Grain = "month"
	GrainQuarter Grain = "quarter"
	GrainYear    Grain = "year"
)

var grainRank = map[Grain]int{
	GrainDay:     1,
	GrainWeek:    2,
	GrainMonth:   3,
	GrainQuarter: 4,
	GrainYear:    5,
}

// Valid reports whether g is a known, non-empty grain.
func (g Grain) Valid() bool {
	_, ok := grainRank[g]
	return ok
}

// FinerThan reports whether g resolves time more finely than other.
func (g Grain) FinerThan(other Grain) bool {
	return g.Valid() && other.Valid() && grainRank[g] < grainRank[other]
}

type PredicateOp string

const (
	OpEq  PredicateOp = "eq"
	OpIn  PredicateOp = "in"
	OpNeq PredicateOp = "neq"
)

// Predicate restricts a dimension to (or away from) a set of values.
type Predicate struct {
	Op     PredicateOp `json:"op"`
	Values []string    `json:"values"`
}

// TimeRange is a half-open interval [Start, End). A zero Start and End means
// unbounded.
type TimeRange struct {
	Expr  string    `json:"expr,omitempty"`
	Label string    `json:"label,omitempty"`
	Start time.Time `json:"start,omitzero"`
	End   time.Time `json:"end,omitzero"`
}

func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Intent is the structured form of an analytical question.
type Intent struct {
	Metric       string               `json:"metric"`
	Dimensions   []string             `json:"dimensions,omitempty"`
	Filters      map[string]Predicate `json:"filters,omitempty"`
	TimeRange    TimeRange            `json:"time_range,omitzero"`
	Grain        Grain                `json:"grain,omitempty"`
	Comparison   Comparison           `json:"comparison"`
	QuestionType QuestionType         `json:"question_type,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	Confidence   float64              `json:"confidence"`

	// Inherited lists the fields copied from the previous turn's intent.
	Inherited   []string `json:"inherited,omitempty"`
	OutOfScope  bool     `json:"out_of_scope,omitempty"`
	Ambiguities []string `json:"ambiguities,omitempty"`
}

// Clone returns a deep copy of the intent.
func (i Intent) Clone() Intent {
	out := i
	out.Dimensions = append([]string(nil), i.Dimensions...)
	out.Inherited = append([]string(nil), i.Inherited...)
	out.Ambiguities = append([]string(nil), i.Ambiguities...)
	if i.Filters != nil {
		out.Filters = make(map[string]Predicate, len(i.Filters))
		for k, p := range i.Filters {
			out.Filters[k] = Predicate{Op: p.Op, Values: append([]string(nil), p.Values...)}
		}
	}
	return out
}

// FilterFields returns filter field names in sorted order.
func (i Intent) FilterFields() []string {
	fields := make([]string, 0, len(i.Filters))
	for k := range i.Filters {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

type ScopeDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
}

type Mode string

const (
	ModeSingleTableScan Mode = "single_table_scan"
	ModeMultiTableJoin  Mode = "multi_table_join"
	ModeRollup          Mode = "rollup"
)

type JoinSpec struct {
	LeftTable  string `json:"left_table"`
	LeftKey    string `json:"left_key"`
	RightTable string `json:"right_table"`
	RightKey   string `json:"right_key"`
}

type Aggregation string

const (
	AggSum           Aggregation = "sum"
	AggCount         Aggregation = "count"
	AggCountDistinct Aggregation = "count_distinct"
	AggAvg           Aggregation = "avg"
	AggMin           Aggregation = "min"
	AggMax           Aggregation = "max"
)

// Additive reports whether partial aggregates can be re-aggregated with SUM.
func (a Aggregation) Additive() bool {
	return a == AggSum || a == AggCount
}

// ColumnRef binds a catalog entity to a physical table column.
type ColumnRef struct {
	Name   string `json:"name"`
	Table  string `json:"table"`
	Column string `json:"column"`
}

type MetricBinding struct {
	ColumnRef
	Aggregation Aggregation `json:"aggregation"`
	NonNegative bool        `json:"non_negative,omitempty"`
}

type FilterBinding struct {
	ColumnRef
	Predicate Predicate `json:"predicate"`
}

// RoutePlan is the physical plan for a single intent. Every identifier it
// carries comes from the schema registry.
type RoutePlan struct {
	Sources    []string        `json:"sources"`
	FactTable  string          `json:"fact_table"`
	Joins      []JoinSpec      `json:"joins,omitempty"`
	Grain      Grain           `json:"grain,omitempty"`
	Mode       Mode            `json:"mode"`
	Metric     MetricBinding   `json:"metric"`
	Dimensions []ColumnRef     `json:"dimensions,omitempty"`
	Filters    []FilterBinding `json:"filters,omitempty"`
	TimeColumn ColumnRef       `json:"time_column,omitzero"`
	TimeRange  TimeRange       `json:"time_range,omitzero"`
	Previous   TimeRange       `json:"previous,omitzero"`
	Comparison Comparison      `json:"comparison"`
	Limit      int             `json:"limit,omitempty"`
}

// QuerySpec is a rendered statement plus its bound parameters.
type QuerySpec struct {
	TemplateID string `json:"template_id"`
	Statement  string `json:"statement"`
	Params     []any  `json:"params"`
}

type ColumnKind string

const (
	ColumnDimension ColumnKind = "dimension"
	ColumnMetric    ColumnKind = "metric"
	ColumnPeriod    ColumnKind = "period"
	ColumnBucket    ColumnKind = "bucket"
)

type Column struct {
	Name string     `json:"name"`
	Kind ColumnKind `json:"kind"`
}

type QueryResult struct {
	Columns       []Column      `json:"columns"`
	Rows          [][]any       `json:"rows"`
	ExecutionTime time.Duration `json:"execution_time"`
	RowCount      int           `json:"row_count"`
	Truncated     bool          `json:"truncated"`
	Cached        bool          `json:"cached,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
}

// ColumnIndex returns the position of the named column or -1.
func (r *QueryResult) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Summary returns the compact form kept in conversation memory.
func (r *QueryResult) Summary() *ResultSummary {
	if r == nil {
		return nil
	}
	cols := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		cols[i] = c.Name
	}
	return &ResultSummary{Columns: cols, RowCount: r.RowCount, Truncated: r.Truncated}
}

type ResultSummary struct {
	Columns   []string `json:"columns"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Check struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

type ValidationReport struct {
	Checks []Check `json:"checks"`
}

// Critical reports whether any check is critical.
func (r ValidationReport) Critical() bool {
	for _, c := range r.Checks {
		if c.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Messages returns the messages of checks at the given severity.
func (r ValidationReport) Messages(sev Severity) []string {
	var out []string
	for _, c := range r.Checks {
		if c.Severity == sev {
			out = append(out, c.Message)
		}
	}
	return out
}

// CitedMetric is a single figure taken verbatim from a query result.
type CitedMetric struct {
	Metric string            `json:"metric"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

type Insight struct {
	Narrative      string        `json:"narrative"`
	CitedMetrics   []CitedMetric `json:"cited_metrics"`
	Skeleton       string        `json:"skeleton"`
	Grounded       bool          `json:"grounded"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
}
