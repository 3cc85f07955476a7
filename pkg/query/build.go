package query

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/malbeclabs/insights/pkg/model"
)

const (
	ColumnPeriod      = "period"
	ColumnPeriodStart = "period_start"

	PeriodCurrent  = "current"
	PeriodPrevious = "previous"
)

var ErrInvalidPlan = errors.New("invalid plan")

var identRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Statements are assembled from these templates only. Plan values reach the
// text as quoted registry identifiers or bind markers.
const statementTemplates = `
{{define "single_table_scan"}}SELECT {{join .Select ", "}}
FROM {{.From}}{{template "where" .}}{{template "tail" .}}{{end}}

{{define "multi_table_join"}}SELECT {{join .Select ", "}}
FROM {{.From}}{{range .Joins}}
JOIN {{.Table}} ON {{.Left}} = {{.Right}}{{end}}{{template "where" .}}{{template "tail" .}}{{end}}

{{define "rollup"}}SELECT {{join .Select ", "}}
FROM {{.From}}{{template "where" .}}{{template "tail" .}}{{end}}

{{define "where"}}{{if .Where}}
WHERE {{join .Where "\n  AND "}}{{end}}{{end}}

{{define "tail"}}{{if .GroupBy}}
GROUP BY {{join .GroupBy ", "}}{{end}}{{if .OrderBy}}
ORDER BY {{join .OrderBy ", "}}{{end}}
LIMIT {{.Limit}}{{end}}
`

var templates = template.Must(template.New("statements").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(statementTemplates))

type joinClause struct {
	Table string
	Left  string
	Right string
}

type statementData struct {
	Select  []string
	From    string
	Joins   []joinClause
	Where   []string
	GroupBy []string
	OrderBy []string
	Limit   int
}

// FetchLimit returns the LIMIT applied to a plan and whether it is the row
// cap probe. A probe fetches one row beyond maxRows so truncation can be
// detected.
func FetchLimit(plan model.RoutePlan, maxRows int) (int, bool) {
	if plan.Limit > 0 && plan.Limit <= maxRows && plan.Comparison != model.ComparisonPeriodOverPeriod {
		return plan.Limit, false
	}
	return maxRows + 1, true
}

type builder struct {
	d       Dialect
	aliases map[string]string
	params  []any
}

func (b *builder) bind(v any) string {
	b.params = append(b.params, v)
	return b.d.Placeholder(len(b.params))
}

func (b *builder) col(ref model.ColumnRef) (string, error) {
	alias, ok := b.aliases[ref.Table]
	if !ok {
		return "", fmt.Errorf("%w: column %s.%s references a table outside the plan", ErrInvalidPlan, ref.Table, ref.Column)
	}
	if !identRE.MatchString(ref.Column) {
		return "", fmt.Errorf("%w: bad column identifier %q", ErrInvalidPlan, ref.Column)
	}
	return alias + "." + b.d.QuoteIdent(ref.Column), nil
}

func (b *builder) table(name, alias string) (string, error) {
	if !identRE.MatchString(name) {
		return "", fmt.Errorf("%w: bad table identifier %q", ErrInvalidPlan, name)
	}
	return b.d.QuoteIdent(name) + " AS " + alias, nil
}

// Build renders the statement for plan and reports the result columns in
// select order: period, bucket, dimensions, metric.
func Build(plan model.RoutePlan, d Dialect, maxRows int) (model.QuerySpec, []model.Column, error) {
	switch plan.Mode {
	case model.ModeSingleTableScan, model.ModeRollup:
		if len(plan.Joins) > 0 {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: %s plan carries joins", ErrInvalidPlan, plan.Mode)
		}
	case model.ModeMultiTableJoin:
		if len(plan.Joins) == 0 {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: join plan without joins", ErrInvalidPlan)
		}
	default:
		return model.QuerySpec{}, nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidPlan, plan.Mode)
	}
	if maxRows <= 0 {
		return model.QuerySpec{}, nil, fmt.Errorf("%w: row cap must be positive", ErrInvalidPlan)
	}

	b := &builder{d: d, aliases: map[string]string{plan.FactTable: "f"}}
	data := statementData{}

	from, err := b.table(plan.FactTable, "f")
	if err != nil {
		return model.QuerySpec{}, nil, err
	}
	data.From = from

	for i, j := range plan.Joins {
		if _, ok := b.aliases[j.LeftTable]; !ok {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: join from %s before it is joined", ErrInvalidPlan, j.LeftTable)
		}
		if _, ok := b.aliases[j.RightTable]; ok {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: table %s joined twice", ErrInvalidPlan, j.RightTable)
		}
		alias := "j" + strconv.Itoa(i+1)
		t, err := b.table(j.RightTable, alias)
		if err != nil {
			return model.QuerySpec{}, nil, err
		}
		b.aliases[j.RightTable] = alias
		left, err := b.col(model.ColumnRef{Table: j.LeftTable, Column: j.LeftKey})
		if err != nil {
			return model.QuerySpec{}, nil, err
		}
		right, err := b.col(model.ColumnRef{Table: j.RightTable, Column: j.RightKey})
		if err != nil {
			return model.QuerySpec{}, nil, err
		}
		data.Joins = append(data.Joins, joinClause{Table: t, Left: left, Right: right})
	}

	pop := plan.Comparison == model.ComparisonPeriodOverPeriod
	needsTime := pop || plan.Grain != model.GrainNone || !plan.TimeRange.IsZero()
	var timeCol string
	if needsTime {
		if plan.TimeColumn.Column == "" {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: time constraint on a table without a time column", ErrInvalidPlan)
		}
		if timeCol, err = b.col(plan.TimeColumn); err != nil {
			return model.QuerySpec{}, nil, err
		}
	}

	var columns []model.Column
	addColumn := func(expr, name string, kind model.ColumnKind) {
		data.Select = append(data.Select, expr+" AS "+d.QuoteIdent(name))
		columns = append(columns, model.Column{Name: name, Kind: kind})
	}

	if pop {
		if plan.TimeRange.Start.IsZero() || plan.TimeRange.End.IsZero() || plan.Previous.Start.IsZero() || plan.Previous.End.IsZero() {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: period comparison needs bounded current and previous ranges", ErrInvalidPlan)
		}
		expr := fmt.Sprintf("CASE WHEN %s >= %s THEN '%s' ELSE '%s' END", timeCol, b.bind(plan.TimeRange.Start), PeriodCurrent, PeriodPrevious)
		addColumn(expr, ColumnPeriod, model.ColumnPeriod)
	}
	if plan.Grain != model.GrainNone {
		if !plan.Grain.Valid() {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: unknown grain %q", ErrInvalidPlan, plan.Grain)
		}
		addColumn(d.TimeBucket(plan.Grain, timeCol), ColumnPeriodStart, model.ColumnBucket)
	}
	for _, dim := range plan.Dimensions {
		if !identRE.MatchString(dim.Name) {
			return model.QuerySpec{}, nil, fmt.Errorf("%w: bad dimension name %q", ErrInvalidPlan, dim.Name)
		}
		c, err := b.col(dim)
		if err != nil {
			return model.QuerySpec{}, nil, err
		}
		addColumn(c, dim.Name, model.ColumnDimension)
	}
	grouped := len(data.Select)

	if !identRE.MatchString(plan.Metric.Name) {
		return model.QuerySpec{}, nil, fmt.Errorf("%w: bad metric name %q", ErrInvalidPlan, plan.Metric.Name)
	}
	measure, err := b.measure(plan.Metric)
	if err != nil {
		return model.QuerySpec{}, nil, err
	}
	addColumn(measure, plan.Metric.Name, model.ColumnMetric)

	if pop {
		data.Where = append(data.Where, fmt.Sprintf("((%s >= %s AND %s < %s) OR (%s >= %s AND %s < %s))",
			timeCol, b.bind(plan.Previous.Start), timeCol, b.bind(plan.Previous.End),
			timeCol, b.bind(plan.TimeRange.Start), timeCol, b.bind(plan.TimeRange.End)))
	} else {
		if !plan.TimeRange.Start.IsZero() {
			data.Where = append(data.Where, fmt.Sprintf("%s >= %s", timeCol, b.bind(plan.TimeRange.Start)))
		}
		if !plan.TimeRange.End.IsZero() {
			data.Where = append(data.Where, fmt.Sprintf("%s < %s", timeCol, b.bind(plan.TimeRange.End)))
		}
	}
	for _, f := range plan.Filters {
		w, err := b.filter(f)
		if err != nil {
			return model.QuerySpec{}, nil, err
		}
		data.Where = append(data.Where, w)
	}

	for i := 1; i <= grouped; i++ {
		data.GroupBy = append(data.GroupBy, strconv.Itoa(i))
	}
	switch {
	case pop || plan.Grain != model.GrainNone:
		data.OrderBy = data.GroupBy
	case grouped > 0:
		data.OrderBy = append(data.OrderBy, strconv.Itoa(grouped+1)+" DESC NULLS LAST")
		data.OrderBy = append(data.OrderBy, data.GroupBy...)
	}
	data.Limit, _ = FetchLimit(plan, maxRows)

	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, string(plan.Mode), data); err != nil {
		return model.QuerySpec{}, nil, fmt.Errorf("failed to render %s statement: %w", plan.Mode, err)
	}
	return model.QuerySpec{
		TemplateID: d.Name() + "/" + string(plan.Mode),
		Statement:  sb.String(),
		Params:     b.params,
	}, columns, nil
}

func (b *builder) measure(m model.MetricBinding) (string, error) {
	c, err := b.col(m.ColumnRef)
	if err != nil {
		return "", err
	}
	var agg string
	switch m.Aggregation {
	case model.AggSum:
		agg = "SUM(" + c + ")"
	case model.AggCount:
		agg = "COUNT(" + c + ")"
	case model.AggCountDistinct:
		agg = "COUNT(DISTINCT " + c + ")"
	case model.AggAvg:
		agg = "AVG(" + c + ")"
	case model.AggMin:
		agg = "MIN(" + c + ")"
	case model.AggMax:
		agg = "MAX(" + c + ")"
	default:
		return "", fmt.Errorf("%w: unknown aggregation %q", ErrInvalidPlan, m.Aggregation)
	}
	return fmt.Sprintf("CAST(%s AS %s)", agg, b.d.FloatType()), nil
}

func (b *builder) filter(f model.FilterBinding) (string, error) {
	c, err := b.col(f.ColumnRef)
	if err != nil {
		return "", err
	}
	vals := f.Predicate.Values
	if len(vals) == 0 {
		return "", fmt.Errorf("%w: filter on %s has no values", ErrInvalidPlan, f.Name)
	}
	marks := make([]string, len(vals))
	for i, v := range vals {
		marks[i] = b.bind(v)
	}
	switch f.Predicate.Op {
	case model.OpEq, model.OpIn:
		if len(marks) == 1 {
			return c + " = " + marks[0], nil
		}
		return c + " IN (" + strings.Join(marks, ", ") + ")", nil
	case model.OpNeq:
		if len(marks) == 1 {
			return c + " <> " + marks[0], nil
		}
		return c + " NOT IN (" + strings.Join(marks, ", ") + ")", nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidPlan, f.Predicate.Op)
	}
}
