package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/registry"
	"github.com/malbeclabs/insights/pkg/timerange"
)

type Config struct {
	Logger   *slog.Logger
	Registry *registry.Store
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	return nil
}

// Router maps an admitted intent to a physical plan. It is deterministic
// and performs no I/O.
type Router struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{log: cfg.Logger, cfg: cfg}, nil
}

// Route returns a plan or a *model.RoutingError.
func (r *Router) Route(in model.Intent) (model.RoutePlan, error) {
	c := r.cfg.Registry.Current()

	metric, ok := c.Metric(in.Metric)
	if !ok {
		return model.RoutePlan{}, routingErr("unknown metric %q", in.Metric)
	}
	fact, ok := c.Table(metric.Table)
	if !ok {
		return model.RoutePlan{}, routingErr("metric %q has no source table", in.Metric)
	}
	if len(in.Dimensions) > c.Limits.MaxGroupBy {
		return model.RoutePlan{}, routingErr("at most %d breakdowns are supported per question, got %d", c.Limits.MaxGroupBy, len(in.Dimensions))
	}
	if in.Grain != model.GrainNone {
		if !in.Grain.Valid() {
			return model.RoutePlan{}, routingErr("unknown time grain %q", in.Grain)
		}
		if in.Grain.FinerThan(fact.Grain) {
			return model.RoutePlan{}, routingErr("%s is only recorded at %s grain; %s detail is not available", in.Metric, fact.Grain, in.Grain)
		}
	}

	plan := model.RoutePlan{
		FactTable:  fact.Name,
		Grain:      in.Grain,
		Comparison: in.Comparison,
		Limit:      in.Limit,
		TimeRange:  in.TimeRange,
		Metric: model.MetricBinding{
			ColumnRef:   model.ColumnRef{Name: metric.Name, Table: fact.Name, Column: metric.Column},
			Aggregation: metric.Aggregation,
			NonNegative: metric.NonNegative,
		},
		TimeColumn: model.ColumnRef{Name: "time", Table: fact.Name, Column: fact.TimeColumn},
	}
	if plan.Comparison == "" {
		plan.Comparison = model.ComparisonNone
	}
	if plan.Comparison == model.ComparisonPeriodOverPeriod {
		plan.Previous = timerange.Previous(in.TimeRange)
		if plan.Previous.IsZero() {
			return model.RoutePlan{}, routingErr("a period comparison needs a bounded time range")
		}
	}

	// Entities referenced by the plan, in a stable order.
	referenced := append([]string(nil), in.Dimensions...)
	for _, field := range in.FilterFields() {
		if !contains(referenced, field) {
			referenced = append(referenced, field)
		}
	}

	joins, err := r.joinTree(c, fact.Name, referenced)
	if err != nil {
		return model.RoutePlan{}, err
	}

	for _, name := range in.Dimensions {
		d, _ := c.Dimension(name)
		plan.Dimensions = append(plan.Dimensions, model.ColumnRef{Name: name, Table: d.Table, Column: d.Column})
	}
	for _, field := range in.FilterFields() {
		d, _ := c.Dimension(field)
		p := in.Filters[field]
		plan.Filters = append(plan.Filters, model.FilterBinding{
			ColumnRef: model.ColumnRef{Name: field, Table: d.Table, Column: d.Column},
			Predicate: model.Predicate{Op: p.Op, Values: append([]string(nil), p.Values...)},
		})
	}

	if rollup := r.pickRollup(c, fact, metric, in, referenced); rollup != nil {
		rebindToRollup(&plan, rollup, metric)
		plan.Mode = model.ModeRollup
	} else {
		plan.Joins = joins
		if len(joins) > 0 {
			plan.Mode = model.ModeMultiTableJoin
		} else {
			plan.Mode = model.ModeSingleTableScan
		}
	}

	sources := map[string]struct{}{plan.FactTable: {}}
	for _, j := range plan.Joins {
		sources[j.LeftTable] = struct{}{}
		sources[j.RightTable] = struct{}{}
	}
	for s := range sources {
		plan.Sources = append(plan.Sources, s)
	}
	sort.Strings(plan.Sources)

	r.log.Debug("router: planned", "metric", in.Metric, "mode", plan.Mode, "sources", plan.Sources, "joins", len(plan.Joins))
	return plan, nil
}

// joinTree unions the shortest paths from the fact table to every
// referenced dimension's table. Each table is entered once, so the result is
// a tree rooted at the fact table.
func (r *Router) joinTree(c *registry.Catalog, fact string, dims []string) ([]model.JoinSpec, error) {
	var joins []model.JoinSpec
	reached := map[string]bool{fact: true}
	for _, name := range dims {
		d, ok := c.Dimension(name)
		if !ok {
			return nil, routingErr("unknown dimension %q", name)
		}
		if reached[d.Table] {
			continue
		}
		path, ok := c.JoinPath(fact, d.Table)
		if !ok {
			return nil, routingErr("%s cannot be combined with %s: no join path from %s to %s", fact, name, fact, d.Table)
		}
		for _, j := range path {
			if reached[j.RightTable] {
				continue
			}
			joins = append(joins, j)
			reached[j.RightTable] = true
		}
	}
	return joins, nil
}

// pickRollup returns a pre-aggregated table that can answer in exactly, or
// nil.
func (r *Router) pickRollup(c *registry.Catalog, fact *registry.Table, metric *registry.Metric, in model.Intent, referenced []string) *registry.Table {
	if fact.RowEstimate < c.Limits.RollupMinRows || c.Limits.RollupMinRows <= 0 {
		return nil
	}
	if !metric.Aggregation.Additive() || metric.RollupColumn == "" {
		return nil
	}
	for _, t := range c.Rollups(fact.Name) {
		if !t.HasColumn(metric.RollupColumn) {
			continue
		}
		if in.Grain != model.GrainNone && in.Grain.FinerThan(t.Grain) {
			continue
		}
		if !alignedToGrain(in.TimeRange, t.Grain) {
			continue
		}
		if in.Comparison == model.ComparisonPeriodOverPeriod && !alignedToGrain(timerange.Previous(in.TimeRange), t.Grain) {
			continue
		}
		covered := true
		for _, name := range referenced {
			if _, ok := t.Dimensions[name]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return t
		}
	}
	return nil
}

func rebindToRollup(plan *model.RoutePlan, t *registry.Table, metric *registry.Metric) {
	plan.FactTable = t.Name
	plan.Joins = nil
	plan.Metric.Table = t.Name
	plan.Metric.Column = metric.RollupColumn
	// Counts are stored pre-aggregated and re-aggregate with SUM.
	plan.Metric.Aggregation = model.AggSum
	plan.TimeColumn = model.ColumnRef{Name: "time", Table: t.Name, Column: t.TimeColumn}
	for i := range plan.Dimensions {
		plan.Dimensions[i].Table = t.Name
		plan.Dimensions[i].Column = t.Dimensions[plan.Dimensions[i].Name]
	}
	for i := range plan.Filters {
		plan.Filters[i].Table = t.Name
		plan.Filters[i].Column = t.Dimensions[plan.Filters[i].Name]
	}
}

// alignedToGrain reports whether r starts and ends on grain boundaries, so a
// rollup at that grain returns the same totals as the base table.
func alignedToGrain(r model.TimeRange, g model.Grain) bool {
	if r.IsZero() {
		return true
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return false
	}
	return timerange.Truncate(r.Start, g).Equal(r.Start) && timerange.Truncate(r.End, g).Equal(r.End)
}

func routingErr(format string, args ...any) error {
	return &model.RoutingError{Reason: fmt.Sprintf(format, args...)}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
