package intent

import (
	"sort"
	"strings"

	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/registry"
)

// Output is the JSON object the model is asked to produce.
type Output struct {
	Metric        string            `json:"metric" jsonschema:"catalog metric name or synonym; empty if none is named"`
	Dimensions    []string          `json:"dimensions,omitempty" jsonschema:"catalog dimensions to group by, in mention order"`
	Filters       map[string]Filter `json:"filters,omitempty" jsonschema:"dimension name to filter predicate"`
	TimeRange     string            `json:"time_range,omitempty" jsonschema:"time expression such as Q3 2024, last year, ytd; empty if none"`
	Grain         string            `json:"grain,omitempty" jsonschema:"day, week, month, quarter or year for trends"`
	Comparison    string            `json:"comparison,omitempty" jsonschema:"none, period_over_period or segment_vs_segment"`
	QuestionType  string            `json:"question_type,omitempty" jsonschema:"aggregation, comparison, ranking, trend or summary"`
	Limit         int               `json:"limit,omitempty" jsonschema:"N for top N questions, otherwise 0"`
	FollowUp      bool              `json:"follow_up,omitempty" jsonschema:"true when the question depends on the previous one"`
	OutOfScope    bool              `json:"out_of_scope,omitempty" jsonschema:"true when the question is not about the catalog data"`
	Ambiguities   []string          `json:"ambiguities,omitempty" jsonschema:"notes about guesses made"`
	Clarification string            `json:"clarification,omitempty" jsonschema:"a question to ask the user when confidence is low"`
	Confidence    float64           `json:"confidence" jsonschema:"confidence between 0 and 1"`
}

type Filter struct {
	Op     string   `json:"op,omitempty" jsonschema:"eq, in or neq"`
	Values []string `json:"values" jsonschema:"values to match"`
}

// normalize maps model output onto catalog names. Names that do not resolve
// are kept lowercased so the scope guard can reject them.
func normalize(c *registry.Catalog, out Output) model.Intent {
	in := model.Intent{
		Limit:       out.Limit,
		Confidence:  clamp(out.Confidence),
		OutOfScope:  out.OutOfScope,
		Ambiguities: append([]string(nil), out.Ambiguities...),
	}
	if in.Limit < 0 {
		in.Limit = 0
	}

	if m := strings.TrimSpace(out.Metric); m != "" {
		if name, ok := c.ResolveMetric(m); ok {
			in.Metric = name
		} else {
			in.Metric = strings.ToLower(m)
		}
	}

	for _, d := range out.Dimensions {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		name, ok := c.ResolveDimension(d)
		if !ok {
			name = strings.ToLower(d)
		}
		if !contains(in.Dimensions, name) {
			in.Dimensions = append(in.Dimensions, name)
		}
	}

	keys := make([]string, 0, len(out.Filters))
	for k := range out.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f := out.Filters[k]
		field, ok := c.ResolveDimension(k)
		if !ok {
			field = strings.ToLower(strings.TrimSpace(k))
			// A bare value such as {"electronics": ...} or an unknown key whose
			// values belong to one dimension.
			if dim, _, found := c.DimensionForValue(k); found {
				field = dim
				if len(f.Values) == 0 {
					f.Values = []string{k}
				}
			} else if len(f.Values) > 0 {
				if dim, _, found := c.DimensionForValue(f.Values[0]); found {
					field = dim
				}
			}
		}
		values := make([]string, 0, len(f.Values))
		for _, v := range f.Values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if canonical, ok := c.ResolveValue(field, v); ok {
				v = canonical
			}
			values = append(values, v)
		}
		if len(values) == 0 {
			continue
		}
		op := model.PredicateOp(strings.ToLower(f.Op))
		switch op {
		case model.OpEq, model.OpIn, model.OpNeq:
		default:
			op = model.OpEq
		}
		if op == model.OpEq && len(values) > 1 {
			op = model.OpIn
		}
		if in.Filters == nil {
			in.Filters = make(map[string]model.Predicate)
		}
		if existing, ok := in.Filters[field]; ok {
			values = append(existing.Values, values...)
			op = model.OpIn
		}
		in.Filters[field] = model.Predicate{Op: op, Values: values}
	}

	if g := model.Grain(strings.ToLower(strings.TrimSpace(out.Grain))); g.Valid() {
		in.Grain = g
	} else if g != "" {
		in.Ambiguities = append(in.Ambiguities, "unknown time grain "+string(g))
	}

	switch strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(out.Comparison))) {
	case "period_over_period", "pop":
		in.Comparison = model.ComparisonPeriodOverPeriod
	case "segment_vs_segment", "segment":
		in.Comparison = model.ComparisonSegmentVsSegment
	case "none":
		in.Comparison = model.ComparisonNone
	}

	switch qt := model.QuestionType(strings.ToLower(strings.TrimSpace(out.QuestionType))); qt {
	case model.QuestionTypeAggregation, model.QuestionTypeComparison, model.QuestionTypeRanking,
		model.QuestionTypeTrend, model.QuestionTypeSummary:
		in.QuestionType = qt
	}
	return in
}

// Inherit fills fields left unset in next from prior. Filters are merged
// with next taking precedence per field. The names of inherited fields are
// recorded in Inherited.
func Inherit(next, prior model.Intent) model.Intent {
	out := next.Clone()
	prior = prior.Clone()
	var inherited []string

	if out.Metric == "" && prior.Metric != "" {
		out.Metric = prior.Metric
		inherited = append(inherited, "metric")
	}
	if len(out.Dimensions) == 0 && len(prior.Dimensions) > 0 {
		out.Dimensions = prior.Dimensions
		inherited = append(inherited, "dimensions")
	}
	if len(prior.Filters) > 0 {
		merged := false
		for field, p := range prior.Filters {
			if _, ok := out.Filters[field]; ok {
				continue
			}
			if out.Filters == nil {
				out.Filters = make(map[string]model.Predicate)
			}
			out.Filters[field] = p
			merged = true
		}
		if merged {
			inherited = append(inherited, "filters")
		}
	}
	if out.TimeRange.IsZero() && out.TimeRange.Expr == "" && !prior.TimeRange.IsZero() {
		out.TimeRange = prior.TimeRange
		inherited = append(inherited, "time_range")
	}
	if out.Grain == model.GrainNone && prior.Grain != model.GrainNone {
		out.Grain = prior.Grain
		inherited = append(inherited, "grain")
	}
	if (out.Comparison == "" || out.Comparison == model.ComparisonNone) && prior.Comparison != "" && prior.Comparison != model.ComparisonNone {
		out.Comparison = prior.Comparison
		inherited = append(inherited, "comparison")
	}
	if out.Comparison == "" {
		out.Comparison = prior.Comparison
	}
	if out.QuestionType == "" && prior.QuestionType != "" {
		out.QuestionType = prior.QuestionType
		inherited = append(inherited, "question_type")
	}
	if out.Limit == 0 && prior.Limit > 0 {
		out.Limit = prior.Limit
		inherited = append(inherited, "limit")
	}
	out.Inherited = inherited
	return out
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
