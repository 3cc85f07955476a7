package insight

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/query"
	"github.com/malbeclabs/insights/pkg/validate"
)

const maxListed = 20

// Skeleton is the deterministic narrative for a result. Every figure in Text
// is one of Cited, and every other token that contains digits is one of
// Labels.
type Skeleton struct {
	Text   string
	Cited  []model.CitedMetric
	Labels []string
}

// FormatFigure renders v with thousands separators and two decimals.
func FormatFigure(v float64) string {
	s := strconv.FormatFloat(math.Abs(v), 'f', 2, 64)
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if v < 0 && s != "0.00" {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

type row struct {
	labels map[string]string
	key    string
	side   string
	value  float64
	ok     bool
}

type builder struct {
	plan   model.RoutePlan
	res    *model.QueryResult
	metric string
	labels map[string]struct{}
	cited  []model.CitedMetric
}

func (b *builder) label(s string) string {
	if s != "" {
		b.labels[s] = struct{}{}
	}
	return s
}

func (b *builder) cite(v float64, labels map[string]string) string {
	cp := make(map[string]string, len(labels))
	for k, l := range labels {
		cp[k] = l
	}
	if len(cp) == 0 {
		cp = nil
	}
	b.cited = append(b.cited, model.CitedMetric{Metric: b.plan.Metric.Name, Value: v, Labels: cp})
	return FormatFigure(v)
}

// BuildSkeleton writes the narrative for the shape of plan.
func BuildSkeleton(plan model.RoutePlan, res *model.QueryResult) Skeleton {
	b := &builder{
		plan:   plan,
		res:    res,
		metric: strings.ReplaceAll(plan.Metric.Name, "_", " "),
		labels: map[string]struct{}{},
	}

	var text string
	switch {
	case plan.Comparison == model.ComparisonPeriodOverPeriod:
		text = b.periodComparison()
	case plan.Comparison == model.ComparisonSegmentVsSegment:
		text = b.segmentComparison()
	case len(plan.Dimensions) == 0 && plan.Grain == model.GrainNone:
		text = b.scalar()
	default:
		text = b.listing()
	}

	sk := Skeleton{Text: text, Cited: b.cited}
	for l := range b.labels {
		sk.Labels = append(sk.Labels, l)
	}
	return sk
}

func (b *builder) rows(sideCol string) []row {
	metricIdx := b.res.ColumnIndex(b.plan.Metric.Name)
	sideIdx := -1
	if sideCol != "" {
		sideIdx = b.res.ColumnIndex(sideCol)
	}
	out := make([]row, 0, len(b.res.Rows))
	for _, r := range b.res.Rows {
		rw := row{labels: map[string]string{}}
		var parts []string
		for i, c := range b.res.Columns {
			if i == metricIdx || c.Kind == model.ColumnMetric || c.Kind == model.ColumnPeriod {
				continue
			}
			l := b.label(validate.FormatLabel(r[i]))
			if i == sideIdx {
				rw.side = l
				continue
			}
			rw.labels[c.Name] = l
			parts = append(parts, l)
		}
		rw.key = strings.Join(parts, " / ")
		if metricIdx >= 0 {
			rw.value, rw.ok = query.Float64(r[metricIdx])
		}
		if sideCol == query.ColumnPeriod {
			if idx := b.res.ColumnIndex(query.ColumnPeriod); idx >= 0 {
				rw.side = fmt.Sprint(r[idx])
			}
		}
		out = append(out, rw)
	}
	return out
}

// scope describes the filters that are not themselves being compared.
func (b *builder) scope(skip string) string {
	var parts []string
	for _, f := range b.plan.Filters {
		if f.Name == skip {
			continue
		}
		vals := make([]string, len(f.Predicate.Values))
		for i, v := range f.Predicate.Values {
			vals[i] = b.label(v)
		}
		name := strings.ReplaceAll(f.Name, "_", " ")
		if f.Predicate.Op == model.OpNeq {
			parts = append(parts, "excluding "+name+" "+strings.Join(vals, " or "))
		} else {
			parts = append(parts, name+" "+strings.Join(vals, " or "))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " for " + strings.Join(parts, ", ")
}

func (b *builder) period(r model.TimeRange) string {
	if r.IsZero() {
		return "across all time"
	}
	l := r.Label
	if l == "" {
		l = r.Start.Format("2006-01-02") + " to " + r.End.Format("2006-01-02")
	}
	return "in " + b.label(l)
}

func (b *builder) title() string {
	return capitalize(b.metric)
}

func (b *builder) scalar() string {
	rows := b.rows("")
	head := fmt.Sprintf("%s%s %s", b.title(), b.scope(""), b.period(b.plan.TimeRange))
	if len(rows) == 0 || !rows[0].ok {
		return head + " has no recorded value."
	}
	return fmt.Sprintf("%s was %s.", head, b.cite(rows[0].value, nil))
}

func (b *builder) listing() string {
	var by []string
	if b.plan.Grain != model.GrainNone {
		by = append(by, string(b.plan.Grain))
	}
	for _, d := range b.plan.Dimensions {
		by = append(by, strings.ReplaceAll(d.Name, "_", " "))
	}
	head := fmt.Sprintf("%s by %s", b.title(), strings.Join(by, " and "))
	if b.plan.Limit > 0 && b.plan.Grain == model.GrainNone {
		head = fmt.Sprintf("Top %s by %s", strings.Join(by, " and "), b.metric)
	}
	head += b.scope("") + " " + b.period(b.plan.TimeRange) + ": "

	rows := b.rows("")
	items := make([]string, 0, min(len(rows), maxListed))
	for i, r := range rows {
		if i == maxListed {
			break
		}
		if !r.ok {
			items = append(items, r.key+" no value")
			continue
		}
		items = append(items, r.key+" "+b.cite(r.value, r.labels))
	}
	text := head + strings.Join(items, "; ") + "."
	if len(rows) > maxListed || b.res.Truncated {
		text += " Further rows are omitted."
	}
	return text
}

func (b *builder) periodComparison() string {
	cur, prev := b.plan.TimeRange, b.plan.Previous
	curLabel, prevLabel := b.period(cur), b.period(prev)

	type pair struct {
		labels     map[string]string
		cur, prev  float64
		hasC, hasP bool
	}
	var order []string
	pairs := map[string]*pair{}
	for _, r := range b.rows(query.ColumnPeriod) {
		p, ok := pairs[r.key]
		if !ok {
			p = &pair{labels: r.labels}
			pairs[r.key] = p
			order = append(order, r.key)
		}
		if !r.ok {
			continue
		}
		switch r.side {
		case query.PeriodCurrent:
			p.cur, p.hasC = r.value, true
		case query.PeriodPrevious:
			p.prev, p.hasP = r.value, true
		}
	}

	var sentences []string
	for i, key := range order {
		if i == maxListed {
			sentences = append(sentences, "Further rows are omitted.")
			break
		}
		p := pairs[key]
		subject := b.title() + b.scope("")
		if key != "" {
			subject = fmt.Sprintf("%s for %s", subject, key)
		}
		withPeriod := func(label string) map[string]string {
			m := map[string]string{query.ColumnPeriod: strings.TrimPrefix(label, "in ")}
			for k, v := range p.labels {
				m[k] = v
			}
			return m
		}
		switch {
		case p.hasC && p.hasP:
			sentences = append(sentences, fmt.Sprintf("%s %s was %s, compared with %s %s, %s.",
				subject, curLabel, b.cite(p.cur, withPeriod(curLabel)),
				b.cite(p.prev, withPeriod(prevLabel)), prevLabel, direction(p.cur, p.prev)))
		case p.hasC:
			sentences = append(sentences, fmt.Sprintf("%s %s was %s; no data was recorded %s.",
				subject, curLabel, b.cite(p.cur, withPeriod(curLabel)), prevLabel))
		case p.hasP:
			sentences = append(sentences, fmt.Sprintf("%s %s was %s; no data was recorded %s.",
				subject, prevLabel, b.cite(p.prev, withPeriod(prevLabel)), curLabel))
		}
	}
	if len(sentences) == 0 {
		return fmt.Sprintf("%s%s has no recorded value %s or %s.", b.title(), b.scope(""), curLabel, prevLabel)
	}
	return strings.Join(sentences, " ")
}

func (b *builder) segmentComparison() string {
	sf, ok := validate.SegmentFilter(b.plan)
	if !ok {
		return b.listing()
	}
	segments := sf.Predicate.Values
	for _, s := range segments {
		b.label(s)
	}

	var order []string
	groups := map[string]map[string]row{}
	for _, r := range b.rows(sf.Name) {
		if groups[r.key] == nil {
			groups[r.key] = map[string]row{}
			order = append(order, r.key)
		}
		groups[r.key][r.side] = r
	}

	head := fmt.Sprintf("%s%s %s", b.title(), b.scope(sf.Name), b.period(b.plan.TimeRange))
	var sentences []string
	for i, key := range order {
		if i == maxListed {
			sentences = append(sentences, "Further rows are omitted.")
			break
		}
		var items, missing []string
		var vals []float64
		for _, seg := range segments {
			r, ok := groups[key][seg]
			if !ok || !r.ok {
				missing = append(missing, seg)
				continue
			}
			labels := map[string]string{sf.Name: seg}
			for k, v := range r.labels {
				labels[k] = v
			}
			items = append(items, seg+" "+b.cite(r.value, labels))
			vals = append(vals, r.value)
		}
		prefix := head
		if key != "" {
			prefix += " for " + key
		}
		s := prefix + ": " + strings.Join(items, " versus ")
		if len(items) == 0 {
			s = prefix + ": no data"
		}
		if len(segments) == 2 && len(vals) == 2 {
			s += "; " + segments[0] + " is " + relation(vals[0], vals[1])
		}
		if len(missing) > 0 {
			s += "; no data for " + strings.Join(missing, " or ")
		}
		sentences = append(sentences, s+".")
	}
	if len(sentences) == 0 {
		return head + " has no recorded value for " + strings.Join(segments, " or ") + "."
	}
	return strings.Join(sentences, " ")
}

func direction(cur, prev float64) string {
	switch {
	case cur > prev:
		return "an increase"
	case cur < prev:
		return "a decrease"
	default:
		return "unchanged"
	}
}

func relation(a, b float64) string {
	switch {
	case a > b:
		return "higher"
	case a < b:
		return "lower"
	default:
		return "the same"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
