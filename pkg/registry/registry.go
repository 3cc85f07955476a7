package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/insights/pkg/model"
)

//go:embed default.yaml
var defaultCatalog []byte

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type TableKind string

const (
	TableFact      TableKind = "fact"
	TableDimension TableKind = "dimension"
	TableRollup    TableKind = "rollup"
)

type Table struct {
	Name        string            `yaml:"-"`
	Kind        TableKind         `yaml:"kind"`
	TimeColumn  string            `yaml:"time_column"`
	Grain       model.Grain       `yaml:"grain"`
	RowEstimate int64             `yaml:"row_estimate"`
	Columns     map[string]string `yaml:"columns"`

	// Rollup tables only.
	RollupOf   string            `yaml:"rollup_of"`
	Dimensions map[string]string `yaml:"dimensions"`
}

type Bounds struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

type Metric struct {
	Name         string            `yaml:"-"`
	Table        string            `yaml:"table"`
	Aggregation  model.Aggregation `yaml:"aggregation"`
	Column       string            `yaml:"column"`
	RollupColumn string            `yaml:"rollup_column"`
	NonNegative  bool              `yaml:"non_negative"`
	Bounds       Bounds            `yaml:"bounds"`
	Synonyms     []string          `yaml:"synonyms"`
}

type Dimension struct {
	Name     string   `yaml:"-"`
	Table    string   `yaml:"table"`
	Column   string   `yaml:"column"`
	JoinKey  string   `yaml:"join_key"`
	Synonyms []string `yaml:"synonyms"`
	Values   []string `yaml:"values"`
}

type Join struct {
	Left     string `yaml:"left"`
	LeftKey  string `yaml:"left_key"`
	Right    string `yaml:"right"`
	RightKey string `yaml:"right_key"`
}

type Limits struct {
	MaxGroupBy    int   `yaml:"max_group_by"`
	RollupMinRows int64 `yaml:"rollup_min_rows"`
}

// Catalog is the static set of metrics, dimensions, tables and joins that
// questions may reference. It is read-only after Parse.
type Catalog struct {
	Version    int                   `yaml:"version"`
	Tables     map[string]*Table     `yaml:"tables"`
	Metrics    map[string]*Metric    `yaml:"metrics"`
	Dimensions map[string]*Dimension `yaml:"dimensions"`
	Joins      []Join                `yaml:"joins"`
	Limits     Limits                `yaml:"limits"`

	metricTerms    map[string]string
	dimensionTerms map[string]string
	valueTerms     map[string]valueRef
}

type valueRef struct {
	dimension string
	value     string
}

// Default returns the embedded retail catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads and validates a catalog file. An empty path loads the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return &c, nil
}

func (c *Catalog) Validate() error {
	if len(c.Tables) == 0 {
		return errors.New("registry: no tables defined")
	}
	if len(c.Metrics) == 0 {
		return errors.New("registry: no metrics defined")
	}
	if c.Limits.MaxGroupBy <= 0 {
		c.Limits.MaxGroupBy = 3
	}

	var errs []error
	for name, t := range c.Tables {
		if t == nil {
			errs = append(errs, fmt.Errorf("table %q: empty definition", name))
			continue
		}
		t.Name = name
		if !identRe.MatchString(name) {
			errs = append(errs, fmt.Errorf("table %q: invalid identifier", name))
		}
		for col := range t.Columns {
			if !identRe.MatchString(col) {
				errs = append(errs, fmt.Errorf("table %q: invalid column identifier %q", name, col))
			}
		}
		switch t.Kind {
		case TableFact, TableRollup:
			if !t.HasColumn(t.TimeColumn) {
				errs = append(errs, fmt.Errorf("table %q: time column %q not found", name, t.TimeColumn))
			}
			if !t.Grain.Valid() {
				errs = append(errs, fmt.Errorf("table %q: invalid grain %q", name, t.Grain))
			}
		case TableDimension:
		default:
			errs = append(errs, fmt.Errorf("table %q: invalid kind %q", name, t.Kind))
		}
	}
	for name, t := range c.Tables {
		if t == nil || t.Kind != TableRollup {
			continue
		}
		if base, ok := c.Tables[t.RollupOf]; !ok || base.Kind != TableFact {
			errs = append(errs, fmt.Errorf("rollup %q: base %q is not a fact table", name, t.RollupOf))
		}
		for dim, col := range t.Dimensions {
			if !t.HasColumn(col) {
				errs = append(errs, fmt.Errorf("rollup %q: column %q for dimension %q not found", name, col, dim))
			}
		}
	}

	for name, m := range c.Metrics {
		if m == nil {
			errs = append(errs, fmt.Errorf("metric %q: empty definition", name))
			continue
		}
		m.Name = name
		if !identRe.MatchString(name) {
			errs = append(errs, fmt.Errorf("metric %q: invalid identifier", name))
		}
		t, ok := c.Tables[m.Table]
		if !ok || t == nil || t.Kind != TableFact {
			errs = append(errs, fmt.Errorf("metric %q: table %q is not a fact table", name, m.Table))
			continue
		}
		if !t.HasColumn(m.Column) {
			errs = append(errs, fmt.Errorf("metric %q: column %q not found in %q", name, m.Column, m.Table))
		}
		switch m.Aggregation {
		case model.AggSum, model.AggAvg, model.AggMin, model.AggMax:
			if t.Columns[m.Column] != "number" {
				errs = append(errs, fmt.Errorf("metric %q: %s over non-numeric column %q", name, m.Aggregation, m.Column))
			}
		case model.AggCount, model.AggCountDistinct:
		default:
			errs = append(errs, fmt.Errorf("metric %q: invalid aggregation %q", name, m.Aggregation))
		}
	}

	for name, d := range c.Dimensions {
		if d == nil {
			errs = append(errs, fmt.Errorf("dimension %q: empty definition", name))
			continue
		}
		d.Name = name
		if !identRe.MatchString(name) {
			errs = append(errs, fmt.Errorf("dimension %q: invalid identifier", name))
		}
		t, ok := c.Tables[d.Table]
		if !ok || t == nil {
			errs = append(errs, fmt.Errorf("dimension %q: table %q not found", name, d.Table))
			continue
		}
		if !t.HasColumn(d.Column) {
			errs = append(errs, fmt.Errorf("dimension %q: column %q not found in %q", name, d.Column, d.Table))
		}
		if d.JoinKey != "" && !t.HasColumn(d.JoinKey) {
			errs = append(errs, fmt.Errorf("dimension %q: join key %q not found in %q", name, d.JoinKey, d.Table))
		}
	}

	for i, j := range c.Joins {
		l, lok := c.Tables[j.Left]
		r, rok := c.Tables[j.Right]
		if !lok || !rok || l == nil || r == nil {
			errs = append(errs, fmt.Errorf("join %d: unknown table %q or %q", i, j.Left, j.Right))
			continue
		}
		if !l.HasColumn(j.LeftKey) || !r.HasColumn(j.RightKey) {
			errs = append(errs, fmt.Errorf("join %d: unknown key %s.%s or %s.%s", i, j.Left, j.LeftKey, j.Right, j.RightKey))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("registry: invalid catalog: %w", errors.Join(errs...))
	}
	return nil
}

func (t *Table) HasColumn(col string) bool {
	if t == nil || col == "" {
		return false
	}
	_, ok := t.Columns[col]
	return ok
}

func (c *Catalog) index() {
	c.metricTerms = make(map[string]string)
	c.dimensionTerms = make(map[string]string)
	c.valueTerms = make(map[string]valueRef)
	for name, m := range c.Metrics {
		c.metricTerms[normalize(name)] = name
		for _, s := range m.Synonyms {
			c.metricTerms[normalize(s)] = name
		}
	}
	for name, d := range c.Dimensions {
		c.dimensionTerms[normalize(name)] = name
		for _, s := range d.Synonyms {
			c.dimensionTerms[normalize(s)] = name
		}
		for _, v := range d.Values {
			c.valueTerms[normalize(v)] = valueRef{dimension: name, value: v}
		}
	}
}

func (c *Catalog) Metric(name string) (*Metric, bool) {
	m, ok := c.Metrics[name]
	return m, ok
}

func (c *Catalog) Dimension(name string) (*Dimension, bool) {
	d, ok := c.Dimensions[name]
	return d, ok
}

func (c *Catalog) Table(name string) (*Table, bool) {
	t, ok := c.Tables[name]
	return t, ok
}

// ResolveMetric maps a metric name or synonym to its canonical name.
func (c *Catalog) ResolveMetric(term string) (string, bool) {
	name, ok := c.metricTerms[normalize(term)]
	return name, ok
}

// ResolveDimension maps a dimension name or synonym to its canonical name.
func (c *Catalog) ResolveDimension(term string) (string, bool) {
	name, ok := c.dimensionTerms[normalize(term)]
	return name, ok
}

// ResolveValue returns the canonical spelling of value for dimension. It
// reports false when the dimension enumerates values and value is not one of
// them. Dimensions without enumerated values accept anything.
func (c *Catalog) ResolveValue(dimension, value string) (string, bool) {
	d, ok := c.Dimensions[dimension]
	if !ok {
		return "", false
	}
	if len(d.Values) == 0 {
		return value, true
	}
	want := normalize(value)
	for _, v := range d.Values {
		if normalize(v) == want {
			return v, true
		}
	}
	return "", false
}

// DimensionForValue finds the dimension that enumerates value.
func (c *Catalog) DimensionForValue(value string) (dimension, canonical string, ok bool) {
	ref, ok := c.valueTerms[normalize(value)]
	return ref.dimension, ref.value, ok
}

// MentionsTerm reports whether text contains any catalog metric, dimension or
// enumerated value as a whole word sequence.
func (c *Catalog) MentionsTerm(text string) bool {
	padded := " " + normalize(text) + " "
	for _, terms := range []map[string]string{c.metricTerms, c.dimensionTerms} {
		for term := range terms {
			if strings.Contains(padded, " "+term+" ") {
				return true
			}
		}
	}
	for term := range c.valueTerms {
		if strings.Contains(padded, " "+term+" ") {
			return true
		}
	}
	return false
}

// Rollups returns the rollup tables built from fact, ordered by row estimate.
func (c *Catalog) Rollups(fact string) []*Table {
	var out []*Table
	for _, t := range c.Tables {
		if t.Kind == TableRollup && t.RollupOf == fact {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RowEstimate != out[j].RowEstimate {
			return out[i].RowEstimate < out[j].RowEstimate
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// JoinPath returns the shortest sequence of joins connecting from to to,
// oriented so that each join's left table is already reachable.
func (c *Catalog) JoinPath(from, to string) ([]model.JoinSpec, bool) {
	if from == to {
		return nil, true
	}
	type edge struct {
		next string
		spec model.JoinSpec
	}
	adj := make(map[string][]edge)
	for _, j := range c.Joins {
		adj[j.Left] = append(adj[j.Left], edge{j.Right, model.JoinSpec{LeftTable: j.Left, LeftKey: j.LeftKey, RightTable: j.Right, RightKey: j.RightKey}})
		adj[j.Right] = append(adj[j.Right], edge{j.Left, model.JoinSpec{LeftTable: j.Right, LeftKey: j.RightKey, RightTable: j.Left, RightKey: j.LeftKey}})
	}
	for k := range adj {
		sort.Slice(adj[k], func(a, b int) bool { return adj[k][a].next < adj[k][b].next })
	}

	prev := map[string]edge{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range adj[cur] {
			if _, seen := prev[e.next]; seen {
				continue
			}
			prev[e.next] = edge{next: cur, spec: e.spec}
			if e.next == to {
				var path []model.JoinSpec
				for n := to; n != from; n = prev[n].next {
					path = append([]model.JoinSpec{prev[n].spec}, path...)
				}
				return path, true
			}
			queue = append(queue, e.next)
		}
	}
	return nil, false
}

// Summary renders a compact description of the catalog for prompts.
func (c *Catalog) Summary() string {
	var b strings.Builder
	b.WriteString("Metrics:\n")
	for _, name := range sortedKeys(c.Metrics) {
		m := c.Metrics[name]
		fmt.Fprintf(&b, "- %s (%s of %s)", name, m.Aggregation, m.Column)
		if len(m.Synonyms) > 0 {
			fmt.Fprintf(&b, "; also called: %s", strings.Join(m.Synonyms, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("Dimensions:\n")
	for _, name := range sortedKeys(c.Dimensions) {
		d := c.Dimensions[name]
		fmt.Fprintf(&b, "- %s", name)
		if len(d.Synonyms) > 0 {
			fmt.Fprintf(&b, "; also called: %s", strings.Join(d.Synonyms, ", "))
		}
		if len(d.Values) > 0 {
			fmt.Fprintf(&b, "; values: %s", strings.Join(d.Values, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedMetrics returns metric names in sorted order.
func (c *Catalog) SortedMetrics() []string { return sortedKeys(c.Metrics) }

// SortedDimensions returns dimension names in sorted order.
func (c *Catalog) SortedDimensions() []string { return sortedKeys(c.Dimensions) }

func normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	space := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
