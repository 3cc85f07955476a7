package scope

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/registry"
)

//go:embed rules.yaml
var defaultRules []byte

const defaultMaxQuestionLength = 500

// Rule names reported in ScopeDecision.Rule for non-pattern checks.
const (
	RuleEmpty         = "empty"
	RuleTooLong       = "too_long"
	RuleOutOfScope    = "out_of_scope"
	RuleUnknownMetric = "unknown_metric"
	RuleUnknownDim    = "unknown_dimension"
	RuleUnknownFilter = "unknown_filter"
	RuleUnknownValue  = "unknown_value"
	RuleComparison    = "incomplete_comparison"
	RuleNoPattern     = "no_analytical_pattern"
	RuleScreened      = "screened"
	RuleAdmitted      = "admitted"
)

type DenyRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

type RulesFile struct {
	Deny     []DenyRule `yaml:"deny"`
	FollowUp []string   `yaml:"follow_up"`
}

type Config struct {
	Logger   *slog.Logger
	Registry *registry.Store

	// RulesPath overrides the embedded rule set.
	RulesPath string

	MaxQuestionLength int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.MaxQuestionLength <= 0 {
		c.MaxQuestionLength = defaultMaxQuestionLength
	}
	return nil
}

type compiledRule struct {
	re   *regexp.Regexp
	rule DenyRule
}

// Guard admits or rejects an intent before any data access. It is
// fail-closed: a question is admitted only when every check passes.
type Guard struct {
	log      *slog.Logger
	cfg      Config
	deny     []compiledRule
	followUp []*regexp.Regexp
}

func New(cfg Config) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	data := defaultRules
	if cfg.RulesPath != "" {
		b, err := os.ReadFile(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read scope rules %s: %w", cfg.RulesPath, err)
		}
		data = b
	}
	var rules RulesFile
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse scope rules: %w", err)
	}

	g := &Guard{log: cfg.Logger, cfg: cfg}
	for _, r := range rules.Deny {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny rule %q: %w", r.Name, err)
		}
		g.deny = append(g.deny, compiledRule{re: re, rule: r})
	}
	for _, p := range rules.FollowUp {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid follow-up pattern %q: %w", p, err)
		}
		g.followUp = append(g.followUp, re)
	}
	return g, nil
}

// Check evaluates in and the question text. It never touches the query
// surface.
func (g *Guard) Check(in model.Intent, text string) model.ScopeDecision {
	d := g.check(in, text)
	if d.Allowed {
		g.log.Debug("scope: admitted", "metric", in.Metric)
	} else {
		g.log.Info("scope: blocked", "rule", d.Rule, "reason", d.Reason)
	}
	return d
}

// Screen applies the checks that need only the question text: emptiness,
// the length cap and the deny rules. Check applies them as well.
func (g *Guard) Screen(text string) model.ScopeDecision {
	d := g.screen(strings.TrimSpace(text))
	if !d.Allowed {
		g.log.Info("scope: blocked", "rule", d.Rule, "reason", d.Reason)
	}
	return d
}

func (g *Guard) screen(text string) model.ScopeDecision {
	if text == "" {
		return block(RuleEmpty, "Please ask a question about the sales data.")
	}
	if utf8.RuneCountInString(text) > g.cfg.MaxQuestionLength {
		return block(RuleTooLong, fmt.Sprintf("Questions are limited to %d characters.", g.cfg.MaxQuestionLength))
	}
	for _, r := range g.deny {
		if r.re.MatchString(text) {
			return block(r.rule.Name, r.rule.Reason)
		}
	}
	return model.ScopeDecision{Allowed: true, Reason: "question text passed screening", Rule: RuleScreened}
}

func (g *Guard) check(in model.Intent, text string) model.ScopeDecision {
	text = strings.TrimSpace(text)
	if d := g.screen(text); !d.Allowed {
		return d
	}
	if in.OutOfScope {
		return block(RuleOutOfScope, "I can only answer questions about the retail sales data.")
	}

	c := g.cfg.Registry.Current()
	if in.Metric == "" {
		return block(RuleUnknownMetric, "The question does not name a metric I can compute.")
	}
	if _, ok := c.Metric(in.Metric); !ok {
		return block(RuleUnknownMetric, fmt.Sprintf("%q is not a metric in the catalog. Available metrics: %s.", in.Metric, strings.Join(c.SortedMetrics(), ", ")))
	}
	for _, dim := range in.Dimensions {
		if _, ok := c.Dimension(dim); !ok {
			return block(RuleUnknownDim, fmt.Sprintf("%q is not a dimension in the catalog. Available dimensions: %s.", dim, strings.Join(c.SortedDimensions(), ", ")))
		}
	}
	for _, field := range in.FilterFields() {
		if _, ok := c.Dimension(field); !ok {
			return block(RuleUnknownFilter, fmt.Sprintf("Cannot filter on %q; it is not in the catalog.", field))
		}
		for _, v := range in.Filters[field].Values {
			if _, ok := c.ResolveValue(field, v); !ok {
				return block(RuleUnknownValue, fmt.Sprintf("%q is not a known %s.", v, field))
			}
		}
	}

	switch in.Comparison {
	case model.ComparisonPeriodOverPeriod:
		if in.TimeRange.Start.IsZero() || in.TimeRange.End.IsZero() {
			return block(RuleComparison, "A period comparison needs a specific time period, such as Q3 2024.")
		}
	case model.ComparisonSegmentVsSegment:
		if !hasSegments(in) {
			return block(RuleComparison, "A segment comparison needs at least two values of the same dimension, such as electronics vs apparel.")
		}
	}

	if c.MentionsTerm(text) {
		return model.ScopeDecision{Allowed: true, Reason: "question references catalog entities", Rule: RuleAdmitted}
	}
	if len(in.Inherited) > 0 && g.isFollowUp(text) {
		return model.ScopeDecision{Allowed: true, Reason: "follow-up to the previous question", Rule: RuleAdmitted}
	}
	return block(RuleNoPattern, "I couldn't match that to a question about the sales data. Try naming a metric, such as revenue, units or orders.")
}

func (g *Guard) isFollowUp(text string) bool {
	for _, re := range g.followUp {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func hasSegments(in model.Intent) bool {
	for field, p := range in.Filters {
		if p.Op == model.OpNeq || len(p.Values) < 2 {
			continue
		}
		for _, d := range in.Dimensions {
			if d == field {
				return true
			}
		}
	}
	return false
}

func block(rule, reason string) model.ScopeDecision {
	return model.ScopeDecision{Allowed: false, Reason: reason, Rule: rule}
}
