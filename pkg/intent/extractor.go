package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/malbeclabs/insights/pkg/llm"
	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/prompts"
	"github.com/malbeclabs/insights/pkg/registry"
	"github.com/malbeclabs/insights/pkg/timerange"
)

const (
	defaultConfidenceThreshold = 0.5
	defaultMaxTokens           = 512
)

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Registry  *registry.Store
	Prompts   *prompts.Prompts
	Resolver  *timerange.Resolver
	MaxTokens int64

	// ConfidenceThreshold is the minimum confidence for an intent to proceed
	// without clarification.
	ConfidenceThreshold float64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Prompts == nil {
		return errors.New("prompts are required")
	}
	if c.Resolver == nil {
		c.Resolver = timerange.NewResolver(nil)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		c.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return nil
}

// Extractor turns a question into an Intent using the language model for
// classification and deterministic code for everything else.
type Extractor struct {
	log    *slog.Logger
	cfg    Config
	schema string
}

func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := jsonschema.For[Output](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build intent schema: %w", err)
	}
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent schema: %w", err)
	}
	return &Extractor{log: cfg.Logger, cfg: cfg, schema: string(b)}, nil
}

// Extract classifies q. prior is the most recent resolved intent of the
// session, if any. A *model.ClarificationNeeded error is returned when the
// intent cannot be resolved confidently; llm errors are returned wrapped.
func (e *Extractor) Extract(ctx context.Context, q model.Question, prior *model.Intent) (model.Intent, error) {
	catalog := e.cfg.Registry.Current()

	system := prompts.Fill(e.cfg.Prompts.Intent, map[string]string{
		"CATALOG": catalog.Summary(),
		"SCHEMA":  e.schema,
	})
	var user strings.Builder
	if prior != nil {
		b, _ := json.Marshal(prior)
		fmt.Fprintf(&user, "Previous intent (context only): %s\n\n", b)
	}
	fmt.Fprintf(&user, "Question: %s", q.Text)

	completion, err := e.cfg.LLM.Complete(ctx, llm.Request{
		Purpose:   "intent",
		System:    system,
		Prompt:    user.String(),
		MaxTokens: e.cfg.MaxTokens,
		JSON:      true,
	})
	if err != nil {
		return model.Intent{}, fmt.Errorf("failed to classify question: %w", err)
	}

	var out Output
	if err := llm.DecodeJSON(completion.Text, &out); err != nil {
		e.log.Warn("intent: malformed model output", "session_id", q.SessionID, "error", err)
		return model.Intent{}, &model.ClarificationNeeded{
			Question: "I couldn't interpret that question. Could you rephrase it in terms of a metric, such as revenue or units, and a time period?",
		}
	}

	return e.Resolve(q, out, prior)
}

// Resolve normalizes model output against the catalog, resolves the time
// range and applies follow-up inheritance. It is deterministic.
func (e *Extractor) Resolve(q model.Question, out Output, prior *model.Intent) (model.Intent, error) {
	catalog := e.cfg.Registry.Current()
	in := normalize(catalog, out)

	if strings.TrimSpace(out.TimeRange) != "" {
		tr, err := e.cfg.Resolver.Resolve(out.TimeRange)
		if err != nil {
			return model.Intent{}, &model.ClarificationNeeded{
				Question:   fmt.Sprintf("I couldn't work out the time period %q. Could you give it as a quarter, month, year or date range?", out.TimeRange),
				Confidence: out.Confidence,
			}
		}
		in.TimeRange = tr
	}

	followUp := out.FollowUp || (prior != nil && in.Metric == "" && !in.OutOfScope)
	if prior != nil && followUp {
		in = Inherit(in, *prior)
	}
	completeShape(&in)

	log := e.log.With("session_id", q.SessionID)
	if in.OutOfScope {
		log.Info("intent: classified out of scope", "question", q.Text)
		return in, nil
	}
	if in.Confidence < e.cfg.ConfidenceThreshold {
		log.Info("intent: low confidence", "confidence", in.Confidence, "threshold", e.cfg.ConfidenceThreshold)
		return model.Intent{}, &model.ClarificationNeeded{Question: clarification(out, in), Confidence: in.Confidence}
	}
	if in.Metric == "" {
		return model.Intent{}, &model.ClarificationNeeded{
			Question:   "Which metric are you asking about? For example: " + strings.Join(catalog.SortedMetrics(), ", ") + ".",
			Confidence: in.Confidence,
		}
	}
	log.Debug("intent: resolved", "metric", in.Metric, "dimensions", in.Dimensions, "filters", in.Filters, "time_range", in.TimeRange.Label, "inherited", in.Inherited)
	return in, nil
}

func clarification(out Output, in model.Intent) string {
	if q := strings.TrimSpace(out.Clarification); q != "" {
		return q
	}
	if len(in.Ambiguities) > 0 {
		return "I'm not sure what you meant: " + strings.Join(in.Ambiguities, "; ") + ". Could you clarify?"
	}
	return "I'm not confident I understood the question. Could you name the metric, any breakdown, and the time period?"
}

// completeShape derives defaults that depend on other fields.
func completeShape(in *model.Intent) {
	if in.Comparison == "" {
		in.Comparison = model.ComparisonNone
	}
	if in.Comparison == model.ComparisonSegmentVsSegment {
		for _, field := range in.FilterFields() {
			if len(in.Filters[field].Values) > 1 && !contains(in.Dimensions, field) {
				in.Dimensions = append(in.Dimensions, field)
				break
			}
		}
	}
	if in.QuestionType == "" {
		switch {
		case in.Comparison != model.ComparisonNone:
			in.QuestionType = model.QuestionTypeComparison
		case in.Grain != model.GrainNone:
			in.QuestionType = model.QuestionTypeTrend
		case in.Limit > 0:
			in.QuestionType = model.QuestionTypeRanking
		default:
			in.QuestionType = model.QuestionTypeAggregation
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
