package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/insights/pkg/llm"
	"github.com/malbeclabs/insights/pkg/metrics"
	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/prompts"
)

const defaultMaxTokens = 400

const (
	ReasonRephraseFailed = "rephrase_failed"
	ReasonEmpty          = "empty_rephrase"
	ReasonUngrounded     = "ungrounded"
)

type Config struct {
	Logger  *slog.Logger
	Prompts *prompts.Prompts

	// LLM rephrases the skeleton. When nil the skeleton is delivered as is.
	LLM llm.Client

	MaxTokens int64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM != nil && c.Prompts == nil {
		return errors.New("prompts are required with an llm")
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return nil
}

// Synthesizer writes narratives that only cite figures present in the
// result.
type Synthesizer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synthesizer{log: cfg.Logger, cfg: cfg}, nil
}

// Synthesize returns an insight for res. Rephrase failures fall back to the
// skeleton and are recorded in FallbackReason; only caller cancellation is
// returned as an error.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, plan model.RoutePlan, res *model.QueryResult) (model.Insight, error) {
	sk := BuildSkeleton(plan, res)
	ins := model.Insight{
		Narrative:    sk.Text,
		CitedMetrics: sk.Cited,
		Skeleton:     sk.Text,
		Grounded:     true,
	}
	if s.cfg.LLM == nil {
		return ins, nil
	}

	text, err := s.rephrase(ctx, question, sk)
	if err != nil {
		if ctx.Err() != nil {
			return ins, ctx.Err()
		}
		return s.fallback(ins, err), nil
	}
	ins.Narrative = text
	return ins, nil
}

func (s *Synthesizer) rephrase(ctx context.Context, question string, sk Skeleton) (string, error) {
	completion, err := s.cfg.LLM.Complete(ctx, llm.Request{
		Purpose:   "insight",
		System:    s.cfg.Prompts.Insight,
		Prompt:    fmt.Sprintf("Question: %s\n\nStatement: %s", question, sk.Text),
		MaxTokens: s.cfg.MaxTokens,
	})
	if err != nil {
		return "", &model.InsightGenerationError{Reason: ReasonRephraseFailed, Err: err}
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return "", &model.InsightGenerationError{Reason: ReasonEmpty}
	}
	if ok, token := Grounded(text, sk.Cited, sk.Labels); !ok {
		return "", &model.InsightGenerationError{Reason: ReasonUngrounded + ": " + describeFigure(token)}
	}
	return text, nil
}

func (s *Synthesizer) fallback(ins model.Insight, err error) model.Insight {
	reason := ReasonRephraseFailed
	var ige *model.InsightGenerationError
	if errors.As(err, &ige) {
		reason, _, _ = strings.Cut(ige.Reason, ":")
	}
	metrics.InsightFallbacksTotal.WithLabelValues(reason).Inc()
	s.log.Warn("insight: falling back to skeleton", "reason", reason, "error", err)
	ins.FallbackReason = err.Error()
	return ins
}
