// Package pipeline runs one conversational turn through intent extraction,
// scope checking, routing, querying, validation and synthesis. Each stage
// either advances the turn or ends it in exactly one terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/insights/pkg/llm"
	"github.com/malbeclabs/insights/pkg/memory"
	"github.com/malbeclabs/insights/pkg/metrics"
	"github.com/malbeclabs/insights/pkg/model"
)

type Config struct {
	Logger    *slog.Logger
	Memory    *memory.Store
	Intent    IntentExtractor
	Scope     ScopeChecker
	Router    Router
	Query     QueryEngine
	Validator Validator
	Insight   Synthesizer
	Clock     clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Memory == nil {
		return errors.New("memory store is required")
	}
	if c.Intent == nil {
		return errors.New("intent extractor is required")
	}
	if c.Scope == nil {
		return errors.New("scope checker is required")
	}
	if c.Router == nil {
		return errors.New("router is required")
	}
	if c.Query == nil {
		return errors.New("query engine is required")
	}
	if c.Validator == nil {
		return errors.New("validator is required")
	}
	if c.Insight == nil {
		return errors.New("insight synthesizer is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline orchestrates turns. Turns of one session run one at a time;
// turns of different sessions run concurrently.
type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Ask runs a single turn. A new session id is generated when sessionID is
// empty.
func (p *Pipeline) Ask(ctx context.Context, sessionID, text string) (*model.Response, error) {
	return p.AskWithProgress(ctx, sessionID, text, nil)
}

// AskWithProgress runs a single turn and reports each state transition to
// onProgress. The returned error is non-nil only when ctx ends the turn; the
// response then has state Cancelled and nothing is written to memory.
func (p *Pipeline) AskWithProgress(ctx context.Context, sessionID, text string, onProgress ProgressCallback) (*model.Response, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	t := &turn{
		p:          p,
		onProgress: onProgress,
		q:          model.Question{Text: text, SessionID: sessionID, Timestamp: p.cfg.Clock.Now()},
		rec:        model.Turn{ID: uuid.NewString(), Question: text, State: model.StateReceived},
		started:    p.cfg.Clock.Now(),
	}

	lease, err := p.cfg.Memory.Acquire(ctx, sessionID)
	if err != nil {
		return t.cancelled(ctx, err)
	}
	defer lease.Release()
	t.lease = lease

	return t.run(ctx)
}

type turn struct {
	p          *Pipeline
	onProgress ProgressCallback
	lease      *memory.Lease
	q          model.Question
	rec        model.Turn
	plan       *model.RoutePlan
	rows       int
	started    time.Time
}

func (t *turn) run(ctx context.Context) (*model.Response, error) {
	log := t.p.log.With("session_id", t.q.SessionID, "turn_id", t.rec.ID)
	t.advance(model.StateReceived, nil)

	// Text-only scope checks run before any model call.
	if decision := t.p.cfg.Scope.Screen(t.q.Text); !decision.Allowed {
		return t.blocked(log, decision)
	}

	prior := t.lease.State().LastIntent()

	// Intent
	stageStart := t.p.cfg.Clock.Now()
	in, err := t.p.cfg.Intent.Extract(ctx, t.q, prior)
	t.observeStage("intent", stageStart)
	if err != nil {
		if ctx.Err() != nil {
			return t.cancelled(ctx, err)
		}
		var clar *model.ClarificationNeeded
		if errors.As(err, &clar) {
			log.Info("pipeline: clarification needed", "confidence", clar.Confidence)
			resp := t.response(model.ResponseClarification)
			resp.Message = clar.Question
			return t.finish(model.StateClarificationNeeded, err, resp)
		}
		log.Warn("pipeline: intent extraction unavailable", "error", err)
		resp := t.response(model.ResponseRefusal)
		resp.Message = "The assistant is busy right now. Please try again in a moment."
		if !errors.Is(err, llm.ErrBusy) {
			resp.Message = "The language model is unavailable right now. Please try again shortly."
		}
		resp.Retryable = true
		return t.finish(model.StateUnavailable, err, resp)
	}
	t.rec.Intent = &in
	t.advance(model.StateIntentResolved, nil)

	// Scope
	if decision := t.p.cfg.Scope.Check(in, t.q.Text); !decision.Allowed {
		return t.blocked(log, decision)
	}
	t.advance(model.StateScopeChecked, nil)

	// Route
	stageStart = t.p.cfg.Clock.Now()
	plan, err := t.p.cfg.Router.Route(in)
	t.observeStage("route", stageStart)
	if err != nil {
		log.Info("pipeline: routing failed", "error", err)
		resp := t.response(model.ResponseRefusal)
		resp.Message = "That combination isn't supported."
		var re *model.RoutingError
		if errors.As(err, &re) {
			resp.Message = fmt.Sprintf("That combination isn't supported: %s.", re.Reason)
		}
		return t.finish(model.StateRoutingFailed, err, resp)
	}
	t.plan = &plan
	t.advance(model.StateRouted, nil)

	// Query
	stageStart = t.p.cfg.Clock.Now()
	res, err := t.p.cfg.Query.Execute(ctx, plan)
	t.observeStage("query", stageStart)
	if err != nil {
		if ctx.Err() != nil {
			return t.cancelled(ctx, err)
		}
		log.Error("pipeline: query failed", "mode", plan.Mode, "error", err)
		resp := t.response(model.ResponseRefusal)
		resp.Message = "The data could not be retrieved. Please try again."
		resp.Retryable = true
		return t.finish(model.StateQueryFailed, err, resp)
	}
	t.rec.Result = res.Summary()
	t.rows = res.RowCount
	t.advance(model.StateQueried, nil)

	// Validate
	stageStart = t.p.cfg.Clock.Now()
	report := t.p.cfg.Validator.Validate(plan, res)
	t.observeStage("validate", stageStart)
	if report.Critical() {
		log.Warn("pipeline: validation blocked narrative", "critical", report.Messages(model.SeverityCritical))
		resp := t.response(model.ResponseCaveat)
		resp.Message = "The figures below could not be verified, so no summary is given."
		withRows(resp, res)
		resp.Caveats = append(report.Messages(model.SeverityCritical), report.Messages(model.SeverityWarning)...)
		return t.finish(model.StateValidationBlocked, &model.ValidationBlocked{Report: report}, resp)
	}
	t.advance(model.StateValidated, nil)

	// Synthesize
	stageStart = t.p.cfg.Clock.Now()
	ins, err := t.p.cfg.Insight.Synthesize(ctx, t.q.Text, plan, res)
	t.observeStage("synthesize", stageStart)
	if err != nil {
		return t.cancelled(ctx, err)
	}
	if ins.FallbackReason != "" {
		log.Info("pipeline: using skeleton narrative", "reason", ins.FallbackReason)
	}
	t.rec.Insight = &ins
	t.advance(model.StateSynthesized, nil)

	resp := t.response(model.ResponseInsight)
	resp.Narrative = ins.Narrative
	resp.CitedMetrics = ins.CitedMetrics
	withRows(resp, res)
	resp.Caveats = report.Messages(model.SeverityWarning)
	return t.finish(model.StateDelivered, nil, resp)
}

func (t *turn) advance(state model.State, err error) {
	t.rec.State = state
	if t.onProgress == nil {
		return
	}
	t.onProgress(Progress{
		SessionID: t.q.SessionID,
		TurnID:    t.rec.ID,
		State:     state,
		Intent:    t.rec.Intent,
		Plan:      t.plan,
		Rows:      t.rows,
		Error:     err,
	})
}

func (t *turn) blocked(log *slog.Logger, decision model.ScopeDecision) (*model.Response, error) {
	log.Info("pipeline: blocked by scope", "rule", decision.Rule, "reason", decision.Reason)
	resp := t.response(model.ResponseRefusal)
	resp.Message = decision.Reason
	return t.finish(model.StateBlocked, &model.ScopeViolation{Decision: decision}, resp)
}

// finish records the terminal state and commits the turn to memory. It is
// the only place a turn is written.
func (t *turn) finish(state model.State, cause error, resp *model.Response) (*model.Response, error) {
	t.advance(state, cause)
	t.rec.CompletedAt = t.p.cfg.Clock.Now()
	t.lease.Commit(t.rec)

	resp.State = state
	metrics.TurnsTotal.WithLabelValues(string(state)).Inc()
	t.p.log.Info("pipeline: turn completed", "session_id", t.q.SessionID, "turn_id", t.rec.ID, "state", state, "kind", resp.Kind, "duration", t.p.cfg.Clock.Since(t.started))
	return resp, nil
}

// cancelled ends a turn without touching memory.
func (t *turn) cancelled(ctx context.Context, cause error) (*model.Response, error) {
	err := ctx.Err()
	if err == nil {
		err = cause
	}
	t.advance(model.StateCancelled, err)
	metrics.TurnsTotal.WithLabelValues(string(model.StateCancelled)).Inc()
	t.p.log.Info("pipeline: turn cancelled", "session_id", t.q.SessionID, "turn_id", t.rec.ID, "error", err)

	resp := t.response(model.ResponseRefusal)
	resp.State = model.StateCancelled
	resp.Message = "The request was cancelled."
	resp.Retryable = true
	return resp, err
}

func (t *turn) response(kind model.ResponseKind) *model.Response {
	return &model.Response{Kind: kind, SessionID: t.q.SessionID, TurnID: t.rec.ID}
}

func withRows(resp *model.Response, res *model.QueryResult) {
	resp.Columns = make([]string, len(res.Columns))
	for i, c := range res.Columns {
		resp.Columns[i] = c.Name
	}
	resp.Rows = res.Rows
	resp.Truncated = res.Truncated
}

func (t *turn) observeStage(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(t.p.cfg.Clock.Since(start).Seconds())
}
