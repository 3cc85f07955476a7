package pipeline

import (
	"context"

	"github.com/malbeclabs/insights/pkg/model"
)

// IntentExtractor turns a question into an intent, inheriting from prior for
// follow-ups.
type IntentExtractor interface {
	Extract(ctx context.Context, q model.Question, prior *model.Intent) (model.Intent, error)
}

// ScopeChecker screens the raw question before extraction and checks the
// resolved intent after it.
type ScopeChecker interface {
	Screen(text string) model.ScopeDecision
	Check(in model.Intent, text string) model.ScopeDecision
}

type Router interface {
	Route(in model.Intent) (model.RoutePlan, error)
}

type QueryEngine interface {
	Execute(ctx context.Context, plan model.RoutePlan) (*model.QueryResult, error)
}

type Validator interface {
	Validate(plan model.RoutePlan, res *model.QueryResult) model.ValidationReport
}

type Synthesizer interface {
	Synthesize(ctx context.Context, question string, plan model.RoutePlan, res *model.QueryResult) (model.Insight, error)
}

// Progress reports a state transition of a running turn.
type Progress struct {
	SessionID string
	TurnID    string
	State     model.State
	Intent    *model.Intent    // Set from IntentResolved on
	Plan      *model.RoutePlan // Set from Routed on
	Rows      int              // Set from Queried on
	Error     error            // Set on failure terminals
}

// ProgressCallback is called at each state transition of a turn.
type ProgressCallback func(Progress)
