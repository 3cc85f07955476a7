package model

import "time"

// State is a pipeline state for a single turn.
type State string

const (
	StateReceived       State = "received"
	StateIntentResolved State = "intent_resolved"
	StateScopeChecked   State = "scope_checked"
	StateRouted         State = "routed"
	StateQueried        State = "queried"
	StateValidated      State = "validated"
	StateSynthesized    State = "synthesized"
	StateDelivered      State = "delivered"

	StateClarificationNeeded State = "clarification_needed"
	StateBlocked             State = "blocked"
	StateRoutingFailed       State = "routing_failed"
	StateQueryFailed         State = "query_failed"
	StateValidationBlocked   State = "validation_blocked"
	StateUnavailable         State = "unavailable"
	StateCancelled           State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateClarificationNeeded, StateBlocked, StateRoutingFailed,
		StateQueryFailed, StateValidationBlocked, StateUnavailable, StateCancelled:
		return true
	}
	return false
}

// Turn is one completed question/answer exchange in a session.
type Turn struct {
	ID          string         `json:"id"`
	Question    string         `json:"question"`
	State       State          `json:"state"`
	Intent      *Intent        `json:"intent,omitempty"`
	Result      *ResultSummary `json:"result,omitempty"`
	Insight     *Insight       `json:"insight,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Resolved reports whether the turn carries an intent that a follow-up may
// inherit from.
func (t Turn) Resolved() bool {
	if t.Intent == nil {
		return false
	}
	switch t.State {
	case StateClarificationNeeded, StateBlocked, StateUnavailable, StateCancelled:
		return false
	}
	return true
}

// ConversationState is the bounded turn history of one session.
type ConversationState struct {
	SessionID string `json:"session_id"`
	Turns     []Turn `json:"turns"`
}

// LastIntent returns the intent of the most recent resolved turn.
func (c *ConversationState) LastIntent() *Intent {
	if c == nil {
		return nil
	}
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Resolved() {
			in := c.Turns[i].Intent.Clone()
			return &in
		}
	}
	return nil
}

type ResponseKind string

const (
	ResponseInsight       ResponseKind = "insight"
	ResponseClarification ResponseKind = "clarification"
	ResponseRefusal       ResponseKind = "refusal"
	ResponseCaveat        ResponseKind = "caveat"
)

// Response is the only shape returned across the conversational boundary.
type Response struct {
	Kind         ResponseKind  `json:"kind"`
	SessionID    string        `json:"session_id"`
	TurnID       string        `json:"turn_id"`
	State        State         `json:"state"`
	Message      string        `json:"message,omitempty"`
	Narrative    string        `json:"narrative,omitempty"`
	CitedMetrics []CitedMetric `json:"cited_metrics,omitempty"`
	Columns      []string      `json:"columns,omitempty"`
	Rows         [][]any       `json:"rows,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	Caveats      []string      `json:"caveats,omitempty"`
	Retryable    bool          `json:"retryable,omitempty"`
}
