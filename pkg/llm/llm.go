package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrBusy is returned when no call slot frees up within the queue wait.
	// Callers may retry later.
	ErrBusy = errors.New("language model busy")

	// ErrUnavailable wraps failures that persisted through retries.
	ErrUnavailable = errors.New("language model unavailable")

	ErrEmptyResponse = errors.New("no text content in response")
)

// Request is a single prompt. Purpose labels metrics and logs.
type Request struct {
	Purpose   string
	System    string
	Prompt    string
	MaxTokens int64

	// JSON asks providers that support it to constrain output to JSON.
	JSON bool
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type Completion struct {
	Text  string
	Usage Usage
}

// Client is a text completion service.
type Client interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether err is worth another attempt: rate limits,
// server errors and timeouts.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.Code)
	}
	if code, ok := anthropicStatus(err); ok {
		return retryableStatus(code)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, ErrEmptyResponse)
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}
