package query

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"net"
)

// Rows is a fully materialized result set.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Executor runs rendered statements against one warehouse connection.
type Executor interface {
	Dialect() Dialect

	// Query runs stmt with args and returns at most maxRows rows.
	Query(ctx context.Context, stmt string, args []any, maxRows int) (*Rows, error)

	Ping(ctx context.Context) error
	Close() error
}

// TransientError marks a failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying. Caller cancellation is
// never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NormalizeValue maps driver-specific scan results to plain Go values.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case *big.Int:
		if x == nil {
			return nil
		}
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	case float32:
		return float64(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return float64(x)
	default:
		return v
	}
}

// Float64 converts a normalized numeric value. ok is false for nil and
// non-numeric values.
func Float64(v any) (float64, bool) {
	switch x := NormalizeValue(v).(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
