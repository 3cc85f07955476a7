package query

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/insights/pkg/model"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	maxRows []int
	fn      func(ctx context.Context, call int) (*Rows, error)
}

func (f *fakeExecutor) Dialect() Dialect { return DuckDB }

func (f *fakeExecutor) Query(ctx context.Context, stmt string, args []any, maxRows int) (*Rows, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.maxRows = append(f.maxRows, maxRows)
	f.mu.Unlock()
	return f.fn(ctx, call)
}

func (f *fakeExecutor) Ping(context.Context) error { return nil }

func (f *fakeExecutor) Close() error { return nil }

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func regionRows(n int) *Rows {
	rows := &Rows{Columns: []string{"region", "revenue"}}
	for i := 0; i < n; i++ {
		rows.Values = append(rows.Values, []any{[]byte("north"), float64(100 * (n - i))})
	}
	return rows
}

func newTestEngine(t *testing.T, exec Executor, mutate func(c *Config)) *Engine {
	t.Helper()
	cfg := Config{
		Logger:         slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Executor:       exec,
		MaxRows:        3,
		Timeout:        time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestInsights_Query_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)), Executor: &fakeExecutor{}, MaxRetries: -1}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultMaxRows, cfg.MaxRows)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.Equal(t, 0, cfg.MaxRetries)
}

func TestInsights_Query_Execute(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(context.Context, int) (*Rows, error) { return regionRows(2), nil }}
	e := newTestEngine(t, exec, nil)

	res, err := e.Execute(t.Context(), scanPlan())
	require.NoError(t, err)
	assert.Equal(t, []model.Column{
		{Name: "region", Kind: model.ColumnDimension},
		{Name: "revenue", Kind: model.ColumnMetric},
	}, res.Columns)
	assert.Equal(t, [][]any{{"north", 200.0}, {"north", 100.0}}, res.Rows)
	assert.Equal(t, 2, res.RowCount)
	assert.False(t, res.Truncated)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []int{4}, exec.maxRows)
}

func TestInsights_Query_Execute_TruncatesAtRowCap(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(context.Context, int) (*Rows, error) { return regionRows(4), nil }}
	e := newTestEngine(t, exec, nil)

	res, err := e.Execute(t.Context(), scanPlan())
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 3, res.RowCount)
	assert.Len(t, res.Rows, 3)
}

func TestInsights_Query_Execute_UserLimitIsNotTruncation(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(context.Context, int) (*Rows, error) { return regionRows(2), nil }}
	e := newTestEngine(t, exec, nil)

	plan := scanPlan()
	plan.Limit = 2
	res, err := e.Execute(t.Context(), plan)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, 2, res.RowCount)
}

func TestInsights_Query_Execute_RetriesTransient(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(_ context.Context, call int) (*Rows, error) {
		if call == 1 {
			return nil, Transient(errors.New("connection reset"))
		}
		return regionRows(1), nil
	}}
	e := newTestEngine(t, exec, nil)

	res, err := e.Execute(t.Context(), scanPlan())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, exec.Calls())
}

func TestInsights_Query_Execute_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("column does not exist")
	exec := &fakeExecutor{fn: func(context.Context, int) (*Rows, error) { return nil, boom }}
	e := newTestEngine(t, exec, nil)

	_, err := e.Execute(t.Context(), scanPlan())
	var qe *model.QueryExecutionError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 1, qe.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, exec.Calls())
}

func TestInsights_Query_Execute_RetriesBounded(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(ctx context.Context, _ int) (*Rows, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newTestEngine(t, exec, func(c *Config) {
		c.Timeout = 20 * time.Millisecond
		c.MaxRetries = 1
	})

	_, err := e.Execute(t.Context(), scanPlan())
	var qe *model.QueryExecutionError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 2, qe.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, exec.Calls())
}

func TestInsights_Query_Execute_Cancelled(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{fn: func(ctx context.Context, _ int) (*Rows, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newTestEngine(t, exec, func(c *Config) {
		c.Timeout = 200 * time.Millisecond
		c.MaxRetries = 0
	})

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-started
		cancel()
	}()
	_, err := e.Execute(ctx, scanPlan())
	require.ErrorIs(t, err, context.Canceled)
}

func TestInsights_Query_Execute_CancelReachesExecutor(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{fn: func(ctx context.Context, _ int) (*Rows, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	}}
	e := newTestEngine(t, exec, func(c *Config) {
		c.Timeout = time.Minute
		c.MaxRetries = 0
	})

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-started
		cancel()
	}()
	_, err := e.Execute(ctx, scanPlan())
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("executor kept running after its only caller left")
	}
}

func TestInsights_Query_Execute_SharedExecutionSurvivesOneCaller(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{fn: func(ctx context.Context, _ int) (*Rows, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return regionRows(1), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	e := newTestEngine(t, exec, func(c *Config) { c.MaxRetries = 0 })

	type outcome struct {
		res *model.QueryResult
		err error
	}
	stay := make(chan outcome, 1)
	go func() {
		res, err := e.Execute(t.Context(), scanPlan())
		stay <- outcome{res, err}
	}()
	<-started

	ctx, cancel := context.WithCancel(t.Context())
	left := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, scanPlan())
		left <- err
	}()
	cancel()
	require.ErrorIs(t, <-left, context.Canceled)

	close(release)
	got := <-stay
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.res.RowCount)
	assert.Equal(t, 1, exec.Calls())
}

func TestInsights_Query_Execute_InvalidPlan(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(context.Context, int) (*Rows, error) { return regionRows(1), nil }}
	e := newTestEngine(t, exec, nil)

	plan := scanPlan()
	plan.Mode = "full_scan"
	_, err := e.Execute(t.Context(), plan)
	var qe *model.QueryExecutionError
	require.ErrorAs(t, err, &qe)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.Equal(t, 0, exec.Calls())
}

func TestInsights_Query_Execute_Cache(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{fn: func(context.Context, int) (*Rows, error) { return regionRows(2), nil }}
	e := newTestEngine(t, exec, func(c *Config) { c.CacheTTL = time.Minute })

	first, err := e.Execute(t.Context(), scanPlan())
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.Execute(t.Context(), scanPlan())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, 1, exec.Calls())

	other := scanPlan()
	other.Filters[0].Predicate.Values = []string{"store"}
	_, err = e.Execute(t.Context(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, exec.Calls())
}

func TestInsights_Query_NormalizeValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "x", NormalizeValue([]byte("x")))
	assert.Equal(t, int64(7), NormalizeValue(int32(7)))
	assert.Equal(t, 1.5, NormalizeValue(float32(1.5)))
	assert.Nil(t, NormalizeValue(nil))

	f, ok := Float64(int64(3))
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)
	_, ok = Float64("3")
	assert.False(t, ok)
}

func TestInsights_Query_IsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("syntax error")))
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Transient(nil))
}
