package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/insights/pkg/metrics"
	"github.com/malbeclabs/insights/pkg/model"
)

const (
	defaultMaxRows        = 1000
	defaultTimeout        = 30 * time.Second
	defaultMaxConcurrent  = 8
	defaultMaxRetries     = 2
	defaultInitialBackoff = 200 * time.Millisecond
	defaultCacheMaxCells  = 1_000_000
)

type Config struct {
	Logger   *slog.Logger
	Executor Executor

	// MaxRows caps the rows returned to callers.
	MaxRows int

	// Timeout bounds each attempt.
	Timeout time.Duration

	MaxConcurrent int

	// MaxRetries is the number of additional attempts after a transient
	// failure.
	MaxRetries int

	InitialBackoff time.Duration

	// CacheTTL enables result caching when positive.
	CacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.MaxRows <= 0 {
		c.MaxRows = defaultMaxRows
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	return nil
}

// Engine renders route plans and executes them with bounded concurrency,
// retries and an optional result cache. Identical statements in flight at the
// same time share one execution, which is cancelled once every caller waiting
// on it has gone.
type Engine struct {
	log   *slog.Logger
	cfg   Config
	pool  pond.ResultPool[*model.QueryResult]
	group singleflight.Group
	cache *ristretto.Cache

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context shared by the callers of one in-flight statement.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		log:     cfg.Logger,
		cfg:     cfg,
		pool:    pond.NewResultPool[*model.QueryResult](cfg.MaxConcurrent),
		flights: make(map[string]*flight),
	}
	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000,
			MaxCost:     defaultCacheMaxCells,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create query cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

func (e *Engine) Dialect() Dialect {
	return e.cfg.Executor.Dialect()
}

func (e *Engine) MaxRows() int {
	return e.cfg.MaxRows
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.cfg.Executor.Ping(ctx)
}

// Close stops the worker pool and releases the executor.
func (e *Engine) Close() error {
	e.pool.StopAndWait()
	if e.cache != nil {
		e.cache.Close()
	}
	return e.cfg.Executor.Close()
}

// Build renders plan without executing it.
func (e *Engine) Build(plan model.RoutePlan) (model.QuerySpec, []model.Column, error) {
	return Build(plan, e.Dialect(), e.cfg.MaxRows)
}

// Execute runs plan and returns at most MaxRows rows. Failures are reported
// as *model.QueryExecutionError; caller cancellation is returned as is.
func (e *Engine) Execute(ctx context.Context, plan model.RoutePlan) (*model.QueryResult, error) {
	spec, cols, err := e.Build(plan)
	if err != nil {
		metrics.QueryExecutionsTotal.WithLabelValues(string(plan.Mode), "invalid").Inc()
		return nil, &model.QueryExecutionError{Err: err}
	}
	key, err := cacheKey(spec)
	if err != nil {
		return nil, &model.QueryExecutionError{Err: err}
	}

	if res, ok := e.cached(key); ok {
		metrics.QueryCacheHitsTotal.Inc()
		metrics.QueryExecutionsTotal.WithLabelValues(string(plan.Mode), "cached").Inc()
		e.log.Debug("query: cache hit", "template", spec.TemplateID, "rows", res.RowCount)
		return res, nil
	}

	_, capped := FetchLimit(plan, e.cfg.MaxRows)
	f := e.join(key)
	defer e.leave(key, f)
	ch := e.group.DoChan(key, func() (any, error) {
		group := e.pool.NewGroupContext(f.ctx)
		group.SubmitErr(func() (*model.QueryResult, error) {
			return e.run(f.ctx, plan.Mode, spec, cols, capped)
		})
		results, err := group.Wait()
		if err != nil {
			return nil, err
		}
		res := results[0]
		e.store(key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		metrics.QueryExecutionsTotal.WithLabelValues(string(plan.Mode), "cancelled").Inc()
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			metrics.QueryExecutionsTotal.WithLabelValues(string(plan.Mode), "error").Inc()
			return nil, r.Err
		}
		res := *r.Val.(*model.QueryResult)
		metrics.QueryExecutionsTotal.WithLabelValues(string(plan.Mode), "ok").Inc()
		return &res, nil
	}
}

// join registers a caller of the statement keyed by key.
func (e *Engine) join(key string) *flight {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: ctx, cancel: cancel}
		e.flights[key] = f
	}
	f.waiters++
	return f
}

// leave deregisters a caller. The last caller out cancels the execution and
// makes later callers start a new one.
func (e *Engine) leave(key string, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if e.flights[key] == f {
		delete(e.flights, key)
		e.group.Forget(key)
	}
}

func (e *Engine) run(ctx context.Context, mode model.Mode, spec model.QuerySpec, cols []model.Column, capped bool) (*model.QueryResult, error) {
	limit := e.cfg.MaxRows
	if capped {
		limit++
	}

	attempt := 0
	start := time.Now()
	op := func() (*Rows, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		attemptStart := time.Now()
		rows, err := e.cfg.Executor.Query(attemptCtx, spec.Statement, spec.Params, limit)
		metrics.QueryDuration.WithLabelValues(string(mode)).Observe(time.Since(attemptStart).Seconds())
		if err != nil {
			if !IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return rows, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	rows, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			metrics.QueryRetriesTotal.Inc()
			e.log.Warn("query: transient failure, retrying", "template", spec.TemplateID, "attempt", attempt, "backoff", d, "error", err)
		}),
	)
	if err != nil {
		e.log.Error("query: execution failed", "template", spec.TemplateID, "attempts", attempt, "error", err)
		return nil, &model.QueryExecutionError{Attempts: attempt, Err: err}
	}

	res := toResult(rows, cols)
	res.Attempts = attempt
	res.ExecutionTime = time.Since(start)
	if capped && len(res.Rows) > e.cfg.MaxRows {
		res.Rows = res.Rows[:e.cfg.MaxRows]
		res.Truncated = true
		metrics.QueryTruncatedTotal.Inc()
	}
	res.RowCount = len(res.Rows)

	e.log.Debug("query: executed", "template", spec.TemplateID, "rows", res.RowCount, "truncated", res.Truncated, "attempts", attempt, "duration", res.ExecutionTime)
	return res, nil
}

// toResult labels the returned columns with the kinds the plan expects.
// Columns the plan did not ask for are kept as dimensions so validation can
// flag them.
func toResult(rows *Rows, expected []model.Column) *model.QueryResult {
	kinds := make(map[string]model.ColumnKind, len(expected))
	for _, c := range expected {
		kinds[c.Name] = c.Kind
	}
	res := &model.QueryResult{}
	for _, name := range rows.Columns {
		kind, ok := kinds[name]
		if !ok {
			kind = model.ColumnDimension
		}
		res.Columns = append(res.Columns, model.Column{Name: name, Kind: kind})
	}
	res.Rows = make([][]any, 0, len(rows.Values))
	for _, r := range rows.Values {
		out := make([]any, len(r))
		for i, v := range r {
			out[i] = NormalizeValue(v)
		}
		res.Rows = append(res.Rows, out)
	}
	return res
}

func (e *Engine) cached(key string) (*model.QueryResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	v, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	res := *v.(*model.QueryResult)
	res.Cached = true
	return &res, true
}

func (e *Engine) store(key string, res *model.QueryResult) {
	if e.cache == nil {
		return
	}
	cost := int64(len(res.Rows)*max(len(res.Columns), 1)) + 1
	e.cache.SetWithTTL(key, res, cost, e.cfg.CacheTTL)
	e.cache.Wait()
}

func cacheKey(spec model.QuerySpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to encode query key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
