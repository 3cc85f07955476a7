package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/insights/pkg/query"
)

const defaultMaxConns = 8

// SQLSTATE codes that may clear on retry.
var transientStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
}

type Config struct {
	Logger *slog.Logger

	// URL is a postgres:// connection string.
	URL string

	MaxConns int32
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	return nil
}

// Executor runs statements against Postgres through a pgx pool. Every query
// runs in a read-only transaction.
type Executor struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres config: %w", err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	cfg.Logger.Info("postgres: executor initialized", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database)
	return &Executor{log: cfg.Logger, pool: pool}, nil
}

func (e *Executor) Dialect() query.Dialect {
	return query.Postgres
}

func (e *Executor) Query(ctx context.Context, stmt string, args []any, maxRows int) (*query.Rows, error) {
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", classify(err))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &query.Rows{Columns: make([]string, len(fields))}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}
	for rows.Next() {
		if maxRows > 0 && len(out.Values) >= maxRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", classify(err))
	}
	return out, nil
}

func (e *Executor) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

func (e *Executor) Close() error {
	e.pool.Close()
	return nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", x[0:4], x[4:6], x[6:8], x[8:10], x[10:16])
	default:
		return query.NormalizeValue(v)
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientStates[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return query.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return query.Transient(err)
	}
	return err
}
