package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/malbeclabs/insights/pkg/query"
)

type Config struct {
	Logger *slog.Logger

	// Path is the database file. Empty opens an in-memory database.
	Path string

	ReadOnly bool
	Threads  int

	// InitScripts are SQL files run once after opening, in order.
	InitScripts []string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ReadOnly && c.Path == "" {
		return errors.New("read-only mode requires a database path")
	}
	if c.Threads < 0 {
		return errors.New("threads must not be negative")
	}
	return nil
}

func (c *Config) dsn() (string, error) {
	path := c.Path
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		path = abs
	}
	params := url.Values{}
	if c.ReadOnly {
		params.Set("access_mode", "read_only")
	}
	if c.Threads > 0 {
		params.Set("threads", strconv.Itoa(c.Threads))
	}
	if len(params) == 0 {
		return path, nil
	}
	return path + "?" + params.Encode(), nil
}

// Executor runs statements against an embedded DuckDB database.
type Executor struct {
	log *slog.Logger
	db  *sql.DB
}

func New(ctx context.Context, cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate duckdb config: %w", err)
	}
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	e := &Executor{log: cfg.Logger, db: db}

	for _, path := range cfg.InitScripts {
		script, err := os.ReadFile(path)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to read init script %s: %w", path, err)
		}
		if err := e.Exec(ctx, string(script)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run init script %s: %w", path, err)
		}
		e.log.Info("duckdb: ran init script", "path", path)
	}

	mode := "memory"
	if cfg.Path != "" {
		mode = cfg.Path
	}
	e.log.Info("duckdb: executor initialized", "database", mode, "read_only", cfg.ReadOnly)
	return e, nil
}

func (e *Executor) Dialect() query.Dialect {
	return query.DuckDB
}

// Exec runs a statement that returns no rows, such as DDL or a seed script.
func (e *Executor) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := e.db.ExecContext(ctx, stmt, args...); err != nil {
		return classify(err)
	}
	return nil
}

func (e *Executor) Query(ctx context.Context, stmt string, args []any, maxRows int) (*query.Rows, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", classify(err))
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", classify(err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	out := &query.Rows{Columns: columns}
	for rows.Next() {
		if maxRows > 0 && len(out.Values) >= maxRows {
			break
		}
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = query.NormalizeValue(v)
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", classify(err))
	}
	return out, nil
}

func (e *Executor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Executor) Close() error {
	return e.db.Close()
}

// classify marks lock contention and transaction conflicts as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"could not set lock", "conflict", "database is locked"} {
		if strings.Contains(msg, s) {
			return query.Transient(err)
		}
	}
	return err
}
