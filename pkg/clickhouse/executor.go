package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/malbeclabs/insights/pkg/query"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultMaxExecutionTime = 60
)

// Server error codes that may clear on retry.
var transientCodes = map[int32]bool{
	159: true, // TIMEOUT_EXCEEDED
	202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
	209: true, // SOCKET_TIMEOUT
	210: true, // NETWORK_ERROR
	242: true, // TABLE_IS_READ_ONLY
	319: true, // UNKNOWN_STATUS_OF_INSERT
}

type Config struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string

	DialTimeout time.Duration

	// MaxExecutionTime is the server-side limit in seconds.
	MaxExecutionTime int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = defaultMaxExecutionTime
	}
	return nil
}

// Executor runs statements against a ClickHouse server over the native
// protocol.
type Executor struct {
	log  *slog.Logger
	conn driver.Conn
}

func New(ctx context.Context, cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.MaxExecutionTime,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	cfg.Logger.Info("clickhouse: executor initialized", "addr", cfg.Addr, "database", cfg.Database)
	return NewWithConn(cfg.Logger, conn), nil
}

// NewWithConn wraps an open connection.
func NewWithConn(log *slog.Logger, conn driver.Conn) *Executor {
	return &Executor{log: log, conn: conn}
}

func (e *Executor) Dialect() query.Dialect {
	return query.ClickHouse
}

func (e *Executor) Query(ctx context.Context, stmt string, args []any, maxRows int) (*query.Rows, error) {
	rows, err := e.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", classify(err))
	}
	defer rows.Close()

	columns := rows.Columns()
	types := rows.ColumnTypes()
	out := &query.Rows{Columns: columns}
	for rows.Next() {
		if maxRows > 0 && len(out.Values) >= maxRows {
			break
		}
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values := make([]any, len(dest))
		for i, d := range dest {
			values[i] = query.NormalizeValue(deref(reflect.ValueOf(d).Elem()))
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", classify(err))
	}
	return out, nil
}

func (e *Executor) Ping(ctx context.Context) error {
	return e.conn.Ping(ctx)
}

func (e *Executor) Close() error {
	return e.conn.Close()
}

// deref unwraps Nullable columns, which scan into pointer types.
func deref(v reflect.Value) any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var ex *clickhouse.Exception
	if errors.As(err, &ex) && transientCodes[ex.Code] {
		return query.Transient(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return query.Transient(err)
	}
	return err
}
