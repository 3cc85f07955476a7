package clickhouse

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/insights/pkg/query"
)

func TestInsights_ClickHouse_Config_Validate(t *testing.T) {
	t.Parallel()

	require.Error(t, (&Config{}).Validate())
	require.Error(t, (&Config{Logger: slog.Default()}).Validate())

	cfg := Config{Logger: slog.Default(), Addr: "localhost:9000"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, defaultDialTimeout, cfg.DialTimeout)
	assert.Equal(t, defaultMaxExecutionTime, cfg.MaxExecutionTime)
}

func TestInsights_ClickHouse_Classify(t *testing.T) {
	t.Parallel()

	timeout := &clickhouse.Exception{Code: 159, Message: "timeout exceeded"}
	assert.True(t, query.IsTransient(classify(fmt.Errorf("query: %w", timeout))))

	syntax := &clickhouse.Exception{Code: 62, Message: "syntax error"}
	assert.False(t, query.IsTransient(classify(syntax)))

	assert.True(t, query.IsTransient(classify(io.EOF)))
	assert.False(t, query.IsTransient(classify(errors.New("unknown table"))))
	assert.Nil(t, classify(nil))
}

func TestInsights_ClickHouse_Deref(t *testing.T) {
	t.Parallel()

	s := "north"
	var nilStr *string
	ts := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "north", deref(reflect.ValueOf(&s).Elem()))
	assert.Equal(t, "north", deref(reflect.ValueOf(&s)))
	assert.Nil(t, deref(reflect.ValueOf(nilStr)))
	assert.Equal(t, ts, deref(reflect.ValueOf(ts)))
}

func TestInsights_ClickHouse_Dialect(t *testing.T) {
	t.Parallel()

	e := NewWithConn(slog.Default(), nil)
	assert.Equal(t, "clickhouse", e.Dialect().Name())
}
