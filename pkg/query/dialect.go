package query

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/insights/pkg/model"
)

// Dialect captures the small set of syntax differences between the engines
// the templates render for.
type Dialect interface {
	Name() string

	// Placeholder returns the bind marker for the n-th parameter, 1-based.
	Placeholder(n int) string

	QuoteIdent(name string) string

	// FloatType is the type numeric aggregates are cast to.
	FloatType() string

	// TimeBucket truncates expr to the start of its grain bucket.
	TimeBucket(g model.Grain, expr string) string
}

var (
	DuckDB     Dialect = ansiDialect{name: "duckdb", float: "DOUBLE"}
	Postgres   Dialect = ansiDialect{name: "postgres", float: "DOUBLE PRECISION", numbered: true}
	ClickHouse Dialect = clickhouseDialect{}
)

type ansiDialect struct {
	name     string
	float    string
	numbered bool
}

func (d ansiDialect) Name() string { return d.name }

func (d ansiDialect) Placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d ansiDialect) QuoteIdent(name string) string { return quoteIdent(name) }

func (d ansiDialect) FloatType() string { return d.float }

func (d ansiDialect) TimeBucket(g model.Grain, expr string) string {
	return fmt.Sprintf("date_trunc('%s', %s)", string(g), expr)
}

type clickhouseDialect struct{}

func (clickhouseDialect) Name() string { return "clickhouse" }

func (clickhouseDialect) Placeholder(int) string { return "?" }

func (clickhouseDialect) QuoteIdent(name string) string { return quoteIdent(name) }

func (clickhouseDialect) FloatType() string { return "Float64" }

func (clickhouseDialect) TimeBucket(g model.Grain, expr string) string {
	switch g {
	case model.GrainWeek:
		return fmt.Sprintf("toMonday(%s)", expr)
	case model.GrainMonth:
		return fmt.Sprintf("toStartOfMonth(%s)", expr)
	case model.GrainQuarter:
		return fmt.Sprintf("toStartOfQuarter(%s)", expr)
	case model.GrainYear:
		return fmt.Sprintf("toStartOfYear(%s)", expr)
	default:
		return fmt.Sprintf("toDate(%s)", expr)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
