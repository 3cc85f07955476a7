// Package config holds the process-wide settings of the insights service.
// Every value is a flag with a documented default and may be overridden by an
// INSIGHTS_* environment variable named after the flag.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

const (
	WarehouseDuckDB     = "duckdb"
	WarehouseClickHouse = "clickhouse"
	WarehousePostgres   = "postgres"

	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"

	EnvPrefix = "INSIGHTS_"
)

type Config struct {
	Verbose bool

	// Catalog and rules. Empty paths use the embedded defaults.
	RegistryPath   string
	ScopeRulesPath string

	// Warehouse selection and connection settings.
	Warehouse          string
	DuckDBPath         string
	DuckDBReadOnly     bool
	DuckDBThreads      int
	DuckDBInitScripts  []string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	PostgresURL        string
	PostgresMaxConns   int32

	// Language model.
	LLMProvider     string
	AnthropicAPIKey string
	AnthropicModel  string
	OllamaURL       string
	OllamaModel     string
	Rephrase        bool
	LLMConcurrency  int64
	LLMQueueWait    time.Duration
	LLMTimeout      time.Duration
	LLMMaxRetries   int

	// Pipeline thresholds.
	ConfidenceThreshold float64
	MaxQuestionLength   int
	MaxRows             int
	QueryTimeout        time.Duration
	QueryMaxRetries     int
	QueryConcurrency    int
	CacheTTL            time.Duration
	NullRateWarning     float64
	NullRateCritical    float64
	UnknownShareWarning float64
	ComparisonMagnitude float64

	// Conversation memory.
	SessionTTL  time.Duration
	MaxSessions uint64
	MaxTurns    int

	// HTTP surface.
	ListenAddr        string
	AuthTokens        []string
	CORSOrigins       []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// BindFlags registers every setting on fs with its default.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "enable verbose (debug) logging")

	fs.StringVar(&c.RegistryPath, "registry", "", "path to the schema registry YAML (embedded default when empty)")
	fs.StringVar(&c.ScopeRulesPath, "scope-rules", "", "path to the scope rules YAML (embedded default when empty)")

	fs.StringVar(&c.Warehouse, "warehouse", WarehouseDuckDB, "warehouse to query: duckdb, clickhouse or postgres")
	fs.StringVar(&c.DuckDBPath, "duckdb-path", "", "DuckDB database file (in-memory when empty)")
	fs.BoolVar(&c.DuckDBReadOnly, "duckdb-read-only", false, "open the DuckDB database read-only")
	fs.IntVar(&c.DuckDBThreads, "duckdb-threads", 0, "DuckDB worker threads (0 for the DuckDB default)")
	fs.StringSliceVar(&c.DuckDBInitScripts, "duckdb-init", nil, "SQL scripts to run after opening DuckDB, in order")
	fs.StringVar(&c.ClickHouseAddr, "clickhouse-addr", "localhost:9000", "ClickHouse native protocol address")
	fs.StringVar(&c.ClickHouseDatabase, "clickhouse-database", "default", "ClickHouse database")
	fs.StringVar(&c.ClickHouseUsername, "clickhouse-username", "default", "ClickHouse username")
	fs.StringVar(&c.ClickHousePassword, "clickhouse-password", "", "ClickHouse password")
	fs.StringVar(&c.PostgresURL, "postgres-url", "", "PostgreSQL connection URL")
	fs.Int32Var(&c.PostgresMaxConns, "postgres-max-conns", 8, "PostgreSQL pool size")

	fs.StringVar(&c.LLMProvider, "llm-provider", ProviderAnthropic, "language model provider: anthropic or ollama")
	fs.StringVar(&c.AnthropicAPIKey, "anthropic-api-key", "", "Anthropic API key (or set ANTHROPIC_API_KEY)")
	fs.StringVar(&c.AnthropicModel, "anthropic-model", "claude-haiku-4-5", "Anthropic model")
	fs.StringVar(&c.OllamaURL, "ollama-url", "http://localhost:11434", "Ollama base URL (or set OLLAMA_URL)")
	fs.StringVar(&c.OllamaModel, "ollama-model", "llama3.1", "Ollama model")
	fs.BoolVar(&c.Rephrase, "rephrase", true, "rephrase skeleton narratives with the language model")
	fs.Int64Var(&c.LLMConcurrency, "llm-concurrency", 4, "maximum concurrent language model calls")
	fs.DurationVar(&c.LLMQueueWait, "llm-queue-wait", 5*time.Second, "maximum wait for a language model slot")
	fs.DurationVar(&c.LLMTimeout, "llm-timeout", 30*time.Second, "timeout for each language model call")
	fs.IntVar(&c.LLMMaxRetries, "llm-max-retries", 2, "retries after a transient language model failure")

	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", 0.5, "minimum intent confidence before asking for clarification")
	fs.IntVar(&c.MaxQuestionLength, "max-question-length", 500, "maximum question length in characters")
	fs.IntVar(&c.MaxRows, "max-rows", 1000, "maximum rows returned per query")
	fs.DurationVar(&c.QueryTimeout, "query-timeout", 30*time.Second, "timeout for each query attempt")
	fs.IntVar(&c.QueryMaxRetries, "query-max-retries", 2, "retries after a transient query failure")
	fs.IntVar(&c.QueryConcurrency, "query-concurrency", 8, "maximum concurrent warehouse queries")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", 0, "result cache TTL (0 disables caching)")
	fs.Float64Var(&c.NullRateWarning, "null-rate-warning", 0.1, "fraction of missing metric values that raises a warning")
	fs.Float64Var(&c.NullRateCritical, "null-rate-critical", 0.5, "fraction of missing metric values that blocks the narrative")
	fs.Float64Var(&c.UnknownShareWarning, "unknown-share-warning", 0.2, "fraction of unknown or missing category labels that raises a warning")
	fs.Float64Var(&c.ComparisonMagnitude, "comparison-magnitude", 10, "change ratio above which a comparison is flagged")

	fs.DurationVar(&c.SessionTTL, "session-ttl", 30*time.Minute, "idle time after which a conversation is forgotten")
	fs.Uint64Var(&c.MaxSessions, "max-sessions", 10000, "maximum live conversations")
	fs.IntVar(&c.MaxTurns, "max-turns", 5, "turns kept per conversation")

	fs.StringVar(&c.ListenAddr, "listen-addr", "0.0.0.0:8080", "HTTP listen address")
	fs.StringSliceVar(&c.AuthTokens, "auth-tokens", nil, "bearer tokens accepted on /v1 and /mcp (authentication disabled when empty)")
	fs.StringSliceVar(&c.CORSOrigins, "cors-origins", nil, "origins allowed to call the HTTP API from a browser")
	fs.DurationVar(&c.ReadHeaderTimeout, "read-header-timeout", 30*time.Second, "HTTP read header timeout")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "server shutdown timeout")
}

// EnvName returns the environment variable that overrides a flag.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// ApplyEnv sets every flag not given on the command line from its
// environment variable, if present. ANTHROPIC_API_KEY and OLLAMA_URL are
// honored when the corresponding INSIGHTS_* variable is unset.
func (c *Config) ApplyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	aliases := map[string]string{
		"anthropic-api-key": "ANTHROPIC_API_KEY",
		"ollama-url":        "OLLAMA_URL",
	}
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Changed {
			return
		}
		v, ok := lookup(EnvName(f.Name))
		if !ok {
			if alias, has := aliases[f.Name]; has {
				v, ok = lookup(alias)
			}
		}
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid value %q for %s: %w", v, EnvName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	switch c.Warehouse {
	case WarehouseDuckDB:
		if c.DuckDBReadOnly && c.DuckDBPath == "" {
			return errors.New("duckdb-read-only requires duckdb-path")
		}
	case WarehouseClickHouse:
		if c.ClickHouseAddr == "" {
			return errors.New("clickhouse-addr is required")
		}
	case WarehousePostgres:
		if c.PostgresURL == "" {
			return errors.New("postgres-url is required")
		}
	default:
		return fmt.Errorf("unknown warehouse %q", c.Warehouse)
	}

	switch c.LLMProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return errors.New("anthropic api key is required (set ANTHROPIC_API_KEY)")
		}
	case ProviderOllama:
		if c.OllamaURL == "" || c.OllamaModel == "" {
			return errors.New("ollama-url and ollama-model are required")
		}
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}

	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence-threshold must be in (0, 1], got %v", c.ConfidenceThreshold)
	}
	if c.NullRateWarning <= 0 || c.NullRateCritical > 1 || c.NullRateWarning >= c.NullRateCritical {
		return fmt.Errorf("null-rate thresholds must satisfy 0 < warning < critical <= 1, got %v and %v", c.NullRateWarning, c.NullRateCritical)
	}
	if c.UnknownShareWarning <= 0 || c.UnknownShareWarning > 1 {
		return fmt.Errorf("unknown-share-warning must be in (0, 1], got %v", c.UnknownShareWarning)
	}
	if c.ComparisonMagnitude <= 1 {
		return fmt.Errorf("comparison-magnitude must be greater than 1, got %v", c.ComparisonMagnitude)
	}
	if c.MaxRows <= 0 || c.MaxQuestionLength <= 0 || c.MaxTurns <= 0 || c.MaxSessions == 0 {
		return errors.New("max-rows, max-question-length, max-turns and max-sessions must be positive")
	}
	if c.QueryConcurrency <= 0 || c.LLMConcurrency <= 0 {
		return errors.New("query-concurrency and llm-concurrency must be positive")
	}
	if c.QueryMaxRetries < 0 || c.LLMMaxRetries < 0 {
		return errors.New("retry bounds must not be negative")
	}
	if c.QueryTimeout <= 0 || c.LLMTimeout <= 0 || c.LLMQueueWait <= 0 || c.SessionTTL <= 0 {
		return errors.New("timeouts and session-ttl must be positive")
	}
	if c.CacheTTL < 0 {
		return errors.New("cache-ttl must not be negative")
	}
	return nil
}
