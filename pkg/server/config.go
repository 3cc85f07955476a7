package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/insights/pkg/memory"
	"github.com/malbeclabs/insights/pkg/model"
	"github.com/malbeclabs/insights/pkg/registry"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultMaxBodyBytes      = 64 << 10
	defaultReadyTimeout      = 2 * time.Second
)

// Asker runs one conversational turn.
type Asker interface {
	Ask(ctx context.Context, sessionID, question string) (*model.Response, error)
}

// Pinger reports whether the warehouse is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger   *slog.Logger
	Pipeline Asker
	Memory   *memory.Store
	Registry *registry.Store

	// Warehouse backs /readyz. Readiness is unconditional when nil.
	Warehouse Pinger

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxBodyBytes      int64
	AllowedTokens     []string // Bearer tokens accepted on /v1 and /mcp
	CORSOrigins       []string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if c.Memory == nil {
		return errors.New("memory store is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return nil
}
