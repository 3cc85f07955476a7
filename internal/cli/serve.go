package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/insights/pkg/config"
	"github.com/malbeclabs/insights/pkg/metrics"
	"github.com/malbeclabs/insights/pkg/server"
)

type ServeCmd struct {
	cfg  *config.Config
	info BuildInfo
}

func NewServeCmd(cfg *config.Config, info BuildInfo) *ServeCmd {
	return &ServeCmd{cfg: cfg, info: info}
}

func (c *ServeCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the MCP endpoint and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context())
		},
	}
}

func (c *ServeCmd) run(ctx context.Context) error {
	log := newLogger(c.cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.BuildInfo.WithLabelValues(c.info.Version, c.info.Commit, c.info.Date).Set(1)

	a, err := newApp(ctx, log, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(server.Config{
		Logger:            log,
		Pipeline:          a.pipeline,
		Memory:            a.memory,
		Registry:          a.registry,
		Warehouse:         a.engine,
		Version:           c.info.Version,
		ListenAddr:        c.cfg.ListenAddr,
		ReadHeaderTimeout: c.cfg.ReadHeaderTimeout,
		ShutdownTimeout:   c.cfg.ShutdownTimeout,
		AllowedTokens:     c.cfg.AuthTokens,
		CORSOrigins:       c.cfg.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("serve: starting", "warehouse", c.cfg.Warehouse, "llm", c.cfg.LLMProvider, "dialect", a.engine.Dialect().Name())
	if err := srv.Run(ctx, nil); err != nil {
		log.Error("serve: server error causing shutdown", "error", err)
		return err
	}
	return nil
}
