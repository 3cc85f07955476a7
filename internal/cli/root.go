// Package cli implements the insights command line.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/insights/pkg/config"
	"github.com/malbeclabs/insights/pkg/logger"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// BuildInfo is set by the main package from linker flags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func Run(info BuildInfo) ExitCode {
	if err := NewRootCmd(info).Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(info BuildInfo) *cobra.Command {
	cfg := &config.Config{}
	rootCmd := &cobra.Command{
		Use:          "insights",
		Short:        "Answer analytical questions about the sales warehouse in plain language.",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", info.Version, info.Commit, info.Date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			if err := cfg.ApplyEnv(cmd.Flags(), os.LookupEnv); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		NewServeCmd(cfg, info).Command(),
		NewAskCmd(cfg).Command(),
		NewRegistryCmd(cfg).Command(),
	)
	return rootCmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logger.NewWithWriter(os.Stderr, cfg.Verbose)
}
