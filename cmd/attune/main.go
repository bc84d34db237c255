// Command attune is the entry point of the attune voice companion.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/attune/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "attune",
		Short:        "Emotion-aware voice companion",
		Long:         "attune listens to one patient through a local microphone, answers by voice in an emotion-adapted style and intervenes when the crisis monitor raises a tier.",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newExportCmd(),
	)
	return root
}

// addConfigFlag registers the --config flag shared by every subcommand.
func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", "attune.yaml", "path to the YAML configuration file")
}

// loadConfig loads path and turns a missing file into a friendlier error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger whose level follows lvl, so that hot
// reload can change it.
func newLogger(lvl *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
