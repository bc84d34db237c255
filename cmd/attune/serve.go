package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/attune/internal/app"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/observe"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a conversation session on the local audio devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func serve(ctx context.Context, out io.Writer, configPath string) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(level))

	slog.Info("attune starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, cleanup, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return err
	}
	defer cleanup()

	printStartupSummary(out, cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		application.ApplyConfig(config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("session ready; press Ctrl+C to shut down", "session_id", application.SessionID())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║             attune startup summary            ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════════╣")
	printProvider(w, "STT", cfg.Providers.STT)
	printProvider(w, "LLM", cfg.Providers.LLM)
	printProvider(w, "TTS", cfg.Providers.TTS)
	printProvider(w, "Emotion", cfg.Providers.Emotion)
	printProvider(w, "VAD", cfg.Providers.VAD)
	printProvider(w, "Audio", cfg.Providers.Audio)
	printRow(w, "Capture", fmt.Sprintf("%d Hz / %d", cfg.Capture.SampleRate, cfg.Capture.FrameSize))
	printRow(w, "Crisis pause", onOff(cfg.Crisis.PauseOnCritical))
	printRow(w, "Degraded mode", onOff(cfg.ErrorHandling.DegradedMode))
	printRow(w, "Recorder", onOff(cfg.Recorder.Enabled))
	if cfg.Storage.PostgresDSN != "" {
		printRow(w, "Storage", "postgres")
	} else {
		printRow(w, "Storage", "(memory only)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind string, e config.ProviderEntry) {
	value := e.Name
	switch {
	case value == "":
		value = "(not configured)"
	case e.Model != "":
		value = e.Name + " / " + e.Model
	}
	if n := len(e.Fallbacks); n > 0 {
		value = fmt.Sprintf("%s +%d", value, n)
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 26 {
		value = string(r[:25]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-26s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
