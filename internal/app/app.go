// Package app wires all attune subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run captures audio and serves the control API until the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithMixer, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/attune/internal/bus"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/engine"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/recorder"
	"github.com/MrWong99/attune/internal/responder"
	"github.com/MrWong99/attune/internal/safety"
	"github.com/MrWong99/attune/pkg/audio"
	audiomixer "github.com/MrWong99/attune/pkg/audio/mixer"
	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/llm"
	"github.com/MrWong99/attune/pkg/provider/stt"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/provider/vad"
	"github.com/MrWong99/attune/pkg/sessionlog"
	"github.com/MrWong99/attune/pkg/sessionlog/postgres"
)

// Bus priorities of the built-in consumers. The conversation is served
// first on every tick.
const (
	priorityConversation = 100
	priorityEmotion      = 50
	priorityRecorder     = 10
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Emotion is optional. Without it only transcript keywords and the
	// generation crisis flag can raise the crisis tier.
	Emotion emotion.Provider

	VAD   vad.Engine
	Audio audio.Source

	// Sink receives the mixed playback. Required unless a mixer is injected.
	Sink audio.Sink

	// Names label provider metrics.
	Names engine.ProviderNames
}

// audioFeed is implemented by emotion providers that analyze the patient's
// audio themselves and therefore need a bus consumer slot.
type audioFeed interface {
	Format() audio.Format
	Send(chunk []byte) bool
}

// App owns all subsystem lifetimes of one attune process.
type App struct {
	cfg       *config.Config
	providers *Providers
	sessionID string
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store     sessionlog.Store
	log       *sessionlog.Log
	monitor   *safety.Monitor
	responder responder.Responder
	mixer     audio.Mixer
	engine    *engine.Engine
	bus       *bus.Bus
	recorder  *recorder.Recorder
	handler   http.Handler

	serverMu sync.Mutex
	server   *http.Server

	// runCtx is the context Run was called with. Sessions restarted through
	// the control API live under it.
	runMu  sync.Mutex
	runCtx context.Context

	// captureOK is false when the capture device could not be opened and
	// the session runs text-only.
	captureMu sync.Mutex
	captureOK bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of connecting to Postgres.
func WithStore(s sessionlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMixer injects an audio mixer instead of creating a PriorityMixer on
// the configured sink.
func WithMixer(m audio.Mixer) Option {
	return func(a *App) { a.mixer = m }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSessionID fixes the session id instead of generating a UUID.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithLevelVar lets hot reload adjust the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously but does not touch the
// capture device; that happens in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, llm and tts providers are required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: audio source is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Session log ───────────────────────────────────────────────────
	var logOpts []sessionlog.Option
	if a.store != nil {
		logOpts = append(logOpts, sessionlog.WithStore(a.store))
	}
	a.log = sessionlog.New(a.sessionID, logOpts...)

	// ── 3. Crisis monitor ────────────────────────────────────────────────
	monitor, err := safety.NewMonitor(cfg.Crisis, safety.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init crisis monitor: %w", err)
	}
	a.monitor = monitor

	// ── 4. Responder ─────────────────────────────────────────────────────
	a.responder = a.newResponder()

	// ── 5. Mixer ─────────────────────────────────────────────────────────
	if err := a.initMixer(); err != nil {
		return nil, fmt.Errorf("app: init mixer: %w", err)
	}

	// ── 6. Conversation engine ───────────────────────────────────────────
	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		STT:       providers.STT,
		Responder: a.responder,
		TTS:       providers.TTS,
		Mixer:     a.mixer,
		Monitor:   a.monitor,
		Log:       a.log,
		VAD:       providers.VAD,
	}, engine.WithMetrics(a.metrics), engine.WithProviderNames(providers.Names))
	if err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	a.engine = eng
	a.closers = append(a.closers, eng.Close)

	// ── 7. Audio bus ─────────────────────────────────────────────────────
	busOpts := []bus.Option{bus.WithMetrics(a.metrics)}
	if providers.VAD != nil {
		busOpts = append(busOpts, bus.WithVAD(providers.VAD))
	}
	a.bus = bus.New(providers.Audio, cfg.Bus, busOpts...)
	a.closers = append(a.closers, a.bus.Close)

	// ── 8. Recorder ──────────────────────────────────────────────────────
	if cfg.Recorder.Enabled {
		rec, err := recorder.New(cfg.Recorder.Config, a.sessionID)
		if err != nil {
			return nil, fmt.Errorf("app: init recorder: %w", err)
		}
		a.recorder = rec
		a.closers = append(a.closers, rec.Close)
	}

	// ── 9. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the Postgres session store when a DSN is configured
// and no store was injected. Without either, turns live in memory only.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("storage.postgres_dsn is empty; session turns are kept in memory only")
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) newResponder() responder.Responder {
	rc := a.cfg.Responder
	opts := []responder.Option{responder.WithHistoryLimit(rc.HistoryLimit)}
	if rc.SystemPrompt != "" {
		opts = append(opts, responder.WithSystemPrompt(rc.SystemPrompt))
	}
	if rc.Temperature > 0 {
		opts = append(opts, responder.WithTemperature(rc.Temperature))
	}
	if rc.MaxTokens > 0 {
		opts = append(opts, responder.WithMaxTokens(rc.MaxTokens))
	}
	return responder.NewLLM(a.providers.LLM, opts...)
}

// initMixer creates a PriorityMixer on the playback sink unless one was
// injected.
func (a *App) initMixer() error {
	if a.mixer != nil {
		return nil
	}
	if a.providers.Sink == nil {
		return errors.New("playback sink is required when no mixer is injected")
	}
	m := audiomixer.NewForSink(a.providers.Sink)
	a.mixer = m
	a.closers = append(a.closers, m.Close)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the capture device, starts the conversation and serves the HTTP
// API. It blocks until ctx is cancelled or a fatal error occurs.
//
// When the capture device cannot be opened and degraded mode is enabled, the
// session continues text-only: typed input arrives through POST /v1/text.
func (a *App) Run(ctx context.Context) error {
	ctx = observe.WithSessionID(ctx, a.sessionID)
	a.runMu.Lock()
	a.runCtx = ctx
	a.runMu.Unlock()

	if err := a.registerConsumers(); err != nil {
		return err
	}

	// The engine listens before the device opens so that a capture failure
	// reaches it and switches the session to text-only.
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}

	if err := a.initCapture(ctx); err != nil {
		a.engine.Stop()
		return err
	}

	if a.CaptureAvailable() {
		if err := a.bus.StartStreaming(ctx); err != nil {
			a.engine.Stop()
			return fmt.Errorf("app: start streaming: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logEvents(gctx)
		return nil
	})

	if a.providers.Emotion != nil {
		g.Go(func() error {
			a.observeEmotion(gctx)
			return nil
		})
	}

	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serve(gctx) })
	}

	slog.Info("attune running",
		"session_id", a.sessionID,
		"listen_addr", a.cfg.Server.ListenAddr,
		"capture", a.CaptureAvailable(),
	)

	<-gctx.Done()
	return g.Wait()
}

// registerConsumers adds the built-in bus consumers.
func (a *App) registerConsumers() error {
	regs := []bus.Registration{a.engine.Registration("conversation", priorityConversation)}
	if feed, ok := a.providers.Emotion.(audioFeed); ok {
		regs = append(regs, emotionRegistration(feed))
	}
	if a.recorder != nil {
		regs = append(regs, a.recorder.Registration("recorder", priorityRecorder))
	}
	for _, r := range regs {
		if err := a.bus.AddConsumer(r); err != nil {
			return fmt.Errorf("app: register consumer %q: %w", r.ID, err)
		}
	}
	return nil
}

// initCapture opens the capture device. A device that cannot be opened is
// fatal unless degraded mode is enabled.
func (a *App) initCapture(ctx context.Context) error {
	err := a.bus.Initialize(ctx, a.cfg.Capture)
	if err != nil {
		var cerr *bus.CaptureDeviceError
		if !errors.As(err, &cerr) || !a.cfg.ErrorHandling.DegradedMode {
			return fmt.Errorf("app: open capture device: %w", err)
		}
		slog.Warn("capture device unavailable; continuing text-only", "err", err)
		return nil
	}
	a.captureMu.Lock()
	a.captureOK = true
	a.captureMu.Unlock()
	return nil
}

// emotionRegistration forwards encoded audio chunks to an analyzer that
// listens to the patient directly.
func emotionRegistration(feed audioFeed) bus.Registration {
	return bus.Registration{
		ID:       "emotion",
		Name:     "emotion analyzer",
		Category: bus.CategoryAnalysis,
		Priority: priorityEmotion,
		Active:   true,
		Format:   feed.Format(),
		Handler: bus.HandlerFuncs{
			Chunk: func(chunk []byte) { feed.Send(chunk) },
			Error: func(msg string) { slog.Warn("emotion feed: audio error", "msg", msg) },
		},
	}
}

// CaptureAvailable reports whether the capture device is open.
func (a *App) CaptureAvailable() bool {
	a.captureMu.Lock()
	defer a.captureMu.Unlock()
	return a.captureOK
}

// observeEmotion feeds every affect sample to the engine until ctx ends or
// the provider closes its channel.
func (a *App) observeEmotion(ctx context.Context) {
	samples, err := a.providers.Emotion.Subscribe(ctx)
	if err != nil {
		slog.Error("emotion provider unavailable; crisis detection falls back to transcripts", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				slog.Warn("emotion stream closed")
				return
			}
			a.engine.ObserveEmotion(s)
		}
	}
}

// logEvents drains the engine's event stream into the process log.
func (a *App) logEvents(ctx context.Context) {
	events := a.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logEvent(a.sessionID, ev)
		}
	}
}

func logEvent(sessionID string, ev engine.Event) {
	attrs := []any{"session_id", sessionID, "event", ev.Type}
	if ev.TurnID != "" {
		attrs = append(attrs, "turn_id", ev.TurnID)
	}
	switch ev.Type {
	case engine.EventStateChanged:
		slog.Debug("engine event", append(attrs, "from", ev.From, "to", ev.To)...)
	case engine.EventCrisis:
		slog.Warn("crisis intervention", append(attrs, "tier", ev.Tier, "trigger", ev.Trigger)...)
	case engine.EventFallback, engine.EventDegraded:
		slog.Warn("engine event", append(attrs, "text", ev.Text)...)
	case engine.EventError:
		slog.Error("engine event", append(attrs, "err", ev.Err)...)
	default:
		slog.Debug("engine event", attrs...)
	}
}

// serve runs the HTTP server until ctx is cancelled.
func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.serverMu.Lock()
	a.server = srv
	a.serverMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return <-errCh
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable part of a config change: the log
// level and the crisis section. Everything else is logged as requiring a
// restart.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CrisisChanged {
		if err := a.monitor.SetConfig(d.NewCrisis); err != nil {
			slog.Error("crisis config rejected", "err", err)
		} else {
			slog.Info("crisis config reloaded",
				"soft", d.NewCrisis.SoftThreshold,
				"interrupt", d.NewCrisis.InterruptThreshold,
				"immediate", d.NewCrisis.ImmediateThreshold,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// SessionID returns the id of the running session.
func (a *App) SessionID() string { return a.sessionID }

// Engine returns the conversation engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Bus returns the audio bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Handler returns the HTTP handler serving the health, control and metrics
// endpoints.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the session and tears down all subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "session_id", a.sessionID, "closers", len(a.closers))

		a.serverMu.Lock()
		srv := a.server
		a.serverMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown", "err", err)
			}
		}

		// Stop the conversation before the bus so no turn starts on a
		// closing device.
		a.engine.Stop()
		a.bus.StopStreaming()

		if err := a.log.Close(ctx); err != nil {
			slog.Warn("session log flush incomplete", "err", err)
		}
		if err := a.export(); err != nil {
			slog.Error("session export failed", "err", err)
		}

		// Reverse init order: the store outlives everything that writes to it.
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// export writes the session's turns as JSON Lines to the export directory.
// The file is written under a temporary name and renamed once complete.
func (a *App) export() error {
	dir := a.cfg.Storage.ExportDir
	if dir == "" || a.log.Len() == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, a.sessionID+".jsonl")
	tmp, err := os.CreateTemp(dir, "."+a.sessionID+"-*.jsonl")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := a.log.Export(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename export: %w", err)
	}
	slog.Info("session exported", "path", path, "turns", a.log.Len())
	return nil
}
