package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/safety"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Crisis:    safety.DefaultConfig(),
		Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "openai"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Fatalf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Fatalf("log level diff = %v/%q, want true/debug", d.LogLevelChanged, d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_CrisisChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*safety.Config)
	}{
		{"threshold", func(c *safety.Config) { c.ImmediateThreshold = 0.9 }},
		{"pause", func(c *safety.Config) { c.PauseOnCritical = true }},
		{"keywords", func(c *safety.Config) { c.Keywords = append(slices.Clone(c.Keywords), "give up") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mut(&new.Crisis)

			d := config.Diff(old, new)
			if !d.CrisisChanged {
				t.Fatal("expected CrisisChanged=true")
			}
			if d.NewCrisis.ImmediateThreshold != new.Crisis.ImmediateThreshold ||
				len(d.NewCrisis.Keywords) != len(new.Crisis.Keywords) {
				t.Errorf("NewCrisis = %+v, want the new section", d.NewCrisis)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("crisis changes should apply live, got %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Providers.STT.Model = "whisper-1"
	new.ErrorHandling.DegradedMode = true

	d := config.Diff(old, new)
	want := []string{"server", "error_handling", "providers"}
	for _, name := range want {
		if !slices.Contains(d.RestartRequired, name) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, name)
		}
	}
	if len(d.RestartRequired) != len(want) {
		t.Errorf("RestartRequired = %v, want exactly %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.CrisisChanged {
		t.Errorf("unexpected live changes: %+v", d)
	}
}
