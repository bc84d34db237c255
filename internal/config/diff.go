package config

import (
	"reflect"

	"github.com/MrWong99/attune/internal/safety"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and the crisis section are applied live; every other
// changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CrisisChanged bool
	NewCrisis     safety.Config

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CrisisChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.Crisis, new.Crisis) {
		d.CrisisChanged = true
		d.NewCrisis = new.Crisis
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"capture", old.Capture, new.Capture},
		{"bus", old.Bus, new.Bus},
		{"conversation", old.Conversation, new.Conversation},
		{"error_handling", old.ErrorHandling, new.ErrorHandling},
		{"responder", old.Responder, new.Responder},
		{"providers", old.Providers, new.Providers},
		{"storage", old.Storage, new.Storage},
		{"recorder", old.Recorder, new.Recorder},
		{"observability", old.Observability, new.Observability},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
