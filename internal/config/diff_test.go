package config_test

import (
	"testing"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/config"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("Diff of identical configs reported changes: %+v", d)
	}
}

func TestDiff_DetectsChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged {
					t.Error("LogLevelChanged = false, want true")
				}
				if d.NewLogLevel != config.LogDebug {
					t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
				}
			},
		},
		{
			name:   "environment",
			mutate: func(c *config.Config) { c.Audio.Environment = types.EnvNoisy },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.EnvironmentChanged {
					t.Error("EnvironmentChanged = false, want true")
				}
			},
		},
		{
			name:   "interruptions",
			mutate: func(c *config.Config) { c.Audio.InterruptionsEnabled = true },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.InterruptionsChanged {
					t.Error("InterruptionsChanged = false, want true")
				}
			},
		},
		{
			name:   "denylist",
			mutate: func(c *config.Config) { c.Languages.Denylist = []string{"xx"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LanguagesChanged {
					t.Error("LanguagesChanged = false, want true")
				}
			},
		},
		{
			name:   "timeouts",
			mutate: func(c *config.Config) { c.Timeouts.ToolPrimary = 7 * time.Second },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.TimeoutsChanged {
					t.Error("TimeoutsChanged = false, want true")
				}
			},
		},
		{
			name:   "mock fallback",
			mutate: func(c *config.Config) { c.Flights.EnableMockFallback = true },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.MockFallbackChanged {
					t.Error("MockFallbackChanged = false, want true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			new := baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !d.Any() {
				t.Fatal("Diff reported no changes")
			}
			tt.check(t, d)
		})
	}
}

func TestDiff_IgnoresRestartOnlyFields(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()
	new.Room.URL = "wss://other.example.com"
	new.Providers.LLM.Name = "anyllm"
	new.Engine = config.EngineRealtime

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("restart-only fields must not appear in diff: %+v", d)
	}
}
