package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/crisis-escalation/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\n")

	cfg, v, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	require.Len(t, cfg.Escalation.Tiers, 3)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.Tiers[0].SLA)
	assert.Equal(t, 10*time.Minute, cfg.Escalation.Tiers[2].SLA)
	assert.Equal(t, 10*time.Minute, cfg.Dedup.Window)
	assert.Equal(t, 0.5, cfg.Training.QualityThreshold)
	assert.Equal(t, 720*time.Hour, cfg.Training.StaleAfter)

	profiles, err := cfg.RiskProfiles()
	require.NoError(t, err)
	assert.Len(t, profiles, len(model.RiskTypes))
	assert.Equal(t, "immediate", profiles[model.RiskTypeSuicidal].Urgency)
}

func TestLoad_CustomTiers(t *testing.T) {
	path := writeConfig(t, `
escalation:
  initial_recipients: [a@example.org]
  tiers:
    - sla: 2m
      recipients: [b@example.org]
    - sla: 3m
      recipients: [c@example.org]
`)

	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Escalation.Tiers, 2)
	assert.Equal(t, 2*time.Minute, cfg.Escalation.Tiers[0].SLA)
	assert.Equal(t, []string{"c@example.org"}, cfg.Escalation.Tiers[1].Recipients)
}

func TestValidate_Errors(t *testing.T) {
	base := func() *Config {
		path := writeConfig(t, "")
		cfg, _, err := Load(path)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"no tiers", func(c *Config) { c.Escalation.Tiers = nil }, "escalation.tiers"},
		{"zero sla", func(c *Config) { c.Escalation.Tiers[1].SLA = 0 }, "escalation.tiers[1].sla"},
		{"no recipients", func(c *Config) { c.Escalation.Tiers[0].Recipients = nil }, "escalation.tiers[0].recipients"},
		{"missing risk profile", func(c *Config) { delete(c.RiskTypes, "violence") }, "risk_types.violence"},
		{"unknown transport", func(c *Config) { c.Notify.Transport = "carrier-pigeon" }, "notify.transport"},
		{"nats transport disabled", func(c *Config) { c.Notify.Transport = "nats" }, "notify.transport"},
		{"smtp without host", func(c *Config) { c.Notify.Transport = "smtp" }, "notify.smtp"},
		{"bad threshold", func(c *Config) { c.Training.QualityThreshold = 1.5 }, "training.quality_threshold"},
		{"unknown store", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"zero monitor interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))

			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.key, cerr.Key)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLogger(LogConfig{Level: "loud"})
	require.ErrorIs(t, err, ErrConfig)
}
