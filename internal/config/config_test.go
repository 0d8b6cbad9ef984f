package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
ledger:
  rpc_url: http://localhost:8899
scheduler:
  refresh_period: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ChainSolana, cfg.Ledger.Chain)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.RefreshPeriod)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.GracePeriod)
	assert.Equal(t, 3, cfg.Sampler.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Detector.AlertInterval)
	assert.Equal(t, 5*time.Minute, cfg.Detector.LowBalanceInterval)
	assert.Equal(t, "accounts.json", cfg.AccountsFile)
	assert.False(t, cfg.Database.Enabled())
}

func TestLoadRejectsMissingRPC(t *testing.T) {
	path := writeConfig(t, "app:\n  name: test\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "ledger.rpc_url")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"ledger.chain":             func(c *Config) { c.Ledger.Chain = "bitcoin" },
		"scheduler.refresh_period": func(c *Config) { c.Scheduler.RefreshPeriod = 0 },
		"sampler.max_attempts":     func(c *Config) { c.Sampler.MaxAttempts = 0 },
		"kafka.brokers":            func(c *Config) { c.Kafka.Enabled = true },
		"alerting.slack.url":       func(c *Config) { c.Alerting.Slack.Enabled = true },
		"alerting.telegram.chat_id": func(c *Config) {
			c.Alerting.Telegram.Enabled = true
			c.Alerting.Telegram.BotToken = "token"
		},
		"database.driver": func(c *Config) { c.Database.Driver = "mysql" },
	}

	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestDatabaseEnabled(t *testing.T) {
	assert.True(t, DatabaseConfig{Driver: DriverPostgres, DSN: "postgres://x"}.Enabled())
	assert.True(t, DatabaseConfig{Driver: DriverSQLite, SQLitePath: "x.db"}.Enabled())
	assert.False(t, DatabaseConfig{Driver: DriverSQLite, DSN: "postgres://x"}.Enabled())
}

func validConfig() *Config {
	return &Config{
		AccountsFile: "accounts.json",
		Ledger:       LedgerConfig{Chain: ChainSolana, RPCURL: "http://localhost:8899"},
		Scheduler:    SchedulerConfig{RefreshPeriod: time.Second},
		Sampler:      SamplerConfig{MaxAttempts: 1},
		Database:     DatabaseConfig{Driver: DriverPostgres},
		Dispatch:     DispatchConfig{QueueSize: 1, Workers: 1},
		Export:       ExportConfig{MaxDataPoints: 10},
	}
}
