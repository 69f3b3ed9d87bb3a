package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  environment: test
ethereum:
  rpc_url: http://localhost:8545
  vault_address: "0x00000000000000000000000000000000000000aa"
sources:
  - id: aave
    kind: aave_v3
    name: Aave V3
    contract: "0x2d8A3C5677189723C4cB8873CfC9C8976FDF38Ac"
    asset: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    fallback_pool: 7e0661bf-8cf3-45e6-9424-31916d4c7b84
  - id: comp
    kind: compound_v3
    contract: "0xb125E6687d4313864e53df431d5425969c15Eb2F"
decision:
  min_differential_bps: 75
approval:
  auto_execute_threshold: "1000000"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "compound_v3", cfg.Sources[1].Kind)
	assert.True(t, cfg.Decision.MinDifferentialBps.Equal(decimal.NewFromInt(75)))
	assert.True(t, cfg.Decision.MoveFraction.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 6*time.Hour, cfg.Decision.TWAPWindow)
	assert.True(t, cfg.History.VelocityThreshold.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 24*time.Hour, cfg.Approval.Timeout)
	assert.GreaterOrEqual(t, cfg.Execution.Validity, cfg.Approval.Timeout)
	assert.Equal(t, 1440, cfg.History.MaxSamples)

	threshold, err := ParseAmount(cfg.Approval.AutoExecuteThreshold)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), threshold.Uint64())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("YIELDGUARD_SCHEDULER_INTERVAL", "90s")
	t.Setenv("YIELDGUARD_TELEGRAM_CHAT_ID", "42")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, "42", cfg.Telegram.ChatID)
}

func TestLoadDotEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("YIELDGUARD_APPROVAL_BASE_URL=https://approve.example\n"), 0o600))
	t.Setenv("YIELDGUARD_ENV_FILE", envFile)
	t.Cleanup(func() { os.Unsetenv("YIELDGUARD_APPROVAL_BASE_URL") })

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "https://approve.example", cfg.Approval.BaseURL)
}

func TestValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", "sources:\n  - id: x\n    kind: euler\n    contract: \"0x00000000000000000000000000000000000000aa\"\n"},
		{"duplicate id", "sources:\n  - id: x\n    kind: moonwell\n    contract: \"0x00000000000000000000000000000000000000aa\"\n  - id: x\n    kind: moonwell\n    contract: \"0x00000000000000000000000000000000000000bb\"\n"},
		{"bad contract", "sources:\n  - id: x\n    kind: moonwell\n    contract: nope\n"},
		{"bad threshold", "approval:\n  auto_execute_threshold: \"-5\"\n"},
		{"dev seed in production", "app:\n  environment: production\ncustody:\n  dev_seed: local\n"},
		{"telegram without token", "telegram:\n  enabled: true\n  chat_id: \"1\"\n"},
		{"move fraction", "decision:\n  move_fraction: 1.5\n"},
		{"validity shorter than approval timeout", "approval:\n  timeout: 24h\nexecution:\n  validity: 30m\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	assert.Equal(t, 10, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 3, cfg.ResolveMaxPoints(3))
}
