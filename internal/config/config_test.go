package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.DB.URL)
	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.SweepInterval)
	assert.Equal(t, int64(12), cfg.Scanner.Confirmations)
	assert.Equal(t, 30*time.Second, cfg.Withdraw.GuardWindow)
	assert.Equal(t, 8081, cfg.Server.AdminPort)
	assert.Equal(t, 8080, cfg.Server.HealthPort)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "8")
	t.Setenv("SCAN_INTERVAL_SEC", "60")
	t.Setenv("NETWORK_ID", "base-mainnet")
	t.Setenv("DEPOSIT_MIN_AMOUNT", "1000000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Scanner.Interval)
	assert.Equal(t, "base-mainnet", cfg.Scanner.NetworkID)
	assert.Equal(t, "base-mainnet", cfg.Server.DefaultNetworkID)
	assert.Equal(t, "1000000", cfg.Deposit.MinAmount)
}

func TestLoadRejectsInvalidMinAmount(t *testing.T) {
	t.Setenv("DEPOSIT_MIN_AMOUNT", "1.5e6")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPOSIT_MIN_AMOUNT")
}

func TestLoadRejectsMailWithoutRecipient(t *testing.T) {
	t.Setenv("ALERT_MAIL_GATEWAY_URL", "https://mail.internal/send")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALERT_MAIL_RECIPIENT")
}

func TestLoadRejectsPortCollision(t *testing.T) {
	t.Setenv("ADMIN_PORT", "8080")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestLoadIgnoresMalformedInts(t *testing.T) {
	t.Setenv("RETRY_BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Retry.BatchSize, "malformed values fall back to defaults")
}
