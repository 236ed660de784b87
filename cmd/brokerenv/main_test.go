package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/CZERTAINLY/broker-testenv/internal/model"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	modeFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestResolveModes(t *testing.T) {
	defaults := model.DefaultConfig().Modes

	t.Run("config defaults", func(t *testing.T) {
		modes, err := resolveModes(newFlags(t), defaults)
		require.NoError(t, err)
		require.Equal(t, defaults, modes)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("TEST_STORAGE", "redis")
		t.Setenv("TEST_KEY_MANAGER", "manual")
		t.Setenv("TEST_MAILER", "postmark")
		modes, err := resolveModes(newFlags(t), defaults)
		require.NoError(t, err)
		require.Equal(t, model.Modes{
			Storage:    model.StorageRedis,
			KeyManager: model.KeyManagerManual,
			Mailer:     model.MailerPostmark,
		}, modes)
	})

	t.Run("flag wins over environment", func(t *testing.T) {
		t.Setenv("TEST_STORAGE", "redis")
		modes, err := resolveModes(newFlags(t, "--storage", "sqlite", "--mailer", "sendgrid"), defaults)
		require.NoError(t, err)
		require.Equal(t, model.StorageSQLite, modes.Storage)
		require.Equal(t, defaults.KeyManager, modes.KeyManager)
		require.Equal(t, model.MailerSendgrid, modes.Mailer)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("TEST_MAILER", "pigeon")
		_, err := resolveModes(newFlags(t), defaults)
		require.ErrorIs(t, err, model.ErrConfig)
		require.EqualError(t, err, `invalid mailer mode: "pigeon"`)
	})
}

func TestWriteConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.Modes.Storage = model.StorageSQLite
	cfg.Listen.IP = "127.0.0.1"

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg))
	require.Contains(t, buf.String(), "storage: sqlite\n")

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestMailPrinter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := &mailPrinter{w: &buf}
	p.Deliver(context.Background(), "first\n")
	p.Deliver(context.Background(), "second\n")
	require.Equal(t, "--- mail 1 ---\nfirst\n--- mail 2 ---\nsecond\n", buf.String())
}
