package service_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/broker-testenv/internal/env"
	"github.com/CZERTAINLY/broker-testenv/internal/mailproto"
	"github.com/CZERTAINLY/broker-testenv/internal/model"
	"github.com/CZERTAINLY/broker-testenv/internal/probe"
	"github.com/CZERTAINLY/broker-testenv/internal/service"

	"github.com/stretchr/testify/require"
)

var defaultModes = model.Modes{
	Storage:    model.StorageMemory,
	KeyManager: model.KeyManagerRotating,
	Mailer:     model.MailerSendmail,
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// testConfig points the harness at the test binary acting as a broker.
func testConfig(t *testing.T) model.Config {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := model.DefaultConfig()
	cfg.Broker.Path = self
	cfg.Broker.Root = t.TempDir()
	cfg.HarnessRoot = filepath.Join("..", "..")
	cfg.Listen.IP = "127.0.0.1"
	cfg.Listen.Port = freePort(t)
	cfg.Readiness = model.Readiness{Attempts: 40, Delay: "50ms"}
	return cfg
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not exit")
	}
}

type fixture struct {
	mailbox     *mailproto.Mailbox
	stdout      bytes.Buffer
	diagnostics bytes.Buffer
}

func (f *fixture) options(modes model.Modes, cfg model.Config, fakeMode string) service.Options {
	return service.Options{
		Modes:       modes,
		Config:      cfg,
		Sink:        f.mailbox,
		Stdout:      &f.stdout,
		Diagnostics: &f.diagnostics,
		ExtraEnv:    []string{fakeBrokerEnv + "=" + fakeMode},
	}
}

func newFixture() *fixture {
	return &fixture{mailbox: mailproto.NewMailbox()}
}

func TestStart(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := testConfig(t)

	broker, err := service.Start(t.Context(), f.options(defaultModes, cfg, "serve"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:"+strconv.Itoa(cfg.Listen.Port), broker.Addr())
	require.Equal(t, "true", broker.Env()[env.MemoryStorage])

	conn, err := net.Dial("tcp", broker.Addr())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	body, err := f.mailbox.Next(t.Context())
	require.NoError(t, err)
	require.Equal(t, "http://localhost:44133/confirm?code=abc\n", body)

	broker.Destroy()
	broker.Destroy()
	waitDone(t, broker.Done())
	broker.Destroy()
	require.True(t, broker.Result().State.Success())
	require.Equal(t, "exit status 0", broker.ExitReason())

	require.Equal(t, "fake broker stdout\n", f.stdout.String())
	diagnostics := f.diagnostics.String()
	require.Contains(t, diagnostics, "INFO starting fake broker\n")
	require.Contains(t, diagnostics, "INFO listening on "+broker.Addr()+"\n")
	require.Contains(t, diagnostics, "INFO shutting down\n")
	require.NotContains(t, diagnostics, mailproto.BeginSentinel)
	require.NotContains(t, diagnostics, "confirm?code")
	require.Len(t, f.mailbox.Bodies(), 1)
}

func TestStart_SQLite(t *testing.T) {
	t.Parallel()
	f := newFixture()
	modes := defaultModes
	modes.Storage = model.StorageSQLite

	broker, err := service.Start(t.Context(), f.options(modes, testConfig(t), "serve"))
	require.NoError(t, err)
	dbPath := broker.Env()[env.SQLiteDB]
	t.Cleanup(func() {
		_ = os.Remove(dbPath)
	})
	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	broker.Destroy()
	waitDone(t, broker.Done())
	_, err = os.Stat(dbPath)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestStart_NotReady(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := testConfig(t)
	cfg.Readiness = model.Readiness{Attempts: 3, Delay: "10ms"}

	broker, err := service.Start(t.Context(), f.options(defaultModes, cfg, "deaf"))
	require.Nil(t, broker)

	var readinessErr *service.ReadinessError
	require.ErrorAs(t, err, &readinessErr)
	require.Equal(t, "127.0.0.1:"+strconv.Itoa(cfg.Listen.Port), readinessErr.Addr)
	var timeoutErr *probe.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 3, timeoutErr.Attempts)
	require.Contains(t, err.Error(), "not ready after 3 attempts")

	// Start reaps the broker before returning
	require.Contains(t, f.diagnostics.String(), "INFO starting fake broker\n")
}

func TestStart_CustomConnector(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := testConfig(t)
	cfg.Readiness = model.Readiness{Attempts: 2, Delay: "10ms"}

	opts := f.options(defaultModes, cfg, "serve")
	var calls int
	opts.Connector = probe.ConnectorFunc(func(_ context.Context) error {
		calls++
		return errors.New("no route to host")
	})
	_, err := service.Start(t.Context(), opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no route to host")
	require.Equal(t, 2, calls)
}

func TestStart_Exited(t *testing.T) {
	t.Parallel()
	f := newFixture()

	start := time.Now()
	broker, err := service.Start(t.Context(), f.options(defaultModes, testConfig(t), "exit"))
	require.Nil(t, broker)
	require.ErrorIs(t, err, service.ErrExited)
	require.Contains(t, err.Error(), "exit status 3")
	require.Less(t, time.Since(start), 2*time.Second)
	require.Contains(t, f.diagnostics.String(), "ERROR cannot open database\n")
}

func TestStart_SpawnError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := testConfig(t)
	cfg.Broker.Path = filepath.Join(t.TempDir(), "portier-broker")

	_, err := service.Start(t.Context(), f.options(defaultModes, cfg, "serve"))
	var spawnErr *service.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, cfg.Broker.Path, spawnErr.Path)
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestStart_ConfigError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	modes := defaultModes
	modes.Mailer = "pigeon"

	_, err := service.Start(t.Context(), f.options(modes, testConfig(t), "serve"))
	require.ErrorIs(t, err, model.ErrConfig)
	require.EqualError(t, err, `invalid mailer mode: "pigeon"`)
	require.Empty(t, f.diagnostics.String())
}

func TestStart_RedisDown(t *testing.T) {
	t.Parallel()
	f := newFixture()
	modes := defaultModes
	modes.Storage = model.StorageRedis
	cfg := testConfig(t)
	cfg.RedisURL = "redis://127.0.0.1:" + strconv.Itoa(freePort(t)) + "/0"

	_, err := service.Start(t.Context(), f.options(modes, cfg, "serve"))
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "checking redis storage: "))
	require.Empty(t, f.diagnostics.String())
}

// the broker sees exactly one variable group per mode, whatever the harness
// environment carries
func TestStart_InheritedEnv(t *testing.T) {
	t.Setenv("BROKER_REDIS_URL", "redis://10.0.0.1/0")
	t.Setenv("BROKER_SMTP_SERVER", "smtp.corp:25")
	t.Setenv("RUST_LOG", "trace")
	f := newFixture()

	broker, err := service.Start(t.Context(), f.options(defaultModes, testConfig(t), "env"))
	require.NoError(t, err)
	broker.Destroy()
	waitDone(t, broker.Done())

	var got []string
	for _, line := range strings.Split(strings.TrimSpace(f.stdout.String()), "\n") {
		if line != "fake broker stdout" {
			got = append(got, line)
		}
	}
	require.ElementsMatch(t, broker.Env().Environ(), got)
	require.NotContains(t, f.stdout.String(), "10.0.0.1")
	require.NotContains(t, f.stdout.String(), "smtp.corp")
	require.Contains(t, got, "RUST_LOG=info,portier_broker=debug")
}
