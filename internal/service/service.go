package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/broker-testenv/internal/backend"
	"github.com/CZERTAINLY/broker-testenv/internal/env"
	"github.com/CZERTAINLY/broker-testenv/internal/log"
	"github.com/CZERTAINLY/broker-testenv/internal/mailproto"
	"github.com/CZERTAINLY/broker-testenv/internal/model"
	"github.com/CZERTAINLY/broker-testenv/internal/probe"
)

// how long a failed start waits for the broker to exit before killing it
const reapTimeout = 5 * time.Second

var ErrExited = errors.New("broker exited")

// SpawnError is returned when the broker process could not be created.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning broker %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ReadinessError is returned when the broker never accepted a connection.
// The broker has been terminated already.
type ReadinessError struct {
	Addr string
	Err  error
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("broker at %s is not ready: %v", e.Addr, e.Err)
}

func (e *ReadinessError) Unwrap() error {
	return e.Err
}

type Options struct {
	Modes  model.Modes
	Config model.Config
	// Sink receives the text body of every captured mail.
	Sink mailproto.Sink
	// Stdout receives broker stdout, default os.Stdout.
	Stdout io.Writer
	// Diagnostics receives broker log lines, default os.Stderr.
	Diagnostics io.Writer
	// ExtraEnv is appended after the built environment.
	ExtraEnv []string
	// Connector overrides the TCP readiness probe.
	Connector probe.Connector
}

// Broker is the handle of a started broker.
type Broker struct {
	runner  *Runner
	addr    string
	env     env.Environment
	destroy sync.Once
	done    chan struct{} // closed after exit and storage release
}

// Start spawns the broker and returns once it accepts connections.
//
// Errors: *model.ConfigError before anything is spawned, *SpawnError when
// the process can't be created, *ReadinessError when the broker did not
// become ready; in that case the process is terminated before returning.
func Start(ctx context.Context, opts Options) (*Broker, error) {
	cfg := opts.Config
	environment, err := env.Build(opts.Modes, cfg)
	if err != nil {
		return nil, err
	}
	ctx = log.ContextAttrs(ctx, slog.Group("broker",
		slog.String("storage", string(opts.Modes.Storage)),
		slog.String("key_manager", string(opts.Modes.KeyManager)),
		slog.String("mailer", string(opts.Modes.Mailer)),
	))

	if err := backend.Check(ctx, opts.Modes.Storage, environment); err != nil {
		return nil, fmt.Errorf("checking %s storage: %w", opts.Modes.Storage, err)
	}
	release := func() {
		if err := backend.Release(ctx, opts.Modes.Storage, environment); err != nil {
			slog.WarnContext(ctx, "releasing storage", "error", err)
		}
	}

	cmd, err := command(cfg, environment, opts.ExtraEnv)
	if err != nil {
		release()
		return nil, err
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	diagnostics := opts.Diagnostics
	if diagnostics == nil {
		diagnostics = os.Stderr
	}

	runner := NewRunner(stdout)
	scanner := mailproto.NewScanner(mailproto.DecodeText(opts.Sink), diagnostics)
	if err := runner.Start(ctx, cmd, scanner); err != nil {
		release()
		return nil, &SpawnError{Path: cmd.Path, Err: err}
	}

	host, _ := environment.Get(env.ListenIP)
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Listen.Port))
	connector := opts.Connector
	if connector == nil {
		connector = probe.NewTCPConnector(host, cfg.Listen.Port)
	}

	slog.DebugContext(ctx, "waiting for broker", "addr", addr)
	if err := waitReady(ctx, runner, probe.PolicyFor(cfg.Readiness), connector); err != nil {
		stop(ctx, runner)
		release()
		return nil, &ReadinessError{Addr: addr, Err: err}
	}
	slog.InfoContext(ctx, "broker is ready", "addr", addr)

	b := &Broker{
		runner: runner,
		addr:   addr,
		env:    environment,
		done:   make(chan struct{}),
	}
	go func() {
		<-runner.Done()
		release()
		close(b.done)
	}()
	return b, nil
}

func command(cfg model.Config, environment env.Environment, extra []string) (Command, error) {
	root, err := filepath.Abs(cfg.Broker.Root)
	if err != nil {
		return Command{}, fmt.Errorf("resolving broker root %s: %w", cfg.Broker.Root, err)
	}
	path := cfg.Broker.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	environ := env.Inherit(os.Environ())
	environ = append(environ, environment.Environ()...)
	environ = append(environ, extra...)
	return Command{
		Path: path,
		Dir:  root,
		Env:  environ,
	}, nil
}

// waitReady probes the broker and gives up early when it exits, no amount
// of retries brings a dead broker up.
func waitReady(ctx context.Context, runner *Runner, policy probe.Policy, connector probe.Connector) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-runner.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := policy.Wait(ctx, connector)
	cancel()
	<-exited

	select {
	case <-runner.Done():
		return fmt.Errorf("%w: %s", ErrExited, exitReason(runner.Result()))
	default:
	}
	return err
}

func exitReason(res Result) string {
	switch {
	case res.State != nil:
		return res.State.String()
	case res.Err != nil:
		return res.Err.Error()
	default:
		return "unknown reason"
	}
}

// stop terminates the broker after a failed start and reaps it.
func stop(ctx context.Context, runner *Runner) {
	if err := runner.Terminate(); err != nil {
		slog.WarnContext(ctx, "terminating broker", "error", err)
	}
	select {
	case <-runner.Done():
		return
	case <-time.After(reapTimeout):
	}
	slog.WarnContext(ctx, "broker ignored SIGTERM: killing")
	if err := runner.Kill(); err != nil {
		slog.WarnContext(ctx, "killing broker", "error", err)
	}
	<-runner.Done()
}

// Destroy requests broker termination. It does not wait for the exit and
// can be called any number of times.
func (b *Broker) Destroy() {
	b.destroy.Do(func() {
		if err := b.runner.Terminate(); err != nil {
			slog.Warn("terminating broker", "addr", b.addr, "error", err)
		}
	})
}

// Done is closed once the broker process exited and the storage it used
// was released.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Addr is the host:port the broker listens on.
func (b *Broker) Addr() string {
	return b.addr
}

// Env returns the environment the broker was started with.
func (b *Broker) Env() env.Environment {
	return b.env
}

// Result describes the broker process, see Runner.Result.
func (b *Broker) Result() Result {
	return b.runner.Result()
}

// ExitReason is a human readable description of how the broker exited.
func (b *Broker) ExitReason() string {
	return exitReason(b.runner.Result())
}
