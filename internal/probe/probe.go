// Package probe waits until a TCP endpoint accepts connections.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/CZERTAINLY/broker-testenv/internal/model"

	"github.com/sethvargo/go-retry"
)

const dialTimeout = 500 * time.Millisecond

// Connector makes one readiness attempt. A nil error means the endpoint
// accepted a connection, which has already been released.
type Connector interface {
	Connect(ctx context.Context) error
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) error

func (f ConnectorFunc) Connect(ctx context.Context) error {
	return f(ctx)
}

// TCPConnector dials Addr and closes the connection right away.
type TCPConnector struct {
	Addr    string
	Timeout time.Duration
}

func NewTCPConnector(host string, port int) TCPConnector {
	return TCPConnector{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Timeout: dialTimeout,
	}
}

func (c TCPConnector) Connect(ctx context.Context) error {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = dialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// TimeoutError is returned once every attempt failed.
type TimeoutError struct {
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("not ready after %d attempts: %v", e.Attempts, e.Last)
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// Policy is a bounded retry with a fixed delay between attempts. The first
// attempt is made immediately.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy gives the broker up to ten seconds to bind its socket.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: model.DefaultAttempts,
		Delay:       model.DefaultDelay,
	}
}

// PolicyFor returns the policy configured in cfg.
func PolicyFor(cfg model.Readiness) Policy {
	return Policy{
		MaxAttempts: cfg.Attempts,
		Delay:       cfg.DelayDuration(),
	}
}

// Wait calls c until it succeeds or MaxAttempts is used up. It returns a
// *TimeoutError carrying the last failure, or the context error when ctx is
// done first.
func (p Policy) Wait(ctx context.Context, c Connector) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	constant := retry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	})
	backoff := retry.WithMaxRetries(uint64(attempts-1), constant)

	var (
		attempt int
		last    error
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.Connect(ctx)
		if err != nil {
			last = err
			slog.DebugContext(ctx, "not ready", "attempt", attempt, "max_attempts", attempts, "error", err)
			return retry.RetryableError(err)
		}
		slog.DebugContext(ctx, "ready", "attempt", attempt)
		return nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &TimeoutError{Attempts: attempt, Last: last}
	}
}

// WaitReady waits for host:port to accept TCP connections.
func WaitReady(ctx context.Context, host string, port int, p Policy) error {
	return p.Wait(ctx, NewTCPConnector(host, port))
}
