package mailproto

import (
	"context"
	"log/slog"
	"sync"
)

// Mailbox is an in-memory Sink. Tests wait for mail with Next.
type Mailbox struct {
	mx      sync.Mutex
	bodies  []string
	next    int
	arrived chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		arrived: make(chan struct{}),
	}
}

func (m *Mailbox) Deliver(ctx context.Context, body string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.bodies = append(m.bodies, body)
	close(m.arrived)
	m.arrived = make(chan struct{})
	slog.DebugContext(ctx, "mail captured", "count", len(m.bodies))
}

// Next returns the oldest body not returned yet, waiting for one to arrive
// if necessary.
func (m *Mailbox) Next(ctx context.Context) (string, error) {
	for {
		m.mx.Lock()
		if m.next < len(m.bodies) {
			body := m.bodies[m.next]
			m.next++
			m.mx.Unlock()
			return body, nil
		}
		arrived := m.arrived
		m.mx.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-arrived:
		}
	}
}

// Bodies returns every body delivered so far.
func (m *Mailbox) Bodies() []string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]string(nil), m.bodies...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, body string)

func (f SinkFunc) Deliver(ctx context.Context, body string) {
	f(ctx, body)
}
