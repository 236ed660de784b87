// Package mailproto extracts mail bodies the broker writes to its stderr.
//
// The broker under test does not send mail over the network. Its delivery
// command (see scripts/sendmail.sh) prints the text body framed by two
// sentinel lines instead:
//
//	-----BEGIN EMAIL TEXT BODY-----
//	Hello, follow the link ...
//	-----END EMAIL TEXT BODY-----
//
// Everything outside of a block is ordinary diagnostic output and is copied
// unchanged to the diagnostics writer.
//
// Malformed sequences are absorbed, never reported: a BEGIN line inside a
// block is part of the body and an END line outside of a block is a regular
// diagnostic line.
package mailproto

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

const (
	BeginSentinel = "-----BEGIN EMAIL TEXT BODY-----"
	EndSentinel   = "-----END EMAIL TEXT BODY-----"
)

// State of a Scanner.
type State int

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Sink receives complete mail bodies.
type Sink interface {
	Deliver(ctx context.Context, body string)
}

// Scanner is bound to the stderr of exactly one process. Line must be
// called sequentially, in arrival order.
type Scanner struct {
	sink        Sink
	diagnostics io.Writer
	state       State
	buf         strings.Builder
}

func NewScanner(sink Sink, diagnostics io.Writer) *Scanner {
	if diagnostics == nil {
		diagnostics = io.Discard
	}
	return &Scanner{
		sink:        sink,
		diagnostics: diagnostics,
		state:       Idle,
	}
}

func (s *Scanner) State() State {
	return s.state
}

// Line consumes one line without its terminator. Its signature matches
// service.StderrFunc.
func (s *Scanner) Line(ctx context.Context, line string) {
	switch s.state {
	case Idle:
		if line == BeginSentinel {
			s.buf.Reset()
			s.state = Capturing
			return
		}
		s.forward(ctx, line)
	case Capturing:
		if line == EndSentinel {
			s.state = Idle
			if s.buf.Len() > 0 && s.sink != nil {
				s.sink.Deliver(ctx, s.buf.String())
			}
			s.buf.Reset()
			return
		}
		s.buf.WriteString(line)
		s.buf.WriteByte('\n')
	}
}

// Close marks the end of the stream. A partially captured body is dropped.
func (s *Scanner) Close(ctx context.Context) {
	if s.state == Capturing {
		slog.DebugContext(ctx, "stream ended inside a mail block: dropping", "bytes", s.buf.Len())
	}
	s.state = Idle
	s.buf.Reset()
}

func (s *Scanner) forward(ctx context.Context, line string) {
	_, err := io.WriteString(s.diagnostics, line+"\n")
	if err != nil {
		slog.DebugContext(ctx, "writing diagnostics", "error", err)
	}
}
