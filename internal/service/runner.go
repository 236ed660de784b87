package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// mail bodies can carry long lines (encoded links)
const maxLineSize = 1024 * 1024

// StderrHandler consumes the stderr of a process line by line. Close is
// called once the stream ended.
type StderrHandler interface {
	Line(ctx context.Context, line string)
	Close(ctx context.Context)
}

// StderrFunc adapts a function to StderrHandler.
type StderrFunc func(ctx context.Context, line string)

func (f StderrFunc) Line(ctx context.Context, line string) {
	f(ctx, line)
}

func (f StderrFunc) Close(context.Context) {}

type Command struct {
	Path string
	Dir  string
	Args []string
	Env  []string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Runner is a thin wrapper around os/exec for long running processes:
//   - stdin is /dev/null
//   - stdout goes to the writer given to NewRunner
//   - stderr is handed line by line to a StderrHandler
//   - Done is closed once the process exited and stderr was drained
type Runner struct {
	mx     sync.Mutex
	stdout io.Writer
	cmd    *exec.Cmd
	result Result
	done   chan struct{}
}

func NewRunner(stdout io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		result: Result{Err: ErrNotStarted},
		done:   make(chan struct{}),
	}
}

// Start runs the process, it ensures only a single instance is active.
// Returns ErrInProgress or an exec error, otherwise nil. Does NOT wait on
// the process to finish, use Done instead.
func (r *Runner) Start(ctx context.Context, proto Command, stderr StderrHandler) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = proto.Env
	cmd.Stdout = r.stdout

	var pipe io.ReadCloser
	if stderr != nil {
		var err error
		pipe, err = cmd.StderrPipe()
		if err != nil {
			return err
		}
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)

	r.cmd = cmd
	r.done = make(chan struct{})
	go r.wait(context.WithoutCancel(ctx), cmd, pipe, stderr, r.done)
	return nil
}

// wait drains stderr before calling cmd.Wait, which closes the pipe.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, pipe io.Reader, stderr StderrHandler, done chan struct{}) {
	if pipe != nil {
		processStderr(ctx, pipe, stderr)
	}
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	r.mx.Unlock()

	slog.DebugContext(ctx, "process stopped", "path", cmd.Path, "state", cmd.ProcessState.String())
	close(done)
}

// processStderr hands every line to handler. Lines longer than maxLineSize
// are truncated, the rest of the stream is still processed.
func processStderr(ctx context.Context, stderr io.Reader, handler StderrHandler) {
	defer handler.Close(ctx)
	reader := bufio.NewReaderSize(stderr, 64*1024)
	line := make([]byte, 0, 64*1024)
	truncated := 0
	for {
		fragment, more, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.ErrorContext(ctx, "processing stderr", "error", err)
				// keep the pipe drained, the process would block on a full pipe
				_, _ = io.Copy(io.Discard, reader)
			}
			return
		}
		if room := maxLineSize - len(line); len(fragment) > room {
			truncated += len(fragment) - room
			fragment = fragment[:room]
		}
		line = append(line, fragment...)
		if more {
			continue
		}
		if truncated > 0 {
			slog.WarnContext(ctx, "stderr line truncated", "limit", maxLineSize, "dropped", truncated)
		}
		handler.Line(ctx, string(line))
		line = line[:0]
		truncated = 0
	}
}

// Terminate asks the running process to stop. It does not wait for the
// exit and it is not an error when no process runs anymore.
func (r *Runner) Terminate() error {
	r.mx.Lock()
	cmd := r.cmd
	r.mx.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := terminate(cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Kill stops the running process forcibly.
func (r *Runner) Kill() error {
	r.mx.Lock()
	cmd := r.cmd
	r.mx.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done returns a channel closed when the last started process exited.
func (r *Runner) Done() <-chan struct{} {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.done
}

// Result returns the last process result, or a result with
// ErrNotStarted/nil error while nothing has run or a process is running.
func (r *Runner) Result() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}
