package jobs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/raphaelgruber/structcap/internal/models"
)

// ExitCodeStopped is reported by in-process tasks that were cancelled.
const ExitCodeStopped = 130

// DefaultStopGrace is how long a subprocess may run after SIGTERM before it is killed.
const DefaultStopGrace = 5 * time.Second

// Result is what a finished task reports.
type Result struct {
	ExitCode int
	Summary  *models.BatchSummary
}

// Task is a unit of background work. emit forwards one output line to subscribers.
// A returned error means the task could not run to completion and fails the job.
type Task func(ctx context.Context, emit func(line string)) (Result, error)

// Command describes a subprocess run by CommandTask.
type Command struct {
	Name  string
	Args  []string
	Env   []string
	Dir   string
	Grace time.Duration
}

// CommandTask runs a subprocess and forwards its merged stdout and stderr line by line.
// Cancellation sends SIGTERM and kills the process after the grace period.
func CommandTask(c Command) Task {
	return func(ctx context.Context, emit func(string)) (Result, error) {
		cmd := exec.CommandContext(ctx, c.Name, c.Args...)
		cmd.Dir = c.Dir
		if len(c.Env) > 0 {
			cmd.Env = append(os.Environ(), c.Env...)
		}
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = c.Grace
		if cmd.WaitDelay <= 0 {
			cmd.WaitDelay = DefaultStopGrace
		}

		r, w, err := os.Pipe()
		if err != nil {
			return Result{}, fmt.Errorf("create output pipe: %w", err)
		}
		cmd.Stdout = w
		cmd.Stderr = w

		slog.Debug("starting command", "command", c.Name, "args", c.Args)
		if err := cmd.Start(); err != nil {
			r.Close()
			w.Close()
			return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
		}
		// The child holds its own copy of the write end.
		w.Close()

		scanErr := scanLines(r, emit)
		r.Close()

		waitErr := cmd.Wait()
		if cmd.ProcessState == nil {
			return Result{}, fmt.Errorf("wait %s: %w", c.Name, waitErr)
		}
		if scanErr != nil {
			slog.Warn("reading command output failed", "command", c.Name, "error", scanErr)
		}
		return Result{ExitCode: exitCode(cmd.ProcessState)}, nil
	}
}

// exitCode maps a finished process to its exit code. Signal deaths map to 128+signal.
func exitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// scanLines emits every line of r, trimmed of trailing whitespace.
func scanLines(r io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(strings.TrimRight(scanner.Text(), " \t\r"))
	}
	return scanner.Err()
}

// ChainTask runs tasks in order. The chain ends early on an error, a non-zero
// exit code or cancellation; the last executed task's result is returned.
func ChainTask(tasks ...Task) Task {
	return func(ctx context.Context, emit func(string)) (Result, error) {
		var res Result
		for _, t := range tasks {
			if ctx.Err() != nil {
				if res.ExitCode == 0 {
					res.ExitCode = ExitCodeStopped
				}
				return res, nil
			}
			var err error
			res, err = t(ctx, emit)
			if err != nil || res.ExitCode != 0 {
				return res, err
			}
		}
		return res, nil
	}
}

// BatchFunc runs a captioning batch, writing human-readable progress to out.
type BatchFunc func(ctx context.Context, out io.Writer) (models.BatchSummary, error)

// BatchTask runs a batch in-process. A stopped batch exits with ExitCodeStopped.
func BatchTask(fn BatchFunc) Task {
	return func(ctx context.Context, emit func(string)) (Result, error) {
		w := &lineWriter{emit: emit}
		summary, err := fn(ctx, w)
		w.Flush()
		if err != nil {
			return Result{}, err
		}

		res := Result{Summary: &summary}
		if summary.Stopped {
			res.ExitCode = ExitCodeStopped
		}
		return res, nil
	}
}

// lineWriter turns written bytes into emitted lines.
type lineWriter struct {
	mu   sync.Mutex
	emit func(string)
	buf  bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.emit(strings.TrimRight(line, " \t\r\n"))
	}
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), " \t\r\n"))
		w.buf.Reset()
	}
}
