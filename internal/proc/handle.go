// Package proc wraps spawning and supervising external child processes
// with piped standard streams.
package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Source identifies which standard stream a chunk of output came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
)

// Handle owns one spawned child process with piped stdin, stdout, and
// stderr. Create one with Start; the zero value is not usable.
type Handle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *stdinWriter
	stdout io.ReadCloser
	stderr io.ReadCloser

	done     chan struct{}
	exitCode int
	exitErr  error
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// Start spawns the given executable with all three standard streams
// piped and begins waiting for its exit in the background.
//
// Explicit pipes are used instead of exec's StdoutPipe so that Wait
// never closes the read ends out from under a reader; output buffered
// at process exit stays readable until EOF.
func Start(name string, args ...string) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	// The child holds its own copies of these ends now.
	closeAll(stdinR, stdoutW, stderrW)

	h := &Handle{
		cmd:    cmd,
		cancel: cancel,
		stdin:  &stdinWriter{writer: stdinW},
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
			h.exitErr = err
		}
	}

	h.stdin.Close()
	h.exitCode = code
	close(h.done)
}

// Stdout returns the process's standard output pipe. The caller owns
// draining it and should close it after EOF.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Stderr returns the process's standard error pipe. The caller owns
// draining it and should close it after EOF.
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }

// Write sends raw bytes to the process's standard input.
func (h *Handle) Write(data []byte) error {
	return h.stdin.Write(data)
}

// WriteLine sends a single line, appending the line terminator.
func (h *Handle) WriteLine(line string) error {
	return h.stdin.Write([]byte(line + "\n"))
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode reports the process exit code. Only valid after Done is
// closed; -1 means the wait itself failed.
func (h *Handle) ExitCode() int { return h.exitCode }

// ExitErr reports a wait error unrelated to a nonzero exit code.
// Only valid after Done is closed.
func (h *Handle) ExitErr() error { return h.exitErr }

// Pid returns the OS process id, or 0 if the process never started.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Kill asks the process to terminate: closes stdin, sends SIGINT, and
// force-kills after the grace period if it is still running. Safe to
// call multiple times and after the process has already exited.
func (h *Handle) Kill(grace time.Duration) {
	h.stdin.Close()

	select {
	case <-h.done:
		return
	default:
	}

	if h.cmd.Process != nil {
		h.cmd.Process.Signal(os.Interrupt)
	}

	go func() {
		select {
		case <-h.done:
		case <-time.After(grace):
			h.cancel()
		}
	}()
}
