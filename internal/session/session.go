package session

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"shellmux/internal/config"
	"shellmux/internal/events"
	"shellmux/internal/proc"
)

// State is the connection lifecycle state of the session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	// handshakeMax caps the banner buffer accumulated while waiting
	// for the greeting; when it overflows the oldest half is dropped.
	handshakeMax  = 10 * 1024
	handshakeKeep = 5 * 1024
)

// Session owns the single persistent CLI process and its lifecycle.
// All output lines are routed to the executor while connected; during
// the handshake they are scanned for the configured greeting instead.
type Session struct {
	mu    sync.Mutex
	state State
	cfg   config.CLIConfig
	bus   *events.Bus

	handle    *proc.Handle
	handshake []byte

	// connect is the in-flight Connect attempt; concurrent callers
	// join it instead of spawning a second process. Each attempt owns
	// its outcome so a joiner never reads a later attempt's error.
	connect *connectAttempt

	exec *Executor

	// gen invalidates goroutines belonging to a previous process.
	gen uint64

	// onClose runs after each teardown, outside the lock. Used to stop
	// dependents that only make sense while connected.
	onClose func()
}

// connectAttempt carries the outcome of one Connect. err is set before
// done is closed and never written afterwards.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// New creates a disconnected session. policy tunes the executor's
// completion detectors.
func New(cfg config.CLIConfig, policy *Policy, bus *events.Bus) *Session {
	s := &Session{
		state: StateDisconnected,
		cfg:   cfg,
		bus:   bus,
	}
	s.exec = NewExecutor(policy, s.writeLine, bus)
	return s
}

// OnClose registers a callback invoked after every disconnect or
// unsolicited exit. Must be called before Connect.
func (s *Session) OnClose(fn func()) { s.onClose = fn }

// SetPolicy swaps the executor's completion policy.
func (s *Session) SetPolicy(p *Policy) { s.exec.SetPolicy(p) }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the wrapped process id, or 0 when not connected.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.Pid()
}

// Pending reports queued plus active commands.
func (s *Session) Pending() int { return s.exec.Pending() }

// Connect spawns the CLI process and blocks until its greeting appears
// on either output stream or the connect timeout elapses. Calling it
// while already connected is a no-op; calling it while a connect is in
// flight joins that attempt.
func (s *Session) Connect() error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		att := s.connect
		s.mu.Unlock()
		<-att.done
		return att.err
	}

	h, err := proc.Start(s.cfg.Command, s.cfg.Args...)
	if err != nil {
		s.state = StateError
		s.mu.Unlock()
		s.publishStatus(StateError, err.Error())
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.gen++
	gen := s.gen
	s.handle = h
	s.handshake = s.handshake[:0]
	s.state = StateConnecting
	att := &connectAttempt{done: make(chan struct{})}
	s.connect = att
	s.mu.Unlock()

	s.publishStatus(StateConnecting, "")
	log.Printf("session: spawned %s (pid %d)", s.cfg.Command, h.Pid())

	go s.readLoop(gen, h, proc.SourceStdout)
	go s.readLoop(gen, h, proc.SourceStderr)
	go s.watchExit(gen, h)

	select {
	case <-att.done:
	case <-time.After(s.cfg.ConnectTimeout.Std()):
		s.failConnect(gen, ErrHandshakeTimeout)
		<-att.done
	}
	return att.err
}

// Disconnect tears the process down. Pending commands fail with
// ErrSessionClosed. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	h := s.handle
	s.handle = nil
	s.state = StateDisconnected
	s.resolveConnectLocked(ErrSessionClosed)
	s.mu.Unlock()

	if h != nil {
		h.Kill(s.cfg.KillGrace.Std())
	}
	s.exec.FailAll(ErrSessionClosed)
	s.publishStatus(StateDisconnected, "")
	s.fireOnClose()
}

// Submit queues a command on the connected session and returns the
// channel its result arrives on.
func (s *Session) Submit(text, id string) (string, <-chan Result, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return "", nil, ErrNotConnected
	}
	s.mu.Unlock()
	return s.exec.Submit(text, id)
}

// Close disconnects and stops the executor for good.
func (s *Session) Close() {
	s.Disconnect()
	s.exec.Close()
}

// writeLine is the executor's path onto the process stdin.
func (s *Session) writeLine(line string) error {
	s.mu.Lock()
	if s.state != StateConnected || s.handle == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	h := s.handle
	s.mu.Unlock()
	return h.WriteLine(line)
}

// readLoop splits one output stream into lines and hands them to
// handleLine until the stream closes.
func (s *Session) readLoop(gen uint64, h *proc.Handle, source proc.Source) {
	r := h.Stdout()
	if source == proc.SourceStderr {
		r = h.Stderr()
	}
	defer r.Close()

	var splitter proc.LineSplitter
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range splitter.Split(buf[:n]) {
				s.handleLine(gen, source, line)
			}
			// A prompt (or a greeting banner tail) arrives without a
			// terminator; check the pending partial line too.
			if pending := splitter.Pending(); pending != "" {
				if s.handlePartial(gen, source, pending) {
					splitter.Discard()
				}
			}
		}
		if err != nil {
			if line, ok := splitter.Flush(); ok {
				s.handleLine(gen, source, line)
			}
			return
		}
	}
}

// handlePartial inspects an unterminated output tail. During the
// handshake it lets a greeting that never gets its newline finish the
// connect; while connected it feeds the executor's prompt detector.
// Reports whether the tail was consumed.
func (s *Session) handlePartial(gen uint64, source proc.Source, partial string) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}

	switch s.state {
	case StateConnecting:
		banner := strings.ToLower(string(s.handshake) + partial)
		if strings.Contains(banner, strings.ToLower(s.cfg.Greeting)) {
			s.state = StateConnected
			s.resolveConnectLocked(nil)
			s.mu.Unlock()
			log.Printf("session: greeting detected, connected")
			s.publishStatus(StateConnected, "")
			return false
		}
		s.mu.Unlock()
		return false

	case StateConnected:
		s.mu.Unlock()
		return s.exec.HandlePartial(source, partial)

	default:
		s.mu.Unlock()
		return false
	}
}

// handleLine routes one output line by state: during the handshake it
// feeds the greeting detector, once connected it feeds the executor.
func (s *Session) handleLine(gen uint64, source proc.Source, line string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch s.state {
	case StateConnecting:
		s.handshake = append(s.handshake, line...)
		s.handshake = append(s.handshake, '\n')
		if len(s.handshake) > handshakeMax {
			s.handshake = append(s.handshake[:0], s.handshake[len(s.handshake)-handshakeKeep:]...)
		}
		matched := strings.Contains(strings.ToLower(string(s.handshake)), strings.ToLower(s.cfg.Greeting))
		if matched {
			s.state = StateConnected
			s.resolveConnectLocked(nil)
			s.mu.Unlock()
			log.Printf("session: greeting detected, connected")
			s.publishStatus(StateConnected, "")
			return
		}
		s.mu.Unlock()

	case StateConnected:
		s.mu.Unlock()
		s.exec.HandleLine(source, line)

	default:
		s.mu.Unlock()
	}
}

// watchExit observes process death and tears the session down if the
// exit was not initiated by Disconnect.
func (s *Session) watchExit(gen uint64, h *proc.Handle) {
	<-h.Done()

	s.mu.Lock()
	if gen != s.gen {
		// Disconnect already took ownership of this teardown.
		s.mu.Unlock()
		return
	}
	s.gen++
	s.handle = nil
	code := h.ExitCode()

	next := StateDisconnected
	msg := ""
	if s.state == StateConnecting {
		next = StateError
		msg = s.connectFailureMessage(code)
		s.resolveConnectLocked(fmt.Errorf("%w: %s", ErrSpawnFailed, msg))
	} else if code != 0 {
		next = StateError
		msg = fmt.Sprintf("process exited with code %d", code)
	}
	s.state = next
	s.mu.Unlock()

	log.Printf("session: process exited (code %d)", code)
	s.exec.FailAll(ErrSessionClosed)
	s.publishStatus(next, msg)
	s.fireOnClose()
}

// failConnect resolves a still-pending connect attempt as failed and
// kills the spawned process.
func (s *Session) failConnect(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.gen++
	h := s.handle
	s.handle = nil
	s.state = StateError
	s.resolveConnectLocked(cause)
	s.mu.Unlock()

	if h != nil {
		h.Kill(s.cfg.KillGrace.Std())
	}
	s.publishStatus(StateError, cause.Error())
	s.fireOnClose()
}

// connectFailureMessage summarizes the captured banner for error
// reporting when the process dies mid-handshake.
func (s *Session) connectFailureMessage(code int) string {
	banner := strings.TrimSpace(string(s.handshake))
	if banner == "" {
		return fmt.Sprintf("process exited with code %d before greeting", code)
	}
	if len(banner) > 512 {
		banner = banner[len(banner)-512:]
	}
	return fmt.Sprintf("process exited with code %d before greeting: %s", code, banner)
}

// resolveConnectLocked delivers the outcome of the in-flight connect,
// if any. Caller holds s.mu.
func (s *Session) resolveConnectLocked(err error) {
	if s.connect == nil {
		return
	}
	s.connect.err = err
	close(s.connect.done)
	s.connect = nil
}

func (s *Session) publishStatus(state State, msg string) {
	s.bus.Publish(events.Status{State: string(state), Message: msg})
}

func (s *Session) fireOnClose() {
	if s.onClose != nil {
		s.onClose()
	}
}
