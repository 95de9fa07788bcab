// Package logstream runs remote tail operations as dedicated CLI
// processes, independent of the interactive session, and publishes
// their lines with per-file attribution.
package logstream

import (
	"errors"
	"fmt"
	"log"
	"path"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"shellmux/internal/config"
	"shellmux/internal/events"
	"shellmux/internal/proc"
)

// ErrStreamNotFound is returned by Stop for an unknown stream id.
var ErrStreamNotFound = errors.New("stream not found")

// ErrNotConnected is returned by Start when the session gate reports
// the remote side is unreachable.
var ErrNotConnected = errors.New("session not connected")

// Mode selects between a fixed-count read and a continuous follow.
type Mode string

const (
	ModeLastN  Mode = "last_n"
	ModeFollow Mode = "follow"
)

// Stop reasons carried on the lifecycle event.
const (
	ReasonStopped      = "stopped"
	ReasonDisconnected = "disconnected"
	ReasonCompleted    = "completed"
	ReasonError        = "error"
)

// Info is the externally visible description of one stream.
type Info struct {
	ID     string   `json:"id"`
	Files  []string `json:"files"`
	Mode   Mode     `json:"mode"`
	Lines  int      `json:"lines"`
	Active bool     `json:"active"`
}

// stream is one running tail process.
type stream struct {
	info   Info
	handle *proc.Handle

	// currentFile is the attribution context set by the most recent
	// multi-file header line. pendingBlank holds back one blank line:
	// tail separates sections with a blank before each header, which is
	// framing, while a blank followed by content is real log data.
	currentFile  string
	pendingBlank bool
	fileMu       sync.Mutex

	stopOnce sync.Once
	reason   string
	message  string
}

// Manager owns all log stream processes. connected gates Start so
// streams only run while the interactive session is up.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*stream

	cli       config.CLIConfig
	logs      config.LogsConfig
	header    *regexp.Regexp
	bus       *events.Bus
	connected func() bool
}

// NewManager builds a manager; logs.HeaderPattern must already be
// validated by config.Validate.
func NewManager(cli config.CLIConfig, logs config.LogsConfig, bus *events.Bus, connected func() bool) *Manager {
	return &Manager{
		streams:   make(map[string]*stream),
		cli:       cli,
		logs:      logs,
		header:    regexp.MustCompile(logs.HeaderPattern),
		bus:       bus,
		connected: connected,
	}
}

// Start spawns a tail process for files and returns the new stream id.
// lines <= 0 selects the configured default. With a large file set the
// explicit list is replaced by a directory glob; per-line attribution
// then relies on the header lines the tail emits.
func (m *Manager) Start(files []string, mode Mode, lines int) (string, error) {
	if !m.connected() {
		return "", ErrNotConnected
	}
	if len(files) == 0 {
		return "", errors.New("no files given")
	}
	if mode != ModeLastN && mode != ModeFollow {
		return "", fmt.Errorf("unknown mode %q", mode)
	}
	if lines <= 0 {
		lines = m.logs.DefaultLines
	}

	targets := files
	if len(files) >= m.logs.GlobThreshold {
		targets = []string{path.Join(path.Dir(files[0]), m.logs.GlobSuffix)}
	}

	args := append([]string{}, m.cli.RemoteArgs...)
	args = append(args, "tail", "-n", strconv.Itoa(lines))
	if mode == ModeFollow {
		args = append(args, "-f")
	}
	args = append(args, targets...)

	id := uuid.New().String()
	h, err := proc.Start(m.cli.Command, args...)
	if err != nil {
		m.bus.Publish(events.StreamStopped{StreamID: id, Reason: ReasonError, Message: err.Error()})
		return "", fmt.Errorf("spawn tail: %w", err)
	}

	st := &stream{
		info: Info{
			ID:     id,
			Files:  files,
			Mode:   mode,
			Lines:  lines,
			Active: true,
		},
		handle: h,
	}
	if len(targets) == 1 && len(files) == 1 {
		// Single explicit file: every line belongs to it, headers or
		// not.
		st.currentFile = files[0]
	}

	m.mu.Lock()
	m.streams[st.info.ID] = st
	m.mu.Unlock()

	log.Printf("logstream: started %s (%s, %d files, pid %d)", st.info.ID, mode, len(files), h.Pid())
	m.bus.Publish(events.StreamStarted{StreamID: st.info.ID, Files: files, Mode: string(mode), Lines: lines})

	go m.readLoop(st, proc.SourceStdout)
	go m.readLoop(st, proc.SourceStderr)
	go m.watchExit(st)

	return st.info.ID, nil
}

// Stop kills the stream's process. The lifecycle event is emitted by
// the exit watcher once the process is confirmed gone.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	st, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	m.stopStream(st, ReasonStopped, "")
	return nil
}

// StopAll tears down every active stream with the given reason. Used
// for the disconnect cascade.
func (m *Manager) StopAll(reason string) {
	m.mu.Lock()
	all := make([]*stream, 0, len(m.streams))
	for _, st := range m.streams {
		all = append(all, st)
	}
	m.mu.Unlock()

	for _, st := range all {
		m.stopStream(st, reason, "")
	}
}

// List returns a snapshot of all known streams, active first is not
// guaranteed.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.streams))
	for _, st := range m.streams {
		out = append(out, st.info)
	}
	return out
}

// stopStream records the caller's reason and signals the process; the
// exit watcher performs the single lifecycle emission.
func (m *Manager) stopStream(st *stream, reason, message string) {
	st.stopOnce.Do(func() {
		st.reason = reason
		st.message = message
		st.handle.Kill(m.cli.KillGrace.Std())
	})
}

func (m *Manager) readLoop(st *stream, source proc.Source) {
	r := st.handle.Stdout()
	if source == proc.SourceStderr {
		r = st.handle.Stderr()
	}
	defer r.Close()

	var splitter proc.LineSplitter
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range splitter.Split(buf[:n]) {
				m.handleLine(st, line)
			}
		}
		if err != nil {
			if line, ok := splitter.Flush(); ok {
				m.handleLine(st, line)
			}
			return
		}
	}
}

// handleLine classifies one line: a header updates the attribution
// context and is not forwarded, a blank line is held back until the
// next line shows whether it was header framing or content, and
// everything else is forwarded with the current file context.
func (m *Manager) handleLine(st *stream, line string) {
	if match := m.header.FindStringSubmatch(line); len(match) > 1 {
		st.fileMu.Lock()
		st.currentFile = match[1]
		st.pendingBlank = false
		st.fileMu.Unlock()
		return
	}

	st.fileMu.Lock()
	file := st.currentFile
	flushBlank := st.pendingBlank
	st.pendingBlank = line == ""
	st.fileMu.Unlock()

	if flushBlank {
		m.bus.Publish(events.StreamLine{StreamID: st.info.ID, File: file, Line: ""})
	}
	if line == "" {
		return
	}
	m.bus.Publish(events.StreamLine{StreamID: st.info.ID, File: file, Line: line})
}

// watchExit emits exactly one lifecycle event per stream, whether the
// process died on its own or was stopped.
func (m *Manager) watchExit(st *stream) {
	<-st.handle.Done()

	// Caller-initiated stops set the reason first; an unsolicited exit
	// derives it from the exit code.
	st.stopOnce.Do(func() {
		if code := st.handle.ExitCode(); code == 0 {
			st.reason = ReasonCompleted
		} else {
			st.reason = ReasonError
			st.message = fmt.Sprintf("tail exited with code %d", code)
		}
	})

	m.mu.Lock()
	st.info.Active = false
	delete(m.streams, st.info.ID)
	m.mu.Unlock()

	log.Printf("logstream: stream %s stopped (%s)", st.info.ID, st.reason)
	m.bus.Publish(events.StreamStopped{StreamID: st.info.ID, Reason: st.reason, Message: st.message})
}
