package logstream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellmux/internal/config"
	"shellmux/internal/events"
)

// fakeCLI builds a manager whose "remote" CLI is a shell script that
// receives the constructed tail arguments as positional parameters.
func fakeCLI(t *testing.T, script string, connected bool) (*Manager, *events.Bus) {
	t.Helper()
	cli := config.CLIConfig{
		Command:    "sh",
		RemoteArgs: []string{"-c", script, "remote"},
		KillGrace:  config.Duration(100 * time.Millisecond),
	}
	logs := config.Default().Logs
	bus := events.NewBus(100)
	m := NewManager(cli, logs, bus, func() bool { return connected })
	t.Cleanup(func() {
		m.StopAll(ReasonStopped)
		bus.Close()
	})
	return m, bus
}

func collectEvents(ch <-chan events.Event, window time.Duration) []events.Event {
	var out []events.Event
	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestManager_RejectsWhenNotConnected(t *testing.T) {
	m, _ := fakeCLI(t, `echo "$@"`, false)

	_, err := m.Start([]string{"/var/log/app.log"}, ModeLastN, 0)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_ExplicitFileListBelowThreshold(t *testing.T) {
	m, bus := fakeCLI(t, `echo "$@"`, true)
	_, ch, _ := bus.Subscribe()

	files := []string{"/var/log/a.log", "/var/log/b.log"}
	_, err := m.Start(files, ModeLastN, 50)
	require.NoError(t, err)

	line := waitForLine(t, ch)
	assert.Equal(t, "tail -n 50 /var/log/a.log /var/log/b.log", line.Line)
}

func TestManager_GlobSubstitutionAtThreshold(t *testing.T) {
	m, bus := fakeCLI(t, `echo "$@"`, true)
	_, ch, _ := bus.Subscribe()

	files := make([]string, 12)
	for i := range files {
		files[i] = fmt.Sprintf("/var/log/app/app-%d.log", i)
	}
	_, err := m.Start(files, ModeFollow, 0)
	require.NoError(t, err)

	line := waitForLine(t, ch)
	assert.Equal(t, "tail -n 200 -f /var/log/app/*.log", line.Line)
	assert.NotContains(t, line.Line, "app-3.log")
}

func TestManager_SingleFileAttribution(t *testing.T) {
	m, bus := fakeCLI(t, `echo one; echo two`, true)
	_, ch, _ := bus.Subscribe()

	_, err := m.Start([]string{"/var/log/only.log"}, ModeLastN, 0)
	require.NoError(t, err)

	line := waitForLine(t, ch)
	assert.Equal(t, "/var/log/only.log", line.File)
}

func TestManager_HeaderLinesDriveAttribution(t *testing.T) {
	m, bus := fakeCLI(t, `echo ignored`, true)
	sub, ch, _ := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	st := &stream{info: Info{ID: "attr-test"}}
	input := []string{
		"==> /logs/a.log <==",
		"a-1",
		"a-2",
		"a-3",
		"",
		"==> /logs/b.log <==",
		"b-1",
		"b-2",
	}
	for _, line := range input {
		m.handleLine(st, line)
	}

	got := collectEvents(ch, 200*time.Millisecond)
	var lines []events.StreamLine
	for _, ev := range got {
		if sl, ok := ev.(events.StreamLine); ok && sl.StreamID == "attr-test" {
			lines = append(lines, sl)
		}
	}
	require.Len(t, lines, 5)

	for i, want := range []struct{ file, text string }{
		{"/logs/a.log", "a-1"},
		{"/logs/a.log", "a-2"},
		{"/logs/a.log", "a-3"},
		{"/logs/b.log", "b-1"},
		{"/logs/b.log", "b-2"},
	} {
		assert.Equal(t, want.file, lines[i].File, "line %d file", i)
		assert.Equal(t, want.text, lines[i].Line, "line %d text", i)
	}
}

func TestManager_BlankContentLinesForwarded(t *testing.T) {
	m, bus := fakeCLI(t, `echo ignored`, true)
	sub, ch, _ := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	st := &stream{info: Info{ID: "blank-test"}}
	input := []string{
		"==> /logs/a.log <==",
		"before",
		"",
		"after",
		"",
		"==> /logs/b.log <==",
		"other",
	}
	for _, line := range input {
		m.handleLine(st, line)
	}

	got := collectEvents(ch, 200*time.Millisecond)
	var lines []events.StreamLine
	for _, ev := range got {
		if sl, ok := ev.(events.StreamLine); ok && sl.StreamID == "blank-test" {
			lines = append(lines, sl)
		}
	}

	// The blank between two content lines is log data; the blank that
	// tail emits right before the next header is framing.
	require.Len(t, lines, 4)
	assert.Equal(t, "before", lines[0].Line)
	assert.Equal(t, "", lines[1].Line)
	assert.Equal(t, "/logs/a.log", lines[1].File)
	assert.Equal(t, "after", lines[2].Line)
	assert.Equal(t, "other", lines[3].Line)
	assert.Equal(t, "/logs/b.log", lines[3].File)
}

func TestManager_StopEmitsSingleStoppedEvent(t *testing.T) {
	m, bus := fakeCLI(t, `while true; do echo tick; sleep 0.05; done`, true)
	_, ch, _ := bus.Subscribe()

	id, err := m.Start([]string{"/var/log/app.log"}, ModeFollow, 0)
	require.NoError(t, err)

	// Let it produce at least one line first.
	waitForLine(t, ch)

	require.NoError(t, m.Stop(id))

	stopped := waitForStopped(t, ch, id)
	assert.Equal(t, ReasonStopped, stopped.Reason)

	// No second lifecycle event for the same stream.
	for _, ev := range collectEvents(ch, 300*time.Millisecond) {
		if ss, ok := ev.(events.StreamStopped); ok && ss.StreamID == id {
			t.Fatalf("duplicate stopped event: %+v", ss)
		}
	}

	assert.Empty(t, m.List())
}

func TestManager_StopUnknownStream(t *testing.T) {
	m, _ := fakeCLI(t, `echo hi`, true)
	require.ErrorIs(t, m.Stop("no-such-id"), ErrStreamNotFound)
}

func TestManager_CompletedOnCleanExit(t *testing.T) {
	m, bus := fakeCLI(t, `echo last lines`, true)
	_, ch, _ := bus.Subscribe()

	id, err := m.Start([]string{"/var/log/app.log"}, ModeLastN, 10)
	require.NoError(t, err)

	stopped := waitForStopped(t, ch, id)
	assert.Equal(t, ReasonCompleted, stopped.Reason)
}

func TestManager_ErrorOnNonzeroExit(t *testing.T) {
	m, bus := fakeCLI(t, `exit 3`, true)
	_, ch, _ := bus.Subscribe()

	id, err := m.Start([]string{"/var/log/app.log"}, ModeLastN, 0)
	require.NoError(t, err)

	stopped := waitForStopped(t, ch, id)
	assert.Equal(t, ReasonError, stopped.Reason)
	assert.Contains(t, stopped.Message, "3")
}

func TestManager_StopAllUsesGivenReason(t *testing.T) {
	m, bus := fakeCLI(t, `while true; do echo tick; sleep 0.05; done`, true)
	_, ch, _ := bus.Subscribe()

	id1, err := m.Start([]string{"/a.log"}, ModeFollow, 0)
	require.NoError(t, err)
	id2, err := m.Start([]string{"/b.log"}, ModeFollow, 0)
	require.NoError(t, err)

	m.StopAll(ReasonDisconnected)

	reasons := map[string]string{}
	deadline := time.After(3 * time.Second)
	for len(reasons) < 2 {
		select {
		case ev := <-ch:
			if ss, ok := ev.(events.StreamStopped); ok {
				reasons[ss.StreamID] = ss.Reason
			}
		case <-deadline:
			t.Fatalf("stopped events missing, got %v", reasons)
		}
	}
	assert.Equal(t, ReasonDisconnected, reasons[id1])
	assert.Equal(t, ReasonDisconnected, reasons[id2])
}

func waitForLine(t *testing.T, ch <-chan events.Event) events.StreamLine {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if sl, ok := ev.(events.StreamLine); ok {
				return sl
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream line")
		}
	}
}

func waitForStopped(t *testing.T, ch <-chan events.Event, id string) events.StreamStopped {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ss, ok := ev.(events.StreamStopped); ok && ss.StreamID == id {
				return ss
			}
		case <-deadline:
			t.Fatal("timed out waiting for stopped event")
		}
	}
}
