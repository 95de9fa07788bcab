// Package events carries output, status, and stream-lifecycle events
// from the session core to every subscriber, independent of transport.
package events

// Type names one event family on the bus.
type Type string

const (
	TypeStatus        Type = "status"
	TypeCommandOutput Type = "command.output"
	TypeCommandResult Type = "command.result"
	TypeStreamLine    Type = "stream.line"
	TypeStreamStarted Type = "stream.started"
	TypeStreamStopped Type = "stream.stopped"
)

// Event is any value published on the bus. Subscribers receive every
// event and filter by id themselves.
type Event interface {
	EventType() Type
}

// Status reports a session state transition.
type Status struct {
	State   string
	Message string
}

func (Status) EventType() Type { return TypeStatus }

// CommandOutput is one captured line of an active command's output.
type CommandOutput struct {
	ID     string
	Source string // "stdout" | "stderr"
	Text   string
}

func (CommandOutput) EventType() Type { return TypeCommandOutput }

// CommandResult announces that a command finished, with its joined
// output and the completion trigger that ended it.
type CommandResult struct {
	ID       string
	ExitCode int
	Output   string
	Trigger  string
	Error    string
}

func (CommandResult) EventType() Type { return TypeCommandResult }

// StreamLine is one line from a log stream, attributed to the file the
// stream most recently announced.
type StreamLine struct {
	StreamID string
	File     string
	Line     string
}

func (StreamLine) EventType() Type { return TypeStreamLine }

// StreamStarted announces a newly spawned log stream.
type StreamStarted struct {
	StreamID string
	Files    []string
	Mode     string
	Lines    int
}

func (StreamStarted) EventType() Type { return TypeStreamStarted }

// StreamStopped announces that a log stream ended and why.
type StreamStopped struct {
	StreamID string
	Reason   string // "stopped" | "disconnected" | "completed" | "error"
	Message  string
}

func (StreamStopped) EventType() Type { return TypeStreamStopped }
