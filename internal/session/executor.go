package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shellmux/internal/events"
	"shellmux/internal/proc"
)

// Trigger names the completion condition that ended a command.
type Trigger string

const (
	TriggerPromptMatch   Trigger = "prompt_match"
	TriggerEarlyPolicy   Trigger = "early_policy"
	TriggerInactivity    Trigger = "inactivity_timeout"
	TriggerHardTimeout   Trigger = "hard_timeout"
	TriggerSessionClosed Trigger = "session_closed"
)

// Result is the final outcome of one submitted command.
//
// ExitCode is always 0 for completed commands: the wrapped channel
// never reveals the remote exit status, so callers that need
// success/failure must infer it from Output.
type Result struct {
	ID       string
	ExitCode int
	Output   string
	Trigger  Trigger
	Err      error
}

// command is one queued or active request on the session channel.
type command struct {
	id   string
	text string

	// gen is assigned on activation; timer callbacks verify it so a
	// stale timer can never complete a later command in the slot.
	gen uint64

	lines      []string
	lastOutput time.Time
	graceTimer *time.Timer
	hardTimer  *time.Timer
	resultCh   chan Result
}

// Executor serializes commands onto the single session input channel
// and races the completion detectors for the active one. At most one
// command is active at a time; the rest wait in FIFO order.
type Executor struct {
	mu     sync.Mutex
	policy *Policy
	write  func(line string) error
	bus    *events.Bus

	queue  []*command
	active *command
	gen    uint64

	stop    chan struct{}
	stopped bool
}

// NewExecutor creates an executor writing command lines through write
// and publishing output on bus. The inactivity poller runs until Close.
func NewExecutor(policy *Policy, write func(line string) error, bus *events.Bus) *Executor {
	e := &Executor{
		policy: policy,
		write:  write,
		bus:    bus,
		stop:   make(chan struct{}),
	}
	go e.pollLoop()
	return e
}

// SetPolicy swaps the completion policy. Commands already active keep
// the timers they started with; new activations use the new policy.
func (e *Executor) SetPolicy(p *Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// Submit enqueues a command and returns the channel its result will be
// delivered on. An empty id gets a generated one. The id must not
// collide with any queued or active command.
func (e *Executor) Submit(text, id string) (string, <-chan Result, error) {
	if id == "" {
		id = uuid.New().String()
	}

	c := &command{
		id:       id,
		text:     text,
		resultCh: make(chan Result, 1),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", nil, ErrSessionClosed
	}
	if e.active != nil && e.active.id == id {
		e.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, id)
	}
	for _, q := range e.queue {
		if q.id == id {
			e.mu.Unlock()
			return "", nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, id)
		}
	}

	var failed []*command
	if e.active == nil {
		failed = e.activateLocked(c)
	} else {
		e.queue = append(e.queue, c)
	}
	e.mu.Unlock()

	e.deliverFailures(failed)
	return id, c.resultCh, nil
}

// activateLocked writes the command to the session input and starts its
// hard timer. If the write fails it tries the next queued command, and
// returns every command that failed to start so the caller can deliver
// their results outside the lock.
func (e *Executor) activateLocked(c *command) []*command {
	var failed []*command
	for c != nil {
		e.gen++
		c.gen = e.gen

		if err := e.write(c.text); err != nil {
			c.resultCh <- Result{
				ID:      c.id,
				Trigger: TriggerSessionClosed,
				Err:     fmt.Errorf("write command: %w", err),
			}
			failed = append(failed, c)
			c = nil
			if len(e.queue) > 0 {
				c = e.queue[0]
				e.queue = e.queue[1:]
			}
			continue
		}

		hardGen := c.gen
		c.hardTimer = time.AfterFunc(e.policy.HardTimeout, func() {
			e.complete(hardGen, TriggerHardTimeout)
		})
		e.active = c
		return failed
	}
	e.active = nil
	return failed
}

func (e *Executor) deliverFailures(failed []*command) {
	for _, c := range failed {
		e.publishResult(Result{ID: c.id, Trigger: TriggerSessionClosed, Err: ErrSessionClosed})
	}
}

// HandleLine attributes one session output line to the active command.
// A prompt line completes the command; anything else is content.
func (e *Executor) HandleLine(source proc.Source, line string) {
	e.mu.Lock()
	c := e.active
	if c == nil {
		// Unsolicited output with no active command; nothing to
		// attribute it to.
		e.mu.Unlock()
		return
	}

	if e.policy.IsPrompt(line) {
		gen := c.gen
		e.mu.Unlock()
		e.complete(gen, TriggerPromptMatch)
		return
	}

	c.lines = append(c.lines, line)
	c.lastOutput = time.Now()
	if len(c.lines) == 1 && c.graceTimer == nil && e.policy.IsEarly(c.text) {
		gen := c.gen
		c.graceTimer = time.AfterFunc(e.policy.EarlyGrace, func() {
			e.complete(gen, TriggerEarlyPolicy)
		})
	}
	id := c.id
	e.mu.Unlock()

	e.bus.Publish(events.CommandOutput{ID: id, Source: string(source), Text: line})
}

// HandlePartial inspects an unterminated output tail. A shell prompt
// is the canonical line that never gets its terminator, so a pending
// tail matching the prompt pattern completes the active command.
// Reports whether the tail was consumed as a prompt.
func (e *Executor) HandlePartial(source proc.Source, partial string) bool {
	e.mu.Lock()
	c := e.active
	if c == nil || !e.policy.IsPrompt(partial) {
		e.mu.Unlock()
		return false
	}
	gen := c.gen
	e.mu.Unlock()

	e.complete(gen, TriggerPromptMatch)
	return true
}

// pollLoop drives the inactivity detector: if the active command has
// captured content and stayed quiet past the policy window, it is
// completed.
func (e *Executor) pollLoop() {
	e.mu.Lock()
	interval := e.policy.InactivityPoll
	e.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			var gen uint64
			fire := false
			if c := e.active; c != nil && len(c.lines) > 0 &&
				time.Since(c.lastOutput) >= e.policy.InactivityQuiet {
				fire = true
				gen = c.gen
			}
			if next := e.policy.InactivityPoll; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			e.mu.Unlock()

			if fire {
				e.complete(gen, TriggerInactivity)
			}
		}
	}
}

// complete finishes the active command if it is still the one the
// trigger was armed for, cancels its remaining timers, delivers the
// result, and activates the next queued command.
func (e *Executor) complete(gen uint64, trigger Trigger) {
	e.mu.Lock()
	c := e.active
	if c == nil || c.gen != gen {
		e.mu.Unlock()
		return
	}
	e.active = nil
	stopTimers(c)

	res := Result{
		ID:      c.id,
		Output:  strings.Join(c.lines, "\n"),
		Trigger: trigger,
	}

	var failed []*command
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		failed = e.activateLocked(next)
	}
	e.mu.Unlock()

	c.resultCh <- res
	e.publishResult(res)
	e.deliverFailures(failed)
}

// FailAll resolves the active command and every queued command as
// failed with the given cause. Used on session teardown.
func (e *Executor) FailAll(cause error) {
	e.mu.Lock()
	var pending []*command
	if e.active != nil {
		stopTimers(e.active)
		pending = append(pending, e.active)
		e.active = nil
	}
	pending = append(pending, e.queue...)
	e.queue = nil
	e.mu.Unlock()

	for _, c := range pending {
		res := Result{ID: c.id, Trigger: TriggerSessionClosed, Err: cause}
		c.resultCh <- res
		e.publishResult(res)
	}
}

// Pending reports how many commands are queued or active.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.queue)
	if e.active != nil {
		n++
	}
	return n
}

// Close stops the inactivity poller and fails all pending commands.
// Idempotent.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	e.mu.Unlock()

	e.FailAll(ErrSessionClosed)
}

func (e *Executor) publishResult(res Result) {
	ev := events.CommandResult{
		ID:       res.ID,
		ExitCode: res.ExitCode,
		Output:   res.Output,
		Trigger:  string(res.Trigger),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	e.bus.Publish(ev)
}

func stopTimers(c *command) {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.hardTimer != nil {
		c.hardTimer.Stop()
		c.hardTimer = nil
	}
}
