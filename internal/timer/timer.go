// Package timer implements the deadline engine for the screenruster daemon.
//
// The engine converts the configured durations into a stream of events
// consumed by the coordinator:
//
//	Heartbeat — periodic, fires every beat regardless of session state.
//	Start     — the session has been idle for timeout seconds.
//	Lock      — lock seconds have passed since Start fired (0 = same tick).
//	Blank     — the blank deadline expired (blank = 0 disables it).
//
// Deadlines fire once per arming; Reset rearms a deadline from now. A
// firing already queued on the message channel is still delivered.
// Ordering within a single tick:
// Start before Blank, and Heartbeat only after any state-changing event.
//
// The engine runs on its own goroutine and owns all deadline state. The
// coordinator talks to it through buffered command sends; a Report command
// is answered asynchronously on the same message channel, echoing the
// caller-supplied correlation id.

package timer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meh/screenruster/internal/config"
)

// Event identifies a deadline or emission kind.
type Event uint8

const (
	Idle Event = iota
	Start
	Lock
	Blank
	Heartbeat
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case Idle:
		return "idle"
	case Start:
		return "start"
	case Lock:
		return "lock"
	case Blank:
		return "blank"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Message is delivered to the coordinator. Exactly one of the concrete
// types below.
type Message interface {
	isMessage()
}

// Fired announces an expired deadline or a heartbeat.
type Fired struct {
	Event Event
}

// Report is a point-in-time snapshot answering a Report command.
// ID echoes the command's correlation id. StartedAt is zero unless Start
// has fired since the last Restart or idle reset. IdleSince is the instant
// of the last observed activity.
type Report struct {
	ID        uint64
	StartedAt time.Time
	IdleSince time.Time
}

func (Fired) isMessage()  {}
func (Report) isMessage() {}

// tick granularity for deadline checks.
const granularity = time.Second

type command struct {
	reset    Event
	restart  bool
	reportID uint64
	report   bool
}

// Timer is the deadline engine worker. Create with New, then run with Run.
type Timer struct {
	cfg   config.Timer
	clock clockwork.Clock

	cmds     chan command
	messages chan Message
}

// New creates a Timer from the given configuration. The clock is injectable
// for tests; pass clockwork.NewRealClock() in production.
func New(cfg config.Timer, clock clockwork.Clock) *Timer {
	return &Timer{
		cfg:      cfg,
		clock:    clock,
		cmds:     make(chan command, 16),
		messages: make(chan Message, 16),
	}
}

// Messages returns the channel of deadline firings and report snapshots.
func (t *Timer) Messages() <-chan Message {
	return t.messages
}

// Reset rearms the deadline for the given event from now. A firing of that
// event already queued on the message channel is not withdrawn.
func (t *Timer) Reset(event Event) {
	t.cmds <- command{reset: event}
}

// Restart rearms the idle and blank deadlines and clears the active-time
// accounting tied to a started saver.
func (t *Timer) Restart() {
	t.cmds <- command{restart: true}
}

// Report requests a snapshot; the id is echoed back in the Report message
// so the caller can correlate the answer.
func (t *Timer) Report(id uint64) {
	t.cmds <- command{report: true, reportID: id}
}

// Run drives the deadline loop until ctx is cancelled.
func (t *Timer) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(granularity)
	defer ticker.Stop()

	now := t.clock.Now()

	var (
		idleSince  = now // last observed activity
		blankSince = now
		startedAt  time.Time // zero unless the saver is running
		lockSince  time.Time // lock deadline anchor: Start, or the last Reset(Lock)
		lastBeat   = now

		startFired bool
		lockFired  bool
		blankFired bool
	)

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-t.cmds:
			now = t.clock.Now()
			switch {
			case cmd.report:
				t.send(Report{ID: cmd.reportID, StartedAt: startedAt, IdleSince: idleSince})

			case cmd.restart:
				idleSince = now
				blankSince = now
				startedAt = time.Time{}
				startFired = false
				lockFired = false
				blankFired = false

			default:
				switch cmd.reset {
				case Idle, Start:
					// Rearming idle also disarms a pending lock: the lock
					// deadline only exists between Start and Lock.
					idleSince = now
					startedAt = time.Time{}
					startFired = false
					lockFired = false
				case Lock:
					lockFired = false
					lockSince = now
				case Blank:
					blankSince = now
					blankFired = false
				}
			}

		case <-ticker.Chan():
			now = t.clock.Now()

			// Start precedes Blank when both come due; Heartbeat never
			// preempts a state-changing event in the same tick.
			if !startFired && now.Sub(idleSince) >= t.timeout() {
				startFired = true
				startedAt = now
				lockSince = now
				lockFired = false
				t.send(Fired{Event: Start})
			}

			if !startedAt.IsZero() && !lockFired && now.Sub(lockSince) >= t.lock() {
				lockFired = true
				t.send(Fired{Event: Lock})
			}

			if t.cfg.Blank > 0 && !blankFired && now.Sub(blankSince) >= t.blank() {
				blankFired = true
				t.send(Fired{Event: Blank})
			}

			if now.Sub(lastBeat) >= t.beat() {
				lastBeat = now
				t.send(Fired{Event: Heartbeat})
			}
		}
	}
}

// send delivers a message without ever blocking the deadline loop; the
// coordinator consumes faster than deadlines expire, so a full channel
// means the peer is gone.
func (t *Timer) send(m Message) {
	select {
	case t.messages <- m:
	default:
	}
}

func (t *Timer) beat() time.Duration    { return time.Duration(t.cfg.Beat) * time.Second }
func (t *Timer) timeout() time.Duration { return time.Duration(t.cfg.Timeout) * time.Second }
func (t *Timer) lock() time.Duration    { return time.Duration(t.cfg.Lock) * time.Second }
func (t *Timer) blank() time.Duration   { return time.Duration(t.cfg.Blank) * time.Second }
