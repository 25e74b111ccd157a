// Package daemon implements the coordinator: the event-driven state
// machine composing the timer, authentication, bus, and locker workers
// into one consistent session lifecycle.
//
// The coordinator is the only entity that mutates session state. It blocks
// solely on the select over the four worker channels; every handler is
// non-blocking and finishes in bounded time. Session state lives on the
// Run stack frame and is passed by reference only to the handlers.
//
// State machine:
//
//	idle ──timer.Start──▶ saving ──timer.Lock──▶ locked
//	 ▲                       │                      │
//	 │                       │ activity (>grace)    │ auth success
//	 └───────────────────────┴──────────────────────┘
//
// Blanked is an orthogonal flag that may be set in any state while DPMS is
// available. While inhibit cookies are held, timer-initiated Start and
// Blank transitions are deferred; Lock via the bus always succeeds.

package daemon

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/meh/screenruster/internal/auth"
	"github.com/meh/screenruster/internal/locker"
	"github.com/meh/screenruster/internal/observability"
	"github.com/meh/screenruster/internal/server"
	"github.com/meh/screenruster/internal/timer"
)

// activationGrace is how long after saver start user activity is ignored
// as a dismiss, so a stray event racing against Start does not immediately
// tear the saver down.
const activationGrace = time.Second

// sessionIdleThreshold is the idle time above which GetSessionIdle
// reports true.
const sessionIdleThreshold = 5 * time.Second

// Report correlation ids, one per query family.
const (
	reportActiveTime uint64 = iota + 1
	reportSessionIdle
	reportSessionIdleTime
)

// Timers is the coordinator's view of the timer engine.
type Timers interface {
	Reset(timer.Event)
	Restart()
	Report(id uint64)
	Messages() <-chan timer.Message
}

// Authenticator is the coordinator's view of the auth worker.
type Authenticator interface {
	Authenticate(secret []byte)
	Results() <-chan auth.Result
}

// Bus is the coordinator's view of the IPC server.
type Bus interface {
	Requests() <-chan server.Request
	Emit(server.Signal)
}

// SleepLock is released once the session is locked ahead of a system
// suspend.
type SleepLock interface {
	Release()
}

// Options assembles a Daemon.
type Options struct {
	Timers  Timers
	Auth    Authenticator
	Bus     Bus
	Locker  locker.Locker
	Metrics *observability.Metrics
	Log     *zap.Logger

	// Sleep is optional; nil when the system bus is unavailable.
	Sleep SleepLock

	// DPMS gates blanking; blanked_at is never set without it.
	DPMS bool

	// Clock is injectable for tests. Defaults to the real clock.
	Clock clockwork.Clock
}

// Daemon is the coordinator. Create with New, then run with Run.
type Daemon struct {
	timers  Timers
	auth    Authenticator
	bus     Bus
	locker  locker.Locker
	sleep   SleepLock
	metrics *observability.Metrics
	log     *zap.Logger
	clock   clockwork.Clock
	dpms    bool
}

// New assembles the coordinator.
func New(opts Options) *Daemon {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Daemon{
		timers:  opts.Timers,
		auth:    opts.Auth,
		bus:     opts.Bus,
		locker:  opts.Locker,
		sleep:   opts.Sleep,
		metrics: opts.Metrics,
		log:     opts.Log,
		clock:   opts.Clock,
		dpms:    opts.DPMS,
	}
}

// session is the coordinator-owned state. Never escapes the Run frame.
type session struct {
	startedAt time.Time // non-zero iff the saver is shown
	lockedAt  time.Time // non-zero iff authentication is required
	blankedAt time.Time // non-zero iff DPMS forced the monitor off

	inhibitors map[uint32]struct{}
	throttlers map[uint32]struct{}
	suspenders map[uint32]struct{}

	// Pending reply channels for in-flight timer reports, one outstanding
	// per query family.
	replyActiveTime      chan<- uint64
	replySessionIdle     chan<- bool
	replySessionIdleTime chan<- uint64
}

// Run multiplexes the four worker channels until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	s := &session{
		inhibitors: make(map[uint32]struct{}),
		throttlers: make(map[uint32]struct{}),
		suspenders: make(map[uint32]struct{}),
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-d.locker.Events():
			d.handleLocker(s, ev)

		case res := <-d.auth.Results():
			d.handleAuth(s, res)

		case req := <-d.bus.Requests():
			d.handleRequest(s, req)

		case msg := <-d.timers.Messages():
			d.handleTimer(s, msg)
		}
	}
}

// handleLocker processes activity and password events from the display.
func (d *Daemon) handleLocker(s *session, ev locker.Event) {
	switch ev := ev.(type) {
	case locker.Password:
		d.bus.Emit(server.AuthenticationRequestBegin{})
		d.auth.Authenticate(ev.Secret)

	case locker.Activity:
		d.timers.Reset(timer.Blank)

		if !s.blankedAt.IsZero() {
			d.locker.Power(true)
			s.blankedAt = time.Time{}
			d.transition("unblank")
			d.metrics.SessionBlanked.Set(0)
		}

		if !s.startedAt.IsZero() {
			// Dismiss the saver on activity, unless locked or within the
			// activation grace.
			if s.lockedAt.IsZero() && d.clock.Since(s.startedAt) >= activationGrace {
				s.startedAt = time.Time{}
				d.locker.Stop()
				d.deactivated()
			}
		} else {
			d.timers.Reset(timer.Idle)
		}
	}
}

// handleAuth processes authentication outcomes.
func (d *Daemon) handleAuth(s *session, res auth.Result) {
	d.metrics.AuthAttemptsTotal.WithLabelValues(res.String()).Inc()

	switch res {
	case auth.Success:
		d.log.Info("authorization: success")

		s.lockedAt = time.Time{}
		s.startedAt = time.Time{}

		d.locker.Auth(true)
		d.locker.Stop()
		d.timers.Restart()

		d.bus.Emit(server.AuthenticationRequestEnd{})
		d.deactivated()
		d.transition("unlock")
		d.metrics.SessionLocked.Set(0)

	case auth.Failure:
		d.log.Info("authorization: failure")

		d.locker.Auth(false)
		d.bus.Emit(server.AuthenticationRequestEnd{})
	}
}

// handleRequest processes bus requests.
func (d *Daemon) handleRequest(s *session, req server.Request) {
	d.metrics.BusRequestsTotal.WithLabelValues(requestName(req)).Inc()

	switch req := req.(type) {
	case server.Lock:
		d.lock(s)

	case server.Cycle:
		// Unsupported; acknowledged as a no-op.

	case server.SimulateUserActivity:
		d.locker.Activity()

	case server.Inhibit:
		cookie := insertCookie(s.inhibitors)
		d.metrics.Inhibitors.Set(float64(len(s.inhibitors)))
		d.log.Debug("inhibit",
			zap.String("application", req.Application),
			zap.String("reason", req.Reason),
			zap.Uint32("cookie", cookie))
		req.Reply <- cookie

	case server.UnInhibit:
		delete(s.inhibitors, req.Cookie)
		d.metrics.Inhibitors.Set(float64(len(s.inhibitors)))

	case server.Throttle:
		cookie := insertCookie(s.throttlers)
		d.metrics.Throttlers.Set(float64(len(s.throttlers)))
		req.Reply <- cookie

	case server.UnThrottle:
		delete(s.throttlers, req.Cookie)
		d.metrics.Throttlers.Set(float64(len(s.throttlers)))

	case server.Suspend:
		cookie := insertCookie(s.suspenders)
		d.metrics.Suspenders.Set(float64(len(s.suspenders)))
		req.Reply <- cookie

	case server.Resume:
		delete(s.suspenders, req.Cookie)
		d.metrics.Suspenders.Set(float64(len(s.suspenders)))

	case server.SetActive:
		if req.Active {
			d.start(s)
		} else if !s.startedAt.IsZero() && s.lockedAt.IsZero() {
			// Never deactivates while locked.
			s.startedAt = time.Time{}
			d.locker.Stop()
			d.deactivated()
		}

	case server.GetActive:
		req.Reply <- !s.startedAt.IsZero()

	case server.GetActiveTime:
		s.replyActiveTime = req.Reply
		d.timers.Report(reportActiveTime)

	case server.GetSessionIdle:
		s.replySessionIdle = req.Reply
		d.timers.Report(reportSessionIdle)

	case server.GetSessionIdleTime:
		s.replySessionIdleTime = req.Reply
		d.timers.Report(reportSessionIdleTime)

	case server.PrepareForSleep:
		if req.At != nil {
			// Force lock before suspend, then let the sleep proceed.
			d.log.Info("locking ahead of system sleep")
			d.lock(s)
			if d.sleep != nil {
				d.sleep.Release()
			}
		} else {
			d.timers.Reset(timer.Idle)
			d.timers.Reset(timer.Blank)
			if !s.blankedAt.IsZero() {
				d.locker.Power(true)
				s.blankedAt = time.Time{}
				d.transition("unblank")
				d.metrics.SessionBlanked.Set(0)
			}
		}
	}
}

// handleTimer processes deadline firings and report snapshots.
func (d *Daemon) handleTimer(s *session, msg timer.Message) {
	switch msg := msg.(type) {
	case timer.Fired:
		switch msg.Event {
		case timer.Heartbeat:
			d.locker.Sanitize()

		case timer.Start:
			if len(s.inhibitors) == 0 {
				d.start(s)
			} else {
				d.timers.Reset(timer.Idle)
			}

		case timer.Lock:
			// Lock is not inhibitable.
			if !s.startedAt.IsZero() && s.lockedAt.IsZero() {
				s.lockedAt = d.clock.Now()
				d.locker.Lock()
				d.transition("lock")
				d.metrics.SessionLocked.Set(1)
			}

		case timer.Blank:
			if d.dpms && len(s.inhibitors) == 0 {
				d.locker.Power(false)
				s.blankedAt = d.clock.Now()
				d.transition("blank")
				d.metrics.SessionBlanked.Set(1)
			} else {
				d.timers.Reset(timer.Blank)
			}
		}

	case timer.Report:
		switch msg.ID {
		case reportActiveTime:
			if s.replyActiveTime != nil {
				// Projected from the coordinator's own started_at: the
				// timer only learns about deadline-initiated starts, not
				// ones forced over the bus.
				var secs uint64
				if !s.startedAt.IsZero() {
					secs = uint64(d.clock.Since(s.startedAt) / time.Second)
				}
				s.replyActiveTime <- secs
				s.replyActiveTime = nil
			}

		case reportSessionIdle:
			if s.replySessionIdle != nil {
				s.replySessionIdle <- d.clock.Since(msg.IdleSince) >= sessionIdleThreshold
				s.replySessionIdle = nil
			}

		case reportSessionIdleTime:
			if s.replySessionIdleTime != nil {
				s.replySessionIdleTime <- uint64(d.clock.Since(msg.IdleSince) / time.Second)
				s.replySessionIdleTime = nil
			}
		}
	}
}

// start shows the saver if it is not already shown.
func (d *Daemon) start(s *session) {
	if !s.startedAt.IsZero() {
		return
	}
	s.startedAt = d.clock.Now()
	d.locker.Start()
	d.bus.Emit(server.ActiveChanged{Active: true})
	d.bus.Emit(server.SessionIdleChanged{Idle: true})
	d.transition("start")
	d.metrics.SessionActive.Set(1)
}

// lock forces the session locked, starting the saver first if needed.
// This is the one path that ignores inhibitors.
func (d *Daemon) lock(s *session) {
	d.start(s)

	if s.lockedAt.IsZero() {
		s.lockedAt = d.clock.Now()
		d.locker.Lock()
		d.transition("lock")
		d.metrics.SessionLocked.Set(1)
	}
}

// deactivated announces that the saver is gone.
func (d *Daemon) deactivated() {
	d.bus.Emit(server.ActiveChanged{Active: false})
	d.bus.Emit(server.SessionIdleChanged{Idle: false})
	d.transition("stop")
	d.metrics.SessionActive.Set(0)
}

func (d *Daemon) transition(name string) {
	d.metrics.StateTransitionsTotal.WithLabelValues(name).Inc()
}

// insertCookie allocates a cookie unique within the live set by rejection
// sampling, inserts it, and returns it.
func insertCookie(set map[uint32]struct{}) uint32 {
	for {
		cookie := rand.Uint32()
		if _, taken := set[cookie]; taken {
			continue
		}
		set[cookie] = struct{}{}
		return cookie
	}
}

// requestName labels a request for metrics.
func requestName(req server.Request) string {
	switch req.(type) {
	case server.Lock:
		return "Lock"
	case server.Cycle:
		return "Cycle"
	case server.SimulateUserActivity:
		return "SimulateUserActivity"
	case server.Inhibit:
		return "Inhibit"
	case server.UnInhibit:
		return "UnInhibit"
	case server.Throttle:
		return "Throttle"
	case server.UnThrottle:
		return "UnThrottle"
	case server.Suspend:
		return "Suspend"
	case server.Resume:
		return "Resume"
	case server.SetActive:
		return "SetActive"
	case server.GetActive:
		return "GetActive"
	case server.GetActiveTime:
		return "GetActiveTime"
	case server.GetSessionIdle:
		return "GetSessionIdle"
	case server.GetSessionIdleTime:
		return "GetSessionIdleTime"
	case server.PrepareForSleep:
		return "PrepareForSleep"
	default:
		return "Unknown"
	}
}
