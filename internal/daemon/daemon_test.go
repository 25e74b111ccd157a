package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meh/screenruster/internal/auth"
	"github.com/meh/screenruster/internal/locker"
	"github.com/meh/screenruster/internal/observability"
	"github.com/meh/screenruster/internal/server"
	"github.com/meh/screenruster/internal/timer"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeTimers struct {
	mu       sync.Mutex
	resets   []timer.Event
	restarts int
	reports  []uint64
	msgs     chan timer.Message
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{msgs: make(chan timer.Message, 16)}
}

func (f *fakeTimers) Reset(ev timer.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, ev)
}

func (f *fakeTimers) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
}

func (f *fakeTimers) Report(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, id)
}

func (f *fakeTimers) Messages() <-chan timer.Message { return f.msgs }

func (f *fakeTimers) resetCount(ev timer.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.resets {
		if r == ev {
			n++
		}
	}
	return n
}

type fakeAuth struct {
	mu      sync.Mutex
	secrets []string
	results chan auth.Result
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{results: make(chan auth.Result, 4)}
}

func (f *fakeAuth) Authenticate(secret []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets = append(f.secrets, string(secret))
}

func (f *fakeAuth) Results() <-chan auth.Result { return f.results }

func (f *fakeAuth) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.secrets...)
}

type fakeBus struct {
	mu      sync.Mutex
	reqs    chan server.Request
	signals []server.Signal
}

func newFakeBus() *fakeBus {
	return &fakeBus{reqs: make(chan server.Request, 16)}
}

func (f *fakeBus) Requests() <-chan server.Request { return f.reqs }

func (f *fakeBus) Emit(sig server.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
}

func (f *fakeBus) emitted() []server.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]server.Signal(nil), f.signals...)
}

type fakeLocker struct {
	mu   sync.Mutex
	cmds []string
	evs  chan locker.Event
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{evs: make(chan locker.Event, 16)}
}

func (f *fakeLocker) record(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
}

func (f *fakeLocker) Start()    { f.record("start") }
func (f *fakeLocker) Stop()     { f.record("stop") }
func (f *fakeLocker) Lock()     { f.record("lock") }
func (f *fakeLocker) Sanitize() { f.record("sanitize") }
func (f *fakeLocker) Activity() { f.record("activity") }

func (f *fakeLocker) Auth(ok bool) {
	if ok {
		f.record("auth:ok")
	} else {
		f.record("auth:fail")
	}
}

func (f *fakeLocker) Power(on bool) {
	if on {
		f.record("power:on")
	} else {
		f.record("power:off")
	}
}

func (f *fakeLocker) Events() <-chan locker.Event { return f.evs }

func (f *fakeLocker) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func (f *fakeLocker) has(cmd string) bool {
	for _, c := range f.commands() {
		if c == cmd {
			return true
		}
	}
	return false
}

// ─── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	timers *fakeTimers
	auth   *fakeAuth
	bus    *fakeBus
	locker *fakeLocker
	clock  *clockwork.FakeClock
	sleep  *fakeSleepLock
}

type fakeSleepLock struct {
	mu       sync.Mutex
	released bool
}

func (f *fakeSleepLock) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeSleepLock) wasReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		timers: newFakeTimers(),
		auth:   newFakeAuth(),
		bus:    newFakeBus(),
		locker: newFakeLocker(),
		clock:  clockwork.NewFakeClock(),
		sleep:  &fakeSleepLock{},
	}

	d := New(Options{
		Timers:  h.timers,
		Auth:    h.auth,
		Bus:     h.bus,
		Locker:  h.locker,
		Sleep:   h.sleep,
		Metrics: observability.New(),
		Log:     zap.NewNop(),
		DPMS:    true,
		Clock:   h.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	return h
}

// flush round-trips a GetActive request, guaranteeing every previously
// queued bus request has been handled, and returns the active status.
func (h *harness) flush(t *testing.T) bool {
	t.Helper()
	reply := make(chan bool, 1)
	h.bus.reqs <- server.GetActive{Reply: reply}
	select {
	case active := <-reply:
		return active
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not answer GetActive")
		return false
	}
}

func (h *harness) inhibit(t *testing.T) uint32 {
	t.Helper()
	reply := make(chan uint32, 1)
	h.bus.reqs <- server.Inhibit{Application: "test", Reason: "test", Reply: reply}
	select {
	case cookie := <-reply:
		return cookie
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not answer Inhibit")
		return 0
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestTimerStartShowsSaver(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started")
	require.True(t, h.flush(t))

	signals := h.bus.emitted()
	require.NotEmpty(t, signals)
	assert.Equal(t, server.ActiveChanged{Active: true}, signals[0])
}

func TestInhibitDefersStart(t *testing.T) {
	h := newHarness(t)

	cookie := h.inhibit(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.timers.resetCount(timer.Idle) == 1 }, "idle not rearmed")
	assert.False(t, h.locker.has("start"))
	assert.False(t, h.flush(t))

	h.bus.reqs <- server.UnInhibit{Cookie: cookie}
	h.flush(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started after uninhibit")
	assert.True(t, h.flush(t))
}

func TestLockBypassesInhibit(t *testing.T) {
	h := newHarness(t)

	h.inhibit(t)

	h.bus.reqs <- server.Lock{}
	h.flush(t)

	require.Equal(t, []string{"start", "lock"}, h.locker.commands())
	assert.True(t, h.flush(t))
}

func TestInhibitDefersBlank(t *testing.T) {
	h := newHarness(t)

	h.inhibit(t)

	h.timers.msgs <- timer.Fired{Event: timer.Blank}
	eventually(t, func() bool { return h.timers.resetCount(timer.Blank) == 1 }, "blank not rearmed")
	assert.False(t, h.locker.has("power:off"))
}

func TestLockFiringLocksSession(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	h.timers.msgs <- timer.Fired{Event: timer.Lock}
	eventually(t, func() bool { return h.locker.has("lock") }, "session not locked")
}

func TestLockFiringWithoutSaverIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Lock}
	h.timers.msgs <- timer.Fired{Event: timer.Heartbeat}
	eventually(t, func() bool { return h.locker.has("sanitize") }, "heartbeat not handled")
	assert.False(t, h.locker.has("lock"))
}

func TestHeartbeatSanitizes(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Heartbeat}
	eventually(t, func() bool { return h.locker.has("sanitize") }, "display not sanitized")
}

func TestActivityWithinGraceKeepsSaver(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started")

	h.clock.Advance(500 * time.Millisecond)
	h.locker.evs <- locker.Activity{}
	eventually(t, func() bool { return h.timers.resetCount(timer.Blank) == 1 }, "blank not reset")
	assert.False(t, h.locker.has("stop"))
	assert.True(t, h.flush(t))
}

func TestActivityAfterGraceStopsSaver(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started")

	h.clock.Advance(2 * time.Second)
	h.locker.evs <- locker.Activity{}
	eventually(t, func() bool { return h.locker.has("stop") }, "saver not dismissed")
	assert.False(t, h.flush(t))
}

func TestActivityNeverDismissesLockedSession(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.Lock{}
	h.flush(t)

	h.clock.Advance(10 * time.Second)
	h.locker.evs <- locker.Activity{}
	eventually(t, func() bool { return h.timers.resetCount(timer.Blank) == 1 }, "blank not reset")
	assert.False(t, h.locker.has("stop"))
	assert.True(t, h.flush(t))
}

func TestBlankThenWake(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started")

	h.timers.msgs <- timer.Fired{Event: timer.Blank}
	eventually(t, func() bool { return h.locker.has("power:off") }, "monitor not blanked")

	h.clock.Advance(10 * time.Second)
	h.locker.evs <- locker.Activity{}
	eventually(t, func() bool { return h.locker.has("power:on") }, "monitor not woken")
}

func TestPasswordForwardsToAuth(t *testing.T) {
	h := newHarness(t)

	h.locker.evs <- locker.Password{Secret: []byte("hunter2")}
	eventually(t, func() bool { return len(h.auth.received()) == 1 }, "secret not forwarded")
	assert.Equal(t, "hunter2", h.auth.received()[0])

	signals := h.bus.emitted()
	require.NotEmpty(t, signals)
	assert.Equal(t, server.AuthenticationRequestBegin{}, signals[0])
}

func TestAuthSuccessUnlocks(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.Lock{}
	h.flush(t)

	h.auth.results <- auth.Success
	eventually(t, func() bool { return h.locker.has("auth:ok") }, "auth outcome not displayed")
	eventually(t, func() bool { return h.locker.has("stop") }, "saver not dismissed")
	assert.False(t, h.flush(t))

	h.timers.mu.Lock()
	restarts := h.timers.restarts
	h.timers.mu.Unlock()
	assert.Equal(t, 1, restarts)
}

func TestAuthFailureKeepsLock(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.Lock{}
	h.flush(t)

	h.auth.results <- auth.Failure
	eventually(t, func() bool { return h.locker.has("auth:fail") }, "auth outcome not displayed")
	assert.False(t, h.locker.has("stop"))
	assert.True(t, h.flush(t))
}

func TestSetActiveRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.SetActive{Active: true}
	assert.True(t, h.flush(t))

	h.bus.reqs <- server.SetActive{Active: false}
	assert.False(t, h.flush(t))
}

func TestSetActiveFalseIgnoredWhileLocked(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.Lock{}
	h.bus.reqs <- server.SetActive{Active: false}
	assert.True(t, h.flush(t))
	assert.False(t, h.locker.has("stop"))
}

func TestCookieReleaseIsExact(t *testing.T) {
	h := newHarness(t)

	a := h.inhibit(t)
	b := h.inhibit(t)
	require.NotEqual(t, a, b)

	h.bus.reqs <- server.UnInhibit{Cookie: a}
	h.flush(t)

	// b still held: Start stays deferred.
	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.timers.resetCount(timer.Idle) == 1 }, "idle not rearmed")
	assert.False(t, h.locker.has("start"))

	h.bus.reqs <- server.UnInhibit{Cookie: b}
	h.flush(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started")
}

func TestUnknownCookieReleaseIsNoOp(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.UnInhibit{Cookie: 12345}
	h.bus.reqs <- server.UnThrottle{Cookie: 12345}
	h.bus.reqs <- server.Resume{Cookie: 12345}
	h.flush(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started")
}

func TestThrottleIsBookkeepingOnly(t *testing.T) {
	h := newHarness(t)

	reply := make(chan uint32, 1)
	h.bus.reqs <- server.Throttle{Application: "test", Reason: "test", Reply: reply}
	require.NotPanics(t, func() { <-reply })

	// A held throttler does not defer Start.
	h.timers.msgs <- timer.Fired{Event: timer.Start}
	eventually(t, func() bool { return h.locker.has("start") }, "saver not started")
}

func TestSimulateUserActivityRoutesThroughLocker(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.SimulateUserActivity{}
	h.flush(t)

	assert.Equal(t, []string{"activity"}, h.locker.commands())
}

func TestCycleIsNoOp(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.Cycle{}
	h.flush(t)

	assert.Empty(t, h.locker.commands())
}

func TestPrepareForSleepLocksAndReleases(t *testing.T) {
	h := newHarness(t)

	now := h.clock.Now()
	h.bus.reqs <- server.PrepareForSleep{At: &now}
	h.flush(t)

	require.Equal(t, []string{"start", "lock"}, h.locker.commands())
	assert.True(t, h.sleep.wasReleased())
}

func TestWakeUpResetsDeadlines(t *testing.T) {
	h := newHarness(t)

	h.timers.msgs <- timer.Fired{Event: timer.Start}
	h.timers.msgs <- timer.Fired{Event: timer.Blank}
	eventually(t, func() bool { return h.locker.has("power:off") }, "monitor not blanked")

	h.bus.reqs <- server.PrepareForSleep{At: nil}
	h.flush(t)

	assert.True(t, h.locker.has("power:on"))
	assert.GreaterOrEqual(t, h.timers.resetCount(timer.Idle), 1)
	assert.GreaterOrEqual(t, h.timers.resetCount(timer.Blank), 1)
}

func TestGetActiveTimeProjection(t *testing.T) {
	h := newHarness(t)

	h.bus.reqs <- server.Lock{}
	h.flush(t)
	h.clock.Advance(30 * time.Second)

	reply := make(chan uint64, 1)
	h.bus.reqs <- server.GetActiveTime{Reply: reply}
	eventually(t, func() bool {
		h.timers.mu.Lock()
		defer h.timers.mu.Unlock()
		return len(h.timers.reports) == 1
	}, "report not requested")

	h.timers.msgs <- timer.Report{ID: reportActiveTime, IdleSince: h.clock.Now()}
	select {
	case secs := <-reply:
		assert.Equal(t, uint64(30), secs)
	case <-time.After(2 * time.Second):
		t.Fatal("no active time reply")
	}
}

func TestGetSessionIdleThreshold(t *testing.T) {
	h := newHarness(t)

	idleSince := h.clock.Now()
	h.clock.Advance(10 * time.Second)

	reply := make(chan bool, 1)
	h.bus.reqs <- server.GetSessionIdle{Reply: reply}
	h.timers.msgs <- timer.Report{ID: reportSessionIdle, IdleSince: idleSince}

	select {
	case idle := <-reply:
		assert.True(t, idle)
	case <-time.After(2 * time.Second):
		t.Fatal("no session idle reply")
	}
}

func TestGetSessionIdleTime(t *testing.T) {
	h := newHarness(t)

	idleSince := h.clock.Now()
	h.clock.Advance(42 * time.Second)

	reply := make(chan uint64, 1)
	h.bus.reqs <- server.GetSessionIdleTime{Reply: reply}
	h.timers.msgs <- timer.Report{ID: reportSessionIdleTime, IdleSince: idleSince}

	select {
	case secs := <-reply:
		assert.Equal(t, uint64(42), secs)
	case <-time.After(2 * time.Second):
		t.Fatal("no session idle time reply")
	}
}
