// Package server bridges the session bus to the coordinator.
//
// Two names are published with do-not-queue semantics: the widely deployed
// org.gnome.ScreenSaver interface, so generic lock/inhibit/query clients
// interoperate transparently, and the native meh.rust.ScreenSaver interface,
// which adds coarse-grained Suspend/Resume. If either name is already owned
// the constructor fails with ErrAlreadyRegistered and the daemon aborts.
//
// Every method invocation becomes a typed Request on the coordinator
// channel. Methods that return data carry a reply channel inside the
// request; the dispatching goroutine blocks on it until the coordinator
// answers, forming a synchronous bubble between the bus caller and the
// coordinator. At most one such call is outstanding at a time.
//
// Signals flow the other way: the coordinator queues them on a buffered
// channel and a forwarder goroutine emits them on the bus.

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/meh/screenruster/internal/config"
)

const (
	CompatName = "org.gnome.ScreenSaver"
	CompatPath = dbus.ObjectPath("/org/gnome/ScreenSaver")

	NativeName = "meh.rust.ScreenSaver"
	NativePath = dbus.ObjectPath("/meh/rust/ScreenSaver")
)

// ErrAlreadyRegistered indicates another process owns one of the bus names.
var ErrAlreadyRegistered = errors.New("server: bus name already registered")

// Request is a client-originated message to the coordinator. Exactly one
// of the concrete types below. Requests that expect data carry the reply
// channel the coordinator must answer on.
type Request interface {
	isRequest()
}

type (
	// Lock locks the screen, starting the saver first if needed.
	Lock struct{}

	// Cycle cycles the saver. Acknowledged but unimplemented.
	Cycle struct{}

	// SimulateUserActivity injects synthetic user activity.
	SimulateUserActivity struct{}

	// Inhibit defers timer-initiated Start and Blank transitions until
	// the returned cookie is released.
	Inhibit struct {
		Application string
		Reason      string
		Reply       chan<- uint32
	}

	// UnInhibit releases a previous Inhibit. Unknown cookies are ignored.
	UnInhibit struct {
		Cookie uint32
	}

	// Throttle advises resource-constrained rendering.
	Throttle struct {
		Application string
		Reason      string
		Reply       chan<- uint32
	}

	// UnThrottle releases a previous Throttle. Unknown cookies are ignored.
	UnThrottle struct {
		Cookie uint32
	}

	// Suspend registers a suspend cookie. The coordinator only keeps it
	// for bookkeeping; it does not change any session transition.
	Suspend struct {
		Application string
		Reason      string
		Reply       chan<- uint32
	}

	// Resume releases a previous Suspend. Unknown cookies are ignored.
	Resume struct {
		Cookie uint32
	}

	// SetActive changes the active status of the saver.
	SetActive struct {
		Active bool
	}

	// GetActive queries whether the saver is active.
	GetActive struct {
		Reply chan<- bool
	}

	// GetActiveTime queries how many seconds the saver has been active.
	GetActiveTime struct {
		Reply chan<- uint64
	}

	// GetSessionIdle queries whether the session is idle.
	GetSessionIdle struct {
		Reply chan<- bool
	}

	// GetSessionIdleTime queries how many seconds the session has been idle.
	GetSessionIdleTime struct {
		Reply chan<- uint64
	}

	// PrepareForSleep is forwarded from the system bus. At is the moment
	// the sleep announcement was observed, nil on wake-up.
	PrepareForSleep struct {
		At *time.Time
	}
)

func (Lock) isRequest()                 {}
func (Cycle) isRequest()                {}
func (SimulateUserActivity) isRequest() {}
func (Inhibit) isRequest()              {}
func (UnInhibit) isRequest()            {}
func (Throttle) isRequest()             {}
func (UnThrottle) isRequest()           {}
func (Suspend) isRequest()              {}
func (Resume) isRequest()               {}
func (SetActive) isRequest()            {}
func (GetActive) isRequest()            {}
func (GetActiveTime) isRequest()        {}
func (GetSessionIdle) isRequest()       {}
func (GetSessionIdleTime) isRequest()   {}
func (PrepareForSleep) isRequest()      {}

// Signal is a daemon-originated broadcast.
type Signal interface {
	isSignal()
}

type (
	// ActiveChanged announces a change of the saver's active status.
	ActiveChanged struct {
		Active bool
	}

	// SessionIdleChanged announces a change of the session's idle status.
	SessionIdleChanged struct {
		Idle bool
	}

	// AuthenticationRequestBegin announces the start of an
	// authentication attempt.
	AuthenticationRequestBegin struct{}

	// AuthenticationRequestEnd announces the end of an
	// authentication attempt.
	AuthenticationRequestEnd struct{}
)

func (ActiveChanged) isSignal()              {}
func (SessionIdleChanged) isSignal()         {}
func (AuthenticationRequestBegin) isSignal() {}
func (AuthenticationRequestEnd) isSignal()   {}

// Server owns the session bus connection and the typed channels to the
// coordinator.
type Server struct {
	cfg  config.Server
	log  *zap.Logger
	conn *dbus.Conn

	requests chan Request
	signals  chan Signal

	// callMu serializes the response-bearing method calls so at most one
	// request/reply bubble is outstanding.
	callMu sync.Mutex
}

// New connects to the session bus, acquires both names, and exports the
// method surface. Name collision with an existing owner returns
// ErrAlreadyRegistered; the daemon must treat any error as fatal.
func New(cfg config.Server, log *zap.Logger) (*Server, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("server.New: connect session bus: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		requests: make(chan Request, 16),
		signals:  make(chan Signal, 16),
	}

	for _, name := range []string{CompatName, NativeName} {
		reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("server.New: request name %q: %w", name, err)
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
		}
	}

	if err := s.export(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info("session bus names acquired",
		zap.String("compat", CompatName), zap.String("native", NativeName))
	return s, nil
}

// Requests returns the channel of client requests.
func (s *Server) Requests() <-chan Request {
	return s.requests
}

// Emit queues a signal for broadcast. Never blocks; the forwarder drains
// the queue on its own goroutine.
func (s *Server) Emit(sig Signal) {
	select {
	case s.signals <- sig:
	default:
		s.log.Warn("signal queue full, dropping broadcast")
	}
}

// Run forwards queued signals to the bus until ctx is cancelled, then
// closes the connection.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
			return

		case sig := <-s.signals:
			var err error
			switch v := sig.(type) {
			case ActiveChanged:
				err = s.conn.Emit(CompatPath, CompatName+".ActiveChanged", v.Active)
			case SessionIdleChanged:
				err = s.conn.Emit(CompatPath, CompatName+".SessionIdleChanged", v.Idle)
			case AuthenticationRequestBegin:
				err = s.conn.Emit(CompatPath, CompatName+".AuthenticationRequestBegin")
			case AuthenticationRequestEnd:
				err = s.conn.Emit(CompatPath, CompatName+".AuthenticationRequestEnd")
			}
			if err != nil {
				s.log.Warn("signal emission failed", zap.Error(err))
			}
		}
	}
}

// export registers the method handlers and introspection data on both
// object paths.
func (s *Server) export() error {
	compat := &compatInterface{s: s}
	native := &nativeInterface{s: s}

	if err := s.conn.Export(compat, CompatPath, CompatName); err != nil {
		return fmt.Errorf("server: export %s: %w", CompatName, err)
	}
	if err := s.conn.Export(native, NativePath, NativeName); err != nil {
		return fmt.Errorf("server: export %s: %w", NativeName, err)
	}

	if err := s.conn.Export(introspect.NewIntrospectable(compatNode()), CompatPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("server: export introspection: %w", err)
	}
	if err := s.conn.Export(introspect.NewIntrospectable(nativeNode()), NativePath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("server: export introspection: %w", err)
	}
	return nil
}

// dispatch queues a request that expects no reply.
func (s *Server) dispatch(req Request) {
	s.requests <- req
}

// call queues a request carrying a reply channel and blocks the bus
// dispatch until the coordinator answers. Serial: one outstanding call.
func call[T any](s *Server, build func(chan<- T) Request) T {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	reply := make(chan T, 1)
	s.requests <- build(reply)
	return <-reply
}

func ignored(family string) *dbus.Error {
	return dbus.MakeFailedError(fmt.Errorf("%s is ignored", family))
}

// compatInterface implements org.gnome.ScreenSaver.
type compatInterface struct {
	s *Server
}

func (c *compatInterface) Lock() *dbus.Error {
	c.s.dispatch(Lock{})
	return nil
}

func (c *compatInterface) Cycle() *dbus.Error {
	c.s.dispatch(Cycle{})
	return nil
}

func (c *compatInterface) SimulateUserActivity() *dbus.Error {
	c.s.dispatch(SimulateUserActivity{})
	return nil
}

func (c *compatInterface) Inhibit(application, reason string) (uint32, *dbus.Error) {
	if c.s.cfg.Ignores("inhibit") {
		return 0, ignored("inhibit")
	}
	cookie := call(c.s, func(reply chan<- uint32) Request {
		return Inhibit{Application: application, Reason: reason, Reply: reply}
	})
	return cookie, nil
}

func (c *compatInterface) UnInhibit(cookie uint32) *dbus.Error {
	if c.s.cfg.Ignores("inhibit") {
		return ignored("inhibit")
	}
	c.s.dispatch(UnInhibit{Cookie: cookie})
	return nil
}

func (c *compatInterface) Throttle(application, reason string) (uint32, *dbus.Error) {
	if c.s.cfg.Ignores("throttle") {
		return 0, ignored("throttle")
	}
	cookie := call(c.s, func(reply chan<- uint32) Request {
		return Throttle{Application: application, Reason: reason, Reply: reply}
	})
	return cookie, nil
}

func (c *compatInterface) UnThrottle(cookie uint32) *dbus.Error {
	if c.s.cfg.Ignores("throttle") {
		return ignored("throttle")
	}
	c.s.dispatch(UnThrottle{Cookie: cookie})
	return nil
}

func (c *compatInterface) SetActive(active bool) *dbus.Error {
	c.s.dispatch(SetActive{Active: active})
	return nil
}

func (c *compatInterface) GetActive() (bool, *dbus.Error) {
	return call(c.s, func(reply chan<- bool) Request {
		return GetActive{Reply: reply}
	}), nil
}

func (c *compatInterface) GetActiveTime() (uint64, *dbus.Error) {
	return call(c.s, func(reply chan<- uint64) Request {
		return GetActiveTime{Reply: reply}
	}), nil
}

func (c *compatInterface) GetSessionIdle() (bool, *dbus.Error) {
	return call(c.s, func(reply chan<- bool) Request {
		return GetSessionIdle{Reply: reply}
	}), nil
}

func (c *compatInterface) GetSessionIdleTime() (uint64, *dbus.Error) {
	return call(c.s, func(reply chan<- uint64) Request {
		return GetSessionIdleTime{Reply: reply}
	}), nil
}

// nativeInterface implements meh.rust.ScreenSaver.
type nativeInterface struct {
	s *Server
}

func (n *nativeInterface) Suspend(application, reason string) (uint32, *dbus.Error) {
	if n.s.cfg.Ignores("suspend") {
		return 0, ignored("suspend")
	}
	cookie := call(n.s, func(reply chan<- uint32) Request {
		return Suspend{Application: application, Reason: reason, Reply: reply}
	})
	return cookie, nil
}

func (n *nativeInterface) Resume(cookie uint32) *dbus.Error {
	if n.s.cfg.Ignores("suspend") {
		return ignored("suspend")
	}
	n.s.dispatch(Resume{Cookie: cookie})
	return nil
}

func compatNode() *introspect.Node {
	return &introspect.Node{
		Name: string(CompatPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: CompatName,
				Methods: []introspect.Method{
					{Name: "Lock"},
					{Name: "Cycle"},
					{Name: "SimulateUserActivity"},
					{Name: "Inhibit", Args: []introspect.Arg{
						{Name: "application_name", Type: "s", Direction: "in"},
						{Name: "reason_for_inhibit", Type: "s", Direction: "in"},
						{Name: "cookie", Type: "u", Direction: "out"},
					}},
					{Name: "UnInhibit", Args: []introspect.Arg{
						{Name: "cookie", Type: "u", Direction: "in"},
					}},
					{Name: "Throttle", Args: []introspect.Arg{
						{Name: "application_name", Type: "s", Direction: "in"},
						{Name: "reason_for_throttle", Type: "s", Direction: "in"},
						{Name: "cookie", Type: "u", Direction: "out"},
					}},
					{Name: "UnThrottle", Args: []introspect.Arg{
						{Name: "cookie", Type: "u", Direction: "in"},
					}},
					{Name: "SetActive", Args: []introspect.Arg{
						{Name: "active", Type: "b", Direction: "in"},
					}},
					{Name: "GetActive", Args: []introspect.Arg{
						{Name: "active", Type: "b", Direction: "out"},
					}},
					{Name: "GetActiveTime", Args: []introspect.Arg{
						{Name: "time", Type: "t", Direction: "out"},
					}},
					{Name: "GetSessionIdle", Args: []introspect.Arg{
						{Name: "idle", Type: "b", Direction: "out"},
					}},
					{Name: "GetSessionIdleTime", Args: []introspect.Arg{
						{Name: "time", Type: "t", Direction: "out"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "ActiveChanged", Args: []introspect.Arg{
						{Name: "status", Type: "b"},
					}},
					{Name: "SessionIdleChanged", Args: []introspect.Arg{
						{Name: "status", Type: "b"},
					}},
					{Name: "AuthenticationRequestBegin"},
					{Name: "AuthenticationRequestEnd"},
				},
			},
		},
	}
}

func nativeNode() *introspect.Node {
	return &introspect.Node{
		Name: string(NativePath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: NativeName,
				Methods: []introspect.Method{
					{Name: "Suspend", Args: []introspect.Arg{
						{Name: "application_name", Type: "s", Direction: "in"},
						{Name: "reason_for_suspend", Type: "s", Direction: "in"},
						{Name: "cookie", Type: "u", Direction: "out"},
					}},
					{Name: "Resume", Args: []introspect.Arg{
						{Name: "cookie", Type: "u", Direction: "in"},
					}},
				},
			},
		},
	}
}
