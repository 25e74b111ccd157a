// System bus watcher for logind sleep announcements.
//
// The watcher subscribes to org.freedesktop.login1.Manager.PrepareForSleep
// and forwards it to the coordinator as a PrepareForSleep request. It also
// holds a logind delay-inhibitor lock so the machine does not suspend
// before the coordinator has locked the session: the coordinator releases
// the lock once locked, and the watcher re-acquires it on wake-up.

package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	login1Path      = dbus.ObjectPath("/org/freedesktop/login1")
	login1Interface = "org.freedesktop.login1.Manager"
	sleepMember     = "PrepareForSleep"
)

// SleepWatcher owns the system bus connection and the delay-inhibitor lock.
type SleepWatcher struct {
	conn  *dbus.Conn
	login *login1.Conn
	log   *zap.Logger

	requests chan<- Request

	mu   sync.Mutex
	lock *os.File
}

// NewSleepWatcher connects to the system bus, subscribes to the sleep
// signal, and takes the initial delay lock. Forwarded requests are sent
// into the given channel (the same one the Server feeds).
func NewSleepWatcher(requests chan<- Request, log *zap.Logger) (*SleepWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("server.NewSleepWatcher: connect system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(login1Path),
		dbus.WithMatchInterface(login1Interface),
		dbus.WithMatchMember(sleepMember),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("server.NewSleepWatcher: match %s: %w", sleepMember, err)
	}

	login, err := login1.New()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("server.NewSleepWatcher: connect logind: %w", err)
	}

	w := &SleepWatcher{
		conn:     conn,
		login:    login,
		log:      log,
		requests: requests,
	}
	w.acquire()
	return w, nil
}

// Release drops the delay-inhibitor lock, allowing a pending suspend to
// proceed. Called by the coordinator once the session is locked.
// Releasing an already-released lock is a no-op.
func (w *SleepWatcher) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lock == nil {
		return
	}
	_ = w.lock.Close()
	w.lock = nil
	w.log.Debug("sleep delay lock released")
}

// acquire takes the delay lock; best effort, suspend just proceeds
// unlocked when logind refuses.
func (w *SleepWatcher) acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lock != nil {
		return
	}
	fd, err := w.login.Inhibit("sleep", "screenruster", "locking session before sleep", "delay")
	if err != nil {
		w.log.Warn("sleep delay lock unavailable", zap.Error(err))
		return
	}
	w.lock = fd
	w.log.Debug("sleep delay lock acquired")
}

// Run forwards sleep announcements until ctx is cancelled.
func (w *SleepWatcher) Run(ctx context.Context) {
	signals := make(chan *dbus.Signal, 8)
	w.conn.Signal(signals)

	for {
		select {
		case <-ctx.Done():
			w.Release()
			_ = w.conn.Close()
			return

		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != login1Interface+"."+sleepMember || len(sig.Body) != 1 {
				continue
			}
			sleeping, ok := sig.Body[0].(bool)
			if !ok {
				continue
			}

			if sleeping {
				now := time.Now()
				w.log.Info("system preparing for sleep")
				w.requests <- PrepareForSleep{At: &now}
			} else {
				w.log.Info("system woke up")
				w.acquire()
				w.requests <- PrepareForSleep{At: nil}
			}
		}
	}
}

// Feed returns the write side of the server's request channel so the
// watcher can share it.
func (s *Server) Feed() chan<- Request {
	return s.requests
}
