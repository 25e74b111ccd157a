// Package locker owns the X11 display for the screenruster daemon.
//
// The worker accepts commands from the coordinator (start, stop, lock,
// auth, sanitize, power, activity) and reports two kinds of events back:
// Activity for any input the user produced while the saver is visible, and
// Password when a secret is submitted through the unlock prompt.
//
// The X11 connection is owned exclusively by this package. Two goroutines
// share it: the run loop, which executes commands and interprets input,
// and a reader pumping raw X events into the run loop. Transient X11
// failures make the containing operation return without effect.

package locker

import (
	"context"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"go.uber.org/zap"

	"github.com/meh/screenruster/internal/config"
)

// Event is reported to the coordinator. Exactly one of the concrete types
// below.
type Event interface {
	isEvent()
}

type (
	// Activity is any user input observed while the saver is visible.
	Activity struct{}

	// Password carries a secret submitted through the unlock prompt.
	// Ownership of the buffer passes to the receiver.
	Password struct {
		Secret []byte
	}
)

func (Activity) isEvent() {}
func (Password) isEvent() {}

// Locker is the contract the coordinator programs against. The X11 worker
// implements it; tests substitute a recorder.
type Locker interface {
	// Start shows the saver.
	Start()
	// Stop tears the saver down.
	Stop()
	// Lock marks the session locked; input now feeds the unlock prompt.
	Lock()
	// Auth displays an authentication outcome.
	Auth(ok bool)
	// Sanitize reasserts X11 screensaver and DPMS settings.
	Sanitize()
	// Power forces the monitor on or off.
	Power(on bool)
	// Activity simulates user activity internally.
	Activity()
	// Events returns the channel of activity and password events.
	Events() <-chan Event
}

type cmdKind uint8

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdLock
	cmdAuth
	cmdSanitize
	cmdPower
	cmdActivity
)

type command struct {
	kind cmdKind
	flag bool // auth outcome or power level
}

// X11 is the locker worker. Create with New, then run with Run.
type X11 struct {
	display *Display
	log     *zap.Logger

	cmds   chan command
	events chan Event
}

var _ Locker = (*X11)(nil)

// New opens the display and verifies the required extensions. Errors here
// are fatal at startup.
func New(cfg config.Locker, log *zap.Logger) (*X11, error) {
	display, err := OpenDisplay(cfg)
	if err != nil {
		return nil, err
	}

	return &X11{
		display: display,
		log:     log,
		cmds:    make(chan command, 16),
		events:  make(chan Event, 16),
	}, nil
}

// Display exposes the display to the daemon for DPMS capability checks.
func (x *X11) Display() *Display {
	return x.display
}

func (x *X11) Start()        { x.cmds <- command{kind: cmdStart} }
func (x *X11) Stop()         { x.cmds <- command{kind: cmdStop} }
func (x *X11) Lock()         { x.cmds <- command{kind: cmdLock} }
func (x *X11) Auth(ok bool)  { x.cmds <- command{kind: cmdAuth, flag: ok} }
func (x *X11) Sanitize()     { x.cmds <- command{kind: cmdSanitize} }
func (x *X11) Power(on bool) { x.cmds <- command{kind: cmdPower, flag: on} }
func (x *X11) Activity()     { x.cmds <- command{kind: cmdActivity} }

// Events returns the channel of activity and password events.
func (x *X11) Events() <-chan Event {
	return x.events
}

// Run processes commands and X11 input until ctx is cancelled.
func (x *X11) Run(ctx context.Context) {
	xevents := make(chan xgb.Event, 32)
	go x.pump(xevents)

	var (
		window  xproto.Window // 0 when the saver is hidden
		locked  bool
		keys    *keymap
		entered prompt
	)

	for {
		select {
		case <-ctx.Done():
			entered.clear()
			return

		case cmd := <-x.cmds:
			switch cmd.kind {
			case cmdStart:
				if window != 0 {
					continue
				}
				window = x.show()
				keys = x.loadKeymap()

			case cmdStop:
				if window == 0 {
					continue
				}
				x.hide(window)
				window = 0
				locked = false
				entered.clear()

			case cmdLock:
				locked = true

			case cmdAuth:
				if !cmd.flag {
					x.log.Info("unlock attempt rejected")
					entered.clear()
				}

			case cmdSanitize:
				x.display.Sanitize()

			case cmdPower:
				x.display.Power(cmd.flag)

			case cmdActivity:
				x.report(Activity{})
			}

		case ev, ok := <-xevents:
			if !ok {
				return
			}
			if window == 0 {
				continue
			}

			switch e := ev.(type) {
			case xproto.KeyPressEvent:
				if locked {
					action, secret := entered.press(keys.lookup(e.Detail, e.State))
					if action == promptSubmitted {
						x.report(Password{Secret: secret})
					}
				}
				x.report(Activity{})

			case xproto.MotionNotifyEvent, xproto.ButtonPressEvent:
				x.report(Activity{})
			}
		}
	}
}

// pump reads raw X events for the run loop. Exits when the connection
// dies.
func (x *X11) pump(out chan<- xgb.Event) {
	defer close(out)
	for {
		ev, err := x.display.conn.WaitForEvent()
		if ev == nil && err == nil {
			return
		}
		if err != nil {
			x.log.Debug("x11 event error", zap.String("error", err.Error()))
			continue
		}
		out <- ev
	}
}

// report delivers an event without blocking the run loop.
func (x *X11) report(ev Event) {
	select {
	case x.events <- ev:
	default:
	}
}

// show maps a fullscreen override-redirect window over the root and grabs
// input. Returns 0 when window creation fails.
func (x *X11) show() xproto.Window {
	conn := x.display.conn
	screen := x.display.screen

	window, err := xproto.NewWindowId(conn)
	if err != nil {
		x.log.Error("saver window allocation failed", zap.Error(err))
		return 0
	}

	err = xproto.CreateWindowChecked(conn, screen.RootDepth, window, screen.Root,
		0, 0, screen.WidthInPixels, screen.HeightInPixels, 0,
		xproto.WindowClassInputOutput, screen.RootVisual,
		xproto.CwBackPixel|xproto.CwOverrideRedirect|xproto.CwEventMask,
		[]uint32{
			screen.BlackPixel,
			1,
			uint32(xproto.EventMaskKeyPress | xproto.EventMaskButtonPress |
				xproto.EventMaskPointerMotion | xproto.EventMaskExposure),
		}).Check()
	if err != nil {
		x.log.Error("saver window creation failed", zap.Error(err))
		return 0
	}

	xproto.MapWindow(conn, window)
	xproto.ConfigureWindow(conn, window, xproto.ConfigWindowStackMode,
		[]uint32{xproto.StackModeAbove})

	if reply, err := xproto.GrabKeyboard(conn, true, window, xproto.TimeCurrentTime,
		xproto.GrabModeAsync, xproto.GrabModeAsync).Reply(); err != nil || reply.Status != xproto.GrabStatusSuccess {
		x.log.Warn("keyboard grab failed")
	}
	if reply, err := xproto.GrabPointer(conn, true, window,
		uint16(xproto.EventMaskButtonPress|xproto.EventMaskPointerMotion),
		xproto.GrabModeAsync, xproto.GrabModeAsync, window, xproto.CursorNone,
		xproto.TimeCurrentTime).Reply(); err != nil || reply.Status != xproto.GrabStatusSuccess {
		x.log.Warn("pointer grab failed")
	}

	conn.Sync()
	return window
}

// hide releases the grabs and destroys the saver window.
func (x *X11) hide(window xproto.Window) {
	conn := x.display.conn
	xproto.UngrabKeyboard(conn, xproto.TimeCurrentTime)
	xproto.UngrabPointer(conn, xproto.TimeCurrentTime)
	xproto.UnmapWindow(conn, window)
	xproto.DestroyWindow(conn, window)
	conn.Sync()
}

// loadKeymap snapshots the keycode-to-keysym table.
func (x *X11) loadKeymap() *keymap {
	setup := xproto.Setup(x.display.conn)
	first := setup.MinKeycode
	count := byte(setup.MaxKeycode - setup.MinKeycode + 1)

	reply, err := xproto.GetKeyboardMapping(x.display.conn, first, count).Reply()
	if err != nil {
		x.log.Warn("keyboard mapping unavailable", zap.Error(err))
		return nil
	}

	return &keymap{
		first:      first,
		perKeycode: reply.KeysymsPerKeycode,
		syms:       reply.Keysyms,
	}
}
