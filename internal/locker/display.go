// X11 display ownership for the locker.
//
// The connection is opened once at startup and owned by the locker worker
// for the process lifetime. randr >= 1.1 is required; its absence is a
// fatal startup error. DPMS is optional: blanking silently degrades to a
// no-op when the extension is missing, not capable, or disabled in the
// configuration.

package locker

import (
	"fmt"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/dpms"
	"github.com/jezek/xgb/randr"
	"github.com/jezek/xgb/xproto"

	"github.com/meh/screenruster/internal/config"
)

// Display wraps the X11 connection and the extension state the locker
// depends on.
type Display struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo

	dpmsCapable bool
}

// OpenDisplay connects to the configured X11 display and verifies the
// required extensions.
func OpenDisplay(cfg config.Locker) (*Display, error) {
	conn, err := xgb.NewConnDisplay(cfg.Display)
	if err != nil {
		return nil, fmt.Errorf("locker.OpenDisplay: connect %q: %w", cfg.Display, err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	if err := randr.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("locker.OpenDisplay: randr extension missing: %w", err)
	}
	version, err := randr.QueryVersion(conn, 1, 1).Reply()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("locker.OpenDisplay: randr version query: %w", err)
	}
	if version.MajorVersion < 1 || (version.MajorVersion == 1 && version.MinorVersion < 1) {
		conn.Close()
		return nil, fmt.Errorf("locker.OpenDisplay: randr %d.%d too old, need >= 1.1",
			version.MajorVersion, version.MinorVersion)
	}

	d := &Display{conn: conn, screen: screen}

	if cfg.DPMS {
		if err := dpms.Init(conn); err == nil {
			if capable, err := dpms.Capable(conn).Reply(); err == nil && capable.Capable {
				d.dpmsCapable = true
			}
		}
	}

	d.Sanitize()
	return d, nil
}

// HasDPMS reports whether the monitor can be powered down.
func (d *Display) HasDPMS() bool {
	return d.dpmsCapable
}

// IsPowered reports whether the monitor is on. A display without DPMS is
// always considered powered.
func (d *Display) IsPowered() bool {
	if !d.dpmsCapable {
		return true
	}

	info, err := dpms.Info(d.conn).Reply()
	if err != nil {
		return false
	}
	if !info.State {
		return true
	}
	return info.PowerLevel == dpms.DPMSModeOn
}

// Power turns the monitor on or off. No-op when DPMS is unavailable or the
// level already matches.
func (d *Display) Power(on bool) {
	if !d.dpmsCapable || d.IsPowered() == on {
		return
	}

	level := uint16(dpms.DPMSModeOff)
	if on {
		level = dpms.DPMSModeOn
	}
	dpms.ForceLevel(d.conn, level)
	d.conn.Sync()
}

// Sanitize reasserts the screensaver and DPMS settings foreign clients
// like to tamper with: DPMS timeouts zeroed and the extension enabled, X
// screensaver timeout cleared with exposures allowed.
func (d *Display) Sanitize() {
	if d.dpmsCapable {
		dpms.SetTimeouts(d.conn, 0, 0, 0)
		dpms.Enable(d.conn)
	}

	xproto.SetScreenSaver(d.conn, 0, 0, xproto.BlankingNotPreferred, xproto.ExposuresAllowed)
	d.conn.Sync()
}

// Close tears down the connection. The daemon itself never calls it: the
// worker owns the display for the process lifetime.
func (d *Display) Close() {
	d.conn.Close()
}
