// Keyboard translation for the unlock prompt. Only what the prompt needs:
// latin byte input, shift, and the three editing keys.

package locker

import (
	"github.com/jezek/xgb/xproto"
)

// Keysyms the prompt reacts to.
const (
	symBackSpace = 0xff08
	symReturn    = 0xff0d
	symEscape    = 0xff1b
	symKPEnter   = 0xff8d

	shiftMask = uint16(xproto.ModMaskShift)
)

// keymap is a snapshot of the server's keycode-to-keysym table, taken when
// the saver window is mapped.
type keymap struct {
	first      xproto.Keycode
	perKeycode byte
	syms       []xproto.Keysym
}

// lookup resolves a key press to a keysym, honouring the shift column.
func (k *keymap) lookup(detail xproto.Keycode, state uint16) xproto.Keysym {
	if k == nil || k.perKeycode == 0 || detail < k.first {
		return 0
	}

	index := int(detail-k.first) * int(k.perKeycode)
	if state&shiftMask != 0 && k.perKeycode > 1 {
		index++
	}
	if index >= len(k.syms) {
		return 0
	}

	sym := k.syms[index]
	if sym == 0 && state&shiftMask != 0 && k.perKeycode > 1 {
		// Unshifted fallback for keys without a shift column entry.
		sym = k.syms[index-1]
	}
	return sym
}

// keysymByte converts a keysym to the byte fed into the password buffer.
// Latin-1 keysyms map directly; everything else is discarded.
func keysymByte(sym xproto.Keysym) (byte, bool) {
	switch {
	case sym >= 0x20 && sym <= 0x7e:
		return byte(sym), true
	case sym >= 0xa0 && sym <= 0xff:
		return byte(sym), true
	default:
		return 0, false
	}
}

// prompt accumulates the secret typed into the locked saver.
type prompt struct {
	buf []byte
}

// promptAction is what a key press did to the prompt.
type promptAction uint8

const (
	promptNone promptAction = iota
	promptEdited
	promptSubmitted
	promptCleared
)

// press feeds one resolved keysym into the prompt. On promptSubmitted the
// returned slice is the secret; ownership passes to the caller and the
// prompt's own copy is wiped.
func (p *prompt) press(sym xproto.Keysym) (promptAction, []byte) {
	switch sym {
	case symReturn, symKPEnter:
		secret := make([]byte, len(p.buf))
		copy(secret, p.buf)
		p.clear()
		return promptSubmitted, secret

	case symEscape:
		p.clear()
		return promptCleared, nil

	case symBackSpace:
		if len(p.buf) > 0 {
			p.buf[len(p.buf)-1] = 0
			p.buf = p.buf[:len(p.buf)-1]
		}
		return promptEdited, nil
	}

	if b, ok := keysymByte(sym); ok {
		p.buf = append(p.buf, b)
		return promptEdited, nil
	}
	return promptNone, nil
}

// clear wipes and resets the buffer.
func (p *prompt) clear() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.buf = p.buf[:0]
}
