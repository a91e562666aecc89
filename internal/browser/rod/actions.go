package rod

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/onkernel/cua-agent"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

func mouseButton(b cua.MouseButton) proto.InputMouseButton {
	switch b {
	case cua.MouseRight:
		return proto.InputMouseButtonRight
	case cua.MouseMiddle:
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

func (p *Port) page(h cua.PageHandle) (*rod.Page, error) {
	pg, ok := p.lookupPage(h.ID)
	if !ok {
		return nil, &cua.SessionLostError{RemoteSessionID: h.ID}
	}
	return pg, nil
}

// Click moves the mouse to (x, y) then issues a button click there.
func (p *Port) Click(ctx context.Context, page cua.PageHandle, x, y int, button cua.MouseButton, clicks int) error {
	pg, err := p.page(page)
	if err != nil {
		return err
	}
	cp := pg.Context(ctx)
	if err := cp.Mouse.MoveTo(floatPoint(x, y)); err != nil {
		return fmt.Errorf("rod: move mouse: %w", err)
	}
	if clicks <= 0 {
		clicks = 1
	}
	if err := cp.Mouse.Click(mouseButton(button), clicks); err != nil {
		return fmt.Errorf("rod: click: %w", err)
	}
	return nil
}

// MoveMouse moves the mouse to (x, y) without clicking.
func (p *Port) MoveMouse(ctx context.Context, page cua.PageHandle, x, y int) error {
	pg, err := p.page(page)
	if err != nil {
		return err
	}
	if err := pg.Context(ctx).Mouse.MoveTo(floatPoint(x, y)); err != nil {
		return fmt.Errorf("rod: move mouse: %w", err)
	}
	return nil
}

// Scroll moves the mouse to (x, y) and scrolls by (dx, dy).
func (p *Port) Scroll(ctx context.Context, page cua.PageHandle, x, y, dx, dy int) error {
	pg, err := p.page(page)
	if err != nil {
		return err
	}
	cp := pg.Context(ctx)
	if err := cp.Mouse.MoveTo(floatPoint(x, y)); err != nil {
		return fmt.Errorf("rod: move mouse before scroll: %w", err)
	}
	if err := cp.Mouse.Scroll(float64(dx), float64(dy), 1); err != nil {
		return fmt.Errorf("rod: scroll: %w", err)
	}
	return nil
}

// Type inserts text into the focused element, honoring perCharDelay by
// inserting one rune at a time when it is positive.
func (p *Port) Type(ctx context.Context, page cua.PageHandle, text string, perCharDelay time.Duration) error {
	pg, err := p.page(page)
	if err != nil {
		return err
	}
	cp := pg.Context(ctx)
	if perCharDelay <= 0 {
		if err := cp.InsertText(text); err != nil {
			return fmt.Errorf("rod: insert text: %w", err)
		}
		return nil
	}
	for _, r := range text {
		if err := cp.InsertText(string(r)); err != nil {
			return fmt.Errorf("rod: insert text: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(perCharDelay):
		}
	}
	return nil
}

// Press dispatches a canonicalized, possibly-chorded key combination, e.g.
// "ctrl+a" or "Return".
func (p *Port) Press(ctx context.Context, page cua.PageHandle, keyCombo string) error {
	pg, err := p.page(page)
	if err != nil {
		return err
	}
	keys, err := canonicalizeKeyCombo(keyCombo)
	if err != nil {
		return err
	}
	cp := pg.Context(ctx)

	modifiers, main := keys[:len(keys)-1], keys[len(keys)-1]
	for _, k := range modifiers {
		if err := cp.Keyboard.Down(k); err != nil {
			return fmt.Errorf("rod: key down %v: %w", k, err)
		}
	}
	pressErr := cp.Keyboard.Type(main)
	for i := len(modifiers) - 1; i >= 0; i-- {
		_ = cp.Keyboard.Up(modifiers[i])
	}
	if pressErr != nil {
		return fmt.Errorf("rod: press key: %w", pressErr)
	}
	return nil
}

// Screenshot captures the visible viewport as PNG, bounded by ctx's
// deadline (SessionManager enforces the <=5s budget).
func (p *Port) Screenshot(ctx context.Context, page cua.PageHandle) ([]byte, error) {
	pg, err := p.page(page)
	if err != nil {
		return nil, err
	}
	data, err := pg.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, &cua.PageUnresponsiveError{RemoteSessionID: page.ID}
	}
	return data, nil
}

func floatPoint(x, y int) proto.Point {
	return proto.Point{X: float64(x), Y: float64(y)}
}

// keyAliases maps case-insensitive alternate spellings onto input.Key names
// recognized by canonicalizeKeyCombo.
var keyAliases = map[string]string{
	"control": "ctrl",
	"cmd":     "meta",
	"command": "meta",
	"option":  "alt",
	"return":  "enter",
	"esc":     "escape",
	"up":      "arrowup",
	"down":    "arrowdown",
	"left":    "arrowleft",
	"right":   "arrowright",
	"del":     "delete",
}

var keyTable = map[string]input.Key{
	"ctrl":       input.ControlLeft,
	"shift":      input.ShiftLeft,
	"alt":        input.AltLeft,
	"meta":       input.MetaLeft,
	"enter":      input.Enter,
	"escape":     input.Escape,
	"tab":        input.Tab,
	"space":      input.Space,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
}

// singleCharKeys maps a-z and 0-9 onto input's named key constants, for
// single-character combo legs like the "a" in "ctrl+a".
var singleCharKeys = map[rune]input.Key{
	'a': input.A, 'b': input.B, 'c': input.C, 'd': input.D, 'e': input.E,
	'f': input.F, 'g': input.G, 'h': input.H, 'i': input.I, 'j': input.J,
	'k': input.K, 'l': input.L, 'm': input.M, 'n': input.N, 'o': input.O,
	'p': input.P, 'q': input.Q, 'r': input.R, 's': input.S, 't': input.T,
	'u': input.U, 'v': input.V, 'w': input.W, 'x': input.X, 'y': input.Y, 'z': input.Z,
	'0': input.Digit0, '1': input.Digit1, '2': input.Digit2, '3': input.Digit3, '4': input.Digit4,
	'5': input.Digit5, '6': input.Digit6, '7': input.Digit7, '8': input.Digit8, '9': input.Digit9,
}

// canonicalizeKeyCombo parses a "+"-delimited, case-insensitive key
// combination into an ordered []input.Key with modifiers first and the main
// key last, per the Press contract in browserport.go.
func canonicalizeKeyCombo(combo string) ([]input.Key, error) {
	parts := strings.Split(combo, "+")
	keys := make([]input.Key, 0, len(parts))
	for _, part := range parts {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if alias, ok := keyAliases[name]; ok {
			name = alias
		}
		if k, ok := keyTable[name]; ok {
			keys = append(keys, k)
			continue
		}
		if len([]rune(name)) == 1 {
			if k, ok := singleCharKeys[rune(name[0])]; ok {
				keys = append(keys, k)
				continue
			}
		}
		return nil, fmt.Errorf("rod: unrecognized key %q in combo %q", part, combo)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("rod: empty key combo")
	}
	return keys, nil
}
