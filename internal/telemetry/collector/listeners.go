package collector

import (
	"strings"

	"simlab-telemetry/internal/page"
	"simlab-telemetry/internal/telemetry/domain"
)

// bindLocked subscribes to the page events the policy asks for. Focus tracking and the exit
// triggers are always bound. Called with c.mu held.
func (c *Collector) bindLocked(src page.Source) {
	if c.policy.CaptureKeyboard {
		c.scope.Listen(src, page.KindKeyDown, c.handleKeyDown)
		c.scope.Listen(src, page.KindKeyUp, c.handleKeyUp)
	}
	if c.policy.CaptureMouse {
		c.scope.Listen(src, page.KindClick, c.handleClick)
	}
	c.scope.Listen(src, page.KindFocus, func(page.Event) { c.setWindowFocus(true) })
	c.scope.Listen(src, page.KindBlur, func(page.Event) { c.setWindowFocus(false) })
	c.scope.Listen(src, page.KindFocusIn, c.handleFocusIn)
	c.scope.Listen(src, page.KindFocusOut, c.handleFocusOut)
	c.scope.Listen(src, page.KindBeforeUnload, func(page.Event) { c.FlushOnExit() })
	c.scope.Listen(src, page.KindPageHide, func(page.Event) { c.FlushOnExit() })
	c.scope.Listen(src, page.KindVisibilityChange, func(ev page.Event) {
		if ev.Visibility == page.VisibilityHidden {
			c.FlushOnExit()
		}
	})
}

// keyStroke keeps the physical key and modifiers. ev.Key, the produced character, is never read.
func keyStroke(ev page.Event) domain.KeyStroke {
	return domain.KeyStroke{
		Code:  domain.NormalizeKeyCode(ev.Code),
		Alt:   ev.Alt,
		Ctrl:  ev.Ctrl,
		Shift: ev.Shift,
		Meta:  ev.Meta,
	}
}

func (c *Collector) handleKeyDown(ev page.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitLocked(domain.KeyDown{KeyStroke: keyStroke(ev), Repeat: ev.Repeat}, ev.Target)
}

func (c *Collector) handleKeyUp(ev page.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitLocked(domain.KeyUp{KeyStroke: keyStroke(ev)}, ev.Target)
}

func (c *Collector) handleClick(ev page.Event) {
	target := strings.ToUpper(ev.Target.Tag)
	if !domain.ValidTagName(target) {
		target = ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitLocked(domain.Click{Button: ev.Button, X: ev.ClientX, Y: ev.ClientY, Target: target}, ev.Target)
}

func (c *Collector) setWindowFocus(focused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focus.SetWindowFocus(focused)
	if !c.policy.CaptureFocusBlur {
		return
	}
	if focused {
		c.markerLocked(domain.WindowFocus{})
	} else {
		c.markerLocked(domain.WindowBlur{})
	}
}

func (c *Collector) handleFocusIn(ev page.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = ev.Target
}

func (c *Collector) handleFocusOut(ev page.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = page.Element{}
}
