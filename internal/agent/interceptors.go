package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-command-agent/internal/browser"
)

// DefaultObstructionSelectors lists common cookie and consent buttons.
func DefaultObstructionSelectors() []string {
	return []string{
		`[id*="cookie"] button`,
		`[class*="cookie"] button`,
		`[id*="consent"] button`,
		`[class*="consent"] button`,
		`button:has-text("Accept")`,
		`button:has-text("I agree")`,
		`button:has-text("Got it")`,
		`#accept-all-cookies`,
		`[data-testid="accept-all-cookies"]`,
		`button:has-text("Accept all")`,
	}
}

// clearObstructions clicks every visible consent button. Failures are
// ignored: a banner that cannot be dismissed is not an error.
func (a *Agent) clearObstructions(ctx context.Context, log zerolog.Logger) {
	for _, sel := range a.cfg.ObstructionSelectors {
		if ctx.Err() != nil {
			return
		}
		visible, err := a.driver.IsVisible(ctx, sel)
		if err != nil || !visible {
			continue
		}
		if err := a.driver.Click(ctx, sel, a.cfg.ObstructionTimeout); err != nil {
			log.Debug().Err(err).Str("selector", sel).Msg("obstruction click failed")
			continue
		}
		log.Info().Str("selector", sel).Msg("dismissed obstruction")
		a.observer.RecordInterception("obstruction")
		_ = a.humanDelay(ctx)
	}
}

// spawn runs fn off the event goroutine unless the agent is closed.
func (a *Agent) spawn(fn func()) {
	a.bgMu.Lock()
	defer a.bgMu.Unlock()
	if a.closed {
		return
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn()
	}()
}

func (a *Agent) closePopup(p browser.Popup) {
	a.spawn(func() {
		url := p.URL()
		if err := p.Close(); err != nil {
			a.logger.Debug().Err(err).Str("url", url).Msg("popup close failed")
			return
		}
		a.logger.Info().Str("url", url).Msg("closed popup")
		a.observer.RecordInterception("popup")
	})
}

func (a *Agent) dismissDialog(d browser.Dialog) {
	a.spawn(func() {
		if err := d.Dismiss(); err != nil {
			a.logger.Debug().Err(err).Str("type", d.Type()).Msg("dialog dismiss failed")
			return
		}
		a.logger.Info().Str("type", d.Type()).Str("message", d.Message()).Msg("dismissed dialog")
		a.observer.RecordInterception("dialog")
	})
}
