package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-command-agent/internal/plan"
	"github.com/polzovatel/browser-command-agent/internal/result"
)

// DefaultErrorIndicators lists the usual containers for form errors.
func DefaultErrorIndicators() []string {
	return []string{
		".error-message",
		"#error-message",
		".alert-error",
		`[role="alert"]`,
	}
}

func DefaultErrorKeywords() []string {
	return []string{"invalid", "incorrect", "failed", "error"}
}

// verify runs once every step has succeeded. A visible error message fails
// the run, then the plan's success indicators, if any, must appear.
func (a *Agent) verify(ctx context.Context, p plan.Plan, log zerolog.Logger) result.ActionResult {
	if msg, found := a.pageError(ctx, log); found {
		return result.Failed(plan.KindWait, result.KindVerification, "Page reports an error: "+msg)
	}

	v := p.Verification
	if v == nil || len(v.SuccessIndicators) == 0 {
		return result.Succeeded(plan.KindWait, "Nothing to verify")
	}
	timeout := a.cfg.VerifyTimeout
	if v.TimeoutMS > 0 {
		timeout = time.Duration(v.TimeoutMS) * time.Millisecond
	}
	r := a.exec.Execute(ctx, a.driver, plan.Action{
		Kind:      plan.KindWait,
		RawKind:   "wait",
		Target:    "success indicators",
		Selectors: v.SuccessIndicators,
		Value:     plan.IntValue(int(timeout / time.Millisecond)),
	})
	if !r.Success {
		r.Message = fmt.Sprintf("No success indicator appeared within %s", timeout)
		return r
	}
	log.Info().Msg("success indicator found")
	return r
}

// pageError returns the text of the first visible error indicator that
// mentions one of the configured keywords.
func (a *Agent) pageError(ctx context.Context, log zerolog.Logger) (string, bool) {
	for _, sel := range a.cfg.ErrorIndicators {
		if ctx.Err() != nil {
			return "", false
		}
		visible, err := a.driver.IsVisible(ctx, sel)
		if err != nil || !visible {
			continue
		}
		text, err := a.driver.Text(ctx, sel, a.cfg.ObstructionTimeout)
		if err != nil {
			log.Debug().Err(err).Str("selector", sel).Msg("error indicator unreadable")
			continue
		}
		text = strings.TrimSpace(text)
		lower := strings.ToLower(text)
		for _, kw := range a.cfg.ErrorKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				log.Warn().Str("selector", sel).Str("text", text).Msg("page shows an error")
				return text, true
			}
		}
	}
	return "", false
}
