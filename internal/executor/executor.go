// Package executor runs one plan action against a browser page.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/browser-command-agent/internal/browser"
	"github.com/polzovatel/browser-command-agent/internal/plan"
	"github.com/polzovatel/browser-command-agent/internal/result"
	"github.com/polzovatel/browser-command-agent/internal/selector"
)

// SubmitStrategy orders the two ways a submit action may commit a form.
type SubmitStrategy string

const (
	// SubmitSelectorsFirst clicks submit candidates and presses the submit
	// key only when every candidate failed.
	SubmitSelectorsFirst SubmitStrategy = "selectors-first"
	// SubmitKeyFirst presses the submit key on the focused element and falls
	// back to the candidate loop when the key press errors.
	SubmitKeyFirst SubmitStrategy = "key-first"
)

func (s SubmitStrategy) Valid() bool {
	return s == SubmitSelectorsFirst || s == SubmitKeyFirst
}

type Config struct {
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	SettleTimeout     time.Duration
	// DefaultWait is the sleep used when a selector-less wait carries no
	// usable duration.
	DefaultWait    time.Duration
	SubmitStrategy SubmitStrategy
	SubmitKey      string
}

func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 60 * time.Second,
		ElementTimeout:    10 * time.Second,
		SettleTimeout:     5 * time.Second,
		DefaultWait:       time.Second,
		SubmitStrategy:    SubmitSelectorsFirst,
		SubmitKey:         "Enter",
	}
}

// Observer receives action and selector outcomes. *metrics.Collector
// satisfies it.
type Observer interface {
	RecordAction(kind string, ok bool, elapsed time.Duration)
	RecordSelectorAttempt(ok bool)
}

type nopObserver struct{}

func (nopObserver) RecordAction(string, bool, time.Duration) {}
func (nopObserver) RecordSelectorAttempt(bool)               {}

// Executor converts every outcome, panics included, into a result.ActionResult.
type Executor struct {
	cfg      Config
	resolver *selector.Resolver
	obs      Observer
	sleep    func(ctx context.Context, d time.Duration) error
	log      zerolog.Logger
}

type Option func(*Executor)

func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.obs = o
		}
	}
}

// WithSleep replaces the timer used by selector-less waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func New(cfg Config, resolver *selector.Resolver, log zerolog.Logger, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = def.ElementTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = def.DefaultWait
	}
	if !cfg.SubmitStrategy.Valid() {
		cfg.SubmitStrategy = def.SubmitStrategy
	}
	if strings.TrimSpace(cfg.SubmitKey) == "" {
		cfg.SubmitKey = def.SubmitKey
	}
	if resolver == nil {
		resolver = selector.New()
	}
	e := &Executor{
		cfg:      cfg,
		resolver: resolver,
		obs:      nopObserver{},
		sleep:    sleepWithContext,
		log:      log.With().Str("comp", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a against d. It never returns an error; failures are carried
// in the result.
func (e *Executor) Execute(ctx context.Context, d browser.Driver, a plan.Action) (res result.ActionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("kind", a.Kind.String()).Msg("action panicked")
			res = result.Failed(a.Kind, result.KindUnexpected, fmt.Sprintf("Unexpected error: %v", r))
		}
		if res.Success {
			// Discarded candidates are only traced in the debug log once
			// the action has succeeded.
			res.Attempts = nil
		}
		res.Elapsed = time.Since(start)
		e.obs.RecordAction(a.Kind.String(), res.Success, res.Elapsed)
	}()

	switch a.Kind {
	case plan.KindNavigate:
		return e.navigate(ctx, d, a)
	case plan.KindClick:
		return e.click(ctx, d, a)
	case plan.KindType:
		return e.typeText(ctx, d, a)
	case plan.KindWait:
		return e.wait(ctx, d, a)
	case plan.KindSubmit:
		return e.submit(ctx, d, a)
	case plan.KindPress:
		return e.press(ctx, d, a)
	default:
		raw := a.RawKind
		if raw == "" {
			raw = a.Kind.String()
		}
		e.log.Warn().Str("type", raw).Msg("unknown action type")
		return result.Failed(a.Kind, result.KindUnknownAction, fmt.Sprintf("Unknown action type: %s", raw))
	}
}

func (e *Executor) navigate(ctx context.Context, d browser.Driver, a plan.Action) result.ActionResult {
	url, secret := resolve(a.Value)
	if url == "" && !secret {
		url = strings.TrimSpace(a.Target)
	}
	url = plan.EnsureScheme(url)
	if url == "" {
		return result.Failed(a.Kind, result.KindActionFailed, "Navigation failed: no URL")
	}
	ev := e.log.Info()
	if secret {
		ev = ev.Bool("secret", true)
	} else {
		ev = ev.Str("url", url)
	}
	ev.Msg("navigate")

	resp, err := d.Navigate(ctx, url, e.cfg.NavigationTimeout)
	if err != nil {
		return result.Failed(a.Kind, result.KindActionFailed, fmt.Sprintf("Navigation failed: %v", err))
	}
	if !resp.OK() {
		return result.Failed(a.Kind, result.KindActionFailed, fmt.Sprintf("Navigation failed with status %d", resp.Status))
	}
	msg := "Navigated"
	if !secret {
		msg = "Navigated to " + url
	}
	return result.Succeeded(a.Kind, msg)
}

func (e *Executor) click(ctx context.Context, d browser.Driver, a plan.Action) result.ActionResult {
	candidates := a.Selectors
	if len(candidates) == 0 {
		candidates = e.resolver.Resolve(a.Target)
	}
	return e.tryEach(ctx, a, candidates, func(sel string) error {
		if err := d.WaitVisible(ctx, sel, e.cfg.ElementTimeout); err != nil {
			return err
		}
		return d.Click(ctx, sel, e.cfg.ElementTimeout)
	})
}

func (e *Executor) typeText(ctx context.Context, d browser.Driver, a plan.Action) result.ActionResult {
	text, secret := resolve(a.Value)
	candidates := a.Selectors
	if len(candidates) == 0 {
		candidates = e.resolver.ForInput(a.Target)
	}
	e.log.Debug().Bool("secret", secret).Int("len", len(text)).Str("target", a.Target).Msg("type")
	return e.tryEach(ctx, a, candidates, func(sel string) error {
		if err := d.WaitVisible(ctx, sel, e.cfg.ElementTimeout); err != nil {
			return err
		}
		return d.Fill(ctx, sel, text, e.cfg.ElementTimeout)
	})
}

func (e *Executor) press(ctx context.Context, d browser.Driver, a plan.Action) result.ActionResult {
	key, _ := resolve(a.Value)
	if key == "" {
		key = strings.TrimSpace(a.Target)
	}
	if key == "" {
		return result.Failed(a.Kind, result.KindActionFailed, "Key press failed: no key")
	}
	if err := d.PressKey(ctx, key); err != nil {
		return result.Failed(a.Kind, result.KindActionFailed, fmt.Sprintf("Key press failed: %v", err))
	}
	return result.Succeeded(a.Kind, "Pressed "+key)
}

// tryEach runs attempt over candidates in order and stops at the first
// success. Discarded attempts are logged at debug level and kept on a failed
// result.
func (e *Executor) tryEach(ctx context.Context, a plan.Action, candidates []string, attempt func(sel string) error) result.ActionResult {
	verb := a.Kind.String()
	if len(candidates) == 0 {
		return result.Failed(a.Kind, result.KindActionFailed,
			fmt.Sprintf("%s failed: no candidate selectors for %q", verb, a.Target))
	}
	var tried []result.Attempt
	for _, sel := range candidates {
		start := time.Now()
		err := attempt(sel)
		if err == nil {
			e.obs.RecordSelectorAttempt(true)
			res := result.Succeeded(a.Kind, fmt.Sprintf("%s succeeded with %s", verb, sel))
			res.Selector = sel
			return res
		}
		e.obs.RecordSelectorAttempt(false)
		at := result.Attempt{Selector: sel, Err: err, Elapsed: time.Since(start)}
		tried = append(tried, at)
		e.log.Debug().Str("kind", verb).Str("selector", sel).Dur("elapsed", at.Elapsed).Err(err).Msg("candidate discarded")
		if ctx.Err() != nil {
			break
		}
	}
	res := result.Failed(a.Kind, result.KindActionFailed, exhausted(verb, a.Target, tried))
	res.Attempts = tried
	return res
}

func exhausted(verb, target string, tried []result.Attempt) string {
	names := make([]string, 0, len(tried))
	for _, at := range tried {
		names = append(names, at.Selector)
	}
	return fmt.Sprintf("%s failed for %q: tried %s", verb, target, strings.Join(names, ", "))
}

var errFound = errors.New("selector visible")

// panicError carries a driver panic out of a race goroutine.
type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func (e *Executor) wait(ctx context.Context, d browser.Driver, a plan.Action) result.ActionResult {
	if len(a.Selectors) == 0 {
		return e.sleepFor(ctx, a)
	}

	timeout := e.cfg.ElementTimeout
	if n, ok := a.Value.Int(); ok && n > 0 {
		timeout = time.Duration(n) * time.Millisecond
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(rctx)
	var (
		mu     sync.Mutex
		winner string
		failed = make([]*result.Attempt, len(a.Selectors))
	)
	for i, sel := range a.Selectors {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &panicError{value: r}
				}
			}()
			start := time.Now()
			err = d.WaitVisible(gctx, sel, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				if winner == "" {
					winner = sel
				}
				return errFound
			}
			failed[i] = &result.Attempt{Selector: sel, Err: err, Elapsed: time.Since(start)}
			return nil
		})
	}
	err := g.Wait()

	var pe *panicError
	if errors.As(err, &pe) {
		e.log.Error().Interface("panic", pe.value).Str("kind", "wait").Msg("action panicked")
		return result.Failed(a.Kind, result.KindUnexpected, fmt.Sprintf("Unexpected error: %v", pe.value))
	}

	var tried []result.Attempt
	for _, at := range failed {
		if at != nil {
			tried = append(tried, *at)
			e.log.Debug().Str("kind", "wait").Str("selector", at.Selector).Err(at.Err).Msg("candidate discarded")
		}
	}
	if errors.Is(err, errFound) {
		e.obs.RecordSelectorAttempt(true)
		res := result.Succeeded(a.Kind, "Found "+winner)
		res.Selector = winner
		return res
	}
	for range tried {
		e.obs.RecordSelectorAttempt(false)
	}
	res := result.Failed(a.Kind, result.KindActionFailed,
		fmt.Sprintf("wait failed: none of %d selectors visible within %s: %s",
			len(a.Selectors), timeout, strings.Join(a.Selectors, ", ")))
	res.Attempts = tried
	return res
}

func (e *Executor) sleepFor(ctx context.Context, a plan.Action) result.ActionResult {
	delay := e.cfg.DefaultWait
	if secs, ok := a.Value.Float(); ok && secs > 0 {
		delay = time.Duration(secs * float64(time.Second))
	} else if !a.Value.IsZero() {
		e.log.Warn().Str("value", a.Value.String()).Dur("default", delay).Msg("unusable wait duration")
	}
	if err := e.sleep(ctx, delay); err != nil {
		return result.Failed(a.Kind, result.KindActionFailed, fmt.Sprintf("wait interrupted: %v", err))
	}
	return result.Succeeded(a.Kind, fmt.Sprintf("Waited %s", delay))
}

func (e *Executor) submit(ctx context.Context, d browser.Driver, a plan.Action) result.ActionResult {
	candidates := a.Selectors
	if len(candidates) == 0 {
		target := a.Target
		if strings.TrimSpace(target) == "" {
			target = "submit button"
		}
		candidates = e.resolver.Resolve(target)
	}
	clickLoop := func() result.ActionResult {
		return e.tryEach(ctx, a, candidates, func(sel string) error {
			if err := d.WaitVisible(ctx, sel, e.cfg.ElementTimeout); err != nil {
				return err
			}
			return d.Click(ctx, sel, e.cfg.ElementTimeout)
		})
	}

	var res result.ActionResult
	switch e.cfg.SubmitStrategy {
	case SubmitKeyFirst:
		if err := d.PressKey(ctx, e.cfg.SubmitKey); err != nil {
			e.log.Debug().Err(err).Str("key", e.cfg.SubmitKey).Msg("submit key failed, trying candidates")
			res = clickLoop()
			if !res.Success {
				res.Attempts = append([]result.Attempt{{Selector: "key:" + e.cfg.SubmitKey, Err: err}}, res.Attempts...)
			}
		} else {
			res = result.Succeeded(a.Kind, "Submitted with "+e.cfg.SubmitKey)
		}
	default:
		res = clickLoop()
		if !res.Success {
			if err := d.PressKey(ctx, e.cfg.SubmitKey); err == nil {
				res = result.Succeeded(a.Kind, "Submitted with "+e.cfg.SubmitKey)
			} else {
				res.Attempts = append(res.Attempts, result.Attempt{Selector: "key:" + e.cfg.SubmitKey, Err: err})
				res.Message = fmt.Sprintf("%s; %s key failed: %v", res.Message, e.cfg.SubmitKey, err)
			}
		}
	}
	if res.Success {
		if err := d.WaitForLoad(ctx, e.cfg.SettleTimeout); err != nil {
			e.log.Debug().Err(err).Msg("settle wait after submit")
		}
	}
	return res
}

// resolve returns the usable form of v and whether it came from the
// environment. Secrets must not be logged.
func resolve(v plan.Value) (string, bool) {
	_, secret := v.EnvName()
	return v.Resolve(), secret
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
