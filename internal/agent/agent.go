// Package agent runs one natural-language command against a page: plan,
// then execute step by step until the first failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-command-agent/internal/browser"
	"github.com/polzovatel/browser-command-agent/internal/executor"
	"github.com/polzovatel/browser-command-agent/internal/plan"
	"github.com/polzovatel/browser-command-agent/internal/planner"
	"github.com/polzovatel/browser-command-agent/internal/result"
	"github.com/polzovatel/browser-command-agent/internal/snapshot"
)

var errClosed = errors.New("agent closed")

type Config struct {
	// HumanDelayMin and HumanDelayMax bound the pause after every action.
	HumanDelayMin time.Duration
	HumanDelayMax time.Duration
	// SnapshotBudget is the character budget of the page handed to the planner.
	SnapshotBudget  int
	SnapshotTimeout time.Duration
	// ObstructionTimeout bounds each click on a consent banner.
	ObstructionTimeout   time.Duration
	ObstructionSelectors []string
	// Blocklist is installed on the page once; nil disables request blocking.
	Blocklist *browser.Blocklist
	// ErrorIndicators are checked after the last step. A visible one whose
	// text contains any of ErrorKeywords fails the run.
	ErrorIndicators []string
	ErrorKeywords   []string
	// VerifyTimeout bounds the wait for a plan's success indicators when the
	// plan does not set its own.
	VerifyTimeout time.Duration
}

func DefaultConfig() Config {
	bl := browser.DefaultBlocklist()
	return Config{
		HumanDelayMin:        100 * time.Millisecond,
		HumanDelayMax:        300 * time.Millisecond,
		SnapshotBudget:       snapshot.DefaultBudget,
		SnapshotTimeout:      5 * time.Second,
		ObstructionTimeout:   time.Second,
		ObstructionSelectors: DefaultObstructionSelectors(),
		Blocklist:            &bl,
		ErrorIndicators:      DefaultErrorIndicators(),
		ErrorKeywords:        DefaultErrorKeywords(),
		VerifyTimeout:        5 * time.Second,
	}
}

// Observer receives plan outcomes and interceptor activity.
type Observer interface {
	RecordPlan(ok bool, errorKind string, steps int)
	RecordInterception(kind string)
}

type nopObserver struct{}

func (nopObserver) RecordPlan(bool, string, int) {}
func (nopObserver) RecordInterception(string)    {}

type Option func(*Agent)

func WithObserver(o Observer) Option {
	return func(a *Agent) {
		if o != nil {
			a.observer = o
		}
	}
}

// WithSleep replaces the pause used for humanized delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) { a.sleep = fn }
}

// Agent owns one page. Interact calls are serialized; nothing carries over
// from one call to the next.
type Agent struct {
	cfg      Config
	driver   browser.Driver
	planner  planner.Planner
	exec     *executor.Executor
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger

	run sync.Mutex

	bg     sync.WaitGroup
	bgMu   sync.Mutex
	closed bool
}

// New wires the agent to d and installs the request blocklist and the
// popup and dialog interceptors.
func New(cfg Config, d browser.Driver, p planner.Planner, exec *executor.Executor, logger zerolog.Logger, opts ...Option) (*Agent, error) {
	if d == nil || p == nil || exec == nil {
		return nil, errors.New("agent: driver, planner and executor are required")
	}
	if cfg.HumanDelayMax < cfg.HumanDelayMin {
		return nil, fmt.Errorf("agent: human delay max %s below min %s", cfg.HumanDelayMax, cfg.HumanDelayMin)
	}
	if cfg.SnapshotBudget <= 0 {
		cfg.SnapshotBudget = snapshot.DefaultBudget
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 5 * time.Second
	}
	if cfg.ObstructionTimeout <= 0 {
		cfg.ObstructionTimeout = time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	a := &Agent{
		cfg:      cfg,
		driver:   d,
		planner:  p,
		exec:     exec,
		observer: nopObserver{},
		sleep:    sleepWithContext,
		logger:   logger.With().Str("comp", "agent").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Blocklist != nil {
		bl := *cfg.Blocklist
		err := d.Route(func(req browser.Request) browser.RouteDecision {
			decision := bl.Decide(req)
			if decision == browser.RouteAbort {
				a.observer.RecordInterception("request")
			}
			return decision
		})
		if err != nil {
			return nil, fmt.Errorf("install blocklist: %w", err)
		}
	}
	d.OnPopup(a.closePopup)
	d.OnDialog(a.dismissDialog)
	return a, nil
}

// Interact plans command and executes it. It never panics; every failure is
// reported through the returned PlanResult.
func (a *Agent) Interact(ctx context.Context, command string) (res result.PlanResult) {
	a.run.Lock()
	defer a.run.Unlock()

	log := a.logger.With().Str("run", uuid.NewString()).Logger()
	st := newTracker(log)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Stringer("state", st.state).Msg("interaction panicked")
			res = result.Unexpected(r)
		}
		if res.Success {
			st.to(StateCompleted)
		} else {
			st.to(StateFailed)
		}
		a.observer.RecordPlan(res.Success, string(res.Kind), res.Executed)
		log.Info().
			Bool("success", res.Success).
			Str("kind", string(res.Kind)).
			Int("executed", res.Executed).
			Dur("elapsed", time.Since(start)).
			Msg(res.Message)
	}()

	if a.isClosed() {
		return result.Unexpected(errClosed)
	}
	log.Info().Str("command", command).Msg("processing command")

	st.to(StatePlanning)
	p, err := a.planner.Plan(ctx, command, a.snapshot(ctx, log))
	if err != nil || !p.Usable() {
		log.Warn().Err(err).Msg("planning failed")
		return result.PlanningFailed("Failed to generate action plan")
	}

	st.to(StateNormalizing)
	for _, s := range p.Steps {
		if !s.Action.Kind.Valid() {
			log.Warn().Int("step", s.Number).Str("kind", s.Action.RawKind).Msg("plan contains an unknown action")
		}
	}
	log.Info().Str("description", p.Description).Int("steps", len(p.Steps)).Msg("plan ready")

	for i, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return result.Unexpected(err)
		}
		st.executing(i + 1)
		a.clearObstructions(ctx, log)

		step := log.With().Int("step", i+1).Stringer("action", s.Action.Kind).Logger()
		step.Info().Str("description", s.Description).Str("target", s.Action.Target).Msg("executing action")
		r := a.exec.Execute(ctx, a.driver, s.Action)
		if err := a.humanDelay(ctx); err != nil {
			step.Debug().Err(err).Msg("delay interrupted")
		}
		if !r.Success {
			step.Error().Str("kind", string(r.Kind)).Strs("tried", r.Tried()).Msg(r.Message)
			return result.StepFailed(p.Description, i+1, i+1, r)
		}
		step.Info().Msg(r.Message)
	}

	st.to(StateVerifying)
	if r := a.verify(ctx, p, log); !r.Success {
		log.Error().Str("kind", string(r.Kind)).Msg(r.Message)
		return result.VerificationFailed(p.Description, len(p.Steps), r)
	}
	return result.Completed(p.Description, len(p.Steps))
}

// Plan returns the plan for command without executing it.
func (a *Agent) Plan(ctx context.Context, command string) (plan.Plan, error) {
	a.run.Lock()
	defer a.run.Unlock()
	return a.planner.Plan(ctx, command, a.snapshot(ctx, a.logger))
}

// Close waits for in-flight interceptors. The driver is left to its owner.
func (a *Agent) Close() {
	a.bgMu.Lock()
	a.closed = true
	a.bgMu.Unlock()
	a.bg.Wait()
}

func (a *Agent) isClosed() bool {
	a.bgMu.Lock()
	defer a.bgMu.Unlock()
	return a.closed
}

// snapshot is best effort: planning proceeds without page context when the
// page cannot be read in time.
func (a *Agent) snapshot(ctx context.Context, log zerolog.Logger) string {
	sctx, cancel := snapshot.WithDeadline(ctx, a.cfg.SnapshotTimeout)
	defer cancel()
	s, err := snapshot.Collect(sctx, a.driver, a.cfg.SnapshotBudget)
	if err != nil {
		log.Debug().Err(err).Msg("snapshot unavailable")
		return ""
	}
	if s.Content == "" {
		return ""
	}
	log.Debug().Str("url", s.URL).Int("chars", len(s.Content)).Msg("snapshot")
	return s.String()
}

func (a *Agent) humanDelay(ctx context.Context) error {
	lo, hi := a.cfg.HumanDelayMin, a.cfg.HumanDelayMax
	if hi <= 0 {
		return nil
	}
	d := lo
	if hi > lo {
		d += rand.N(hi - lo + 1)
	}
	return a.sleep(ctx, d)
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
