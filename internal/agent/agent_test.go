package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/polzovatel/browser-command-agent/internal/browser"
	"github.com/polzovatel/browser-command-agent/internal/browser/browsertest"
	"github.com/polzovatel/browser-command-agent/internal/executor"
	"github.com/polzovatel/browser-command-agent/internal/plan"
	"github.com/polzovatel/browser-command-agent/internal/planner"
	"github.com/polzovatel/browser-command-agent/internal/result"
)

func TestMain(m *testing.M) {
	// The model SDK pulls in opencensus, whose stats worker starts in init
	// and lives for the whole process.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) Plan(ctx context.Context, command, snapshot string) (plan.Plan, error) {
	args := m.Called(ctx, command, snapshot)
	return args.Get(0).(plan.Plan), args.Error(1)
}

type planFunc func(ctx context.Context, command, snapshot string) (plan.Plan, error)

func (f planFunc) Plan(ctx context.Context, command, snapshot string) (plan.Plan, error) {
	return f(ctx, command, snapshot)
}

type recorder struct {
	mu            sync.Mutex
	plans         []string
	interceptions map[string]int
	delays        []time.Duration
}

func newRecorder() *recorder { return &recorder{interceptions: map[string]int{}} }

func (r *recorder) RecordPlan(ok bool, kind string, steps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.plans = append(r.plans, "ok")
	} else {
		r.plans = append(r.plans, kind)
	}
}

func (r *recorder) RecordInterception(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interceptions[kind]++
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interceptions[kind]
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ObstructionTimeout = 10 * time.Millisecond
	return cfg
}

func newExecutor() *executor.Executor {
	cfg := executor.DefaultConfig()
	cfg.ElementTimeout = 20 * time.Millisecond
	cfg.SettleTimeout = 20 * time.Millisecond
	return executor.New(cfg, nil, zerolog.Nop())
}

func newAgent(t *testing.T, d *browsertest.Driver, p planner.Planner, rec *recorder) *Agent {
	t.Helper()
	a, err := New(testConfig(), d, p, newExecutor(), zerolog.Nop(), WithObserver(rec), WithSleep(rec.sleep))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func step(n int, kind plan.Kind, target, value string, selectors ...string) plan.Step {
	return plan.Step{
		Number:      n,
		Description: target,
		Action:      plan.Action{Kind: kind, RawKind: string(kind), Target: target, Value: plan.StringValue(value), Selectors: selectors},
	}
}

func loginPlan() plan.Plan {
	return plan.Plan{
		Description: "log in",
		Steps: []plan.Step{
			step(1, plan.KindNavigate, "login page", "github.com/login"),
			step(2, plan.KindType, "username", "octocat", "#login_field"),
			step(3, plan.KindSubmit, "sign in", "", "input[type='submit']"),
		},
	}
}

func TestInteractCompletes(t *testing.T) {
	d := browsertest.New().Show("#login_field", "input[type='submit']").SetContent("<form><input id=\"login_field\"></form>")
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, "log in to github", mock.MatchedBy(func(s string) bool {
		return strings.HasPrefix(s, "URL: about:blank\n") && strings.Contains(s, `id="login_field"`)
	})).Return(loginPlan(), nil).Once()
	rec := newRecorder()

	res := newAgent(t, d, p, rec).Interact(context.Background(), "log in to github")

	require.True(t, res.Success, res.String())
	assert.Equal(t, "Command executed successfully", res.Message)
	assert.Equal(t, "log in", res.Description)
	assert.Equal(t, 3, res.Executed)
	assert.Equal(t, []string{"https://github.com/login"}, d.CallsOf("navigate"))
	assert.Equal(t, "octocat", d.Filled("#login_field"))
	assert.Equal(t, []string{"ok"}, rec.plans)
	p.AssertExpectations(t)

	require.Len(t, rec.delays, 3)
	for _, dl := range rec.delays {
		assert.GreaterOrEqual(t, dl, 100*time.Millisecond)
		assert.LessOrEqual(t, dl, 300*time.Millisecond)
	}
}

func TestInteractPlanningFailure(t *testing.T) {
	for name, ret := range map[string]struct {
		p   plan.Plan
		err error
	}{
		"error":    {err: planner.ErrNoPlan},
		"no steps": {p: plan.Plan{Description: "nothing"}},
	} {
		t.Run(name, func(t *testing.T) {
			d := browsertest.New()
			p := &mockPlanner{}
			p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(ret.p, ret.err)
			rec := newRecorder()

			res := newAgent(t, d, p, rec).Interact(context.Background(), "do something")

			assert.False(t, res.Success)
			assert.Equal(t, result.KindPlanning, res.Kind)
			assert.Equal(t, "Failed to generate action plan", res.Message)
			assert.Empty(t, d.CallsOf("navigate"))
			assert.Empty(t, d.CallsOf("click"))
			assert.Equal(t, []string{"PlanningError"}, rec.plans)
		})
	}
}

func TestInteractStopsAtFirstFailure(t *testing.T) {
	d := browsertest.New().Show("#login_field")
	p := &mockPlanner{}
	pl := loginPlan()
	pl.Steps[1].Action.Selectors = []string{"#missing"}
	pl.Steps[1].Action.Target = "nowhere"
	p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(pl, nil)
	rec := newRecorder()

	res := newAgent(t, d, p, rec).Interact(context.Background(), "log in")

	require.False(t, res.Success)
	assert.Equal(t, result.KindActionFailed, res.Kind)
	assert.Equal(t, 2, res.FailedStep)
	assert.Equal(t, 2, res.Executed)
	require.NotNil(t, res.Failure)
	assert.Equal(t, res.Message, res.Failure.Message)
	assert.Equal(t, []string{"#missing"}, res.Failure.Tried())
	assert.Empty(t, d.CallsOf("load"), "submit must not run after a failed step")
	assert.Len(t, rec.delays, 2)
}

func TestInteractIsRepeatable(t *testing.T) {
	failing := loginPlan()
	failing.Steps[1].Action.Selectors = []string{"#missing"}

	for name, tc := range map[string]struct {
		plan plan.Plan
		ok   bool
		kind result.ErrorKind
	}{
		"completed":     {plan: loginPlan(), ok: true, kind: result.KindNone},
		"action failed": {plan: failing, ok: false, kind: result.KindActionFailed},
	} {
		t.Run(name, func(t *testing.T) {
			d := browsertest.New().Show("#login_field", "input[type='submit']")
			p := planFunc(func(context.Context, string, string) (plan.Plan, error) { return tc.plan, nil })
			a := newAgent(t, d, p, newRecorder())

			first := a.Interact(context.Background(), "log in")
			second := a.Interact(context.Background(), "log in")

			assert.Equal(t, tc.ok, first.Success, first.String())
			assert.Equal(t, tc.kind, first.Kind)
			assert.Equal(t, first.Success, second.Success)
			assert.Equal(t, first.Kind, second.Kind)
			assert.Equal(t, first.Executed, second.Executed)
			assert.Equal(t, first.FailedStep, second.FailedStep)
			assert.Len(t, d.CallsOf("navigate"), 2)
		})
	}
}

func TestInteractUnknownAction(t *testing.T) {
	d := browsertest.New()
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(plan.Plan{Steps: []plan.Step{
		{Number: 1, Action: plan.Action{Kind: plan.KindUnknown, RawKind: "hover"}},
	}}, nil)

	res := newAgent(t, d, p, newRecorder()).Interact(context.Background(), "hover")

	assert.Equal(t, result.KindUnknownAction, res.Kind)
	assert.Equal(t, "Unknown action type: hover", res.Message)
	assert.Equal(t, 1, res.FailedStep)
}

func TestInteractRecoversPanic(t *testing.T) {
	d := browsertest.New()
	rec := newRecorder()
	p := planFunc(func(context.Context, string, string) (plan.Plan, error) { panic("planner exploded") })

	res := newAgent(t, d, p, rec).Interact(context.Background(), "anything")

	assert.False(t, res.Success)
	assert.Equal(t, result.KindUnexpected, res.Kind)
	assert.Equal(t, "Unexpected error: planner exploded", res.Message)
	assert.Equal(t, []string{"UnexpectedError"}, rec.plans)
}

func TestInteractCancelled(t *testing.T) {
	d := browsertest.New()
	ctx, cancel := context.WithCancel(context.Background())
	p := planFunc(func(context.Context, string, string) (plan.Plan, error) {
		cancel()
		return loginPlan(), nil
	})

	res := newAgent(t, d, p, newRecorder()).Interact(ctx, "log in")

	assert.Equal(t, result.KindUnexpected, res.Kind)
	assert.Contains(t, res.Message, context.Canceled.Error())
	assert.Empty(t, d.CallsOf("navigate"))
}

func TestObstructionsClearedBeforeEachStep(t *testing.T) {
	d := browsertest.New().Show("#accept-all-cookies", "#login_field", "input[type='submit']")
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(loginPlan(), nil)
	rec := newRecorder()

	res := newAgent(t, d, p, rec).Interact(context.Background(), "log in")

	require.True(t, res.Success, res.String())
	clicks := 0
	for _, sel := range d.CallsOf("click") {
		if sel == "#accept-all-cookies" {
			clicks++
		}
	}
	assert.Equal(t, 3, clicks)
	assert.Equal(t, 3, rec.count("obstruction"))
	assert.Len(t, d.CallsOf("visible"), 3*len(DefaultObstructionSelectors())+len(DefaultErrorIndicators()))
}

func TestObstructionFailuresIgnored(t *testing.T) {
	d := browsertest.New().Show(`[id*="cookie"] button`).FailClick(`[id*="cookie"] button`, errors.New("detached"))
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(plan.Plan{Steps: []plan.Step{
		step(1, plan.KindNavigate, "home", "https://example.com"),
	}}, nil)
	rec := newRecorder()

	res := newAgent(t, d, p, rec).Interact(context.Background(), "open example")

	assert.True(t, res.Success, res.String())
	assert.Zero(t, rec.count("obstruction"))
}

func TestInterceptorsInstalledOnce(t *testing.T) {
	d := browsertest.New()
	rec := newRecorder()
	a := newAgent(t, d, &mockPlanner{}, rec)

	assert.Equal(t, 1, d.RouteInstalls())
	assert.Equal(t, browser.RouteAbort, d.Decide(browser.Request{URL: "https://www.google-analytics.com/collect", ResourceType: "script"}))
	assert.Equal(t, browser.RouteAbort, d.Decide(browser.Request{URL: "https://example.com/logo.png", ResourceType: "image"}))
	assert.Equal(t, browser.RouteContinue, d.Decide(browser.Request{URL: "https://example.com/app.js", ResourceType: "script"}))
	assert.Equal(t, 2, rec.count("request"))

	popup := &browsertest.Popup{Addr: "https://ads.example.com"}
	dialog := &browsertest.Dialog{Kind: "alert", Text: "hello"}
	d.EmitPopup(popup)
	d.EmitDialog(dialog)
	a.Close()

	assert.True(t, popup.Closed())
	assert.True(t, dialog.Dismissed())
	assert.Equal(t, 1, rec.count("popup"))
	assert.Equal(t, 1, rec.count("dialog"))

	late := &browsertest.Popup{Addr: "https://late.example.com"}
	d.EmitPopup(late)
	assert.False(t, late.Closed(), "no interceptors run after Close")

	res := a.Interact(context.Background(), "anything")
	assert.Equal(t, result.KindUnexpected, res.Kind)
}

func TestNoBlocklist(t *testing.T) {
	d := browsertest.New()
	cfg := testConfig()
	cfg.Blocklist = nil
	a, err := New(cfg, d, &mockPlanner{}, newExecutor(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	assert.Zero(t, d.RouteInstalls())
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(), nil, &mockPlanner{}, newExecutor(), zerolog.Nop())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.HumanDelayMin, cfg.HumanDelayMax = time.Second, time.Millisecond
	_, err = New(cfg, browsertest.New(), &mockPlanner{}, newExecutor(), zerolog.Nop())
	assert.ErrorContains(t, err, "below min")

	routeErr := errors.New("route unsupported")
	_, err = New(testConfig(), browsertest.New().FailRoute(routeErr), &mockPlanner{}, newExecutor(), zerolog.Nop())
	assert.ErrorIs(t, err, routeErr)
}

func TestStateTracker(t *testing.T) {
	tr := newTracker(zerolog.Nop())
	tr.to(StatePlanning)
	tr.to(StateNormalizing)
	tr.executing(1)
	tr.executing(2)
	tr.to(StateVerifying)
	tr.to(StateCompleted)
	tr.to(StateFailed)

	assert.Equal(t, []State{StateIdle, StatePlanning, StateNormalizing, StateExecuting, StateVerifying, StateCompleted}, tr.trace)
	assert.Equal(t, 2, tr.step)
	assert.Equal(t, "completed", tr.state.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateExecuting.Terminal())
}

func TestInteractVerifiesSuccessIndicators(t *testing.T) {
	withCheck := func(ms int, indicators ...string) plan.Plan {
		p := loginPlan()
		p.Verification = &plan.Verification{SuccessIndicators: indicators, TimeoutMS: ms}
		return p
	}

	t.Run("indicator appears", func(t *testing.T) {
		d := browsertest.New().Show("#login_field", "input[type='submit']").
			AppearAfter(".avatar", 5*time.Millisecond)
		p := &mockPlanner{}
		p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(withCheck(200, "#dashboard", ".avatar"), nil)
		rec := newRecorder()

		res := newAgent(t, d, p, rec).Interact(context.Background(), "log in")

		require.True(t, res.Success, res.String())
		assert.Equal(t, 3, res.Executed)
		assert.Subset(t, d.CallsOf("wait"), []string{"#dashboard", ".avatar"})
		assert.Equal(t, []string{"ok"}, rec.plans)
	})

	t.Run("indicator missing", func(t *testing.T) {
		d := browsertest.New().Show("#login_field", "input[type='submit']")
		p := &mockPlanner{}
		p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(withCheck(30, "#dashboard"), nil)
		rec := newRecorder()

		res := newAgent(t, d, p, rec).Interact(context.Background(), "log in")

		assert.False(t, res.Success)
		assert.Equal(t, result.KindVerification, res.Kind)
		assert.Equal(t, 3, res.Executed)
		assert.Zero(t, res.FailedStep)
		assert.Contains(t, res.Message, "No success indicator appeared within 30ms")
		require.NotNil(t, res.Failure)
		assert.Equal(t, []string{"#dashboard"}, res.Failure.Tried())
		assert.Equal(t, []string{string(result.KindVerification)}, rec.plans)
	})
}

func TestInteractDetectsPageError(t *testing.T) {
	for name, tc := range map[string]struct {
		text string
		ok   bool
	}{
		"keyword":    {text: "  Incorrect username or password. ", ok: false},
		"no keyword": {text: "Welcome back", ok: true},
	} {
		t.Run(name, func(t *testing.T) {
			d := browsertest.New().Show("#login_field", "input[type='submit']").SetText(`[role="alert"]`, tc.text)
			p := &mockPlanner{}
			p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(loginPlan(), nil)

			res := newAgent(t, d, p, newRecorder()).Interact(context.Background(), "log in")

			assert.Equal(t, tc.ok, res.Success, res.String())
			assert.Equal(t, []string{`[role="alert"]`}, d.CallsOf("text"))
			if !tc.ok {
				assert.Equal(t, result.KindVerification, res.Kind)
				assert.Equal(t, "Page reports an error: Incorrect username or password.", res.Message)
				assert.Equal(t, 3, res.Executed)
			}
		})
	}
}

func TestVerificationSkippedAfterStepFailure(t *testing.T) {
	d := browsertest.New().SetText(".error-message", "invalid token")
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(loginPlan(), nil)

	res := newAgent(t, d, p, newRecorder()).Interact(context.Background(), "log in")

	assert.Equal(t, result.KindActionFailed, res.Kind)
	assert.Equal(t, 2, res.FailedStep)
	assert.Empty(t, d.CallsOf("text"))
}
