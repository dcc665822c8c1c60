// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polzovatel/browser-command-agent/internal/browser"
)

var (
	ErrNotVisible = errors.New("element not visible")
	ErrTimeout    = errors.New("timeout waiting for element")
)

// Call is one recorded driver invocation.
type Call struct {
	Op  string
	Arg string
}

// Driver is a scripted page. Selectors are visible only when shown with
// Show or AppearAfter; WaitVisible on anything else blocks until its timeout.
type Driver struct {
	mu        sync.Mutex
	visible   map[string]bool
	appear    map[string]time.Duration
	clickErr  map[string]error
	fillErr   map[string]error
	filled    map[string]string
	texts     map[string]string
	keyErr    error
	panicOn   string
	status    int
	navErr    error
	html      string
	url       string
	calls     []Call
	popups    []func(browser.Popup)
	dialogs   []func(browser.Dialog)
	decide    func(browser.Request) browser.RouteDecision
	routeErr  error
	closed    bool
	routeSets int
}

var _ browser.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{
		visible:  make(map[string]bool),
		appear:   make(map[string]time.Duration),
		clickErr: make(map[string]error),
		fillErr:  make(map[string]error),
		filled:   make(map[string]string),
		texts:    make(map[string]string),
		status:   200,
		url:      "about:blank",
	}
}

func (d *Driver) Show(selectors ...string) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range selectors {
		d.visible[s] = true
	}
	return d
}

func (d *Driver) Hide(selectors ...string) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range selectors {
		delete(d.visible, s)
	}
	return d
}

// AppearAfter makes selector visible after delay from the first wait on it.
func (d *Driver) AppearAfter(selector string, delay time.Duration) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appear[selector] = delay
	return d
}

func (d *Driver) FailClick(selector string, err error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clickErr[selector] = err
	return d
}

func (d *Driver) FailFill(selector string, err error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fillErr[selector] = err
	return d
}

func (d *Driver) FailKeys(err error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyErr = err
	return d
}

// PanicOn makes the named operation panic.
func (d *Driver) PanicOn(op string) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panicOn = op
	return d
}

func (d *Driver) Respond(status int, err error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status, d.navErr = status, err
	return d
}

func (d *Driver) SetContent(html string) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.html = html
	return d
}

// SetText shows selector with the given text content.
func (d *Driver) SetText(selector, text string) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible[selector] = true
	d.texts[selector] = text
	return d
}

func (d *Driver) FailRoute(err error) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeErr = err
	return d
}

func (d *Driver) record(op, arg string) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Op: op, Arg: arg})
	p := d.panicOn
	d.mu.Unlock()
	if p == op {
		panic(fmt.Sprintf("browsertest: %s(%s)", op, arg))
	}
}

// Calls returns a copy of every recorded call.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the arguments of recorded calls to op, in order.
func (d *Driver) CallsOf(op string) []string {
	var out []string
	for _, c := range d.Calls() {
		if c.Op == op {
			out = append(out, c.Arg)
		}
	}
	return out
}

// Filled returns the last text written into selector.
func (d *Driver) Filled(selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filled[selector]
}

func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// RouteInstalls counts Route calls.
func (d *Driver) RouteInstalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routeSets
}

// Decide runs the installed route decision, RouteContinue when none.
func (d *Driver) Decide(req browser.Request) browser.RouteDecision {
	d.mu.Lock()
	decide := d.decide
	d.mu.Unlock()
	if decide == nil {
		return browser.RouteContinue
	}
	return decide(req)
}

// EmitPopup delivers p to the registered popup handlers.
func (d *Driver) EmitPopup(p browser.Popup) {
	d.mu.Lock()
	handlers := append([]func(browser.Popup){}, d.popups...)
	d.mu.Unlock()
	for _, fn := range handlers {
		fn(p)
	}
}

// EmitDialog delivers dlg to the registered dialog handlers.
func (d *Driver) EmitDialog(dlg browser.Dialog) {
	d.mu.Lock()
	handlers := append([]func(browser.Dialog){}, d.dialogs...)
	d.mu.Unlock()
	for _, fn := range handlers {
		fn(dlg)
	}
}

func (d *Driver) Navigate(ctx context.Context, url string, timeout time.Duration) (browser.Response, error) {
	d.record("navigate", url)
	if err := ctx.Err(); err != nil {
		return browser.Response{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.navErr != nil {
		return browser.Response{}, d.navErr
	}
	d.url = url
	return browser.Response{Status: d.status, URL: url}, nil
}

func (d *Driver) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	d.record("load", "")
	return ctx.Err()
}

func (d *Driver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	d.record("wait", selector)
	d.mu.Lock()
	visible := d.visible[selector]
	delay, appears := d.appear[selector]
	d.mu.Unlock()
	if visible {
		return nil
	}
	if appears && delay <= timeout {
		select {
		case <-time.After(delay):
			d.Show(selector)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return fmt.Errorf("%w %q after %s", ErrTimeout, selector, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) IsVisible(ctx context.Context, selector string) (bool, error) {
	d.record("visible", selector)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible[selector], ctx.Err()
}

func (d *Driver) Click(ctx context.Context, selector string, timeout time.Duration) error {
	d.record("click", selector)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.clickErr[selector]; err != nil {
		return err
	}
	if !d.visible[selector] {
		return fmt.Errorf("%w: %s", ErrNotVisible, selector)
	}
	return ctx.Err()
}

func (d *Driver) Fill(ctx context.Context, selector, text string, timeout time.Duration) error {
	d.record("fill", selector)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fillErr[selector]; err != nil {
		return err
	}
	if !d.visible[selector] {
		return fmt.Errorf("%w: %s", ErrNotVisible, selector)
	}
	d.filled[selector] = text
	return ctx.Err()
}

func (d *Driver) PressKey(ctx context.Context, key string) error {
	d.record("press", key)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keyErr != nil {
		return d.keyErr
	}
	return ctx.Err()
}

func (d *Driver) Text(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	d.record("text", selector)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.visible[selector] {
		return "", fmt.Errorf("%w: %q", ErrNotVisible, selector)
	}
	return d.texts[selector], ctx.Err()
}

func (d *Driver) Content(ctx context.Context) (string, error) {
	d.record("content", "")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.html, ctx.Err()
}

func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *Driver) OnPopup(fn func(browser.Popup)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.popups = append(d.popups, fn)
}

func (d *Driver) OnDialog(fn func(browser.Dialog)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialogs = append(d.dialogs, fn)
}

func (d *Driver) Route(decide func(browser.Request) browser.RouteDecision) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeSets++
	if d.routeErr != nil {
		return d.routeErr
	}
	d.decide = decide
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Popup records whether it was closed.
type Popup struct {
	Addr   string
	closed atomic.Bool
}

func (p *Popup) URL() string { return p.Addr }
func (p *Popup) Close() error { p.closed.Store(true); return nil }
func (p *Popup) Closed() bool { return p.closed.Load() }

// Dialog records whether it was dismissed.
type Dialog struct {
	Kind      string
	Text      string
	dismissed atomic.Bool
}

func (d *Dialog) Type() string { return d.Kind }
func (d *Dialog) Message() string { return d.Text }
func (d *Dialog) Dismiss() error { d.dismissed.Store(true); return nil }
func (d *Dialog) Dismissed() bool { return d.dismissed.Load() }
