package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rs/zerolog"
)

// ChromeDriver implements Driver directly over the DevTools protocol. It
// accepts plain CSS selectors only; engine-specific pseudo classes such as
// :has-text() fail the query and the caller moves to its next candidate.
type ChromeDriver struct {
	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	popups  []func(Popup)
	dialogs []func(Dialog)
	decide  func(Request) RouteDecision
}

var _ Driver = (*ChromeDriver)(nil)

// LaunchChrome starts a browser process with one tab. The browser outlives
// ctx; call Close to stop it.
func LaunchChrome(ctx context.Context, opts Options, log zerolog.Logger) (*ChromeDriver, error) {
	alloc := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if opts.UserAgent != "" {
		alloc = append(alloc, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		alloc = append(alloc, chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight))
	}
	if opts.Locale != "" {
		alloc = append(alloc, chromedp.Flag("lang", opts.Locale))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), alloc...)
	tab, tabCancel := chromedp.NewContext(allocCtx)
	d := &ChromeDriver{
		tab:         tab,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		navTimeout:  orDefault(opts.NavigationTimeout, defaultNavTimeout),
		log:         log.With().Str("comp", "chromedp").Logger(),
	}
	chromedp.ListenTarget(tab, d.handleEvent)
	// Target creation is reported on the browser session, not the tab's.
	chromedp.ListenBrowser(tab, d.handleBrowserEvent)

	if err := chromedp.Run(tab); err != nil {
		tabCancel()
		allocCancel()
		return nil, chromeWrap(fmt.Errorf("start browser: %w", err))
	}
	d.log.Info().Bool("headless", opts.Headless).Msg("chrome launched")
	return d, nil
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (d *ChromeDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(d.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromeWrap(chromedp.Run(tctx, actions...))
}

// Navigate returns once the new document's body is ready. Subresources may
// still be loading.
func (d *ChromeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	tctx, cancel := context.WithTimeout(d.tab, orDefault(timeout, d.navTimeout))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		mu        sync.Mutex
		documents = map[cdp.LoaderID]*network.Response{}
	)
	lctx, lcancel := context.WithCancel(tctx)
	defer lcancel()
	chromedp.ListenTarget(lctx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			mu.Lock()
			documents[e.LoaderID] = e.Response
			mu.Unlock()
		}
	})

	var loader cdp.LoaderID
	err := chromedp.Run(tctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, id, errText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return fmt.Errorf("navigate %s: %s", url, errText)
			}
			loader = id
			return nil
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return Response{}, chromeWrap(err)
	}

	mu.Lock()
	resp := documents[loader]
	mu.Unlock()
	if resp == nil {
		return Response{}, ErrNoResponse
	}
	return Response{Status: int(resp.Status), URL: resp.URL}, nil
}

func (d *ChromeDriver) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	return d.run(ctx, orDefault(timeout, defaultActionTime), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (d *ChromeDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return d.run(ctx, orDefault(timeout, defaultActionTime), chromedp.WaitVisible(selector, chromedp.ByQuery))
}

const visibleCheck = `(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	const s = window.getComputedStyle(el);
	if (s.visibility === 'hidden' || s.display === 'none') return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
})()`

func (d *ChromeDriver) IsVisible(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var visible bool
	err = d.run(ctx, defaultActionTime, chromedp.Evaluate(fmt.Sprintf(visibleCheck, quoted), &visible))
	return visible, err
}

func (d *ChromeDriver) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return d.run(ctx, orDefault(timeout, defaultActionTime),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

func (d *ChromeDriver) Fill(ctx context.Context, selector, text string, timeout time.Duration) error {
	return d.run(ctx, orDefault(timeout, defaultActionTime),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

// keyNames maps DOM key names to the characters chromedp dispatches.
var keyNames = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"home":       kb.Home,
	"end":        kb.End,
}

func (d *ChromeDriver) PressKey(ctx context.Context, key string) error {
	keys := key
	if mapped, ok := keyNames[strings.ToLower(strings.TrimSpace(key))]; ok {
		keys = mapped
	}
	return d.run(ctx, defaultActionTime, chromedp.KeyEvent(keys))
}

func (d *ChromeDriver) Text(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	var text string
	err := d.run(ctx, orDefault(timeout, defaultActionTime), chromedp.TextContent(selector, &text, chromedp.ByQuery))
	return text, err
}

func (d *ChromeDriver) Content(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, defaultActionTime, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (d *ChromeDriver) URL() string {
	var loc string
	if err := d.run(context.Background(), 2*time.Second, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

func (d *ChromeDriver) OnPopup(fn func(Popup)) {
	d.mu.Lock()
	d.popups = append(d.popups, fn)
	d.mu.Unlock()
}

func (d *ChromeDriver) OnDialog(fn func(Dialog)) {
	d.mu.Lock()
	d.dialogs = append(d.dialogs, fn)
	d.mu.Unlock()
}

// Route enables request interception through the Fetch domain. Paused
// requests are resolved from separate goroutines.
func (d *ChromeDriver) Route(decide func(Request) RouteDecision) error {
	d.mu.Lock()
	d.decide = decide
	d.mu.Unlock()
	return d.run(context.Background(), defaultActionTime,
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
	)
}

func (d *ChromeDriver) handleEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		d.mu.RLock()
		decide := d.decide
		d.mu.RUnlock()
		go d.resolvePaused(ev, decide)
	case *page.EventJavascriptDialogOpening:
		dlg := &chromeDialog{ev: ev, exec: d.targetExecutor()}
		d.mu.RLock()
		handlers := append([]func(Dialog){}, d.dialogs...)
		d.mu.RUnlock()
		for _, fn := range handlers {
			fn(dlg)
		}
	}
}

// handleBrowserEvent reports pages opened by this tab as popups. Handlers
// must not block: the event loop is waiting on them.
func (d *ChromeDriver) handleBrowserEvent(ev any) {
	created, ok := ev.(*target.EventTargetCreated)
	if !ok || created.TargetInfo == nil {
		return
	}
	info := created.TargetInfo
	if info.Type != "page" || info.OpenerID == "" || info.OpenerID != d.targetID() {
		return
	}
	p := &chromePopup{parent: d.tab, id: info.TargetID, url: info.URL}
	d.mu.RLock()
	handlers := append([]func(Popup){}, d.popups...)
	d.mu.RUnlock()
	for _, fn := range handlers {
		fn(p)
	}
}

func (d *ChromeDriver) resolvePaused(ev *fetch.EventRequestPaused, decide func(Request) RouteDecision) {
	ctx := d.targetExecutor()
	req := Request{ResourceType: strings.ToLower(string(ev.ResourceType))}
	if ev.Request != nil {
		req.URL = ev.Request.URL
	}
	var err error
	if decide != nil && decide(req) == RouteAbort {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil {
		d.log.Debug().Err(err).Str("url", req.URL).Msg("resolve paused request")
	}
}

func (d *ChromeDriver) targetExecutor() context.Context {
	c := chromedp.FromContext(d.tab)
	if c == nil || c.Target == nil {
		return d.tab
	}
	return cdp.WithExecutor(d.tab, c.Target)
}

func (d *ChromeDriver) targetID() target.ID {
	c := chromedp.FromContext(d.tab)
	if c == nil || c.Target == nil {
		return ""
	}
	return c.Target.TargetID
}

func (d *ChromeDriver) Close(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(d.tab, 10*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Cancel(cctx)
	d.tabCancel()
	d.allocCancel()
	if err != nil && ctx.Err() == nil {
		return chromeWrap(err)
	}
	return nil
}

type chromeDialog struct {
	ev   *page.EventJavascriptDialogOpening
	exec context.Context
}

func (c *chromeDialog) Type() string    { return c.ev.Type.String() }
func (c *chromeDialog) Message() string { return c.ev.Message }
func (c *chromeDialog) Dismiss() error {
	return chromeWrap(page.HandleJavaScriptDialog(false).Do(c.exec))
}

type chromePopup struct {
	parent context.Context
	id     target.ID
	url    string
}

func (p *chromePopup) URL() string { return p.url }

func (p *chromePopup) Close() error {
	pctx, cancel := chromedp.NewContext(p.parent, chromedp.WithTargetID(p.id))
	defer cancel()
	tctx, tcancel := context.WithTimeout(pctx, defaultActionTime)
	defer tcancel()
	return chromeWrap(chromedp.Run(tctx, page.Close()))
}

func chromeWrap(err error) error { return wrap("chromedp", err) }
