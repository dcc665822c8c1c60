package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const headlessEnv = "AGENT_HEADLESS"

// Options configure the page both drivers open.
type Options struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	UserAgent      string
	// StorageState is loaded into the context when the file exists.
	StorageState string
	// NavigationTimeout is the page default used when callers pass zero.
	NavigationTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Headless:          ParseBoolEnv(headlessEnv, false),
		ViewportWidth:     1280,
		ViewportHeight:    720,
		Locale:            "en-US",
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		NavigationTimeout: defaultNavTimeout,
	}
}

// Launcher owns the playwright lifecycle.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
	log     zerolog.Logger
}

func NewLauncher(ctx context.Context, opts Options, log zerolog.Logger) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	l := &Launcher{pw: pw, browser: browser, opts: opts, log: log.With().Str("comp", "playwright").Logger()}
	l.log.Info().Bool("headless", opts.Headless).Msg("chromium launched")
	return l, nil
}

// NewDriver opens a fresh context with one page.
func (l *Launcher) NewDriver(ctx context.Context) (*PlaywrightDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if l.opts.ViewportWidth > 0 && l.opts.ViewportHeight > 0 {
		opts.Viewport = &playwright.Size{Width: l.opts.ViewportWidth, Height: l.opts.ViewportHeight}
	}
	if l.opts.Locale != "" {
		opts.Locale = playwright.String(l.opts.Locale)
	}
	if l.opts.UserAgent != "" {
		opts.UserAgent = playwright.String(l.opts.UserAgent)
	}
	if path := strings.TrimSpace(l.opts.StorageState); path != "" {
		if _, err := os.Stat(path); err == nil {
			opts.StorageStatePath = playwright.String(path)
			l.log.Info().Str("path", path).Msg("loading storage state")
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(ms(orDefault(l.opts.NavigationTimeout, defaultNavTimeout)))
	return &PlaywrightDriver{context: bctx, page: page}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// PlaywrightDriver implements Driver over a playwright page.
type PlaywrightDriver struct {
	context playwright.BrowserContext
	page    playwright.Page
}

var _ Driver = (*PlaywrightDriver)(nil)

func (d *PlaywrightDriver) Navigate(ctx context.Context, url string, timeout time.Duration) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	resp, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(ms(orDefault(timeout, defaultNavTimeout))),
	})
	if err != nil {
		return Response{}, pwWrap(err)
	}
	if resp == nil {
		return Response{}, ErrNoResponse
	}
	return Response{Status: resp.Status(), URL: resp.URL()}, nil
}

func (d *PlaywrightDriver) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pwWrap(d.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(ms(orDefault(timeout, defaultActionTime))),
	}))
}

func (d *PlaywrightDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// First() avoids strict mode violations when several elements match.
	return pwWrap(d.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(ms(orDefault(timeout, defaultActionTime))),
	}))
}

func (d *PlaywrightDriver) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := d.page.Locator(selector).First().IsVisible()
	return ok, pwWrap(err)
}

func (d *PlaywrightDriver) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	first := d.page.Locator(selector).First()
	_ = first.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: playwright.Float(ms(orDefault(timeout, defaultActionTime))),
	})
	return pwWrap(first.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(ms(orDefault(timeout, defaultActionTime))),
	}))
}

func (d *PlaywrightDriver) Fill(ctx context.Context, selector, text string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pwWrap(d.page.Locator(selector).First().Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(ms(orDefault(timeout, defaultActionTime))),
	}))
}

func (d *PlaywrightDriver) PressKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pwWrap(d.page.Keyboard().Press(key))
}

func (d *PlaywrightDriver) Text(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := d.page.Locator(selector).First().TextContent(playwright.LocatorTextContentOptions{
		Timeout: playwright.Float(ms(orDefault(timeout, defaultActionTime))),
	})
	return text, pwWrap(err)
}

func (d *PlaywrightDriver) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := d.page.Content()
	return html, pwWrap(err)
}

func (d *PlaywrightDriver) URL() string { return d.page.URL() }

func (d *PlaywrightDriver) OnPopup(fn func(Popup)) {
	d.page.OnPopup(func(p playwright.Page) { fn(pwPopup{p}) })
}

func (d *PlaywrightDriver) OnDialog(fn func(Dialog)) {
	d.page.OnDialog(func(dlg playwright.Dialog) { fn(dlg) })
}

func (d *PlaywrightDriver) Route(decide func(Request) RouteDecision) error {
	return pwWrap(d.page.Route("**/*", func(route playwright.Route) {
		req := route.Request()
		if decide(Request{URL: req.URL(), ResourceType: req.ResourceType()}) == RouteAbort {
			_ = route.Abort()
			return
		}
		_ = route.Continue()
	}))
}

// SaveState writes cookies and local storage so a later run can reuse the
// session through Options.StorageState.
func (d *PlaywrightDriver) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := d.context.StorageState()
	if err != nil {
		return pwWrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (d *PlaywrightDriver) Close(ctx context.Context) error {
	_ = ctx
	if d.page != nil {
		_ = d.page.Close()
	}
	if d.context != nil {
		return pwWrap(d.context.Close())
	}
	return nil
}

type pwPopup struct{ page playwright.Page }

func (p pwPopup) URL() string  { return p.page.URL() }
func (p pwPopup) Close() error { return pwWrap(p.page.Close()) }

func pwWrap(err error) error { return wrap("playwright", err) }
