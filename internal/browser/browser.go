// Package browser drives a single page on behalf of the interaction loop.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultNavTimeout = 60 * time.Second
	defaultActionTime = 10 * time.Second
)

// ErrNoResponse is returned by Navigate when the page produced no main
// document response (same-document navigations, aborted loads).
var ErrNoResponse = errors.New("navigation produced no response")

// Response is the main document response of a navigation.
type Response struct {
	Status int
	URL    string
}

// OK reports whether the status is below 400.
func (r Response) OK() bool { return r.Status > 0 && r.Status < 400 }

// Request describes an outgoing network request seen by a route.
type Request struct {
	URL string
	// ResourceType is lower-case: document, script, image, media, font, other...
	ResourceType string
}

type RouteDecision int

const (
	RouteContinue RouteDecision = iota
	RouteAbort
)

// Popup is a secondary page opened by the current one.
type Popup interface {
	URL() string
	Close() error
}

// Dialog is a native alert, confirm, prompt or beforeunload dialog.
type Dialog interface {
	Type() string
	Message() string
	Dismiss() error
}

// Driver is the page capability the executor and loop depend on. Timeouts of
// zero fall back to the driver defaults.
type Driver interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (Response, error)
	WaitForLoad(ctx context.Context, timeout time.Duration) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// IsVisible checks once without waiting.
	IsVisible(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, text string, timeout time.Duration) error
	PressKey(ctx context.Context, key string) error
	// Text returns the text content of the first element matching selector.
	Text(ctx context.Context, selector string, timeout time.Duration) (string, error)
	Content(ctx context.Context) (string, error)
	URL() string

	// OnPopup and OnDialog register handlers invoked from the driver's event
	// goroutine. Handlers must not block.
	OnPopup(fn func(Popup))
	OnDialog(fn func(Dialog))
	// Route installs a request interceptor for every request of the page.
	Route(decide func(Request) RouteDecision) error

	Close(ctx context.Context) error
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func ms(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

func wrap(prefix string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

// ParseBoolEnv reads a boolean flag from the environment, returning def when
// unset or unrecognised.
func ParseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
