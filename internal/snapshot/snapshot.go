// Package snapshot reduces a page to the markup a planner needs to pick
// locators, within a fixed character budget.
package snapshot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/polzovatel/browser-command-agent/internal/browser"
)

const (
	DefaultBudget = 8000
	// TruncationMarker is appended when content was cut to the budget.
	TruncationMarker = "... (content truncated)"
)

var whitespace = regexp.MustCompile(`\s+`)

// policy keeps structure and the attributes selectors are built from.
var policy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"html", "body", "main", "header", "footer", "nav", "section", "article", "aside",
		"form", "fieldset", "legend", "label", "input", "textarea", "select", "option", "button",
		"a", "h1", "h2", "h3", "h4", "h5", "h6", "p", "span", "div",
		"ul", "ol", "li", "table", "thead", "tbody", "tr", "th", "td", "dialog",
	)
	p.AllowAttrs(
		"id", "class", "name", "type", "placeholder", "aria-label", "role",
		"value", "title", "for", "action", "method", "alt",
	).Globally()
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(true)
	p.AllowDataAttributes()
	p.SkipElementsContent("svg", "template", "head")
	return p
}

// Summary is the planner's view of the current page.
type Summary struct {
	URL     string
	Content string
}

func (s Summary) String() string {
	if s.URL == "" {
		return s.Content
	}
	return fmt.Sprintf("URL: %s\n%s", s.URL, s.Content)
}

// Collect reads the page through d and compacts it. Failures are returned
// so the caller can decide to plan without a snapshot.
func Collect(ctx context.Context, d browser.Driver, budget int) (Summary, error) {
	html, err := d.Content(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("page content: %w", err)
	}
	return Summary{URL: d.URL(), Content: Compact(html, budget)}, nil
}

// Compact sanitizes html, collapses whitespace and cuts the result to budget
// runes followed by TruncationMarker. A non-positive budget disables the cut.
func Compact(html string, budget int) string {
	clean := policy.Sanitize(html)
	clean = strings.TrimSpace(whitespace.ReplaceAllString(clean, " "))
	clean = strings.ReplaceAll(clean, "> <", "><")
	return Truncate(clean, budget)
}

// Truncate discards everything past budget runes; nothing is summarized.
func Truncate(s string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}
	cut := 0
	for i := range s {
		if cut == budget {
			return s[:i] + TruncationMarker
		}
		cut++
	}
	return s
}

// WithDeadline bounds snapshot collection so planning is never blocked on a
// slow page.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}
