package snapshot

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-command-agent/internal/browser/browsertest"
)

const page = `<!doctype html>
<html><head><title>Sign in</title><style>body{color:red}</style></head>
<body>
  <script>window.tracker = 1</script>
  <form action="/session" method="post" onsubmit="steal()">
    <label for="login_field">Username</label>
    <input id="login_field" name="login" type="text" data-testid="user" style="x">
    <input type="password" name="password" aria-label="Password">
    <button type="submit" class="btn primary">Sign in</button>
  </form>
  <a href="javascript:alert(1)">bad</a>
  <a href="/signup">Create account</a>
</body></html>`

func TestCompactKeepsLocatorAttributes(t *testing.T) {
	out := Compact(page, 0)

	for _, want := range []string{
		`id="login_field"`,
		`name="login"`,
		`data-testid="user"`,
		`aria-label="Password"`,
		`type="submit"`,
		`class="btn primary"`,
		`href="/signup"`,
		`action="/session"`,
		">Sign in</button>",
	} {
		assert.Contains(t, out, want)
	}
	for _, gone := range []string{"<script", "window.tracker", "<style", "color:red", "onsubmit", "javascript:", `style="x"`, "<title"} {
		assert.NotContains(t, out, gone)
	}
	assert.NotContains(t, out, "\n")
	assert.NotContains(t, out, "  ")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc"+TruncationMarker, Truncate("abcdef", 3))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))

	// budget counts runes, never splitting a multi-byte character
	got := Truncate("ééééé", 2)
	assert.Equal(t, "éé"+TruncationMarker, got)
	assert.True(t, utf8.ValidString(got))
}

func TestCompactBudget(t *testing.T) {
	big := "<div>" + strings.Repeat("x", 20000) + "</div>"
	out := Compact(big, DefaultBudget)
	require.True(t, strings.HasSuffix(out, TruncationMarker))
	assert.Equal(t, DefaultBudget+utf8.RuneCountInString(TruncationMarker), utf8.RuneCountInString(out))
}

func TestCollect(t *testing.T) {
	d := browsertest.New().SetContent(page)
	_, err := d.Navigate(context.Background(), "https://github.com/login", 0)
	require.NoError(t, err)

	s, err := Collect(context.Background(), d, 50)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/login", s.URL)
	assert.True(t, strings.HasSuffix(s.Content, TruncationMarker))
	assert.True(t, strings.HasPrefix(s.String(), "URL: https://github.com/login\n"))
}
