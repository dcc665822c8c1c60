// Package selector maps a human target description onto candidate locators.
package selector

import (
	"fmt"
	"strings"
)

type entry struct {
	key       string
	selectors []string
}

// table is checked in order by substring containment; the first key found in
// the description wins, so longer phrases must precede their prefixes.
var table = []entry{
	{"search button", []string{
		"button[type='submit']",
		"button:has-text('Search')",
		"input[type='submit'][value*='search' i]",
	}},
	{"search results", []string{
		"#search-results",
		".search-results",
		"[aria-label='Search results']",
		"[data-testid='results-list']",
	}},
	{"search box", searchInputs},
	{"search", searchInputs},
	{"username", []string{
		"input[type='text'][name*='user' i]",
		"input[name='username']",
		"input[id*='username' i]",
		"input[name='login']",
	}},
	{"email", []string{
		"input[type='email']",
		"input[name*='email' i]",
		"input[id*='email' i]",
	}},
	{"password", []string{
		"input[type='password']",
		"input[name*='pass' i]",
		"input[id*='password' i]",
	}},
	{"login button", loginButtons},
	{"sign in", loginButtons},
	{"submit button", []string{
		"button[type='submit']",
		"input[type='submit']",
	}},
	{"accept cookies", []string{
		"#accept-all-cookies",
		"[data-testid='accept-all-cookies']",
		"button:has-text('Accept all')",
		"button:has-text('Accept')",
	}},
}

var searchInputs = []string{
	"input[name='q']",
	"input[title='Search']",
	"input[type='search']",
	"input[aria-label*='search' i]",
	"textarea[name='q']",
	"textarea[aria-label*='search' i]",
}

var loginButtons = []string{
	"button:has-text('Login')",
	"button:has-text('Log in')",
	"button:has-text('Sign in')",
	"input[type='submit'][value*='sign in' i]",
}

// Resolver produces candidate selectors for a target description.
type Resolver struct{}

func New() *Resolver { return &Resolver{} }

// Resolve returns candidates for target, most specific first: the selectors
// of the first table key contained in target, otherwise generic
// attribute-substring matches on the description.
func (r *Resolver) Resolve(target string) []string {
	desc := normalize(target)
	if desc == "" {
		return nil
	}
	if found, ok := lookup(desc); ok {
		return found
	}
	q := quote(desc)
	return []string{
		fmt.Sprintf("[placeholder*='%s' i]", q),
		fmt.Sprintf("[aria-label*='%s' i]", q),
		fmt.Sprintf("[name*='%s' i]", q),
	}
}

// ForInput is Resolve restricted to text-entry elements, used for typing.
func (r *Resolver) ForInput(target string) []string {
	desc := normalize(target)
	if desc == "" {
		return nil
	}
	if found, ok := lookup(desc); ok {
		return found
	}
	q := quote(desc)
	return []string{
		fmt.Sprintf("input[placeholder*='%s' i]", q),
		fmt.Sprintf("input[aria-label*='%s' i]", q),
		fmt.Sprintf("textarea[placeholder*='%s' i]", q),
		fmt.Sprintf("[name*='%s' i]", q),
	}
}

func lookup(desc string) ([]string, bool) {
	for _, e := range table {
		if strings.Contains(desc, e.key) {
			return append([]string(nil), e.selectors...), true
		}
	}
	return nil, false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
