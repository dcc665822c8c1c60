package browser

import (
	"net/url"
	"strings"
)

// Blocklist aborts tracker and heavy-asset requests so pages settle faster.
type Blocklist struct {
	Domains       []string
	ResourceTypes []string
}

func DefaultBlocklist() Blocklist {
	return Blocklist{
		Domains: []string{
			"google-analytics.com",
			"doubleclick.net",
			"facebook.com",
			"adnxs.com",
		},
		ResourceTypes: []string{"image", "media", "font", "other"},
	}
}

// Match reports whether req should be blocked. Domains match the host or
// any of its subdomains.
func (b Blocklist) Match(req Request) bool {
	rt := strings.ToLower(req.ResourceType)
	for _, t := range b.ResourceTypes {
		if rt == t {
			return true
		}
	}
	host := hostOf(req.URL)
	if host == "" {
		return false
	}
	for _, d := range b.Domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Decide adapts Match to Driver.Route.
func (b Blocklist) Decide(req Request) RouteDecision {
	if b.Match(req) {
		return RouteAbort
	}
	return RouteContinue
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
