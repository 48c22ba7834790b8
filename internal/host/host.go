// Package host is the capability the core needs from a browser: find the
// dashboard page, read and write its auth storage, and report navigations.
package host

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/sbswitch/sbswitch/internal/models"
)

// PageHandle identifies one browser page.
type PageHandle struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// NavigationEvent reports a completed top-level navigation.
type NavigationEvent struct {
	PageID string    `json:"pageId"`
	URL    string    `json:"url"`
	At     time.Time `json:"at"`
}

// Host is implemented by the browser bridge.
//
// ExtractCredentials returns only the auth-scoped storage entries and the
// first user profile found among them. InjectCredentials removes every
// auth-scoped entry, writes set verbatim and navigates the page to the
// dashboard landing URL.
type Host interface {
	ActivePage(ctx context.Context) (PageHandle, error)
	OpenPage(ctx context.Context, rawURL string) (PageHandle, error)
	ExtractCredentials(ctx context.Context, page PageHandle) (models.CredentialSet, models.UserSummary, error)
	InjectCredentials(ctx context.Context, page PageHandle, set models.CredentialSet) error
	Navigations(ctx context.Context) (<-chan NavigationEvent, error)
}

// Matcher decides which URLs belong to the dashboard.
type Matcher struct {
	Host       string
	PathPrefix string
}

// NewMatcher derives a matcher from the dashboard landing URL. pageHost
// overrides the URL's host when set.
func NewMatcher(dashboardURL, pageHost string) Matcher {
	m := Matcher{Host: pageHost, PathPrefix: "/"}
	if u, err := url.Parse(dashboardURL); err == nil {
		if m.Host == "" {
			m.Host = u.Hostname()
		}
		if u.Path != "" {
			m.PathPrefix = u.Path
		}
	}
	return m
}

// OnHost reports whether rawURL is served by the dashboard host or one of
// its subdomains.
func (m Matcher) OnHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || m.Host == "" {
		return false
	}
	h := strings.ToLower(u.Hostname())
	want := strings.ToLower(m.Host)
	return h == want || strings.HasSuffix(h, "."+want)
}

// IsDashboard reports whether rawURL is a signed-in dashboard page.
func (m Matcher) IsDashboard(rawURL string) bool {
	if !m.OnHost(rawURL) {
		return false
	}
	u, _ := url.Parse(rawURL)
	if !strings.HasPrefix(u.Path, m.PathPrefix) {
		return false
	}
	for _, marker := range []string{"/sign-in", "/sign-up", "/forgot-password", "/reset-password"} {
		if strings.Contains(u.Path, marker) {
			return false
		}
	}
	return true
}
