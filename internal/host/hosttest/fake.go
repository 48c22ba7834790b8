// Package hosttest provides an in-memory host.Host for tests.
package hosttest

import (
	"context"
	"sync"

	"github.com/sbswitch/sbswitch/internal/credential"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/models"
)

// Injection records one InjectCredentials call.
type Injection struct {
	Page host.PageHandle
	Set  models.CredentialSet
}

// Fake is a scriptable host. The zero value has no active page.
type Fake struct {
	mu sync.Mutex

	Page       *host.PageHandle
	Storage    map[string]models.CredentialSet
	User       models.UserSummary
	ExtractErr error
	InjectErr  error
	Injections []Injection
	Opened     []string
	Events     chan host.NavigationEvent

	// OnInject runs before an injection is recorded.
	OnInject func(page host.PageHandle, set models.CredentialSet)
}

// New returns a fake with page as the active page.
func New(page host.PageHandle) *Fake {
	return &Fake{
		Page:    &page,
		Storage: make(map[string]models.CredentialSet),
		Events:  make(chan host.NavigationEvent, 8),
	}
}

// ActivePage returns Page or ErrNoActivePage.
func (f *Fake) ActivePage(ctx context.Context) (host.PageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Page == nil {
		return host.PageHandle{}, &errors.ErrNoActivePage{}
	}
	return *f.Page, nil
}

// OpenPage records rawURL and returns a handle for it.
func (f *Fake) OpenPage(ctx context.Context, rawURL string) (host.PageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opened = append(f.Opened, rawURL)
	return host.PageHandle{ID: "opened-" + rawURL, URL: rawURL}, nil
}

// ExtractCredentials returns the storage of page. The user is User when set,
// otherwise it is read from the storage the way ChromeHost does.
func (f *Fake) ExtractCredentials(ctx context.Context, page host.PageHandle) (models.CredentialSet, models.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExtractErr != nil {
		return models.CredentialSet{}, models.UserSummary{}, f.ExtractErr
	}
	set := f.Storage[page.ID].Clone()
	if !f.User.IsZero() {
		return set, f.User, nil
	}
	user, _ := credential.SummarizeSet(set)
	return set, user, nil
}

// InjectCredentials replaces the storage of page with set.
func (f *Fake) InjectCredentials(ctx context.Context, page host.PageHandle, set models.CredentialSet) error {
	if f.OnInject != nil {
		f.OnInject(page, set)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InjectErr != nil {
		return f.InjectErr
	}
	f.Injections = append(f.Injections, Injection{Page: page, Set: set.Clone()})
	if f.Storage == nil {
		f.Storage = make(map[string]models.CredentialSet)
	}
	f.Storage[page.ID] = set.Clone()
	return nil
}

// Navigations returns Events.
func (f *Fake) Navigations(ctx context.Context) (<-chan host.NavigationEvent, error) {
	return f.Events, nil
}

// InjectionCount returns how many injections succeeded.
func (f *Fake) InjectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Injections)
}

var _ host.Host = (*Fake)(nil)
