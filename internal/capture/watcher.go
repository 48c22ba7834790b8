// Package capture detects completed dashboard logins and holds the captured
// credentials as a pending session until the user saves or discards them.
package capture

import (
	"context"
	"strings"
	"time"

	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// PendingStore is the slice of the session manager the watcher uses.
type PendingStore interface {
	List(ctx context.Context) (models.SessionSlice, string, error)
	Pending(ctx context.Context) (*models.PendingSession, error)
	SetPending(ctx context.Context, p *models.PendingSession) error
	SetLoginTab(ctx context.Context, pageID string) error
	LoginTab(ctx context.Context) (string, error)
}

// Watcher turns dashboard navigations into pending sessions.
//
// After BeginLogin only navigations of the login page count. Without a login
// page any dashboard navigation counts, but only for an identity that is
// neither stored nor already pending.
type Watcher struct {
	store   PendingStore
	host    host.Host
	matcher host.Matcher
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a watcher.
func New(store PendingStore, h host.Host, matcher host.Matcher, opts ...Option) *Watcher {
	w := &Watcher{
		store:   store,
		host:    h,
		matcher: matcher,
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BeginLogin remembers page as the one a login is happening in.
func (w *Watcher) BeginLogin(ctx context.Context, page host.PageHandle) error {
	if err := w.store.SetLoginTab(ctx, page.ID); err != nil {
		return err
	}
	w.logger.InfoWithContext(ctx, "waiting for login", "page_id", page.ID)
	return nil
}

// HandleNavigation captures the page's credentials if ev completes a login.
// It reports whether a pending session was stored.
func (w *Watcher) HandleNavigation(ctx context.Context, ev host.NavigationEvent) (bool, error) {
	if !w.matcher.IsDashboard(ev.URL) {
		return false, nil
	}
	loginTab, err := w.store.LoginTab(ctx)
	if err != nil {
		return false, err
	}
	if loginTab != "" && ev.PageID != loginTab {
		return false, nil
	}

	set, user, err := w.host.ExtractCredentials(ctx, host.PageHandle{ID: ev.PageID, URL: ev.URL})
	if err != nil {
		return false, err
	}
	if set.IsEmpty() {
		return false, nil
	}

	if loginTab == "" {
		known, err := w.alreadyKnown(ctx, set, user)
		if err != nil || known {
			return false, err
		}
	}

	pending := &models.PendingSession{
		Tokens:     set,
		Email:      user.Email,
		UserID:     user.UserID,
		CapturedAt: w.now().UTC(),
		PageID:     ev.PageID,
	}
	if err := w.store.SetPending(ctx, pending); err != nil {
		return false, err
	}
	return true, nil
}

// alreadyKnown reports whether the captured identity is stored or pending.
func (w *Watcher) alreadyKnown(ctx context.Context, set models.CredentialSet, user models.UserSummary) (bool, error) {
	pending, err := w.store.Pending(ctx)
	if err != nil {
		return false, err
	}
	if pending != nil {
		if pending.Tokens.Equal(set) || sameIdentity(user, models.UserSummary{Email: pending.Email, UserID: pending.UserID}) {
			return true, nil
		}
	}
	if user.IsZero() {
		return false, nil
	}
	sessions, _, err := w.store.List(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.Tokens.Equal(set) || sameIdentity(user, models.UserSummary{Email: s.Email}) {
			return true, nil
		}
	}
	return false, nil
}

func sameIdentity(a, b models.UserSummary) bool {
	if a.UserID != "" && b.UserID != "" {
		return a.UserID == b.UserID
	}
	return a.Email != "" && strings.EqualFold(a.Email, b.Email)
}

// Run handles events until ctx is done or events is closed. Errors are
// logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, events <-chan host.NavigationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			captured, err := w.HandleNavigation(ctx, ev)
			if err != nil {
				w.logger.WarnWithContext(ctx, "login capture failed", "page_id", ev.PageID, "error", err)
				continue
			}
			if captured {
				w.logger.InfoWithContext(ctx, "pending session captured", "page_id", ev.PageID)
			}
		}
	}
}
