// Package switcher moves the dashboard page onto a stored session.
package switcher

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/lifecycle"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// Switch statuses reported to the Observer.
const (
	StatusSuccess  = "success"
	StatusExpired  = "expired"
	StatusNotFound = "not_found"
	StatusFailed   = "failed"
)

// Refresher refreshes one record when it is due.
type Refresher interface {
	RefreshOne(ctx context.Context, record models.SessionRecord) models.RefreshOutcome
}

// Observer receives one call per switch.
type Observer interface {
	RecordSwitch(status string)
}

// Result describes a completed switch.
type Result struct {
	Session      models.SessionRecord `json:"session"`
	Refreshed    bool                 `json:"refreshed"`
	RefreshError string               `json:"refreshError,omitempty"`
}

// Switcher refreshes the target, persists it, injects it and marks it active.
type Switcher struct {
	store     lifecycle.StateStore
	refresher Refresher
	host      host.Host
	logger    *logging.Logger
	auditor   *logging.Auditor
	observer  Observer
}

// Option configures a Switcher.
type Option func(*Switcher)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Switcher) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditor records SESSION_SWITCH and SESSION_EXPIRED events.
func WithAuditor(a *logging.Auditor) Option {
	return func(s *Switcher) {
		s.auditor = a
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Switcher) {
		s.observer = o
	}
}

// New creates a switcher.
func New(store lifecycle.StateStore, refresher Refresher, h host.Host, opts ...Option) *Switcher {
	s := &Switcher{
		store:     store,
		refresher: refresher,
		host:      h,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SwitchTo injects the session targetID into page.
//
// The target is refreshed first when its token is due. A failed refresh does
// not block the switch, except when the provider rejected the refresh token:
// the session is then flagged expired and ErrSessionExpired is returned
// without touching the page.
func (s *Switcher) SwitchTo(ctx context.Context, targetID string, page host.PageHandle) (Result, error) {
	result, err := s.switchTo(ctx, targetID, page)
	s.finish(ctx, targetID, err)
	return result, err
}

// maxRefreshAttempts bounds how often the target is re-read when its
// credentials change between the refresh and the save.
const maxRefreshAttempts = 3

func (s *Switcher) switchTo(ctx context.Context, targetID string, page host.PageHandle) (Result, error) {
	outcome, err := s.refreshTarget(ctx, targetID)
	if err != nil {
		return Result{}, err
	}
	if outcome.Err != nil && outcome.State == models.StateExpired {
		return Result{}, &errors.ErrSessionExpired{ID: targetID, Err: outcome.Err}
	}

	result := Result{Session: outcome.Record, Refreshed: outcome.Refreshed}
	if outcome.Err != nil {
		result.RefreshError = outcome.Err.Error()
		s.logger.WarnWithContext(ctx, "switching with a stale token", "session_id", targetID, "error", outcome.Err)
	}

	if err := s.host.InjectCredentials(ctx, page, outcome.Record.Tokens); err != nil {
		return Result{}, fmt.Errorf("inject session %s: %w", targetID, err)
	}

	_, err = s.store.Update(ctx, func(snap *models.Snapshot) error {
		if !snap.Sessions.Has(targetID) {
			return &errors.ErrSessionNotFound{ID: targetID}
		}
		snap.ActiveSessionID = targetID
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// refreshTarget refreshes the stored target when due and saves the result.
// If a concurrent writer replaced the credentials first, the result is
// dropped and the current record is assessed again.
func (s *Switcher) refreshTarget(ctx context.Context, targetID string) (models.RefreshOutcome, error) {
	for attempt := 1; ; attempt++ {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return models.RefreshOutcome{}, err
		}
		target, ok := snap.Sessions.FindByID(targetID)
		if !ok {
			return models.RefreshOutcome{}, &errors.ErrSessionNotFound{ID: targetID}
		}

		outcome := s.refresher.RefreshOne(ctx, target.Clone())
		if !outcome.Changed() {
			return outcome, nil
		}
		saved, err := s.persist(ctx, outcome)
		if err != nil {
			return models.RefreshOutcome{}, err
		}
		if saved {
			return outcome, nil
		}
		if attempt >= maxRefreshAttempts {
			return models.RefreshOutcome{}, fmt.Errorf("session %s kept changing during switch", targetID)
		}
		s.logger.DebugWithContext(ctx, "session updated during switch, reloading", "session_id", targetID, "attempt", attempt)
	}
}

// persist writes the refreshed fields of the target by id. It reports false
// when the stored credentials are no longer the ones the refresh started from.
func (s *Switcher) persist(ctx context.Context, outcome models.RefreshOutcome) (bool, error) {
	id := outcome.Record.ID
	var stale []string
	_, err := s.store.Update(ctx, func(snap *models.Snapshot) error {
		if !snap.Sessions.Has(id) {
			return &errors.ErrSessionNotFound{ID: id}
		}
		stale = lifecycle.ApplyOutcomes(snap, map[string]models.RefreshOutcome{id: outcome})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("save refreshed session %s: %w", id, err)
	}
	return len(stale) == 0, nil
}

func (s *Switcher) finish(ctx context.Context, id string, err error) {
	status := StatusSuccess
	var expired *errors.ErrSessionExpired
	var notFound *errors.ErrSessionNotFound
	switch {
	case err == nil:
	case stderrors.As(err, &expired):
		status = StatusExpired
		s.auditor.Record(ctx, logging.NewAuditEvent(logging.SessionExpired, logging.StatusFailure).
			WithSession(id).
			WithSource("switch").
			WithError(expired.Err))
	case stderrors.As(err, &notFound):
		status = StatusNotFound
	default:
		status = StatusFailed
	}
	if s.observer != nil {
		s.observer.RecordSwitch(status)
	}

	auditStatus := logging.StatusSuccess
	if err != nil {
		auditStatus = logging.StatusFailure
	}
	s.auditor.Record(ctx, logging.NewAuditEvent(logging.SessionSwitch, auditStatus).
		WithSession(id).
		WithSource("switch").
		WithError(err))

	if err == nil {
		s.logger.InfoWithContext(ctx, "switched session", "session_id", id)
	}
}
