package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sbswitch/sbswitch/internal/credential"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/sbswitch/sbswitch/internal/refresh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Refresh attempt outcomes reported to the Observer.
const (
	OutcomeSuccess       = "success"
	OutcomeSkipped       = "skipped"
	OutcomeAuthRejected  = "auth_rejected"
	OutcomeTransient     = "transient"
	OutcomeUnrefreshable = "unrefreshable"
)

// Observer receives one call per RefreshOne.
type Observer interface {
	RecordRefreshAttempt(outcome string)
}

// Errors explaining why a record cannot be refreshed.
var (
	ErrNoAuthKey      = errors.New("no auth token key in credentials")
	ErrUndecodable    = errors.New("auth token value is not a JSON object")
	ErrNoRefreshToken = errors.New("auth token has no refresh_token")
)

// Manager refreshes session records. It never mutates the records passed to
// it and never persists anything; callers save what it returns.
type Manager struct {
	codec       credential.Codec
	refresher   refresh.Refresher
	policy      Policy
	now         func() time.Time
	logger      *logging.Logger
	tracker     *Tracker
	observer    Observer
	concurrency int
	timeout     time.Duration
	flight      singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the freshness policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		if p.Threshold > 0 {
			m.policy.Threshold = p.Threshold
		}
		if p.DefaultExpiresIn > 0 {
			m.policy.DefaultExpiresIn = p.DefaultExpiresIn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTracker sets the state tracker.
func WithTracker(t *Tracker) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracker = t
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithConcurrency sets how many refreshes a sweep may run at once.
// 1 means sequential.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithTimeout bounds one shared refresh call.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager creates a manager.
func NewManager(codec credential.Codec, refresher refresh.Refresher, opts ...Option) *Manager {
	m := &Manager{
		codec:       codec,
		refresher:   refresher,
		policy:      DefaultPolicy(),
		now:         time.Now,
		logger:      logging.Nop(),
		concurrency: 1,
		timeout:     15 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracker == nil {
		m.tracker = NewTracker(m.now)
	}
	return m
}

// Tracker returns the manager's state tracker.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Policy returns the freshness policy in use.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Assess reports the lifecycle state of record without any network call.
func (m *Manager) Assess(record models.SessionRecord) models.SessionState {
	_, _, payload, err := m.authPayload(record.Tokens)
	if err != nil {
		return models.StateUnrefreshable
	}
	if record.Expired {
		return models.StateExpired
	}
	return m.policy.Evaluate(payload, m.now()).State
}

func (m *Manager) authPayload(set models.CredentialSet) (key, projectID string, payload models.CredentialPayload, err error) {
	key, projectID, ok := m.codec.FindAuthKey(set)
	if !ok {
		return "", "", nil, ErrNoAuthKey
	}
	raw, _ := set.Get(key)
	payload, ok = credential.Decode(raw)
	if !ok {
		return "", "", nil, ErrUndecodable
	}
	if payload.RefreshToken() == "" {
		return "", "", nil, ErrNoRefreshToken
	}
	return key, projectID, payload, nil
}

// RefreshOne refreshes record if the policy says it is due.
//
// The returned outcome's Record is a copy of record, updated on success
// (merged payload, expired cleared) or flagged expired when the provider
// rejected the refresh token. Any other failure leaves the copy unchanged.
func (m *Manager) RefreshOne(ctx context.Context, record models.SessionRecord) models.RefreshOutcome {
	outcome := m.refreshOne(ctx, record)
	outcome.Input = record.Tokens.Clone()
	m.tracker.Record(record.ID, outcome)
	return outcome
}

func (m *Manager) refreshOne(ctx context.Context, record models.SessionRecord) models.RefreshOutcome {
	rec := record.Clone()
	log := m.logger.With("session_id", rec.ID)

	key, projectID, payload, err := m.authPayload(rec.Tokens)
	if err != nil {
		m.observe(OutcomeUnrefreshable)
		log.Debug("session cannot be refreshed", "reason", err)
		return models.RefreshOutcome{Record: rec, State: models.StateUnrefreshable}
	}

	now := m.now()
	assessment := m.policy.Evaluate(payload, now)
	if assessment.State == models.StateFresh {
		m.observe(OutcomeSkipped)
		state := models.StateFresh
		if rec.Expired {
			state = models.StateExpired
		}
		return models.RefreshOutcome{Record: rec, State: state}
	}

	m.tracker.Begin(rec.ID)
	refreshToken := payload.RefreshToken()
	fresh, err := m.callRefresh(ctx, rec.ID, projectID, refreshToken)
	if err != nil {
		if refresh.Classify(err) == refresh.ClassAuthRejected {
			m.observe(OutcomeAuthRejected)
			status := 0
			var httpErr *refresh.HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.Status
			}
			log.Warn("refresh token rejected; session marked expired", "project_id", projectID, "status", status)
			rec.Expired = true
			return models.RefreshOutcome{Record: rec, State: models.StateExpired, Err: err}
		}
		m.observe(OutcomeTransient)
		log.Warn("refresh failed; will retry on next sweep", "project_id", projectID, "error", err)
		return models.RefreshOutcome{Record: record.Clone(), State: models.StateNeedsRefresh, Err: err}
	}

	merged := Merge(payload, fresh, m.now(), m.policy.DefaultExpiresIn)
	encoded, err := credential.Encode(merged)
	if err != nil {
		m.observe(OutcomeTransient)
		return models.RefreshOutcome{Record: record.Clone(), State: models.StateNeedsRefresh, Err: fmt.Errorf("encode refreshed credentials: %w", err)}
	}
	rec.Tokens.Set(key, encoded)
	rec.Expired = false

	m.observe(OutcomeSuccess)
	log.Info("session refreshed", "project_id", projectID, "remaining_before", assessment.Remaining)
	return models.RefreshOutcome{Record: rec, Refreshed: true, State: models.StateFresh}
}

// callRefresh coalesces concurrent refreshes of the same session and token,
// so a rotated refresh token is spent once. The shared call does not inherit
// the first caller's cancellation; a caller that gives up stops waiting but
// the others still get the result.
func (m *Manager) callRefresh(ctx context.Context, id, projectID, refreshToken string) (models.CredentialPayload, error) {
	ch := m.flight.DoChan(id+"\x00"+refreshToken, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.refresher.Refresh(callCtx, projectID, refreshToken)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		payload, _ := res.Val.(models.CredentialPayload)
		return payload, nil
	}
}

func (m *Manager) observe(outcome string) {
	if m.observer != nil {
		m.observer.RecordRefreshAttempt(outcome)
	}
}

// RefreshOutcomes refreshes every record independently; one failure never
// stops the others. Outcomes are returned in input order.
func (m *Manager) RefreshOutcomes(ctx context.Context, records []models.SessionRecord) ([]models.RefreshOutcome, models.Summary) {
	outcomes := make([]models.RefreshOutcome, len(records))

	if m.concurrency <= 1 {
		for i := range records {
			outcomes[i] = m.RefreshOne(ctx, records[i])
		}
	} else {
		var g errgroup.Group
		g.SetLimit(m.concurrency)
		for i := range records {
			g.Go(func() error {
				outcomes[i] = m.RefreshOne(ctx, records[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	return outcomes, Summarize(outcomes)
}

// RefreshAll returns the updated records in input order and a summary.
func (m *Manager) RefreshAll(ctx context.Context, records []models.SessionRecord) ([]models.SessionRecord, models.Summary) {
	outcomes, summary := m.RefreshOutcomes(ctx, records)
	updated := make([]models.SessionRecord, len(outcomes))
	for i := range outcomes {
		updated[i] = outcomes[i].Record
	}
	return updated, summary
}

// Summarize counts outcomes.
func Summarize(outcomes []models.RefreshOutcome) models.Summary {
	summary := models.Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch {
		case o.Refreshed:
			summary.Refreshed++
		case o.State == models.StateUnrefreshable:
			summary.Unrefreshable++
		case o.Err != nil && o.State == models.StateExpired:
			summary.Expired++
		case o.Err != nil:
			summary.Failed++
		default:
			summary.Skipped++
		}
		if o.Err != nil {
			if summary.Errors == nil {
				summary.Errors = make(map[string]string)
			}
			summary.Errors[o.Record.ID] = o.Err.Error()
		}
	}
	return summary
}
