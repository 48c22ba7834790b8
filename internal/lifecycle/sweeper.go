package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// StateStore is the persistence a sweep needs.
type StateStore interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	Update(ctx context.Context, fn func(*models.Snapshot) error) (*models.Snapshot, error)
}

// SweepObserver receives one call per completed sweep.
type SweepObserver interface {
	RecordSweep(summary models.Summary, duration time.Duration, err error)
}

// Sweeper runs RefreshAll over the stored sessions on a cron schedule.
// There is no retry inside a sweep; the next sweep is the retry.
type Sweeper struct {
	manager  *Manager
	store    StateStore
	schedule string
	timeout  time.Duration
	logger   *logging.Logger
	auditor  *logging.Auditor
	observer SweepObserver

	cron    *cron.Cron
	running sync.Mutex
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the logger.
func WithSweepLogger(logger *logging.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSweepAuditor records a REFRESH_SWEEP event per sweep.
func WithSweepAuditor(a *logging.Auditor) SweeperOption {
	return func(s *Sweeper) {
		s.auditor = a
	}
}

// WithSweepObserver sets the metrics observer.
func WithSweepObserver(o SweepObserver) SweeperOption {
	return func(s *Sweeper) {
		s.observer = o
	}
}

// WithSweepTimeout bounds a scheduled sweep.
func WithSweepTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSweeper validates schedule and returns a stopped sweeper.
func NewSweeper(manager *Manager, store StateStore, schedule string, opts ...SweeperOption) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		manager:  manager,
		store:    store,
		schedule: schedule,
		timeout:  2 * time.Minute,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))
	return s, nil
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}
	s.cron.Start()
	s.logger.Info("refresh sweeper started", "schedule", s.schedule)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("refresh sweeper stopped")
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())

	// Background failures are logged only.
	if _, err := s.RunNow(ctx); err != nil {
		s.logger.WarnWithContext(ctx, "scheduled refresh sweep failed", "error", err)
	}
}

// RunNow performs one sweep: load a snapshot, refresh outside any lock, then
// apply the changed records by id inside one serialized update. Records
// renamed meanwhile keep their new name; records deleted meanwhile stay
// deleted.
func (s *Sweeper) RunNow(ctx context.Context) (models.Summary, error) {
	s.running.Lock()
	defer s.running.Unlock()

	start := time.Now()
	summary, err := s.sweep(ctx)
	duration := time.Since(start)

	if s.observer != nil {
		s.observer.RecordSweep(summary, duration, err)
	}
	event := logging.NewAuditEvent(logging.RefreshSweep, logging.StatusSuccess).
		WithSource("sweeper").
		WithDetail("refreshed", summary.Refreshed).
		WithDetail("total", summary.Total).
		WithDetail("expired", summary.Expired).
		WithDetail("failed", summary.Failed).
		WithError(err)
	s.auditor.Record(ctx, event)

	if err != nil {
		return summary, err
	}
	s.logger.InfoWithContext(ctx, "refresh sweep finished",
		"refreshed", summary.Refreshed,
		"total", summary.Total,
		"skipped", summary.Skipped,
		"expired", summary.Expired,
		"failed", summary.Failed,
		"unrefreshable", summary.Unrefreshable,
		"duration_ms", duration.Milliseconds(),
	)
	return summary, nil
}

func (s *Sweeper) sweep(ctx context.Context) (models.Summary, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return models.Summary{}, fmt.Errorf("load sessions: %w", err)
	}

	outcomes, summary := s.manager.RefreshOutcomes(ctx, snap.Sessions)

	changed := make(map[string]models.RefreshOutcome)
	for _, o := range outcomes {
		if o.Changed() {
			changed[o.Record.ID] = o
		}
	}
	if len(changed) == 0 {
		return summary, nil
	}

	var stale []string
	saved, err := s.store.Update(ctx, func(latest *models.Snapshot) error {
		stale = ApplyOutcomes(latest, changed)
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("save refreshed sessions: %w", err)
	}
	if len(stale) == 0 {
		return summary, nil
	}

	// Another writer replaced these credentials while the sweep was running.
	// Its result stands; the counts and tracker follow the stored record.
	for _, id := range stale {
		o := changed[id]
		s.logger.InfoWithContext(ctx, "discarded refresh result for a session updated meanwhile", "session_id", id)
		discount(&summary, o)
		if rec, ok := saved.Sessions.FindByID(id); ok {
			s.manager.Tracker().Reset(id, s.manager.Assess(*rec))
		}
	}
	return summary, nil
}

// discount moves a discarded outcome from its result bucket to Skipped.
func discount(summary *models.Summary, o models.RefreshOutcome) {
	switch {
	case o.Refreshed:
		summary.Refreshed--
	case o.Err != nil && o.State == models.StateExpired:
		summary.Expired--
	default:
		return
	}
	summary.Skipped++
	delete(summary.Errors, o.Record.ID)
}

// ApplyOutcomes writes refreshed credentials and expired flags into snap by
// id. Only the fields a refresh owns are touched, and only while the stored
// credentials are still the ones the refresh started from. It returns the
// ids whose outcome was dropped for that reason; deleted ids are ignored.
func ApplyOutcomes(snap *models.Snapshot, outcomes map[string]models.RefreshOutcome) []string {
	var stale []string
	for i := range snap.Sessions {
		o, ok := outcomes[snap.Sessions[i].ID]
		if !ok {
			continue
		}
		if !o.Current(snap.Sessions[i].Tokens) {
			stale = append(stale, o.Record.ID)
			continue
		}
		snap.Sessions[i].Tokens = o.Record.Tokens.Clone()
		snap.Sessions[i].Expired = o.Record.Expired
	}
	return stale
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
