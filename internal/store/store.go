package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/sbswitch/sbswitch/internal/config"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// Backend persists the whole state as one snapshot.
//
// Save must reject the write with errors.ErrVersionConflict when the stored
// version differs from snap.Version, and return the new version otherwise.
type Backend interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	Save(ctx context.Context, snap *models.Snapshot) (int64, error)
	Close() error
}

// DefaultMaxRetries bounds how often Update re-runs after a version conflict.
const DefaultMaxRetries = 5

// Store serializes read-modify-write cycles over a Backend. Writers in this
// process queue on a mutex; writers in other processes are caught by the
// backend's version check and the update is replayed on fresh state.
type Store struct {
	backend    Backend
	mu         sync.Mutex
	logger     *logging.Logger
	maxRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxRetries sets how many version conflicts Update tolerates.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// New wraps backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		logger:     logging.Nop(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds the backend named by cfg.Driver.
func Open(cfg config.StorageConfig, logger *logging.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Driver {
	case config.DriverSQLite, "":
		backend, err = NewSQLiteBackend(cfg.Path)
	case config.DriverBolt:
		backend, err = NewBoltBackend(cfg.Path)
	case config.DriverMemory:
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("store opened", "driver", cfg.Driver, "path", cfg.Path)
	}
	return New(backend, WithLogger(logger)), nil
}

// Load returns a copy of the current state.
func (s *Store) Load(ctx context.Context) (*models.Snapshot, error) {
	return s.backend.Load(ctx)
}

// Update loads the state, applies fn and saves the result. If fn returns an
// error nothing is written. A version conflict replays fn on a fresh load.
func (s *Store) Update(ctx context.Context, fn func(*models.Snapshot) error) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := s.backend.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(snap); err != nil {
			return nil, err
		}
		version, err := s.backend.Save(ctx, snap)
		if err == nil {
			snap.Version = version
			return snap, nil
		}
		if !stderrors.Is(err, errors.ErrVersionConflict) || attempt >= s.maxRetries {
			return nil, err
		}
		s.logger.Debug("store version conflict, retrying", "attempt", attempt)
	}
}

// LoadAll returns the stored session list.
func (s *Store) LoadAll(ctx context.Context) ([]models.SessionRecord, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Sessions, nil
}

// SaveAll replaces the stored session list.
func (s *Store) SaveAll(ctx context.Context, records []models.SessionRecord) error {
	_, err := s.Update(ctx, func(snap *models.Snapshot) error {
		snap.Sessions = models.SessionSlice(records).Clone()
		return nil
	})
	return err
}

// Stats summarizes the stored state.
type Stats struct {
	Sessions   int  `json:"sessions"`
	Expired    int  `json:"expired"`
	HasActive  bool `json:"has_active"`
	HasPending bool `json:"has_pending"`
}

// Stats returns counts over the current state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Sessions:   len(snap.Sessions),
		Expired:    snap.Sessions.CountExpired(),
		HasActive:  snap.ActiveSessionID != "",
		HasPending: snap.Pending != nil,
	}, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
