// Package sessions manages the stored session list: create, rename, delete,
// activate, import, export and the pending captured login.
package sessions

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// Palette is the set of colors a session gets when none is chosen.
var Palette = []string{
	"#3ECF8E", "#F472B6", "#60A5FA", "#FBBF24", "#A78BFA",
	"#34D399", "#F87171", "#38BDF8", "#FB923C", "#818CF8",
}

// IDPrefix starts every generated session id.
const IDPrefix = "session_"

// StateStore is the serialized persistence the manager writes through.
type StateStore interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	Update(ctx context.Context, fn func(*models.Snapshot) error) (*models.Snapshot, error)
}

// Forgetter drops per-session bookkeeping when a session is deleted.
type Forgetter interface {
	Forget(id string)
}

// Manager is the session store manager. Every write is one store update, so
// a failed precondition leaves the state untouched.
type Manager struct {
	store     StateStore
	logger    *logging.Logger
	auditor   *logging.Auditor
	forgetter Forgetter
	now       func() time.Time
	pick      func(n int) int
	validate  *validator.Validate
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAuditor records an audit event for every change.
func WithAuditor(a *logging.Auditor) Option {
	return func(m *Manager) {
		m.auditor = a
	}
}

// WithForgetter is told about deleted sessions.
func WithForgetter(f Forgetter) Option {
	return func(m *Manager) {
		m.forgetter = f
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

// WithColorPicker replaces the random palette index.
func WithColorPicker(pick func(n int) int) Option {
	return func(m *Manager) {
		if pick != nil {
			m.pick = pick
		}
	}
}

// NewManager creates a manager over store.
func NewManager(store StateStore, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   logging.Nop(),
		now:      time.Now,
		pick:     rand.Intn,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// List returns the sessions in stored order and the active id.
func (m *Manager) List(ctx context.Context) (models.SessionSlice, string, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return nil, "", err
	}
	return snap.Sessions, snap.ActiveSessionID, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (models.SessionRecord, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return models.SessionRecord{}, err
	}
	record, ok := snap.Sessions.FindByID(id)
	if !ok {
		return models.SessionRecord{}, &errors.ErrSessionNotFound{ID: id}
	}
	return record.Clone(), nil
}

// Create stores a new session built from captured credentials. An empty name
// falls back to the captured email; with neither the save is rejected.
func (m *Manager) Create(ctx context.Context, name, color string, tokens models.CredentialSet, user models.UserSummary) (models.SessionRecord, error) {
	var record models.SessionRecord
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		var err error
		record, err = m.newRecord(snap.Sessions, name, color, tokens, user)
		if err != nil {
			return err
		}
		snap.Sessions = append(snap.Sessions, record)
		return nil
	})
	m.audit(ctx, logging.SessionSave, record.ID, err, "name", record.Name)
	if err != nil {
		return models.SessionRecord{}, err
	}
	m.logger.InfoWithContext(ctx, "session saved", "session_id", record.ID, "keys", record.Tokens.Len())
	return record, nil
}

func (m *Manager) newRecord(existing models.SessionSlice, name, color string, tokens models.CredentialSet, user models.UserSummary) (models.SessionRecord, error) {
	if tokens.IsEmpty() {
		return models.SessionRecord{}, &errors.ErrUserInput{Reason: "no active session found; log in to the dashboard first"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(user.Email)
	}
	if name == "" {
		return models.SessionRecord{}, &errors.ErrUserInput{Field: "name", Reason: "must not be empty"}
	}
	color, err := m.resolveColor(color)
	if err != nil {
		return models.SessionRecord{}, err
	}
	now := m.now()
	return models.SessionRecord{
		ID:      nextID(existing, now),
		Name:    name,
		Email:   user.Email,
		Color:   color,
		Tokens:  tokens.Clone(),
		SavedAt: now.UTC(),
	}, nil
}

func (m *Manager) resolveColor(color string) (string, error) {
	color = strings.TrimSpace(color)
	if color == "" {
		return Palette[m.pick(len(Palette))], nil
	}
	if err := m.validate.Var(color, "hexcolor"); err != nil {
		return "", &errors.ErrUserInput{Field: "color", Reason: fmt.Sprintf("%q is not a hex color", color)}
	}
	return color, nil
}

// nextID returns session_<unixMillis>, moved forward one millisecond at a
// time until it is unused.
func nextID(existing models.SessionSlice, now time.Time) string {
	ms := now.UnixMilli()
	for {
		id := fmt.Sprintf("%s%d", IDPrefix, ms)
		if !existing.Has(id) {
			return id
		}
		ms++
	}
}

// Rename changes a session's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &errors.ErrUserInput{Field: "name", Reason: "must not be empty"}
	}
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		record, ok := snap.Sessions.FindByID(id)
		if !ok {
			return &errors.ErrSessionNotFound{ID: id}
		}
		record.Name = name
		return nil
	})
	m.audit(ctx, logging.SessionRename, id, err, "name", name)
	return err
}

// Delete removes a session and clears the active pointer if it pointed at it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		i := snap.Sessions.IndexOf(id)
		if i < 0 {
			return &errors.ErrSessionNotFound{ID: id}
		}
		snap.Sessions = append(snap.Sessions[:i], snap.Sessions[i+1:]...)
		if snap.ActiveSessionID == id {
			snap.ActiveSessionID = ""
		}
		return nil
	})
	m.audit(ctx, logging.SessionDelete, id, err)
	if err != nil {
		return err
	}
	if m.forgetter != nil {
		m.forgetter.Forget(id)
	}
	return nil
}

// SetActive marks id as the active session.
func (m *Manager) SetActive(ctx context.Context, id string) error {
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		if !snap.Sessions.Has(id) {
			return &errors.ErrSessionNotFound{ID: id}
		}
		snap.ActiveSessionID = id
		return nil
	})
	return err
}

func (m *Manager) audit(ctx context.Context, eventType logging.AuditEventType, id string, err error, details ...interface{}) {
	status := logging.StatusSuccess
	if err != nil {
		status = logging.StatusFailure
	}
	event := logging.NewAuditEvent(eventType, status).
		WithSession(id).
		WithSource("sessions").
		WithError(err)
	for i := 0; i+1 < len(details); i += 2 {
		if key, ok := details[i].(string); ok {
			event.WithDetail(key, details[i+1])
		}
	}
	m.auditor.Record(ctx, event)
}
