package sessions

import (
	"context"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// Pending returns the captured login waiting to be saved, or nil.
func (m *Manager) Pending(ctx context.Context) (*models.PendingSession, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Pending.Clone(), nil
}

// SetPending replaces any pending login with p and clears the login tab,
// which has served its purpose.
func (m *Manager) SetPending(ctx context.Context, p *models.PendingSession) error {
	if p == nil || p.Tokens.IsEmpty() {
		return &errors.ErrUserInput{Field: "pending", Reason: "captured credentials are empty"}
	}
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		snap.Pending = p.Clone()
		snap.LoginTabID = ""
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.InfoWithContext(ctx, "login captured", "email", p.Email, "page_id", p.PageID)
	return nil
}

// DiscardPending drops the pending login.
func (m *Manager) DiscardPending(ctx context.Context) error {
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		snap.Pending = nil
		return nil
	})
	return err
}

// SavePending turns the pending login into a stored session.
func (m *Manager) SavePending(ctx context.Context, name, color string) (models.SessionRecord, error) {
	var record models.SessionRecord
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		if snap.Pending == nil {
			return &errors.ErrNoPendingSession{}
		}
		user := models.UserSummary{Email: snap.Pending.Email, UserID: snap.Pending.UserID}
		var err error
		record, err = m.newRecord(snap.Sessions, name, color, snap.Pending.Tokens, user)
		if err != nil {
			return err
		}
		snap.Sessions = append(snap.Sessions, record)
		snap.Pending = nil
		return nil
	})
	m.audit(ctx, logging.SessionSave, record.ID, err, "name", record.Name, "pending", true)
	if err != nil {
		return models.SessionRecord{}, err
	}
	m.logger.InfoWithContext(ctx, "pending session saved", "session_id", record.ID)
	return record, nil
}

// SetLoginTab records the page a login was started in.
func (m *Manager) SetLoginTab(ctx context.Context, pageID string) error {
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		snap.LoginTabID = pageID
		return nil
	})
	return err
}

// LoginTab returns the recorded login page id, or "".
func (m *Manager) LoginTab(ctx context.Context) (string, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	return snap.LoginTabID, nil
}
