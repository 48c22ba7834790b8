package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
)

// ImportResult counts what an import did.
type ImportResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	IDs     []string `json:"ids,omitempty"`
}

// backupEntry is the part of a backup entry that has to be valid.
type backupEntry struct {
	ID    string `json:"id" validate:"required,max=128,printascii"`
	Name  string `json:"name" validate:"max=256"`
	Color string `json:"color" validate:"omitempty,hexcolor"`
}

// Import merges a backup file into the stored list. The file must be a JSON
// array; anything else aborts with nothing written. Entries without an id or
// credentials, entries that fail to decode, and ids already present are
// skipped. All additions land in one write.
func (m *Manager) Import(ctx context.Context, data []byte) (ImportResult, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		err = &errors.ErrImportFormat{Err: fmt.Errorf("expected a JSON array of sessions: %w", err)}
		m.audit(ctx, logging.SessionImport, "", err)
		return ImportResult{}, err
	}
	if raw == nil {
		err := &errors.ErrImportFormat{Err: fmt.Errorf("expected a JSON array of sessions")}
		m.audit(ctx, logging.SessionImport, "", err)
		return ImportResult{}, err
	}

	candidates := make([]models.SessionRecord, 0, len(raw))
	skipped := 0
	for i, item := range raw {
		record, ok := m.decodeEntry(item)
		if !ok {
			m.logger.DebugWithContext(ctx, "skipping backup entry", "index", i)
			skipped++
			continue
		}
		candidates = append(candidates, record)
	}

	var result ImportResult
	_, err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		result = ImportResult{Skipped: skipped}
		for _, record := range candidates {
			if snap.Sessions.Has(record.ID) {
				result.Skipped++
				continue
			}
			snap.Sessions = append(snap.Sessions, record)
			result.Added++
			result.IDs = append(result.IDs, record.ID)
		}
		return nil
	})
	m.audit(ctx, logging.SessionImport, "", err, "added", result.Added, "skipped", result.Skipped)
	if err != nil {
		return ImportResult{}, err
	}
	m.logger.InfoWithContext(ctx, "sessions imported", "added", result.Added, "skipped", result.Skipped)
	return result, nil
}

func (m *Manager) decodeEntry(item json.RawMessage) (models.SessionRecord, bool) {
	var entry backupEntry
	if err := json.Unmarshal(item, &entry); err != nil {
		return models.SessionRecord{}, false
	}
	if err := m.validate.Struct(entry); err != nil {
		return models.SessionRecord{}, false
	}
	var record models.SessionRecord
	if err := json.Unmarshal(item, &record); err != nil {
		return models.SessionRecord{}, false
	}
	if record.Tokens.IsEmpty() {
		return models.SessionRecord{}, false
	}
	if record.Color == "" {
		record.Color = Palette[m.pick(len(Palette))]
	}
	return record, true
}

// Export returns the stored list as an indented JSON array, the same shape
// Import reads.
func (m *Manager) Export(ctx context.Context) ([]byte, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(snap.Sessions) == 0 {
		return nil, &errors.ErrUserInput{Reason: "no sessions to export"}
	}
	data, err := json.MarshalIndent(snap.Sessions, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sessions: %w", err)
	}
	return data, nil
}

// ExportFilename is the default backup file name for a given day.
func ExportFilename(now time.Time) string {
	return fmt.Sprintf("supabase-accounts-%s.json", now.UTC().Format("2006-01-02"))
}
