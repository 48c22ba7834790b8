package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Session events
	SessionSave    AuditEventType = "SESSION_SAVE"
	SessionSwitch  AuditEventType = "SESSION_SWITCH"
	SessionDelete  AuditEventType = "SESSION_DELETE"
	SessionRename  AuditEventType = "SESSION_RENAME"
	SessionImport  AuditEventType = "SESSION_IMPORT"
	SessionExpired AuditEventType = "SESSION_EXPIRED"

	// Background refresh
	RefreshSweep AuditEventType = "REFRESH_SWEEP"

	// Configuration events
	ConfigChange AuditEventType = "CONFIG_CHANGE"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent records a user-visible state change. Credentials never go in Details.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	SessionID    string                 `json:"session_id,omitempty"`
	Source       string                 `json:"source,omitempty"`
	Status       AuditStatus            `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
	}
}

// WithSession sets the session the event is about.
func (e *AuditEvent) WithSession(id string) *AuditEvent {
	e.SessionID = id
	return e
}

// WithSource records where the action came from (cli, api, sweeper, capture).
func (e *AuditEvent) WithSource(source string) *AuditEvent {
	e.Source = source
	return e
}

// WithDetail adds a single detail entry.
func (e *AuditEvent) WithDetail(key string, value interface{}) *AuditEvent {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithError sets the error message and marks the event failed.
func (e *AuditEvent) WithError(err error) *AuditEvent {
	if err == nil {
		return e
	}
	e.ErrorMessage = err.Error()
	e.Status = StatusFailure
	return e
}

// ToJSON converts the audit event to a JSON string
func (e *AuditEvent) ToJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal audit event: %v"}`, err)
	}
	return string(data)
}

// ParseAuditEvent parses a JSON string into an AuditEvent
func ParseAuditEvent(data string) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}
	return &event, nil
}

// Auditor writes audit events to a logger under the "audit" message.
type Auditor struct {
	logger *Logger
}

// NewAuditor returns an auditor backed by logger. A nil logger disables auditing.
func NewAuditor(logger *Logger) *Auditor {
	return &Auditor{logger: logger}
}

// Record emits the event. Failures are logged at warn, successes at info.
func (a *Auditor) Record(ctx context.Context, event *AuditEvent) {
	if a == nil || a.logger == nil || event == nil {
		return
	}

	fields := []interface{}{
		"audit_id", event.ID,
		"event_type", string(event.EventType),
		"status", string(event.Status),
	}
	if event.SessionID != "" {
		fields = append(fields, "session_id", event.SessionID)
	}
	if event.Source != "" {
		fields = append(fields, "source", event.Source)
	}
	for k, v := range event.Details {
		fields = append(fields, k, v)
	}
	if event.ErrorMessage != "" {
		fields = append(fields, "error", event.ErrorMessage)
	}

	if event.Status == StatusFailure {
		a.logger.WarnWithContext(ctx, "audit", fields...)
		return
	}
	a.logger.InfoWithContext(ctx, "audit", fields...)
}
