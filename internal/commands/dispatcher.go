// Package commands is the action surface shared by the HTTP API and the CLI:
// one named action with a JSON payload in, one JSON object out.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sbswitch/sbswitch/internal/capture"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/lifecycle"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/sbswitch/sbswitch/internal/sessions"
	"github.com/sbswitch/sbswitch/internal/switcher"
)

// Actions.
const (
	ActionSaveSession    = "SAVE_SESSION"
	ActionSwitchSession  = "SWITCH_SESSION"
	ActionGetSessions    = "GET_SESSIONS"
	ActionDeleteSession  = "DELETE_SESSION"
	ActionRenameSession  = "RENAME_SESSION"
	ActionForceRefresh   = "FORCE_REFRESH"
	ActionImportSessions = "IMPORT_SESSIONS"
	ActionExportSessions = "EXPORT_SESSIONS"
	ActionGetPending     = "GET_PENDING"
	ActionSavePending    = "SAVE_PENDING"
	ActionDiscardPending = "DISCARD_PENDING"
	ActionBeginLogin     = "BEGIN_LOGIN"
)

// Command is one request.
type Command struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is the JSON object returned for a command. Failures carry a
// single "error" key.
type Response map[string]interface{}

// ErrorResponse wraps err.
func ErrorResponse(err error) Response {
	return Response{"error": err.Error()}
}

// ErrUnknownAction is returned for an action no handler is registered for.
type ErrUnknownAction struct {
	Action string
}

func (e *ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown action: %q", e.Action)
}

// Deps are the components commands act on. Host may be nil when no browser
// is connected; page actions then fail with ErrNoActivePage.
type Deps struct {
	Sessions     *sessions.Manager
	Switcher     *switcher.Switcher
	Sweeper      *lifecycle.Sweeper
	Tracker      *lifecycle.Tracker
	Watcher      *capture.Watcher
	Host         host.Host
	DashboardURL string
	Logger       *logging.Logger
	Now          func() time.Time
}

type handlerFunc func(ctx context.Context, data json.RawMessage) (Response, error)

// Dispatcher routes commands to handlers.
type Dispatcher struct {
	deps     Deps
	validate *validator.Validate
	handlers map[string]handlerFunc
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := &Dispatcher{deps: deps, validate: validator.New()}
	d.handlers = map[string]handlerFunc{
		ActionSaveSession:    d.saveSession,
		ActionSwitchSession:  d.switchSession,
		ActionGetSessions:    d.getSessions,
		ActionDeleteSession:  d.deleteSession,
		ActionRenameSession:  d.renameSession,
		ActionForceRefresh:   d.forceRefresh,
		ActionImportSessions: d.importSessions,
		ActionExportSessions: d.exportSessions,
		ActionGetPending:     d.getPending,
		ActionSavePending:    d.savePending,
		ActionDiscardPending: d.discardPending,
		ActionBeginLogin:     d.beginLogin,
	}
	return d
}

// Actions lists the supported actions.
func (d *Dispatcher) Actions() []string {
	return []string{
		ActionSaveSession, ActionSwitchSession, ActionGetSessions, ActionDeleteSession,
		ActionRenameSession, ActionForceRefresh, ActionImportSessions, ActionExportSessions,
		ActionGetPending, ActionSavePending, ActionDiscardPending, ActionBeginLogin,
	}
}

// Do runs cmd and returns its result or error.
func (d *Dispatcher) Do(ctx context.Context, cmd Command) (Response, error) {
	h, ok := d.handlers[cmd.Action]
	if !ok {
		return nil, &ErrUnknownAction{Action: cmd.Action}
	}
	resp, err := h(ctx, cmd.Data)
	if err != nil {
		d.deps.Logger.DebugWithContext(ctx, "command failed", "action", cmd.Action, "error", err)
		return nil, err
	}
	return resp, nil
}

// Handle runs cmd and folds any error into {"error": message}.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) Response {
	resp, err := d.Do(ctx, cmd)
	if err != nil {
		return ErrorResponse(err)
	}
	return resp
}

// decode unmarshals data into v and validates it. Missing data decodes as {}.
func (d *Dispatcher) decode(data json.RawMessage, v interface{}) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &errors.ErrUserInput{Field: "data", Reason: err.Error()}
	}
	if err := d.validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &errors.ErrUserInput{Field: jsonName(fe.Field()), Reason: fmt.Sprintf("failed %q validation", fe.Tag())}
		}
		return &errors.ErrUserInput{Field: "data", Reason: err.Error()}
	}
	return nil
}

func jsonName(field string) string {
	switch field {
	case "ID":
		return "id"
	case "Name":
		return "name"
	case "Color":
		return "color"
	case "Data":
		return "data"
	}
	return field
}

func (d *Dispatcher) activePage(ctx context.Context) (host.PageHandle, error) {
	if d.deps.Host == nil {
		return host.PageHandle{}, &errors.ErrNoActivePage{Reason: "no browser connected"}
	}
	return d.deps.Host.ActivePage(ctx)
}

func (d *Dispatcher) states() map[string]models.SessionStatus {
	if d.deps.Tracker == nil {
		return map[string]models.SessionStatus{}
	}
	return d.deps.Tracker.States()
}
