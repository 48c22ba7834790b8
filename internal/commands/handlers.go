package commands

import (
	"context"
	"encoding/json"

	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/sbswitch/sbswitch/internal/models"
	"github.com/sbswitch/sbswitch/internal/sessions"
)

type saveRequest struct {
	Name  string `json:"name" validate:"max=256"`
	Color string `json:"color" validate:"omitempty,hexcolor"`
}

type idRequest struct {
	ID string `json:"id" validate:"required"`
}

type renameRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required,max=256"`
}

type importRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
}

func (d *Dispatcher) saveSession(ctx context.Context, data json.RawMessage) (Response, error) {
	var req saveRequest
	if err := d.decode(data, &req); err != nil {
		return nil, err
	}
	page, err := d.activePage(ctx)
	if err != nil {
		return nil, err
	}
	set, user, err := d.deps.Host.ExtractCredentials(ctx, page)
	if err != nil {
		return nil, err
	}
	if set.IsEmpty() {
		return nil, &errors.ErrUserInput{Reason: "no active session found; log in to the dashboard first"}
	}
	record, err := d.deps.Sessions.Create(ctx, req.Name, req.Color, set, user)
	if err != nil {
		return nil, err
	}
	return Response{"success": true, "session": record}, nil
}

func (d *Dispatcher) switchSession(ctx context.Context, data json.RawMessage) (Response, error) {
	var req idRequest
	if err := d.decode(data, &req); err != nil {
		return nil, err
	}
	page, err := d.activePage(ctx)
	if err != nil {
		return nil, err
	}
	result, err := d.deps.Switcher.SwitchTo(ctx, req.ID, page)
	if err != nil {
		return nil, err
	}
	resp := Response{"success": true, "session": result.Session, "refreshed": result.Refreshed}
	if result.RefreshError != "" {
		resp["refreshError"] = result.RefreshError
	}
	return resp, nil
}

func (d *Dispatcher) getSessions(ctx context.Context, _ json.RawMessage) (Response, error) {
	list, active, err := d.deps.Sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = models.SessionSlice{}
	}
	var activeID interface{}
	if active != "" {
		activeID = active
	}
	return Response{"sessions": list, "activeSessionId": activeID, "states": d.states()}, nil
}

func (d *Dispatcher) deleteSession(ctx context.Context, data json.RawMessage) (Response, error) {
	var req idRequest
	if err := d.decode(data, &req); err != nil {
		return nil, err
	}
	if err := d.deps.Sessions.Delete(ctx, req.ID); err != nil {
		return nil, err
	}
	return Response{"success": true}, nil
}

func (d *Dispatcher) renameSession(ctx context.Context, data json.RawMessage) (Response, error) {
	var req renameRequest
	if err := d.decode(data, &req); err != nil {
		return nil, err
	}
	if err := d.deps.Sessions.Rename(ctx, req.ID, req.Name); err != nil {
		return nil, err
	}
	return Response{"success": true}, nil
}

// forceRefresh is user-initiated, so per-session failures are returned
// rather than only logged.
func (d *Dispatcher) forceRefresh(ctx context.Context, _ json.RawMessage) (Response, error) {
	if d.deps.Sweeper == nil {
		return nil, &errors.ErrUserInput{Reason: "refresh is not configured"}
	}
	summary, err := d.deps.Sweeper.RunNow(ctx)
	if err != nil {
		return nil, err
	}
	resp := Response{
		"success":       true,
		"refreshed":     summary.Refreshed,
		"total":         summary.Total,
		"skipped":       summary.Skipped,
		"expired":       summary.Expired,
		"failed":        summary.Failed,
		"unrefreshable": summary.Unrefreshable,
	}
	if len(summary.Errors) > 0 {
		resp["errors"] = summary.Errors
	}
	return resp, nil
}

// importSessions accepts the backup either as a JSON array or as a string
// holding the file contents. Newly added sessions are refreshed right away.
func (d *Dispatcher) importSessions(ctx context.Context, data json.RawMessage) (Response, error) {
	var req importRequest
	if err := d.decode(data, &req); err != nil {
		return nil, err
	}
	payload := []byte(req.Data)
	var text string
	if err := json.Unmarshal(req.Data, &text); err == nil {
		payload = []byte(text)
	}
	result, err := d.deps.Sessions.Import(ctx, payload)
	if err != nil {
		return nil, err
	}
	resp := Response{"success": true, "added": result.Added, "skipped": result.Skipped}
	if result.Added > 0 && d.deps.Sweeper != nil {
		summary, err := d.deps.Sweeper.RunNow(ctx)
		if err != nil {
			d.deps.Logger.WarnWithContext(ctx, "refresh after import failed", "error", err)
		} else {
			resp["refreshed"] = summary.Refreshed
		}
	}
	return resp, nil
}

func (d *Dispatcher) exportSessions(ctx context.Context, _ json.RawMessage) (Response, error) {
	data, err := d.deps.Sessions.Export(ctx)
	if err != nil {
		return nil, err
	}
	return Response{
		"success":  true,
		"filename": sessions.ExportFilename(d.deps.Now()),
		"data":     json.RawMessage(data),
	}, nil
}

func (d *Dispatcher) getPending(ctx context.Context, _ json.RawMessage) (Response, error) {
	pending, err := d.deps.Sessions.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return Response{"pending": nil}, nil
	}
	return Response{"pending": Response{
		"email":      pending.Email,
		"userId":     pending.UserID,
		"capturedAt": pending.CapturedAt,
		"pageId":     pending.PageID,
		"keys":       pending.Tokens.Len(),
	}}, nil
}

func (d *Dispatcher) savePending(ctx context.Context, data json.RawMessage) (Response, error) {
	var req saveRequest
	if err := d.decode(data, &req); err != nil {
		return nil, err
	}
	record, err := d.deps.Sessions.SavePending(ctx, req.Name, req.Color)
	if err != nil {
		return nil, err
	}
	return Response{"success": true, "session": record}, nil
}

func (d *Dispatcher) discardPending(ctx context.Context, _ json.RawMessage) (Response, error) {
	if err := d.deps.Sessions.DiscardPending(ctx); err != nil {
		return nil, err
	}
	return Response{"success": true}, nil
}

// beginLogin opens the dashboard in a new page and watches it for a login.
func (d *Dispatcher) beginLogin(ctx context.Context, _ json.RawMessage) (Response, error) {
	if d.deps.Host == nil {
		return nil, &errors.ErrNoActivePage{Reason: "no browser connected"}
	}
	if d.deps.Watcher == nil {
		return nil, &errors.ErrUserInput{Reason: "login capture is disabled"}
	}
	page, err := d.deps.Host.OpenPage(ctx, d.deps.DashboardURL)
	if err != nil {
		return nil, err
	}
	if err := d.deps.Watcher.BeginLogin(ctx, page); err != nil {
		return nil, err
	}
	return Response{"success": true, "page": page}, nil
}
