package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sbswitch/sbswitch/internal/commands"
	"github.com/sbswitch/sbswitch/internal/models"
)

func marshalData(v interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode command data: %w", err)
	}
	return raw, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// SessionRow is one line of `sessions list`.
type SessionRow struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Color   string `json:"color"`
	Active  bool   `json:"active"`
	Expired bool   `json:"expired"`
	State   string `json:"state,omitempty"`
	SavedAt string `json:"saved_at"`
}

func sessionRows(resp commands.Response) []SessionRow {
	list, _ := resp["sessions"].(models.SessionSlice)
	active, _ := resp["activeSessionId"].(string)
	states, _ := resp["states"].(map[string]models.SessionStatus)

	rows := make([]SessionRow, 0, len(list))
	for _, s := range list {
		row := SessionRow{
			ID:      s.ID,
			Name:    s.Name,
			Email:   s.Email,
			Color:   s.Color,
			Active:  s.ID == active,
			Expired: s.Expired,
			SavedAt: s.SavedAt.UTC().Format(time.RFC3339),
		}
		if st, ok := states[s.ID]; ok {
			row.State = string(st.State)
		}
		rows = append(rows, row)
	}
	return rows
}

func outputSessionsTable(w io.Writer, rows []SessionRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No sessions saved. Log in to the dashboard and run `sbswitch sessions save`.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tEMAIL\tSTATE\tSAVED")
	for _, r := range rows {
		marker := ""
		if r.Active {
			marker = "*"
		}
		state := r.State
		if r.Expired {
			state = string(models.StateExpired)
		}
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", marker, r.ID, r.Name, r.Email, state, r.SavedAt)
	}
	return tw.Flush()
}

// outputResponse prints a command response as JSON, or as sorted key: value
// lines.
func outputResponse(w io.Writer, resp commands.Response) error {
	if globalFlags.JSON {
		return writeJSON(w, resp)
	}
	keys := make([]string, 0, len(resp))
	for k := range resp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := resp[k].(type) {
		case models.SessionRecord:
			fmt.Fprintf(w, "%s: %s (%s)\n", k, v.Name, v.ID)
		case map[string]string:
			fmt.Fprintf(w, "%s:\n", k)
			ids := make([]string, 0, len(v))
			for id := range v {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(w, "  %s: %s\n", id, v[id])
			}
		default:
			fmt.Fprintf(w, "%s: %v\n", k, v)
		}
	}
	return nil
}
