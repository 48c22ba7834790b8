package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbswitch/sbswitch/internal/commands"
	"github.com/sbswitch/sbswitch/internal/errors"
	"github.com/spf13/cobra"
)

// refreshCmd runs one sweep in the foreground
var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh every stored session now",
	Long: `Refresh the tokens of every stored session whose access token is due.

Sessions whose refresh token the provider rejects are flagged expired and
have to be saved again after a new login.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionForceRefresh, nil)
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

// exportCmd writes a backup file
var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write all sessions to a backup file",
	Long: `Write all sessions, tokens included, to a JSON backup file.

Without a file argument the backup is written to the current directory as
supabase-accounts-<date>.json. Use "-" for stdout. The file holds live
credentials and is created with mode 0600.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionExportSessions, nil)
			if err != nil {
				return err
			}
			data, _ := resp["data"].(json.RawMessage)

			path, _ := resp["filename"].(string)
			if len(args) == 1 {
				path = args[0]
			}
			if path == "-" {
				_, err := cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(path, data, 0600); err != nil {
				return fmt.Errorf("write backup %s: %w", path, err)
			}
			if globalFlags.JSON {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"file": path})
			}
			abs, _ := filepath.Abs(path)
			fmt.Fprintf(cmd.OutOrStdout(), "Exported sessions to %s\n", abs)
			return nil
		})
	},
}

// importCmd adds sessions from a backup file
var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add sessions from a backup file",
	Long: `Add the sessions of a backup file. Sessions whose id already exists and
entries without an id or tokens are skipped. Added sessions are refreshed
right away.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return &errors.ErrFileRead{Path: args[0], Err: err}
		}
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionImportSessions, map[string]string{"data": string(content)})
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

func init() {
	RootCmd.AddCommand(refreshCmd, exportCmd, importCmd)
}
