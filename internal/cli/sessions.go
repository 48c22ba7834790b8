package cli

import (
	"github.com/sbswitch/sbswitch/internal/commands"
	"github.com/spf13/cobra"
)

// sessionsCmd groups the session subcommands
var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "ls"},
	Short:   "List, save, switch, rename and delete sessions",
	Long: `Manage saved dashboard sessions.

Examples:
  # List sessions; the active one is marked with *
  sbswitch sessions list

  # Save the session of the dashboard page open in Chrome
  sbswitch sessions save --name "Work" --color "#3ECF8E"

  # Switch the dashboard page to another session
  sbswitch sessions switch session_1772600767000`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionGetSessions, nil)
			if err != nil {
				return err
			}
			rows := sessionRows(resp)
			if globalFlags.JSON {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			return outputSessionsTable(cmd.OutOrStdout(), rows)
		})
	},
}

var sessionsSaveFlags struct {
	Name  string
	Color string
}

var sessionsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the session of the open dashboard page",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{browser: true}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionSaveSession, map[string]string{
				"name":  sessionsSaveFlags.Name,
				"color": sessionsSaveFlags.Color,
			})
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

var sessionsSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Load a saved session into the open dashboard page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{browser: true}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionSwitchSession, map[string]string{"id": args[0]})
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a saved session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionRenameSession, map[string]string{"id": args[0], "name": args[1]})
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a saved session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionDeleteSession, map[string]string{"id": args[0]})
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

func init() {
	sessionsSaveCmd.Flags().StringVar(&sessionsSaveFlags.Name, "name", "", "Session name (defaults to the account email)")
	sessionsSaveCmd.Flags().StringVar(&sessionsSaveFlags.Color, "color", "", "Label color as #RRGGBB (defaults to the palette)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsSaveCmd, sessionsSwitchCmd, sessionsRenameCmd, sessionsDeleteCmd)
	RootCmd.AddCommand(sessionsCmd)
}
