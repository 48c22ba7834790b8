package cli

import (
	"fmt"

	"github.com/sbswitch/sbswitch/internal/commands"
	"github.com/spf13/cobra"
)

// pendingCmd groups the captured-login subcommands
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show, save or discard a captured login",
	Long: `While "sbswitch serve" runs, a finished dashboard login is captured as a
pending session. It is kept until it is saved under a name or discarded.`,
}

var pendingShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the pending session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionGetPending, nil)
			if err != nil {
				return err
			}
			if globalFlags.JSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			pending, ok := resp["pending"].(commands.Response)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending session.")
				return nil
			}
			return outputResponse(cmd.OutOrStdout(), pending)
		})
	},
}

var pendingSaveFlags struct {
	Name  string
	Color string
}

var pendingSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the pending session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionSavePending, map[string]string{
				"name":  pendingSaveFlags.Name,
				"color": pendingSaveFlags.Color,
			})
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

var pendingDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Discard the pending session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			resp, err := a.run(cmd.Context(), commands.ActionDiscardPending, nil)
			if err != nil {
				return err
			}
			return outputResponse(cmd.OutOrStdout(), resp)
		})
	},
}

func init() {
	pendingSaveCmd.Flags().StringVar(&pendingSaveFlags.Name, "name", "", "Session name (defaults to the account email)")
	pendingSaveCmd.Flags().StringVar(&pendingSaveFlags.Color, "color", "", "Label color as #RRGGBB")

	pendingCmd.AddCommand(pendingShowCmd, pendingSaveCmd, pendingDiscardCmd)
	RootCmd.AddCommand(pendingCmd)
}
