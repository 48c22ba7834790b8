package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sbswitch/sbswitch/internal/config"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X github.com/sbswitch/sbswitch/internal/cli.Version=...".
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// EnvDBPath names the environment variable holding the database path.
const EnvDBPath = "SBSWITCH_DB_PATH"

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "sbswitch",
	Short: "sbswitch - switch between saved Supabase dashboard sessions",
	Long: `sbswitch saves the credentials of a logged-in Supabase dashboard page as
named sessions, keeps their tokens fresh in the background and swaps them
into the browser on demand.

It talks to a Chrome instance started with --remote-debugging-port.

Usage:
  sbswitch [command] [flags]

Available Commands:
  serve      Start the refresh scheduler, login capture and HTTP API
  sessions   List, save, switch, rename and delete sessions
  refresh    Refresh every stored session now
  export     Write all sessions to a backup file
  import     Add sessions from a backup file
  pending    Show, save or discard a captured login
  doctor     Diagnose configuration, storage and browser access

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to the session database (overrides storage.path)
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "sbswitch [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", config.PathFromEnv(), "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", os.Getenv(EnvDBPath), "Path to the session database (overrides storage.path)")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of sbswitch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(cmd.OutOrStdout())
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

func printVersion(w io.Writer) error {
	info := GetVersionInfo()
	if globalFlags.JSON {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, "sbswitch Version:", info.Version)
	fmt.Fprintln(w, "Go Version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build Date:", info.BuildDate)
	return nil
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}
