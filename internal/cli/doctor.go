package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/sbswitch/sbswitch/internal/config"
	"github.com/sbswitch/sbswitch/internal/credential"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/store"
	"github.com/spf13/cobra"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration, storage and browser access",
	Long: `Check that sbswitch can run:

- the configuration file parses and validates
- the session store opens
- Chrome answers on the remote debugging URL and a dashboard page is open

Example:
  sbswitch doctor --json`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

// Check statuses.
const (
	StatusOK   = "OK"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
)

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp       time.Time     `json:"timestamp"`
	Checks          []DoctorCheck `json:"checks"`
	Recommendations []string      `json:"recommendations"`
}

// DoctorCheck represents a single diagnostic check
type DoctorCheck struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := DoctorReport{Timestamp: time.Now().UTC()}
	report.Checks = append(report.Checks, DoctorCheck{
		Category: "System",
		Name:     "Runtime",
		Status:   StatusOK,
		Message:  fmt.Sprintf("%s %s/%s, sbswitch %s", runtime.Version(), runtime.GOOS, runtime.GOARCH, Version),
	})

	cfg, check := checkConfigFile()
	report.Checks = append(report.Checks, check)
	if cfg != nil {
		report.Checks = append(report.Checks, checkStorage(cmd.Context(), cfg.Storage))
		report.Checks = append(report.Checks, checkBrowser(cmd.Context(), cfg)...)
	}
	report.Recommendations = generateRecommendations(report.Checks)

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return outputDoctorReport(cmd.OutOrStdout(), report)
}

func checkConfigFile() (*config.Config, DoctorCheck) {
	check := DoctorCheck{Category: "Configuration", Name: "Config File"}

	if _, err := os.Stat(globalFlags.Config); os.IsNotExist(err) {
		_, cfg, err := loadConfig()
		if err != nil {
			check.Status = StatusFail
			check.Message = err.Error()
			return nil, check
		}
		check.Status = StatusWarn
		check.Message = fmt.Sprintf("%s not found, using defaults", globalFlags.Config)
		check.Remediation = "Create a config file or pass --config"
		return cfg, check
	}

	_, cfg, err := loadConfig()
	if err != nil {
		check.Status = StatusFail
		check.Message = err.Error()
		check.Remediation = "Fix the reported field in the config file"
		return nil, check
	}
	check.Status = StatusOK
	check.Message = fmt.Sprintf("Loaded %s", globalFlags.Config)
	return cfg, check
}

func checkStorage(ctx context.Context, cfg config.StorageConfig) DoctorCheck {
	check := DoctorCheck{Category: "Storage", Name: "Session Store"}

	st, err := store.Open(cfg, nil)
	if err != nil {
		check.Status = StatusFail
		check.Message = err.Error()
		check.Remediation = "Check storage.path permissions or pass --db"
		return check
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		check.Status = StatusFail
		check.Message = err.Error()
		return check
	}
	check.Status = StatusOK
	check.Message = fmt.Sprintf("%s at %s: %d sessions, %d expired", cfg.Driver, cfg.Path, stats.Sessions, stats.Expired)
	if stats.Expired > 0 {
		check.Status = StatusWarn
		check.Remediation = "Log in again to the expired accounts and save them anew"
	}
	return check
}

func checkBrowser(ctx context.Context, cfg *config.Config) []DoctorCheck {
	conn := DoctorCheck{Category: "Browser", Name: "DevTools Connection"}

	ctx, cancel := context.WithTimeout(ctx, cfg.Browser.Timeout)
	defer cancel()

	h, err := host.NewChromeHost(ctx, host.ChromeConfig{
		DebugURL:     cfg.Browser.DebugURL,
		DashboardURL: cfg.Provider.DashboardURL,
		PageHost:     cfg.Provider.PageHost,
		Timeout:      cfg.Browser.Timeout,
	}, credential.NewCodec(cfg.Provider.KeyPrefix, cfg.Provider.KeySuffix), logging.Nop())
	if err != nil {
		conn.Status = StatusFail
		conn.Message = err.Error()
		conn.Remediation = "Start Chrome with --remote-debugging-port=9222 or set browser.debug_url"
		return []DoctorCheck{conn}
	}
	defer h.Close()
	conn.Status = StatusOK
	conn.Message = fmt.Sprintf("Connected to %s", cfg.Browser.DebugURL)

	page := DoctorCheck{Category: "Browser", Name: "Dashboard Page"}
	handle, err := h.ActivePage(ctx)
	if err != nil {
		page.Status = StatusWarn
		page.Message = err.Error()
		page.Remediation = fmt.Sprintf("Open %s in Chrome", cfg.Provider.DashboardURL)
	} else {
		page.Status = StatusOK
		page.Message = handle.URL
	}
	return []DoctorCheck{conn, page}
}

func generateRecommendations(checks []DoctorCheck) []string {
	recommendations := []string{}

	failCount := 0
	warnCount := 0

	for _, check := range checks {
		switch check.Status {
		case StatusFail:
			failCount++
		case StatusWarn:
			warnCount++
		default:
			continue
		}
		if check.Remediation != "" {
			recommendations = append(recommendations, fmt.Sprintf("[%s] %s: %s", check.Category, check.Name, check.Remediation))
		}
	}

	if failCount == 0 && warnCount == 0 {
		recommendations = append(recommendations, "All checks passed.")
	} else if failCount > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Found %d failure(s) and %d warning(s). Fix the failures first.", failCount, warnCount))
	}

	return recommendations
}

func outputDoctorReport(w io.Writer, report DoctorReport) error {
	fmt.Fprintln(w, "=== sbswitch Doctor Report ===")
	fmt.Fprintf(w, "Generated: %s\n", report.Timestamp.Format(time.RFC3339))

	category := ""
	for _, check := range report.Checks {
		if check.Category != category {
			category = check.Category
			fmt.Fprintf(w, "\n--- %s ---\n", category)
		}
		statusIcon := "✓"
		if check.Status == StatusFail {
			statusIcon = "✗"
		} else if check.Status == StatusWarn {
			statusIcon = "!"
		}
		fmt.Fprintf(w, "%s %s: %s\n", statusIcon, check.Name, check.Message)
	}

	fmt.Fprintln(w, "\n--- Recommendations ---")
	for _, rec := range report.Recommendations {
		fmt.Fprintf(w, "• %s\n", rec)
	}
	return nil
}
