package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters/postgres"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/cli/styles"
	"github.com/clinprecision/clinops-core/cli/ui"
	"github.com/clinprecision/clinops-core/refdata"
	"github.com/clinprecision/clinops-core/validation"
)

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on your clinops setup.

This command verifies:
  • Configuration file validity
  • Database connectivity and schema version
  • Projection health
  • Redis lock backend reachability
  • Reference data file
  • System requirements`,
		Aliases: []string{"diag", "doctor"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Banner())
			fmt.Fprintln(out, styles.Title.Render(styles.IconHealth+" Running Diagnostics"))

			results := runChecks(cmd.Context(), out, DefaultChecks())
			printSummary(out, results)
			return nil
		},
	}

	return cmd
}

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

// newCheckResult creates a CheckResult with the given name.
func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

// withRecommendation adds a recommendation to a CheckResult.
func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck represents a diagnostic check function
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context) CheckResult
}

// DefaultChecks is the list diagnose runs, in order.
func DefaultChecks() []DiagnosticCheck {
	return []DiagnosticCheck{
		{Name: "Go Version", Check: checkGoVersion},
		{Name: "Configuration", Check: checkConfiguration},
		{Name: "Database Connection", Check: checkDatabaseConnection},
		{Name: "Event Store Schema", Check: checkEventStoreSchema},
		{Name: "Projections", Check: checkProjections},
		{Name: "Lock Backend", Check: checkLockBackend},
		{Name: "Reference Data", Check: checkReferenceData},
		{Name: "System Resources", Check: checkSystemResources},
	}
}

func runChecks(ctx context.Context, out io.Writer, checks []DiagnosticCheck) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		fmt.Fprintf(out, "  %s Checking %s... ", styles.IconPending, check.Name)

		result := check.Check(ctx)
		result.Name = check.Name
		results = append(results, result)

		switch result.Status {
		case StatusOK:
			fmt.Fprintln(out, styles.SuccessStyle.Render("OK"))
		case StatusWarning:
			fmt.Fprintln(out, styles.WarningStyle.Render("WARNING"))
		default:
			fmt.Fprintln(out, styles.ErrorStyle.Render("FAILED"))
		}
		if result.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(result.Message))
		}
	}
	return results
}

func printSummary(out io.Writer, results []CheckResult) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))
	fmt.Fprintln(out)

	var recommendations []string
	for _, r := range results {
		if r.Status != StatusOK && r.Recommendation != "" {
			recommendations = append(recommendations, r.Recommendation)
		}
	}
	healthy := true
	for _, r := range results {
		if r.Status != StatusOK {
			healthy = false
		}
	}

	if healthy {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your clinops setup is healthy."))
		return
	}
	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	if len(recommendations) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
		for _, rec := range recommendations {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, rec)
		}
	}
}

func checkGoVersion(ctx context.Context) CheckResult {
	const name = "Go Version"
	version := runtime.Version()
	if validation.CompareVersions(strings.TrimPrefix(version, "go"), "1.22") < 0 {
		return newCheckResult(name, StatusWarning, version).
			withRecommendation("Upgrade to Go 1.22 or later")
	}
	return newCheckResult(name, StatusOK, version)
}

func checkConfiguration(ctx context.Context) CheckResult {
	const name = "Configuration"
	cfg, from, err := loadConfig()
	if err != nil {
		return newCheckResult(name, StatusWarning, err.Error()).
			withRecommendation("Run 'clinops init' to create " + config.ConfigFileName)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return newCheckResult(name, StatusError, strings.Join(problems, "; ")).
			withRecommendation("Fix " + config.ConfigFileName)
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%s (%s driver)", from, cfg.Database.Driver))
}

// withStore runs fn against the configured postgres store, reporting
// skipped checks the same way for every caller.
func withStore(ctx context.Context, name string, fn func(*StoreEnv) CheckResult) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	env, skipReason, err := SetupDiagnosticEnv(ctx)
	switch skipReason {
	case DiagnosticSkipNoConfig, DiagnosticSkipMemoryDriver:
		return newCheckResult(name, StatusOK, "Skipped (memory driver or no config)")
	case DiagnosticSkipNoDBURL:
		return newCheckResult(name, StatusWarning, "Skipped (no database URL)").
			withRecommendation("Set " + config.EnvDatabaseURL)
	}
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check database connection")
	}
	defer env.Close()
	return fn(env)
}

func checkDatabaseConnection(ctx context.Context) CheckResult {
	const name = "Database Connection"
	return withStore(ctx, name, func(env *StoreEnv) CheckResult {
		info, err := env.Adapter.GetDiagnosticInfo(ctx)
		if err != nil {
			return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check database connection")
		}
		return newCheckResult(name, StatusOK, info.Version)
	})
}

func checkEventStoreSchema(ctx context.Context) CheckResult {
	const name = "Event Store Schema"
	return withStore(ctx, name, func(env *StoreEnv) CheckResult {
		version, err := env.Adapter.MigrationVersion(ctx)
		if err != nil {
			return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check database permissions")
		}
		if version < postgres.SchemaVersion {
			return newCheckResult(name, StatusWarning, fmt.Sprintf("schema %s at version %d of %d", env.Adapter.Schema(), version, postgres.SchemaVersion)).
				withRecommendation("Run 'clinops migrate up'")
		}
		return newCheckResult(name, StatusOK, fmt.Sprintf("schema %s at version %d", env.Adapter.Schema(), version))
	})
}

func checkProjections(ctx context.Context) CheckResult {
	const name = "Projections"
	return withStore(ctx, name, func(env *StoreEnv) CheckResult {
		infos, err := env.Adapter.ListProjections(ctx)
		if err != nil {
			return newCheckResult(name, StatusError, err.Error())
		}
		head, err := env.Adapter.GetLastPosition(ctx)
		if err != nil {
			return newCheckResult(name, StatusError, err.Error())
		}

		var faulted, behind []string
		for _, info := range infos {
			switch {
			case info.Status == string(clinops.ProjectionStateFaulted):
				faulted = append(faulted, info.Name)
			case info.Position < head:
				behind = append(behind, info.Name)
			}
		}
		summary := fmt.Sprintf("%d projections, head at %d", len(infos), head)
		if len(faulted) > 0 {
			return newCheckResult(name, StatusError, summary+"; faulted: "+strings.Join(faulted, ", ")).
				withRecommendation("Inspect with 'clinops projection status <name>', then resume")
		}
		if len(behind) > 0 {
			return newCheckResult(name, StatusWarning, summary+"; behind: "+strings.Join(behind, ", ")).
				withRecommendation("Check that 'clinops serve' is running")
		}
		return newCheckResult(name, StatusOK, summary)
	})
}

func checkLockBackend(ctx context.Context) CheckResult {
	const name = "Lock Backend"
	cfg, _, err := loadConfigOrDefault()
	if err != nil {
		return newCheckResult(name, StatusWarning, err.Error())
	}
	if cfg.Locker.Backend != config.LockerRedis {
		return newCheckResult(name, StatusOK, fmt.Sprintf("in-process (%d stripes)", cfg.Locker.Stripes))
	}

	opts, err := goredis.ParseURL(cfg.RedisURL())
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Fix locker.redis_addr")
	}
	client := goredis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Start redis or switch locker.backend to memory for a single instance")
	}
	return newCheckResult(name, StatusOK, "redis at "+opts.Addr)
}

func checkReferenceData(ctx context.Context) CheckResult {
	const name = "Reference Data"
	cfg, _, err := loadConfigOrDefault()
	if err != nil {
		return newCheckResult(name, StatusWarning, err.Error())
	}
	if cfg.RefData.File == "" {
		return newCheckResult(name, StatusOK, "built-in defaults")
	}
	if _, err := os.Stat(cfg.RefData.File); err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Fix reference_data.file")
	}
	p := refdata.NewProvider(refdata.FileSource(cfg.RefData.File))
	if err := p.Refresh(ctx); err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Fix " + cfg.RefData.File)
	}
	return newCheckResult(name, StatusOK, cfg.RefData.File)
}

func checkSystemResources(ctx context.Context) CheckResult {
	const name = "System Resources"
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	allocMB := float64(m.Alloc) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	message := fmt.Sprintf("Memory: %.1f MB used, %.1f MB total, %d CPUs", allocMB, sysMB, runtime.NumCPU())

	if allocMB > 500 {
		return newCheckResult(name, StatusWarning, message).withRecommendation("Consider optimizing memory usage")
	}
	return newCheckResult(name, StatusOK, message)
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.SimpleBanner())

			table := ui.NewTable("", "")
			table.AddRow("Version", version)
			table.AddRow("Commit", commit)
			table.AddRow("Built", date)
			table.AddRow("Go", runtime.Version())
			table.AddRow("OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}
