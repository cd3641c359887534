package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/app"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/cli/styles"
	"github.com/clinprecision/clinops-core/cli/ui"
)

// projectionFlags select where projection commands act: the ops endpoints
// of a running server, or the database directly.
type projectionFlags struct {
	server  string
	offline bool
	timeout time.Duration
}

// NewProjectionCommand creates the projection command
func NewProjectionCommand() *cobra.Command {
	flags := &projectionFlags{}

	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Manage projections",
		Long: `Inspect and control the read-model projections.

list and status read the checkpoint table when the postgres driver is
configured, otherwise they ask the running server. pause, resume and
rebuild go through the running server unless --offline is given, in
which case they act on the database directly and take effect at the next
start.

Examples:
  clinops projection list
  clinops projection status study
  clinops projection rebuild design --force
  clinops projection pause visit --server http://ops.internal:8080
  clinops projection rebuild study --offline`,
		Aliases: []string{"proj"},
	}

	cmd.PersistentFlags().StringVar(&flags.server, "server", "", "Base URL of a running clinops serve (default: derived from server.addr)")
	cmd.PersistentFlags().BoolVar(&flags.offline, "offline", false, "Act on the database instead of a running server")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 5*time.Minute, "Request timeout")

	cmd.AddCommand(newProjectionListCommand(flags))
	cmd.AddCommand(newProjectionStatusCommand(flags))
	cmd.AddCommand(newProjectionRebuildCommand(flags))
	cmd.AddCommand(newProjectionPauseCommand(flags))
	cmd.AddCommand(newProjectionResumeCommand(flags))

	return cmd
}

// useServer reports whether read commands should ask the server.
func (f *projectionFlags) useServer(cfg *config.Config) bool {
	if f.offline {
		return false
	}
	return f.server != "" || cfg.Database.Driver == config.DriverMemory
}

func (f *projectionFlags) client(cfg *config.Config) *opsClient {
	base := f.server
	if base == "" {
		base = serverURL(cfg)
	}
	return newOpsClient(base, f.timeout)
}

func newProjectionListCommand(flags *projectionFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List all projections",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			var rows []projectionRow
			if flags.useServer(cfg) {
				statuses, err := flags.client(cfg).Statuses(cmd.Context())
				if err != nil {
					return err
				}
				rows = rowsFromStatuses(statuses)
			} else {
				rows, err = rowsFromDatabase(cmd.Context())
				if err != nil {
					return err
				}
			}

			if len(rows) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No projections recorded yet. Run 'clinops serve' first"))
				return nil
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Title.Render(styles.IconList+" Projections"))

			table := ui.NewTable("Name", "Position", "Lag", "State", "Last Updated")
			for _, r := range rows {
				table.AddRow(r.Name, fmt.Sprintf("%d", r.Position), fmt.Sprintf("%d", r.Lag), ui.StatusBadge(r.State), formatTime(r.UpdatedAt))
			}
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out)
			return nil
		},
	}
}

// projectionRow is the common shape of server and database statuses.
type projectionRow struct {
	Name      string
	Position  uint64
	Lag       uint64
	State     string
	Error     string
	UpdatedAt time.Time
}

func rowFromStatus(st clinops.ProjectionStatus) projectionRow {
	return projectionRow{
		Name:      st.Name,
		Position:  st.LastPosition,
		Lag:       st.Lag,
		State:     string(st.State),
		Error:     st.Error,
		UpdatedAt: st.LastProcessedAt,
	}
}

func rowsFromStatuses(statuses []clinops.ProjectionStatus) []projectionRow {
	rows := make([]projectionRow, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, rowFromStatus(st))
	}
	return rows
}

func rowFromInfo(info adapters.ProjectionInfo, head uint64) projectionRow {
	r := projectionRow{
		Name:      info.Name,
		Position:  info.Position,
		State:     info.Status,
		Error:     info.LastError,
		UpdatedAt: info.UpdatedAt,
	}
	if head > info.Position {
		r.Lag = head - info.Position
	}
	return r
}

func rowsFromDatabase(ctx context.Context) ([]projectionRow, error) {
	env, err := SetupStoreEnv(ctx)
	if err != nil {
		return nil, err
	}
	defer env.Close()

	infos, err := env.Adapter.ListProjections(ctx)
	if err != nil {
		return nil, err
	}
	head, err := env.Adapter.GetLastPosition(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]projectionRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, rowFromInfo(info, head))
	}
	return rows, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func newProjectionStatusCommand(flags *projectionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show detailed projection status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			var row projectionRow
			if flags.useServer(cfg) {
				st, err := flags.client(cfg).Status(cmd.Context(), name)
				if err != nil {
					return err
				}
				row = rowFromStatus(*st)
			} else {
				env, err := SetupStoreEnv(cmd.Context())
				if err != nil {
					return err
				}
				defer env.Close()
				info, err := env.Adapter.GetProjection(cmd.Context(), name)
				if err != nil {
					return err
				}
				if info == nil {
					return fmt.Errorf("projection '%s' not found", name)
				}
				head, err := env.Adapter.GetLastPosition(cmd.Context())
				if err != nil {
					return err
				}
				row = rowFromInfo(*info, head)
			}

			printProjection(cmd.OutOrStdout(), row)
			return nil
		},
	}
}

func printProjection(out io.Writer, row projectionRow) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render(styles.IconInfo+" Projection: "+row.Name))

	fmt.Fprintln(out, "  "+styles.FormatKeyValue("State", row.State))
	fmt.Fprintln(out, "  "+styles.FormatKeyValue("Position", fmt.Sprintf("%d", row.Position)))
	fmt.Fprintln(out, "  "+styles.FormatKeyValue("Last Updated", formatTime(row.UpdatedAt)))
	if row.Error != "" {
		fmt.Fprintln(out, "  "+styles.FormatKeyValue("Last Error", row.Error))
	}
	fmt.Fprintln(out)

	switch {
	case row.State == string(clinops.ProjectionStateFaulted):
		fmt.Fprintln(out, styles.FormatError("Faulted. Fix the cause, then run 'clinops projection resume "+row.Name+"'"))
	case row.Lag > 0:
		fmt.Fprintln(out, styles.FormatWarning(fmt.Sprintf("%d events behind", row.Lag)))
	default:
		fmt.Fprintln(out, styles.FormatSuccess("Up to date"))
	}
}

func newProjectionRebuildCommand(flags *projectionFlags) *cobra.Command {
	var (
		force       bool
		all         bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "rebuild [name]",
		Short: "Clear a projection and replay the log into it",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}

			target := "every projection"
			if !all {
				target = "projection '" + args[0] + "'"
			}
			if !force {
				confirmed, err := confirm("Rebuild "+target+"?",
					"Read models are cleared and the whole event log is replayed. Audit trails are kept.")
				if err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(out, styles.FormatInfo("Rebuild cancelled"))
					return nil
				}
			}

			switch {
			case all && flags.offline:
				return rebuildAllOffline(cmd.Context(), out, cfg, concurrency)
			case all:
				return ui.RunTask("Rebuilding every projection on the server...", func() (string, error) {
					statuses, err := flags.client(cfg).RebuildAll(cmd.Context(), concurrency)
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("Rebuilt %d projections", len(statuses)), nil
				})
			case flags.offline:
				return rebuildOffline(cmd.Context(), cfg, args[0])
			default:
				name := args[0]
				return ui.RunTask("Rebuilding "+name+" on the server...", func() (string, error) {
					st, err := flags.client(cfg).Control(cmd.Context(), name, "rebuild")
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("Rebuilt %s up to position %d", st.Name, st.LastPosition), nil
				})
			}
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation")
	cmd.Flags().BoolVar(&all, "all", false, "Rebuild every projection")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Projections rebuilt at once with --all")

	return cmd
}

// rebuildAllOffline rebuilds every projection in-process, printing one line
// per projection as it finishes.
func rebuildAllOffline(ctx context.Context, out io.Writer, cfg *config.Config, concurrency int) error {
	if cfg.Database.Driver == config.DriverMemory {
		return errMemoryDriver
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var mu sync.Mutex
	report := func(p clinops.RebuildProgress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Error != nil {
			fmt.Fprintln(out, styles.FormatError(fmt.Sprintf("%s: %v", p.ProjectionName, p.Error)))
			return
		}
		fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Rebuilt %s up to position %d in %s",
			p.ProjectionName, p.Position, p.Duration.Round(time.Millisecond))))
	}
	return a.RebuildAll(ctx, concurrency, report)
}

// confirm asks a yes/no question. Without colors there is no terminal UI,
// so the answer is no.
var confirm = func(title, description string) (bool, error) {
	if ui.Plain {
		return false, nil
	}
	var confirmed bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Value(&confirmed),
		),
	).WithTheme(huh.ThemeCatppuccin()).Run()
	return confirmed, err
}

// rebuildOffline assembles the engine against the database without starting
// it and rebuilds name in-process.
func rebuildOffline(ctx context.Context, cfg *config.Config, name string) error {
	if cfg.Database.Driver == config.DriverMemory {
		return errMemoryDriver
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if _, err := a.Engine.Status(name); err != nil {
		return fmt.Errorf("projection '%s': %w", name, err)
	}

	return ui.RunProgress("Rebuilding "+name+"...", func(report func(ui.ProgressMsg)) (string, error) {
		head, err := a.Store.GetLastPosition(ctx)
		if err != nil {
			return "", err
		}

		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if st, err := a.Engine.Status(name); err == nil && head > 0 {
						report(ui.ProgressMsg{
							Percent: float64(st.LastPosition) / float64(head),
							Message: fmt.Sprintf("%d/%d", st.LastPosition, head),
						})
					}
				}
			}
		}()

		if err := a.Engine.Rebuild(ctx, name); err != nil {
			return "", err
		}
		st, err := a.Engine.Status(name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Rebuilt %s up to position %d", name, st.LastPosition), nil
	})
}

func newProjectionPauseCommand(flags *projectionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <name>",
		Short: "Stop a projection from applying events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setProjectionState(cmd, flags, args[0], "pause", clinops.ProjectionStatePaused)
		},
	}
}

func newProjectionResumeCommand(flags *projectionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused or faulted projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setProjectionState(cmd, flags, args[0], "resume", clinops.ProjectionStateStopped)
		},
	}
}

// setProjectionState pauses or resumes name. Offline it records the state
// the engine starts the projection in.
func setProjectionState(cmd *cobra.Command, flags *projectionFlags, name, op string, offlineState clinops.ProjectionState) error {
	out := cmd.OutOrStdout()
	cfg, _, err := loadConfigOrDefault()
	if err != nil {
		return err
	}

	if !flags.offline {
		st, err := flags.client(cfg).Control(cmd.Context(), name, op)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Projection '%s' is %s", st.Name, st.State)))
		return nil
	}

	env, err := SetupStoreEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	info, err := env.Adapter.GetProjection(cmd.Context(), name)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("projection '%s' not found", name)
	}
	if op == "resume" && info.Status != string(clinops.ProjectionStatePaused) && info.Status != string(clinops.ProjectionStateFaulted) {
		return errors.New("projection '" + name + "' is " + info.Status + ", not paused or faulted")
	}
	if err := env.Adapter.SetProjectionStatus(cmd.Context(), name, string(offlineState), ""); err != nil {
		return err
	}
	fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Projection '%s' will start %s", name, offlineState)))
	return nil
}
