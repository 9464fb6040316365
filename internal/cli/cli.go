// Package cli 运维命令行：查看到期时间、执行记录与升级事件，手动扫描与建表。
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"eva-checkin/internal/app"
	"eva-checkin/internal/common/logger"
	"eva-checkin/internal/config"
	"eva-checkin/internal/domain"
	"eva-checkin/internal/repository"
)

var verbose bool

// RootCmd 根命令
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "eva-checkinctl",
		Short:         "Operate the check-in scheduling and escalation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(NextDueCmd())
	root.AddCommand(ExecutionsCmd())
	root.AddCommand(IncidentsCmd())
	root.AddCommand(SweepCmd())
	root.AddCommand(MigrateCmd())
	return root
}

// withService 按环境变量配置组装服务，执行 fn 后关闭连接
func withService(ctx context.Context, fn func(svc *app.CheckinService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level := "error"
	if verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(level, "console", "eva-checkinctl")
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	svc, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func executionStatus(s domain.ExecutionStatus) string {
	switch s {
	case domain.ExecutionCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case domain.ExecutionFailed:
		return color.New(color.FgRed).Sprint(s)
	case domain.ExecutionInProgress:
		return color.New(color.FgCyan).Sprint(s)
	case domain.ExecutionCancelled:
		return color.New(color.FgHiBlack).Sprint(s)
	default:
		return string(s)
	}
}

func incidentState(inc *domain.EscalationIncident) string {
	if inc.NeedsManualAttention() {
		return color.New(color.FgRed, color.Bold).Sprintf("%s (needs attention)", inc.EscalationState)
	}
	if inc.Status == domain.IncidentResolved {
		return color.New(color.FgGreen).Sprint(inc.EscalationState)
	}
	return color.New(color.FgYellow).Sprint(inc.EscalationState)
}

// NextDueCmd 预览计划接下来的到期时间
func NextDueCmd() *cobra.Command {
	var (
		from string
		n    int
	)
	cmd := &cobra.Command{
		Use:   "next-due <schedule-id>",
		Short: "Show the next due times of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from must be RFC3339: %w", err)
				}
				at = t
			}
			return withService(cmd.Context(), func(svc *app.CheckinService) error {
				times, err := svc.Schedules.NextDue(cmd.Context(), args[0], at, n)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(times) == 0 {
					fmt.Fprintln(out, color.New(color.FgYellow).Sprint("Schedule has no upcoming occurrences (inactive or empty)"))
					return nil
				}
				for _, t := range times {
					fmt.Fprintf(out, "%s  %s\n", t.UTC().Format(time.RFC3339), t.Weekday())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Start time (RFC3339, default now)")
	cmd.Flags().IntVarP(&n, "count", "n", 5, "Number of occurrences")
	return cmd
}

// ExecutionsCmd 执行记录
func ExecutionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect call executions",
	}
	cmd.AddCommand(executionsListCmd())
	return cmd
}

func executionsListCmd() *cobra.Command {
	var (
		personID string
		status   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List call executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := domain.ExecutionFilters{Limit: limit}
			if personID != "" {
				filters.PersonID = &personID
			}
			if status != "" {
				filters.Statuses = []domain.ExecutionStatus{domain.ExecutionStatus(status)}
			}
			return withService(cmd.Context(), func(svc *app.CheckinService) error {
				items, err := svc.Lifecycle.ListExecutions(cmd.Context(), filters)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No executions found.")
					return nil
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "EXECUTION\tPERSON\tTYPE\tSTATUS\tSCHEDULED FOR\tRETRY\tREASON")
				for i := range items {
					e := items[i]
					reason := "-"
					if e.FailureReason != nil {
						reason = string(*e.FailureReason)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						e.ExecutionID, e.PersonID, e.CallType, executionStatus(e.Status),
						formatTime(&e.ScheduledFor), e.RetryCount, reason)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&personID, "person", "", "Filter by person id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

// IncidentsCmd 升级事件
func IncidentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Inspect and resolve escalation incidents",
	}
	cmd.AddCommand(incidentsListCmd())
	cmd.AddCommand(incidentsResolveCmd())
	return cmd
}

func incidentsListCmd() *cobra.Command {
	var (
		open      bool
		attention bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := domain.IncidentFilters{NeedsAttention: attention, Limit: limit}
			if open {
				s := domain.IncidentOpen
				filters.Status = &s
			}
			return withService(cmd.Context(), func(svc *app.CheckinService) error {
				items, err := svc.Orchestrator.ListIncidents(cmd.Context(), filters)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No incidents found.")
					return nil
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "INCIDENT\tPERSON\tSOURCE\tSTATUS\tSTATE\tCREATED\tREASON")
				for i := range items {
					inc := items[i]
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						inc.IncidentID, inc.PersonID, inc.Source, inc.Status,
						incidentState(&inc), formatTime(&inc.CreatedAt), inc.Reason)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "Only open incidents")
	cmd.Flags().BoolVar(&attention, "attention", false, "Only incidents needing manual attention")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func incidentsResolveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an incident manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if notes == "" {
				return fmt.Errorf("--notes is required")
			}
			return withService(cmd.Context(), func(svc *app.CheckinService) error {
				inc, err := svc.Orchestrator.ResolveIncident(cmd.Context(), args[0], notes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Incident %s resolved at %s\n",
					color.New(color.FgGreen).Sprint("✓"), inc.IncidentID, formatTime(inc.ResolvedAt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes (required)")
	return cmd
}

// SweepCmd 手动执行一轮扫描
func SweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduling sweep and print its counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *app.CheckinService) error {
				stats, err := svc.Sweep.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if stats.Skipped {
					fmt.Fprintln(out, color.New(color.FgYellow).Sprint("Sweep skipped: lease held by another instance"))
					return nil
				}
				fmt.Fprintf(out, "expired=%d timed_out=%d scheduled=%d dispatched=%d\n",
					stats.Expired, stats.TimedOut, stats.Scheduled, stats.Dispatched)
				return nil
			})
		},
	}
}

// MigrateCmd 建表（幂等）
func MigrateCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), repository.SchemaSQL())
				return nil
			}
			return withService(cmd.Context(), func(svc *app.CheckinService) error {
				if svc.DB() == nil {
					return fmt.Errorf("database disabled (DB_ENABLED=false)")
				}
				if err := repository.EnsureSchema(cmd.Context(), svc.DB()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), color.New(color.FgGreen).Sprint("Schema applied"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the schema instead of applying it")
	return cmd
}
