package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/g960059/ctrmux/internal/api"
	"github.com/g960059/ctrmux/internal/appclient"
)

func (r *Runner) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is reachable",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			return r.render(resp, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s runtime=%s sessions=%d\n", resp.Status, resp.RuntimeBinary, resp.ActiveSessions)
				return err
			})
		},
	}
}

func (r *Runner) unitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "units",
		Aliases: []string{"ps"},
		Short:   "List units as reported by the runtime",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.ListUnits(cmd.Context())
			if err != nil {
				return err
			}
			return r.render(resp, writeLines(resp.Lines))
		},
	}
}

func (r *Runner) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <unit>",
		Short: "Show the runtime's inspect output for a unit",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.client.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.render(resp, func(w io.Writer) error {
				if len(resp.Raw) > 0 {
					_, err := fmt.Fprintln(w, string(resp.Raw))
					return err
				}
				_, err := fmt.Fprintln(w, strings.TrimRight(resp.Text, "\n"))
				return err
			})
		},
	}
}

func (r *Runner) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <unit>",
		Short: "Recreate a stopped unit from its launch record",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.client.StartUnit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.render(resp, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s relaunched as %s\n", resp.Ref, resp.UnitID)
				return err
			})
		},
	}
}

func (r *Runner) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <unit>",
		Short: "Stop a running unit",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.client.StopUnit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.render(resp, writeCommand(resp))
		},
	}
}

func (r *Runner) rmCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm <unit>",
		Short: "Remove a unit",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.client.RemoveUnit(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			return r.render(resp, writeCommand(resp))
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove a running unit")
	return cmd
}

func (r *Runner) volumesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volumes",
		Short: "List volumes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.ListVolumes(cmd.Context())
			if err != nil {
				return err
			}
			return r.render(resp, writeLines(resp.Lines))
		},
	}
	var force bool
	rm := &cobra.Command{
		Use:   "rm <volume>",
		Short: "Remove a volume",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.client.RemoveVolume(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			return r.render(resp, writeCommand(resp))
		},
	}
	rm.Flags().BoolVarP(&force, "force", "f", false, "remove a volume in use")
	cmd.AddCommand(rm)
	return cmd
}

func (r *Runner) sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions held by the daemon",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			return r.render(resp, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "SESSION\tCLIENT\tUNIT\tKIND\tSTARTED\tPENDING")
				for _, s := range resp.Sessions {
					kind := string(s.Kind)
					if s.Stopping {
						kind += " (stopping)"
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
						shortID(s.SessionID), shortID(s.ClientID), s.UnitID, kind, humanize.Time(s.StartedAt), s.PendingInput)
				}
				return tw.Flush()
			})
		},
	}
}

func (r *Runner) historyCmd() *cobra.Command {
	var opts appclient.HistoryOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded session history, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.History(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return r.render(resp, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "SESSION\tUNIT\tKIND\tSTARTED\tDURATION\tREASON")
				for _, s := range resp.Sessions {
					duration, reason := "running", "-"
					if s.EndedAt != nil {
						duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
						reason = s.EndReason
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						shortID(s.SessionID), s.UnitID, s.Kind, humanize.Time(s.StartedAt), duration, reason)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&opts.UnitID, "unit", "", "only sessions for this unit")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "only sessions opened by this client id")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum rows (daemon default when 0)")
	return cmd
}

func (r *Runner) relaunchesCmd() *cobra.Command {
	var unitID string
	var limit int
	cmd := &cobra.Command{
		Use:   "relaunches",
		Short: "Show the relaunch audit log",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Relaunches(cmd.Context(), unitID, limit)
			if err != nil {
				return err
			}
			return r.render(resp, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "WHEN\tREF\tUNIT\tEXIT\tRESULT")
				for _, rec := range resp.Relaunches {
					unit := rec.UnitID
					if unit == "" {
						unit = "-"
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", humanize.Time(rec.RequestedAt), rec.Ref, unit, rec.ExitCode, rec.ResultCode)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&unitID, "unit", "", "only relaunches of this unit")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows (daemon default when 0)")
	return cmd
}

func writeLines(lines []string) func(io.Writer) error {
	return func(w io.Writer) error {
		for _, line := range lines {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeCommand(resp api.CommandResponse) func(io.Writer) error {
	return func(w io.Writer) error {
		if out := strings.TrimRight(resp.Stdout, "\n"); out != "" {
			_, err := fmt.Fprintln(w, out)
			return err
		}
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
