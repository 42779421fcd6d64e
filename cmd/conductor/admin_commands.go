package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/api"
	"conductor/internal/apiclient"
	"conductor/internal/job"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show breakers, stage health and job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateFormat(format)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if format != formatTable {
					return writeStructured(cmd, format, status)
				}
				out := cmd.OutOrStdout()
				renderStatus(out, client.BaseURL(), status, shouldColorize(out))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, json or yaml")
	return cmd
}

func renderStatus(out io.Writer, baseURL string, status api.StatusResponse, colorize bool) {
	var lines []string
	lines = append(lines, renderSectionHeader("Daemon", colorize)...)
	daemonKind := statusOK
	if !status.Running {
		daemonKind = statusWarn
	}
	lines = append(lines,
		renderStatusLine("API", daemonKind, baseURL, colorize),
		renderStatusLine("Accepting jobs", daemonKind, yesNo(status.Running), colorize),
		renderStatusLine("Active jobs", statusInfo, fmt.Sprintf("%d", status.ActiveJobs), colorize),
	)
	if status.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, status.LastError, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Stage services", colorize)...)
	names := make([]string, 0, len(status.Health))
	for name := range status.Health {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		lines = append(lines, renderStatusLine("Health", statusInfo, "not checked yet", colorize))
	}
	for _, name := range names {
		h := status.Health[name]
		if h.Ready {
			lines = append(lines, renderStatusLine(formatLabel(name), statusOK, "ready in "+h.Latency.Round(time.Millisecond).String(), colorize))
		} else {
			lines = append(lines, renderStatusLine(formatLabel(name), statusError, orDash(h.Detail), colorize))
		}
	}
	fmt.Fprintln(out, strings.Join(lines, "\n"))
	fmt.Fprintln(out)

	breakerRows := make([][]string, 0, len(status.Breakers))
	for _, b := range status.Breakers {
		breakerRows = append(breakerRows, []string{
			b.Target,
			formatLabel(b.State.String()),
			fmt.Sprintf("%d", b.ConsecutiveFailures),
			formatTimePtr(b.OpenedAt),
			formatTimePtr(b.RetryAt),
		})
	}
	if len(breakerRows) > 0 {
		fmt.Fprintln(out, renderTable(
			[]string{"Breaker", "State", "Failures", "Opened", "Retry At"},
			breakerRows,
			[]columnAlignment{alignLeft, alignLeft, alignRight},
		))
	}

	statRows := make([][]string, 0, len(status.JobStats))
	for _, s := range job.AllStatuses() {
		if count, ok := status.JobStats[s]; ok {
			statRows = append(statRows, []string{formatLabel(string(s)), fmt.Sprintf("%d", count)})
		}
	}
	if len(statRows) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Jobs", "Count"}, statRows, []columnAlignment{alignLeft, alignRight}))
	}
}

func newBreakerCommand(ctx *commandContext) *cobra.Command {
	breakerCmd := &cobra.Command{
		Use:   "breaker",
		Short: "Circuit breaker maintenance",
	}
	breakerCmd.AddCommand(&cobra.Command{
		Use:   "reset <target>",
		Short: "Close the breaker guarding a stage service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.ResetBreaker(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Breaker %s is now %s\n", resp.Target, resp.State)
				return nil
			})
		},
	})
	return breakerCmd
}

func newPurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete jobs whose retention period has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				purged, err := client.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired jobs\n", purged)
				return nil
			})
		},
	}
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Cancel all jobs, delete every record and close all breakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("reset deletes every job; rerun with --yes to confirm")
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				removed, err := client.Reset(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset complete: removed %d jobs\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the reset")
	return cmd
}
