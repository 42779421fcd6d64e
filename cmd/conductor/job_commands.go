package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"conductor/internal/apiclient"
	"conductor/internal/events"
	"conductor/internal/job"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var language string
	var options []string
	var wait bool
	var format string

	cmd := &cobra.Command{
		Use:   "submit <source-url>",
		Short: "Submit a media URL to the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateFormat(format)
			if err != nil {
				return err
			}
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			input := job.Input{SourceURL: strings.TrimSpace(args[0]), Language: language, Options: opts}

			return ctx.withClient(func(client *apiclient.Client) error {
				resp, err := client.Submit(cmd.Context(), input)
				if err != nil {
					return err
				}
				if !wait {
					if format != formatTable {
						return writeStructured(cmd, format, resp)
					}
					out := cmd.OutOrStdout()
					if resp.Existing {
						fmt.Fprintf(out, "Job %s already exists (%s)\n", resp.JobID, formatLabel(string(resp.Status)))
					} else {
						fmt.Fprintf(out, "Submitted job %s\n", resp.JobID)
					}
					return nil
				}

				final, err := waitForJob(cmd.Context(), client, resp.JobID, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if format != formatTable {
					if err := writeStructured(cmd, format, final); err != nil {
						return err
					}
				} else {
					renderJob(cmd.OutOrStdout(), final)
				}
				if final.Status == job.StatusFailed {
					return fmt.Errorf("job %s failed", final.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "Spoken language hint")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "Stage option as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish and print the result")
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, json or yaml")
	return cmd
}

func parseOptions(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q (expected key=value)", value)
		}
		out[key] = strings.TrimSpace(val)
	}
	return out, nil
}

// waitForJob follows the live stream until the job is terminal, printing
// progress changes to progress.
func waitForJob(ctx context.Context, client *apiclient.Client, id string, progress io.Writer) (*job.Job, error) {
	current, err := client.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		fmt.Fprintln(progress, progressLine(current))
		return current, nil
	}
	last := ""
	err = client.Watch(ctx, id, 0, func(evt events.Event) error {
		if evt.Type == events.TypeJobRemove {
			return fmt.Errorf("job %s was removed", id)
		}
		if evt.Job == nil {
			return nil
		}
		current = evt.Job
		line := progressLine(current)
		if line != last {
			fmt.Fprintln(progress, line)
			last = line
		}
		if current.IsTerminal() {
			return apiclient.ErrStopWatching
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client.Get(ctx, id)
}

func progressLine(j *job.Job) string {
	line := fmt.Sprintf("%s  %-12s %6s", j.ID, formatLabel(string(j.Status)), formatPercent(j.OverallProgress))
	if st, ok := j.RunningStage(); ok {
		line += fmt.Sprintf("  %s %s", st, formatPercent(j.Stage(st).Progress))
	}
	if j.Error != nil {
		line += fmt.Sprintf("  %s: %s", j.Error.Kind, j.Error.Message)
	}
	return line
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its stages and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateFormat(format)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				j, err := client.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if format != formatTable {
					return writeStructured(cmd, format, j)
				}
				renderJob(cmd.OutOrStdout(), j)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, json or yaml")
	return cmd
}

func renderJob(out io.Writer, j *job.Job) {
	rows := [][]string{
		{"ID", j.ID},
		{"Status", formatLabel(string(j.Status))},
		{"Progress", formatPercent(j.OverallProgress)},
		{"Source", j.Input.SourceURL},
		{"Language", orDash(j.Input.Language)},
		{"Created", formatTime(j.CreatedAt)},
		{"Updated", formatTime(j.UpdatedAt)},
		{"Completed", formatTimePtr(j.CompletedAt)},
		{"Expires", formatTime(j.ExpiresAt)},
	}
	if j.Error != nil {
		rows = append(rows,
			[]string{"Error", fmt.Sprintf("%s: %s", j.Error.Kind, j.Error.Message)},
			[]string{"Failed Stage", orDash(string(j.Error.Stage))},
			[]string{"Retry Later", yesNo(j.Error.Retryable)},
		)
	}
	if j.Result != nil {
		rows = append(rows,
			[]string{"Transcript", orDash(truncateText(j.Result.Text, 80))},
			[]string{"Result Language", orDash(j.Result.Language)},
			[]string{"Artifact", orDash(j.Result.ArtifactPath)},
		)
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))

	stageRows := make([][]string, 0, len(job.Stages()))
	for _, st := range job.Stages() {
		record := j.Stage(st)
		if record == nil {
			continue
		}
		stageRows = append(stageRows, []string{
			formatLabel(string(st)),
			formatLabel(string(record.Status)),
			formatPercent(record.Progress),
			orDash(record.RemoteJobID),
			formatTimePtr(record.StartedAt),
			formatTimePtr(record.CompletedAt),
			orDash(record.Error),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Status", "Progress", "Remote Job", "Started", "Completed", "Error"},
		stageRows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	))
}

func truncateText(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var statuses []string
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateFormat(format)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *apiclient.Client) error {
				jobs, err := client.List(cmd.Context(), limit, statuses)
				if err != nil {
					return err
				}
				if format != formatTable {
					return writeStructured(cmd, format, jobs)
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs found")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, s := range jobs {
					rows = append(rows, []string{
						s.ID,
						formatLabel(string(s.Status)),
						formatPercent(s.OverallProgress),
						s.SourceURL,
						formatTime(s.CreatedAt),
						orDash(string(s.ErrorKind)),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Status", "Progress", "Source", "Created", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of jobs (server default 20, max 500)")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only show jobs with these statuses")
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, json or yaml")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's live updates until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return ctx.withClient(func(client *apiclient.Client) error {
				if _, err := client.Get(cmd.Context(), id); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				last := ""
				return client.Watch(cmd.Context(), id, 0, func(evt events.Event) error {
					if jsonOut {
						if err := writeJSON(cmd, evt); err != nil {
							return err
						}
					} else if evt.Job != nil {
						if line := progressLine(evt.Job); line != last {
							fmt.Fprintln(out, line)
							last = line
						}
					}
					if evt.Type == events.TypeJobRemove || (evt.Job != nil && evt.Job.IsTerminal()) {
						return apiclient.ErrStopWatching
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print raw events as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *apiclient.Client) error {
				j, err := client.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, j)
				}
				stage := "before any stage started"
				if j.Error != nil && j.Error.Stage != "" {
					stage = "during " + string(j.Error.Stage)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Canceled job %s %s\n", j.ID, stage)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the final job snapshot as JSON")
	return cmd
}
