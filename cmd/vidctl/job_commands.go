package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/vidfetch/internal/client"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

var jobColumns = []string{"ID", "Platform", "State", "Progress", "Size", "Created", "URL"}

var jobAligns = []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		req        client.SubmitRequest
		trimStart  float64
		trimEnd    float64
		container  string
		quality    string
		resolution int
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "submit <url> [url...]",
		Short: "Queue one or more downloads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				req.Trim = &models.TrimRange{Start: trimStart, End: trimEnd}
			}
			if container != "" || quality != "" || resolution != 0 {
				req.Convert = &models.ConvertSpec{Container: container, Quality: quality, Resolution: resolution}
			}
			if follow && len(args) > 1 {
				return errors.New("--watch accepts a single url")
			}

			return ctx.withClient(func(cl *client.Client) error {
				if len(args) == 1 {
					req.URL = args[0]
					job, err := cl.Submit(cmd.Context(), req)
					if err != nil {
						return err
					}
					if ctx.jsonOut {
						if err := writeJSON(cmd, job); err != nil {
							return err
						}
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Job %s queued (%s)\n", job.ID, job.Platform)
					}
					if follow {
						return watchJob(cmd, ctx, cl, job.ID)
					}
					return nil
				}

				reqs := make([]client.SubmitRequest, len(args))
				for i, u := range args {
					reqs[i] = req
					reqs[i].URL = u
				}
				items, err := cl.SubmitBatch(cmd.Context(), reqs)
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, items)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"#", "URL", "Job", "Result"},
					buildBatchRows(args, items),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Platform, "platform", "", "Platform name (detected from the url when empty)")
	f.StringVar(&req.Format, "format", "", "Format selector passed to the extractor")
	f.IntVar(&req.Priority, "priority", 0, "Higher priorities are dequeued first")
	f.Float64Var(&trimStart, "start", 0, "Trim start in seconds")
	f.Float64Var(&trimEnd, "end", 0, "Trim end in seconds (0 keeps the rest)")
	f.StringVar(&container, "convert", "", "Convert to container (mp4, webm, mkv, mp3, m4a)")
	f.StringVar(&quality, "quality", "", "Conversion quality (high, medium, low)")
	f.IntVar(&resolution, "resolution", 0, "Conversion height in pixels")
	f.BoolVarP(&follow, "watch", "w", false, "Follow progress after submitting")
	return cmd
}

func buildBatchRows(urls []string, items []client.BatchItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		u := ""
		if item.Index >= 0 && item.Index < len(urls) {
			u = truncate(urls[item.Index], maxURLColumn)
		}
		switch {
		case item.Job != nil:
			rows = append(rows, []string{fmt.Sprint(item.Index + 1), u, item.Job.ID.String(), "queued"})
		case item.Error != nil:
			rows = append(rows, []string{fmt.Sprint(item.Index + 1), u, "-", item.Error.Message})
		}
	}
	return rows
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(cl *client.Client) error {
				job, err := cl.Job(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, job)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, buildJobDetailRows(job), nil))
				return nil
			})
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		state    string
		platform string
		page     int
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List tracked jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				res, err := cl.Jobs(cmd.Context(), client.ListOptions{
					State:    models.JobState(strings.ToLower(state)),
					Platform: platform,
					Page:     page,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, map[string]any{"jobs": res.Jobs, "meta": res.Meta})
				}
				out := cmd.OutOrStdout()
				if len(res.Jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				fmt.Fprint(out, renderTable(jobColumns, buildJobRows(res.Jobs), jobAligns))
				if res.Meta.HasNext {
					fmt.Fprintf(out, "Showing page %d of %d jobs; use --page %d for more\n",
						res.Meta.Page, res.Meta.Total, res.Meta.Page+1)
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&state, "state", "", "Filter by state (queued, running, succeeded, failed, cancelled)")
	f.StringVar(&platform, "platform", "", "Filter by platform")
	f.IntVar(&page, "page", 0, "Page number")
	f.IntVar(&limit, "limit", 0, "Jobs per page")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id> [job-id...]",
		Short: "Cancel queued or running jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := parseJobID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			return ctx.withClient(func(cl *client.Client) error {
				out := cmd.OutOrStdout()
				var failed int
				for _, id := range ids {
					job, err := cl.Cancel(cmd.Context(), id)
					switch {
					case errors.Is(err, client.ErrNotFound):
						fmt.Fprintf(out, "Job %s not found\n", id)
						failed++
					case err != nil:
						var apiErr *client.APIError
						if !errors.As(err, &apiErr) {
							return err
						}
						fmt.Fprintf(out, "Job %s not cancelled: %s\n", id, apiErr.Message)
						failed++
					case job.State == models.JobStateCancelled:
						fmt.Fprintf(out, "Job %s cancelled\n", id)
					default:
						fmt.Fprintf(out, "Cancellation requested for job %s\n", id)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d jobs could not be cancelled", failed, len(ids))
				}
				return nil
			})
		},
	}
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Save a finished job's file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(cl *client.Client) error {
				dir := "."
				if output != "" {
					dir = filepath.Dir(output)
				}
				tmp, err := os.CreateTemp(dir, ".vidctl-*.part")
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer os.Remove(tmp.Name())

				name, n, err := cl.Download(cmd.Context(), id, tmp)
				if cerr := tmp.Close(); err == nil && cerr != nil {
					err = cerr
				}
				if err != nil {
					return err
				}

				dest := output
				if dest == "" {
					dest = filepath.Join(dir, filepath.Base(name))
				}
				if err := os.Rename(tmp.Name(), dest); err != nil {
					return fmt.Errorf("save %s: %w", dest, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", dest, formatSize(n))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (defaults to the server's file name)")
	return cmd
}
