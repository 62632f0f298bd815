package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/vidfetch/internal/client"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var (
		failures bool
		platform string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				if failures {
					return printFailures(cmd, ctx, cl, platform, limit)
				}
				st, err := cl.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, st)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Queued: %d  Running: %d/%d\n", st.Queued, st.Running, st.MaxConcurrent)
				if o := st.Owner; o != nil {
					fmt.Fprintf(out, "Yours: %d queued, %d running, %d succeeded, %d failed, %d cancelled\n",
						o.Queued, o.Running, o.Succeeded, o.Failed, o.Cancelled)
				}
				rows := buildPlatformRows(st.Platforms)
				if len(rows) == 0 {
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"Platform", "Queued", "Running", "Succeeded", "Failed", "Cancelled", "Success"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.BoolVar(&failures, "failures", false, "Group failed jobs by error instead")
	f.StringVar(&platform, "platform", "", "Only failures from this platform (with --failures)")
	f.IntVar(&limit, "limit", 0, "Maximum failure groups (with --failures)")
	return cmd
}

func printFailures(cmd *cobra.Command, ctx *commandContext, cl *client.Client, platform string, limit int) error {
	clusters, err := cl.Failures(cmd.Context(), platform, limit)
	if err != nil {
		return err
	}
	if ctx.jsonOut {
		return writeJSON(cmd, clusters)
	}
	out := cmd.OutOrStdout()
	if len(clusters) == 0 {
		fmt.Fprintln(out, "No failed jobs")
		return nil
	}

	rows := make([][]string, 0, len(clusters))
	for _, c := range clusters {
		rows = append(rows, []string{
			fmt.Sprint(c.Count),
			string(c.Kind),
			strings.Join(c.Platforms, ","),
			formatAge(c.LastSeenAt),
			truncate(c.SampleMessage, maxURLColumn),
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"Count", "Kind", "Platforms", "Last seen", "Message"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	))
	return nil
}

func buildPlatformRows(platforms map[string]*client.PlatformStats) [][]string {
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		p := platforms[name]
		rows = append(rows, []string{
			name,
			fmt.Sprint(p.Queued),
			fmt.Sprint(p.Running),
			fmt.Sprint(p.Succeeded),
			fmt.Sprint(p.Failed),
			fmt.Sprint(p.Cancelled),
			formatPercent(p.SuccessRate * 100),
		})
	}
	return rows
}
