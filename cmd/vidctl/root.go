package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "vidctl",
		Short:         "Command line client for the vidfetch download service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.server, "server", "", "vidfetch server URL (default $VIDFETCH_URL or "+defaultServer+")")
	flags.StringVar(&ctx.apiKey, "key", "", "API key (default $VIDFETCH_KEY)")
	flags.DurationVar(&ctx.timeout, "timeout", 30*time.Second, "Per-request timeout")
	flags.BoolVar(&ctx.jsonOut, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newDownloadCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))

	return rootCmd
}
