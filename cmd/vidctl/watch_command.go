package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/vidfetch/internal/client"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(cl *client.Client) error {
				return watchJob(cmd, ctx, cl, id)
			})
		},
	}
}

// watchJob prints progress until the terminal event. A job that ends in
// failure or cancellation is reported as an error so the exit status reflects it.
func watchJob(cmd *cobra.Command, ctx *commandContext, cl *client.Client, id uuid.UUID) error {
	out := cmd.OutOrStdout()
	var final models.ProgressEvent
	err := cl.Watch(cmd.Context(), id, func(evt models.ProgressEvent) error {
		if evt.Terminal {
			final = evt
		}
		if ctx.jsonOut {
			return writeJSON(cmd, evt)
		}
		fmt.Fprintln(out, formatEvent(evt))
		return nil
	})
	if err != nil {
		return err
	}

	switch final.State {
	case models.JobStateSucceeded:
		if !ctx.jsonOut {
			fmt.Fprintf(out, "Job %s succeeded; fetch it with `vidctl download %s`\n", id, id)
		}
		return nil
	case models.JobStateFailed:
		if final.Error != nil {
			return fmt.Errorf("job %s failed: %s: %s", id, final.Error.Kind, final.Error.Message)
		}
		return fmt.Errorf("job %s failed", id)
	default:
		return fmt.Errorf("job %s %s", id, final.State)
	}
}
