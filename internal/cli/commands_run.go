package cli

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

func StartCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "start <lead-id>",
		Short: "Start an autopilot run for a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				out := a.orchestrator.Start(ctx, args[0], goal)
				return reportOutcome(cmd, out)
			})
		},
	}
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "campaign goal for this run")
	return cmd
}

func ResumeCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "resume <lead-id> [reply text]",
		Short: "Resume a lead's session with an inbound reply",
		Long: `Appends the lead's reply to their session and starts a new run.
The reply is read from the arguments, --text, or stdin when given as "-".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" && len(args) > 1 {
				text = strings.Join(args[1:], " ")
			}
			if text == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(raw)
			}
			return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
				out := a.orchestrator.Resume(ctx, args[0], text)
				return reportOutcome(cmd, out)
			})
		},
	}
	cmd.Flags().StringVarP(&text, "text", "t", "", "inbound reply text")
	return cmd
}

func reportOutcome(cmd *cobra.Command, out types.Outcome) error {
	w := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if err := printJSON(w, out); err != nil {
			return err
		}
	} else {
		printOutcome(w, out)
	}
	if !out.Completed {
		cmd.SilenceErrors = true
		return errOutcome
	}
	return nil
}
