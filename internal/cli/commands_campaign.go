package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deangilmoreremix/contactsfeature-sub000/state"
)

func PauseCmd() *cobra.Command {
	return setStatusCmd("pause", "Pause a lead's campaign; new runs are refused", state.AutopilotPaused)
}

func StopCmd() *cobra.Command {
	return setStatusCmd("stop", "Stop a lead's campaign for good", state.AutopilotStopped)
}

func ActivateCmd() *cobra.Command {
	return setStatusCmd("activate", "Re-activate a paused or stopped campaign", state.AutopilotActive)
}

func setStatusCmd(use, short string, status state.AutopilotStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <lead-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{offline: true}, func(ctx context.Context, a *app) error {
				if err := a.orchestrator.SetStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s campaign for lead %s is now %s\n",
					okColor.Sprint("✓"), args[0], statusColor(status).Sprint(string(status)))
				return nil
			})
		},
	}
}

func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <lead-id>",
		Short: "Show the session and campaign state for a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{offline: true}, func(ctx context.Context, a *app) error {
				st, err := a.orchestrator.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func RunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <lead-id>",
		Short: "List recorded runs for a lead, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, appOptions{offline: true}, func(ctx context.Context, a *app) error {
				runs, err := a.orchestrator.Runs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), runs)
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	return cmd
}

func ToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools advertised to the assistant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, appOptions{offline: true}, func(_ context.Context, a *app) error {
				defs := a.registry.Definitions()
				if jsonOutput(cmd) {
					return printJSON(cmd.OutOrStdout(), defs)
				}
				printTools(cmd.OutOrStdout(), defs)
				return nil
			})
		},
	}
}
