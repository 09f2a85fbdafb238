// Package cli implements the autopilot command line: one-shot start and
// resume runs, campaign controls, and the long-running serve and worker
// processes.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deangilmoreremix/contactsfeature-sub000/internal/config"
)

// errOutcome marks a run that finished without completing. The outcome has
// already been printed, so main only sets the exit code.
var errOutcome = errors.New("autopilot run did not complete")

// IsOutcomeError reports whether err only signals a failed run outcome.
func IsOutcomeError(err error) bool { return errors.Is(err, errOutcome) }

func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:     "autopilot",
		Short:   "SDR autopilot agent run orchestrator",
		Version: version,
		Long: `autopilot drives an assistant engine through sales-development runs for a
lead: it opens or reuses the lead's session, starts a run, executes the tool
calls the assistant requests and records the outcome.

Configuration comes from the environment (and a .env file when present).`,
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("json", false, "print machine-readable JSON")

	root.AddCommand(StartCmd())
	root.AddCommand(ResumeCmd())
	root.AddCommand(PauseCmd())
	root.AddCommand(StopCmd())
	root.AddCommand(ActivateCmd())
	root.AddCommand(StatusCmd())
	root.AddCommand(RunsCmd())
	root.AddCommand(ToolsCmd())
	root.AddCommand(ServeCmd())
	root.AddCommand(WorkerCmd())
	root.AddCommand(QueueCmd())
	root.AddCommand(EventsCmd())
	return root
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// withApp loads configuration, builds the app and hands it to fn.
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn("close failed", "error", cerr)
		}
	}()
	return fn(ctx, a)
}
