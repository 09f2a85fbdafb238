package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	eventstore "github.com/deangilmoreremix/contactsfeature-sub000/observe/store"
)

func EventsCmd() *cobra.Command {
	var (
		runID   string
		limit   int
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "events [lead-id]",
		Short: "Replay journaled events for a lead or a run",
		Long: `Reads the event journal (AUTOPILOT_EVENTS_PATH). Pass a lead id, or
--run for a single run. --summary prints counts instead of events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID := ""
			if len(args) == 1 {
				leadID = args[0]
			}
			if leadID == "" && runID == "" && !summary {
				return errors.New("a lead id or --run is required")
			}
			return withApp(cmd, appOptions{offline: true}, func(ctx context.Context, a *app) error {
				if a.events == nil {
					return errors.New("event journal is disabled (set AUTOPILOT_EVENTS_PATH)")
				}
				w := cmd.OutOrStdout()
				if summary {
					sum, err := a.events.Summarize(ctx, eventstore.SummaryQuery{LeadID: leadID})
					if err != nil {
						return err
					}
					if jsonOutput(cmd) {
						return printJSON(w, sum)
					}
					printSummary(w, sum)
					return nil
				}

				q := eventstore.ListQuery{Limit: limit}
				var (
					events []observe.Event
					err    error
				)
				if runID != "" {
					events, err = a.events.ListEventsByRun(ctx, runID, q)
				} else {
					events, err = a.events.ListEventsByLead(ctx, leadID, q)
				}
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(w, events)
				}
				printEvents(w, events)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "only events of this run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "maximum events to list")
	cmd.Flags().BoolVar(&summary, "summary", false, "print event counts")
	return cmd
}

func printEvents(w io.Writer, events []observe.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, dimColor.Sprint("no events recorded"))
		return
	}
	for _, e := range events {
		name := e.Name
		if name == "" {
			name = string(e.Kind)
		}
		if e.ToolName != "" {
			name += " " + e.ToolName
		}
		c := warnColor
		switch e.Status {
		case observe.StatusCompleted:
			c = okColor
		case observe.StatusFailed:
			c = errColor
		}
		fmt.Fprintf(w, "%s  %-9s %s", dimColor.Sprint(e.Timestamp.Format(time.RFC3339)), c.Sprint(e.Status), name)
		if e.DurationMs > 0 {
			fmt.Fprintf(w, " %s", dimColor.Sprintf("(%dms)", e.DurationMs))
		}
		fmt.Fprintln(w)
		if e.Error != "" {
			fmt.Fprintf(w, "    %s\n", errColor.Sprint(e.Error))
		}
	}
}

func printSummary(w io.Writer, sum eventstore.Summary) {
	field(w, "runs", fmt.Sprintf("%d started, %d completed, %d failed", sum.RunsStarted, sum.RunsCompleted, sum.RunsFailed))
	field(w, "engine", fmt.Sprintf("%d calls, %d failures", sum.EngineCalls, sum.EngineFailures))
	field(w, "tools", fmt.Sprintf("%d calls, %d failures", sum.ToolCalls, sum.ToolFailures))
	field(w, "dead letters", fmt.Sprint(sum.JobsDeadLetters))
}
