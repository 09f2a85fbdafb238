package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/deangilmoreremix/contactsfeature-sub000/orchestrator"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

var (
	okColor    = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed, color.Bold)
	labelColor = color.New(color.FgCyan)
	dimColor   = color.New(color.Faint)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOutcome(w io.Writer, out types.Outcome) {
	switch {
	case out.Completed:
		fmt.Fprintf(w, "%s lead %s\n", okColor.Sprint("COMPLETED"), out.LeadID)
	case out.Retryable():
		fmt.Fprintf(w, "%s lead %s (%s, retryable)\n", warnColor.Sprint(strings.ToUpper(string(out.Kind))), out.LeadID, out.Kind)
	default:
		fmt.Fprintf(w, "%s lead %s (%s)\n", errColor.Sprint("FAILED"), out.LeadID, out.Kind)
	}
	field(w, "session", out.SessionID)
	field(w, "run", out.RunID)
	field(w, "status", string(out.Status))
	if out.RunID != "" {
		field(w, "polls", fmt.Sprint(out.Polls))
		field(w, "tool calls", fmt.Sprint(out.ToolCalls))
	}
	if out.StartedAt != nil && out.CompletedAt != nil {
		field(w, "took", out.CompletedAt.Sub(*out.StartedAt).Round(time.Millisecond).String())
	}
	if out.Error != "" {
		field(w, "error", errColor.Sprint(out.Error))
	}
	if out.Output != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, out.Output)
	}
}

func printStatus(w io.Writer, st orchestrator.Status) {
	fmt.Fprintf(w, "Autopilot %s for lead %s\n", labelColor.Sprint(st.AgentType), st.LeadID)
	if st.SessionID != "" {
		field(w, "session", st.SessionID)
	} else {
		field(w, "session", dimColor.Sprint("(none)"))
	}
	if st.Campaign == nil {
		field(w, "campaign", dimColor.Sprint("(no saved state)"))
		return
	}
	field(w, "campaign", statusColor(st.Campaign.Status).Sprint(string(st.Campaign.Status)))
	if !st.Campaign.UpdatedAt.IsZero() {
		field(w, "updated", st.Campaign.UpdatedAt.Format(time.RFC3339))
	}
	if len(st.Campaign.State) > 0 {
		fmt.Fprintln(w)
		_ = printJSON(w, st.Campaign.State)
	}
}

func printRuns(w io.Writer, runs []state.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimColor.Sprint("no runs recorded"))
		return
	}
	for _, r := range runs {
		when := ""
		if r.CreatedAt != nil {
			when = r.CreatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s  %-16s %s polls=%d tools=%d\n",
			dimColor.Sprint(when), runStatusColor(r.Status).Sprint(r.Status), r.RunID, r.Polls, r.ToolCalls)
		if r.Error != "" {
			fmt.Fprintf(w, "    %s\n", errColor.Sprint(r.Error))
		}
	}
}

func printTools(w io.Writer, defs []types.ToolDefinition) {
	for _, def := range defs {
		fmt.Fprintf(w, "%s\n    %s\n", labelColor.Sprint(def.Name), def.Description)
	}
}

func field(w io.Writer, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w, "  %s %s\n", labelColor.Sprintf("%-11s", name+":"), value)
}

func statusColor(s state.AutopilotStatus) *color.Color {
	switch s {
	case state.AutopilotActive, state.AutopilotCompleted:
		return okColor
	case state.AutopilotPaused:
		return warnColor
	default:
		return errColor
	}
}

func runStatusColor(s string) *color.Color {
	switch types.RunStatus(s) {
	case types.RunCompleted:
		return okColor
	case types.RunFailed, types.RunExpired, types.RunCancelled, types.RunIncomplete:
		return errColor
	default:
		return warnColor
	}
}
