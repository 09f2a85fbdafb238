package observe

import (
	"fmt"
	"strings"

	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

// FromRuntimeEvent maps an orchestrator event onto the sink model.
func FromRuntimeEvent(in types.Event) Event {
	e := Event{
		Timestamp:  in.Timestamp,
		RunID:      in.RunID,
		SessionID:  in.SessionID,
		LeadID:     in.LeadID,
		Name:       string(in.Type),
		Engine:     in.Engine,
		ToolName:   in.ToolName,
		Message:    in.Message,
		Error:      in.Error,
		DurationMs: in.DurationMs,
		Attributes: map[string]any{},
	}
	if in.Poll > 0 {
		e.Attributes["poll"] = in.Poll
	}
	if in.InvocationID != "" {
		e.Attributes["invocationId"] = in.InvocationID
	}
	if in.Status != "" {
		e.Attributes["runStatus"] = string(in.Status)
	}

	eventType := string(in.Type)
	switch {
	case strings.HasSuffix(eventType, "_tool"):
		e.Kind = KindTool
	case in.Type == types.EventRunPolled, in.Type == types.EventOutputsSubmitted, in.Type == types.EventRunRequiresAction:
		e.Kind = KindEngine
	case strings.HasPrefix(eventType, "session."):
		e.Kind = KindSession
	case strings.HasPrefix(eventType, "autopilot."):
		e.Kind = KindState
	case strings.HasPrefix(eventType, "run."):
		e.Kind = KindRun
	default:
		e.Kind = KindCustom
	}

	switch {
	case strings.Contains(eventType, "before"), strings.Contains(eventType, "started"):
		e.Status = StatusStarted
	case strings.Contains(eventType, "failed"), in.Error != "":
		e.Status = StatusFailed
	default:
		e.Status = StatusCompleted
	}

	e.SpanID = spanIDForRuntimeEvent(in)
	e.ParentSpanID = parentSpanIDForRuntimeEvent(in)
	e.Normalize()
	return e
}

func spanIDForRuntimeEvent(in types.Event) string {
	if in.RunID == "" {
		return ""
	}
	if in.InvocationID != "" {
		return fmt.Sprintf("%s:tool:%s", in.RunID, in.InvocationID)
	}
	if in.Poll > 0 {
		return fmt.Sprintf("%s:poll:%d", in.RunID, in.Poll)
	}
	return in.RunID
}

func parentSpanIDForRuntimeEvent(in types.Event) string {
	if in.RunID == "" {
		return ""
	}
	if in.InvocationID != "" || in.Poll > 0 {
		return in.RunID
	}
	return ""
}
