// Package sdr implements the fixed tool catalog the SDR assistant may call:
// reading lead context, contacting the lead, logging follow-up work, moving
// the pipeline stage, booking meetings and persisting campaign state.
package sdr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/channels"
	"github.com/deangilmoreremix/contactsfeature-sub000/guardrail"
	"github.com/deangilmoreremix/contactsfeature-sub000/leads"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/tools"
)

const (
	ToolGetLeadContext      = "get_lead_context"
	ToolSendMessage         = "send_message"
	ToolCreateFollowupTask  = "create_followup_task"
	ToolUpdatePipelineStage = "update_pipeline_stage"
	ToolScheduleMeeting     = "schedule_meeting"
	ToolPersistState        = "persist_state"
)

// ErrOutOfScope is returned when a tool names a lead other than the one the
// run was started for.
var ErrOutOfScope = errors.New("lead is outside this run")

const (
	defaultActivityLimit   = 10
	defaultMeetingMinutes  = 30
	defaultMeetingLeadTime = 24 * time.Hour
)

// Deps are the collaborators the catalog needs. Guardrails may be nil.
type Deps struct {
	Leads      leads.Store
	Mailer     channels.Mailer
	Scheduler  channels.MeetingScheduler
	Autopilot  state.AutopilotStore
	Senders    SenderDirectory
	Guardrails *guardrail.Pipeline
	// AgentType is used by persist_state when the run scope carries none.
	AgentType string
	Now       func() time.Time
	Logger    *slog.Logger
}

type handlers struct {
	Deps
}

// Register adds the six SDR tools to reg.
func Register(reg *tools.Registry, deps Deps) error {
	if reg == nil {
		return fmt.Errorf("registry is required")
	}
	switch {
	case deps.Leads == nil:
		return fmt.Errorf("sdr tools: lead store is required")
	case deps.Mailer == nil:
		return fmt.Errorf("sdr tools: mailer is required")
	case deps.Scheduler == nil:
		return fmt.Errorf("sdr tools: meeting scheduler is required")
	case deps.Autopilot == nil:
		return fmt.Errorf("sdr tools: autopilot store is required")
	}
	if deps.Senders.Senders == nil {
		deps.Senders = DefaultSenderDirectory()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{Deps: deps}

	catalog := []tools.Tool{
		tools.NewTypedTool(ToolGetLeadContext,
			"Load the lead's profile, pipeline stage, recent activity history and saved campaign state. Call this first.",
			h.getLeadContext),
		tools.NewTypedTool(ToolSendMessage,
			"Send an email, SMS or LinkedIn message to the lead from a configured sender identity. The message is logged as an activity.",
			h.sendMessage),
		tools.NewTypedTool(ToolCreateFollowupTask,
			"Create a follow-up task for a human on the sales team.",
			h.createFollowupTask),
		tools.NewTypedTool(ToolUpdatePipelineStage,
			"Move the lead to another pipeline stage. Valid stages: "+strings.Join(leads.Stages, ", ")+".",
			h.updatePipelineStage),
		tools.NewTypedTool(ToolScheduleMeeting,
			"Book a meeting with the lead and return the confirmed time and join link.",
			h.scheduleMeeting),
		tools.NewTypedTool(ToolPersistState,
			"Save the campaign progress for this lead as a JSON object so a later run can continue it.",
			h.persistState),
	}
	for _, tool := range catalog {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding only the SDR catalog.
func NewRegistry(deps Deps) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if err := Register(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

// checkLead rejects lead ids that do not belong to the run in ctx. Calls made
// outside a run are not restricted.
func checkLead(ctx context.Context, leadID string) error {
	leadID = strings.TrimSpace(leadID)
	if leadID == "" {
		return fmt.Errorf("lead_id is required")
	}
	scope := tools.ScopeFrom(ctx)
	if scope.LeadID != "" && scope.LeadID != leadID {
		return fmt.Errorf("%w: %q (run lead is %q)", ErrOutOfScope, leadID, scope.LeadID)
	}
	return nil
}

func (h *handlers) agentType(ctx context.Context) string {
	if scope := tools.ScopeFrom(ctx); scope.AgentType != "" {
		return scope.AgentType
	}
	return h.AgentType
}

type leadContextArgs struct {
	LeadID        string `json:"lead_id" jsonschema_description:"Id of the lead."`
	ActivityLimit int    `json:"activity_limit,omitempty" jsonschema:"minimum=1,maximum=50" jsonschema_description:"How many recent activities to return (default 10)."`
}

type campaignView struct {
	Status    state.AutopilotStatus `json:"status"`
	State     json.RawMessage       `json:"state"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

func (h *handlers) getLeadContext(ctx context.Context, args leadContextArgs) (any, error) {
	if err := checkLead(ctx, args.LeadID); err != nil {
		return nil, err
	}
	lead, err := h.Leads.GetLead(ctx, args.LeadID)
	if err != nil {
		return nil, err
	}
	limit := args.ActivityLimit
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	activities, err := h.Leads.ListActivities(ctx, args.LeadID, limit)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"lead":              lead,
		"recent_activities": activities,
		"stages":            leads.Stages,
	}
	rec, err := h.Autopilot.LoadAutopilot(ctx, args.LeadID, h.agentType(ctx))
	if err != nil {
		return nil, fmt.Errorf("load campaign state: %w", err)
	}
	if rec != nil {
		out["campaign"] = campaignView{Status: rec.Status, State: rec.State, UpdatedAt: rec.UpdatedAt}
	}
	return out, nil
}

type sendMessageArgs struct {
	LeadID  string `json:"lead_id" jsonschema_description:"Id of the lead to contact."`
	Channel string `json:"channel,omitempty" jsonschema:"enum=email,enum=sms,enum=linkedin" jsonschema_description:"Delivery channel. Defaults to email."`
	Subject string `json:"subject,omitempty" jsonschema_description:"Subject line (email only)."`
	Body    string `json:"body" jsonschema:"minLength=1" jsonschema_description:"Message body."`
	Sender  string `json:"sender,omitempty" jsonschema_description:"Logical sender key such as sdr or ae. Defaults to the configured default sender."`
}

func (h *handlers) sendMessage(ctx context.Context, args sendMessageArgs) (any, error) {
	if err := checkLead(ctx, args.LeadID); err != nil {
		return nil, err
	}
	if args.Channel == "" {
		args.Channel = leads.ChannelEmail
	}
	lead, err := h.Leads.GetLead(ctx, args.LeadID)
	if err != nil {
		return nil, err
	}
	to, err := lead.Address(args.Channel)
	if err != nil {
		return nil, err
	}
	sender, from, err := h.Senders.Resolve(args.Sender, args.Channel)
	if err != nil {
		return nil, err
	}

	body, results, err := h.Guardrails.Enforce(ctx, args.Body)
	if err != nil {
		return nil, err
	}
	subject := args.Subject
	if subject != "" {
		var subjectResults []guardrail.Result
		subject, subjectResults, err = h.Guardrails.Enforce(ctx, subject)
		if err != nil {
			return nil, err
		}
		results = append(results, subjectResults...)
	}
	redacted := body != args.Body || subject != args.Subject

	receipt, err := h.Mailer.Send(ctx, channels.OutboundMessage{
		LeadID:   lead.ID,
		Channel:  args.Channel,
		To:       to,
		From:     from,
		FromName: sender.Name,
		Subject:  subject,
		Body:     body,
		Metadata: map[string]string{"run_id": tools.ScopeFrom(ctx).RunID},
	})
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", args.Channel, err)
	}

	out := map[string]any{
		"message_id": receipt.MessageID,
		"status":     receipt.Status,
		"channel":    args.Channel,
		"to":         to,
		"from":       from,
		"redacted":   redacted,
	}
	meta := map[string]any{
		"message_id": receipt.MessageID,
		"status":     receipt.Status,
		"to":         to,
		"from":       from,
	}
	if len(results) > 0 {
		meta["guardrails"] = guardrail.Summary(results)
	}
	activity, err := h.Leads.InsertActivity(ctx, leads.Activity{
		LeadID:   lead.ID,
		Type:     args.Channel + "_sent",
		Channel:  args.Channel,
		Subject:  subject,
		Body:     body,
		Metadata: meta,
	})
	if err != nil {
		// The message is already out; report success so the assistant does not resend.
		h.Logger.WarnContext(ctx, "message sent but activity not logged",
			slog.String("lead_id", lead.ID),
			slog.String("message_id", receipt.MessageID),
			slog.Any("error", err))
		out["activity_logged"] = false
		return out, nil
	}
	out["activity_id"] = activity.ID
	out["activity_logged"] = true
	return out, nil
}

type followupTaskArgs struct {
	LeadID      string `json:"lead_id" jsonschema_description:"Id of the lead the task is about."`
	Title       string `json:"title" jsonschema:"minLength=1"`
	Description string `json:"description,omitempty"`
	DueInDays   int    `json:"due_in_days,omitempty" jsonschema:"minimum=0,maximum=365" jsonschema_description:"Days from now until the task is due."`
	Priority    string `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high,enum=urgent"`
}

func (h *handlers) createFollowupTask(ctx context.Context, args followupTaskArgs) (any, error) {
	if err := checkLead(ctx, args.LeadID); err != nil {
		return nil, err
	}
	task := leads.Task{
		LeadID:      args.LeadID,
		Title:       args.Title,
		Description: args.Description,
		Priority:    args.Priority,
	}
	if args.DueInDays > 0 {
		due := h.Now().Add(time.Duration(args.DueInDays) * 24 * time.Hour)
		task.DueAt = &due
	}
	created, err := h.Leads.InsertTask(ctx, task)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": created}, nil
}

type pipelineStageArgs struct {
	LeadID string `json:"lead_id"`
	Stage  string `json:"stage" jsonschema_description:"Target pipeline stage."`
	Reason string `json:"reason,omitempty" jsonschema_description:"Why the stage changed."`
}

func (h *handlers) updatePipelineStage(ctx context.Context, args pipelineStageArgs) (any, error) {
	if err := checkLead(ctx, args.LeadID); err != nil {
		return nil, err
	}
	stage := strings.ToLower(strings.TrimSpace(args.Stage))
	if err := leads.CheckStage(stage); err != nil {
		return nil, err
	}
	lead, err := h.Leads.GetLead(ctx, args.LeadID)
	if err != nil {
		return nil, err
	}
	if err := h.Leads.UpdateStage(ctx, args.LeadID, stage); err != nil {
		return nil, err
	}
	out := map[string]any{"lead_id": args.LeadID, "previous_stage": lead.Stage, "stage": stage}
	_, err = h.Leads.InsertActivity(ctx, leads.Activity{
		LeadID: args.LeadID,
		Type:   "stage_change",
		Body:   args.Reason,
		Metadata: map[string]any{
			"from":   lead.Stage,
			"to":     stage,
			"reason": args.Reason,
		},
	})
	if err != nil {
		h.Logger.WarnContext(ctx, "stage updated but activity not logged",
			slog.String("lead_id", args.LeadID), slog.Any("error", err))
	}
	return out, nil
}

type scheduleMeetingArgs struct {
	LeadID          string `json:"lead_id"`
	PreferredTime   string `json:"preferred_time,omitempty" jsonschema:"format=date-time" jsonschema_description:"RFC 3339 start time. Defaults to the same time tomorrow."`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"minimum=5,maximum=240"`
	Title           string `json:"title,omitempty"`
}

func (h *handlers) scheduleMeeting(ctx context.Context, args scheduleMeetingArgs) (any, error) {
	if err := checkLead(ctx, args.LeadID); err != nil {
		return nil, err
	}
	lead, err := h.Leads.GetLead(ctx, args.LeadID)
	if err != nil {
		return nil, err
	}
	attendee, err := lead.Address(leads.ChannelEmail)
	if err != nil {
		return nil, err
	}

	start := h.Now().Add(defaultMeetingLeadTime).Truncate(time.Hour)
	if args.PreferredTime != "" {
		start, err = time.Parse(time.RFC3339, args.PreferredTime)
		if err != nil {
			return nil, fmt.Errorf("%w: preferred_time: %v", tools.ErrInvalidArguments, err)
		}
	}
	duration := args.DurationMinutes
	if duration <= 0 {
		duration = defaultMeetingMinutes
	}
	title := strings.TrimSpace(args.Title)
	if title == "" {
		title = "Intro call"
		if lead.Company != "" {
			title += " with " + lead.Company
		}
	}

	meeting, err := h.Scheduler.Schedule(ctx, channels.MeetingRequest{
		LeadID:          lead.ID,
		Attendee:        attendee,
		AttendeeName:    lead.Name(),
		Title:           title,
		PreferredTime:   start.UTC(),
		DurationMinutes: duration,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule meeting: %w", err)
	}
	event, err := h.Leads.InsertEvent(ctx, leads.Event{
		LeadID:     lead.ID,
		Title:      title,
		StartsAt:   meeting.StartsAt,
		EndsAt:     meeting.EndsAt,
		JoinURL:    meeting.JoinURL,
		ExternalID: meeting.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("record calendar event: %w", err)
	}
	return map[string]any{
		"event_id":   event.ID,
		"meeting_id": meeting.ID,
		"starts_at":  meeting.StartsAt,
		"ends_at":    meeting.EndsAt,
		"join_url":   meeting.JoinURL,
	}, nil
}

type persistStateArgs struct {
	LeadID string         `json:"lead_id"`
	State  map[string]any `json:"state" jsonschema_description:"Campaign progress as a JSON object."`
	Status string         `json:"status,omitempty" jsonschema:"enum=active,enum=paused,enum=stopped,enum=completed"`
}

func (h *handlers) persistState(ctx context.Context, args persistStateArgs) (any, error) {
	if err := checkLead(ctx, args.LeadID); err != nil {
		return nil, err
	}
	status, err := state.ParseAutopilotStatus(args.Status)
	if err != nil {
		return nil, err
	}
	if args.State == nil {
		args.State = map[string]any{}
	}
	payload, err := json.Marshal(args.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrInvalidPayload, err)
	}
	rec := state.AutopilotRecord{
		LeadID:    args.LeadID,
		AgentType: h.agentType(ctx),
		State:     payload,
		Status:    status,
		UpdatedAt: h.Now(),
	}
	if err := h.Autopilot.SaveAutopilot(ctx, rec); err != nil {
		return nil, err
	}
	return map[string]any{"lead_id": rec.LeadID, "status": rec.Status, "updated_at": rec.UpdatedAt}, nil
}
