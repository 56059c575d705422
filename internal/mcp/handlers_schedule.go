package mcp

import (
	"context"
	"fmt"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/seneschal/internal/schedule"
)

// ScheduleParams is the unified params struct for the schedule tool
type ScheduleParams struct {
	Action string `json:"action" jsonschema:"required: create, list, get, update, delete, trigger, history"`

	// For create/update
	Name            string `json:"name,omitempty"`
	CronExpr        string `json:"cron_expr,omitempty" jsonschema:"standard 5-field cron expression"`
	Prompt          string `json:"prompt,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
	OverlapBehavior string `json:"overlap_behavior,omitempty" jsonschema:"skip, queue, or parallel"`
	SessionBehavior string `json:"session_behavior,omitempty" jsonschema:"resume or new"`
	WorkingDir      string `json:"working_dir,omitempty"`

	// For get, update, delete, trigger, history
	ScheduleID string `json:"schedule_id,omitempty"`

	// For list
	SessionID string `json:"session_id,omitempty"`

	// For history
	Limit int `json:"limit,omitempty"`
}

var scheduleActions = []string{"create", "list", "get", "update", "delete", "trigger", "history"}

// handleSchedule is the unified handler for the schedule tool
func (s *Server) handleSchedule(ctx context.Context, request *mcp_sdk.CallToolRequest, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("schedule", scheduleActions)
	}

	switch params.Action {
	case "create":
		return s.scheduleCreate(ctx, params)
	case "list":
		return s.scheduleList(ctx, params)
	case "get":
		return s.scheduleGet(ctx, params)
	case "update":
		return s.scheduleUpdate(ctx, params)
	case "delete":
		return s.scheduleDelete(ctx, params)
	case "trigger":
		return s.scheduleTrigger(ctx, params)
	case "history":
		return s.scheduleHistory(ctx, params)
	default:
		return nil, nil, actionError("schedule", params.Action, scheduleActions)
	}
}

func (s *Server) scheduleCreate(ctx context.Context, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	authCtx, err := requireWriteAccess(ctx)
	if err != nil {
		return nil, nil, err
	}
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	if params.CronExpr == "" {
		return nil, nil, fmt.Errorf("cron_expr is required")
	}
	if params.Prompt == "" {
		return nil, nil, fmt.Errorf("prompt is required")
	}

	tokenID, _ := getTokenInfo(authCtx)
	sched := &schedule.Schedule{
		Name:            params.Name,
		CronExpr:        params.CronExpr,
		Prompt:          params.Prompt,
		Enabled:         true,
		OverlapBehavior: schedule.OverlapBehavior(params.OverlapBehavior),
		SessionBehavior: schedule.SessionBehavior(params.SessionBehavior),
		WorkingDir:      params.WorkingDir,
		CreatorTokenID:  tokenID,
	}
	if params.Enabled != nil {
		sched.Enabled = *params.Enabled
	}

	if err := s.scheduleStore.Create(sched); err != nil {
		return nil, nil, SanitizeError(err, "create schedule")
	}
	return jsonResult(sched)
}

func (s *Server) scheduleList(ctx context.Context, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	if _, err := requireAuth(ctx); err != nil {
		return nil, nil, err
	}

	var filter *schedule.ListFilter
	if params.SessionID != "" {
		filter = &schedule.ListFilter{SessionID: params.SessionID}
	}
	schedules, err := s.scheduleStore.List(filter)
	if err != nil {
		return nil, nil, SanitizeError(err, "list schedules")
	}
	return jsonResult(schedules)
}

func (s *Server) scheduleGet(ctx context.Context, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	if _, err := requireAuth(ctx); err != nil {
		return nil, nil, err
	}
	if params.ScheduleID == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	sched, err := s.scheduleStore.Get(params.ScheduleID)
	if err != nil {
		return nil, nil, SanitizeError(err, "get schedule")
	}
	return jsonResult(sched)
}

func (s *Server) scheduleUpdate(ctx context.Context, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}
	if params.ScheduleID == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	update := &schedule.ScheduleUpdate{Enabled: params.Enabled}
	if params.Name != "" {
		update.Name = &params.Name
	}
	if params.CronExpr != "" {
		update.CronExpr = &params.CronExpr
	}
	if params.Prompt != "" {
		update.Prompt = &params.Prompt
	}
	if params.OverlapBehavior != "" {
		b := schedule.OverlapBehavior(params.OverlapBehavior)
		update.OverlapBehavior = &b
	}
	if params.SessionBehavior != "" {
		b := schedule.SessionBehavior(params.SessionBehavior)
		update.SessionBehavior = &b
	}

	if err := s.scheduleStore.Update(params.ScheduleID, update); err != nil {
		return nil, nil, SanitizeError(err, "update schedule")
	}
	sched, err := s.scheduleStore.Get(params.ScheduleID)
	if err != nil {
		return nil, nil, SanitizeError(err, "update schedule")
	}
	return jsonResult(sched)
}

func (s *Server) scheduleDelete(ctx context.Context, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}
	if params.ScheduleID == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	if err := s.scheduleStore.Delete(params.ScheduleID); err != nil {
		return nil, nil, SanitizeError(err, "delete schedule")
	}
	return NewTextResult(fmt.Sprintf("schedule %s deleted", params.ScheduleID)), nil, nil
}

func (s *Server) scheduleTrigger(ctx context.Context, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	if _, err := requireWriteAccess(ctx); err != nil {
		return nil, nil, err
	}
	if params.ScheduleID == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	sched, err := s.scheduleStore.Get(params.ScheduleID)
	if err != nil {
		return nil, nil, SanitizeError(err, "trigger schedule")
	}
	sessionID, err := s.scheduleRunner.TriggerNow(sched)
	if err != nil {
		return nil, nil, SanitizeError(err, "trigger schedule")
	}
	return NewTextResult(fmt.Sprintf("schedule %s executed in session %s", params.ScheduleID, sessionID)), nil, nil
}

func (s *Server) scheduleHistory(ctx context.Context, params ScheduleParams) (*mcp_sdk.CallToolResult, any, error) {
	if _, err := requireAuth(ctx); err != nil {
		return nil, nil, err
	}
	if params.ScheduleID == "" {
		return nil, nil, fmt.Errorf("schedule_id is required")
	}

	execs, err := s.scheduleStore.ListExecutions(params.ScheduleID, params.Limit)
	if err != nil {
		return nil, nil, SanitizeError(err, "schedule history")
	}
	return jsonResult(execs)
}
