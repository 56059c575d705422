package schedule

import (
	"time"
)

// OverlapBehavior defines what to do when a schedule fires while its
// previous execution is still running
type OverlapBehavior string

const (
	OverlapSkip     OverlapBehavior = "skip"     // don't start if previous still running
	OverlapQueue    OverlapBehavior = "queue"    // queue for later (currently skips with warning)
	OverlapParallel OverlapBehavior = "parallel" // allow concurrent execution
)

// SessionBehavior defines which session a scheduled prompt lands in
type SessionBehavior string

const (
	SessionResume SessionBehavior = "resume" // reuse the pinned session (default)
	SessionNew    SessionBehavior = "new"    // create a fresh session per run
)

// Schedule is a prompt delivered to a session on a cron cadence
type Schedule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CronExpr        string          `json:"cron_expr"` // standard 5-field cron expression
	Prompt          string          `json:"prompt"`
	Enabled         bool            `json:"enabled"`
	OverlapBehavior OverlapBehavior `json:"overlap_behavior"`
	SessionBehavior SessionBehavior `json:"session_behavior"`
	// SessionID pins the target session for resume behavior. It is set
	// on first execution when session_behavior is resume.
	SessionID      string     `json:"session_id,omitempty"`
	WorkingDir     string     `json:"working_dir,omitempty"` // for sessions the schedule creates
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatorTokenID string     `json:"creator_token_id,omitempty"`
}

// ExecutionStatus represents the outcome of a schedule execution
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Execution is one run of a schedule
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"schedule_id"`
	SessionID  string          `json:"session_id,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ScheduleUpdate contains optional fields for updating a schedule
type ScheduleUpdate struct {
	Name            *string          `json:"name,omitempty"`
	CronExpr        *string          `json:"cron_expr,omitempty"`
	Prompt          *string          `json:"prompt,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
	OverlapBehavior *OverlapBehavior `json:"overlap_behavior,omitempty"`
	SessionBehavior *SessionBehavior `json:"session_behavior,omitempty"`
	SessionID       *string          `json:"session_id,omitempty"`
}

// ListFilter contains optional filters for listing schedules
type ListFilter struct {
	SessionID string // only schedules pinned to this session
	Enabled   *bool
}

// IsValidOverlapBehavior checks if the overlap behavior is valid
func IsValidOverlapBehavior(b OverlapBehavior) bool {
	return b == OverlapSkip || b == OverlapQueue || b == OverlapParallel
}

// IsValidSessionBehavior checks if the session behavior is valid
func IsValidSessionBehavior(b SessionBehavior) bool {
	return b == SessionResume || b == SessionNew
}
