package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/seneschal/internal/logger"
)

// ExecutionFunc delivers a schedule's prompt. It returns the session the
// prompt landed in, so new-session schedules surface what they created.
type ExecutionFunc func(ctx context.Context, schedule *Schedule) (string, error)

// Runner fires due schedules once a minute
type Runner struct {
	store       *Store
	executeFunc ExecutionFunc
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// running executions per schedule, for overlap handling
	running   map[string]int
	runningMu sync.Mutex
}

// NewRunner creates a new schedule runner
func NewRunner(store *Store, executeFunc ExecutionFunc) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       store,
		executeFunc: executeFunc,
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]int),
	}
}

// Start begins the scheduler loop
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	logger.Info("schedule runner started")
}

// Stop gracefully stops the runner and waits for in-flight executions
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	logger.Info("schedule runner stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	r.checkDueSchedules()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkDueSchedules()
		}
	}
}

func (r *Runner) checkDueSchedules() {
	now := time.Now()
	schedules, err := r.store.ListDue(now)
	if err != nil {
		logger.Error("failed to list due schedules: %v", err)
		return
	}

	for _, schedule := range schedules {
		r.executeSchedule(schedule)
	}
}

// executeSchedule fires one schedule, honoring its overlap behavior
func (r *Runner) executeSchedule(schedule *Schedule) {
	r.runningMu.Lock()
	runningCount := r.running[schedule.ID]

	if runningCount > 0 && schedule.OverlapBehavior != OverlapParallel {
		r.runningMu.Unlock()
		reason := "previous execution still running"
		if schedule.OverlapBehavior == OverlapQueue {
			// Queueing is not implemented; a skipped record keeps the
			// history honest
			reason += " (queue not implemented)"
		}
		logger.Info("skipping schedule %s (%s): %s", schedule.ID, schedule.Name, reason)
		r.recordSkipped(schedule, reason)
		r.advanceRunTimes(schedule, time.Now())
		return
	}

	r.running[schedule.ID]++
	r.runningMu.Unlock()

	// Execute off the ticker goroutine
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.runningMu.Lock()
			r.running[schedule.ID]--
			if r.running[schedule.ID] == 0 {
				delete(r.running, schedule.ID)
			}
			r.runningMu.Unlock()
		}()

		r.runSchedule(schedule)
	}()
}

func (r *Runner) runSchedule(schedule *Schedule) {
	now := time.Now()
	logger.Info("executing schedule %s (%s)", schedule.ID, schedule.Name)

	sessionID, err := r.executeFunc(r.ctx, schedule)

	exec := &Execution{
		ScheduleID: schedule.ID,
		SessionID:  sessionID,
		ExecutedAt: now,
		Status:     ExecutionSuccess,
		DurationMs: time.Since(now).Milliseconds(),
	}
	if err != nil {
		logger.Error("failed to execute schedule %s: %v", schedule.ID, err)
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	}
	if recErr := r.store.RecordExecution(exec); recErr != nil {
		logger.Error("failed to record execution for schedule %s: %v", schedule.ID, recErr)
	}

	// A resume schedule adopts the session its first run created
	if err == nil && schedule.SessionBehavior == SessionResume &&
		schedule.SessionID == "" && sessionID != "" {
		if pinErr := r.store.PinSession(schedule.ID, sessionID); pinErr != nil {
			logger.Error("failed to pin session for schedule %s: %v", schedule.ID, pinErr)
		}
	}

	r.advanceRunTimes(schedule, now)
}

func (r *Runner) advanceRunTimes(schedule *Schedule, now time.Time) {
	nextRun, err := NextRun(schedule.CronExpr, now)
	if err != nil {
		logger.Error("failed to calculate next run for schedule %s: %v", schedule.ID, err)
		return
	}
	if err := r.store.UpdateRunTimes(schedule.ID, now, nextRun); err != nil {
		logger.Error("failed to update run times for schedule %s: %v", schedule.ID, err)
	}
}

// IsRunning returns the number of running executions for a schedule
func (r *Runner) IsRunning(scheduleID string) int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running[scheduleID]
}

// TriggerNow manually fires a schedule, bypassing the cron cadence. Run
// times are not advanced; the next scheduled fire stands.
func (r *Runner) TriggerNow(schedule *Schedule) (string, error) {
	logger.Info("manually triggering schedule %s (%s)", schedule.ID, schedule.Name)

	now := time.Now()
	sessionID, err := r.executeFunc(r.ctx, schedule)

	exec := &Execution{
		ScheduleID: schedule.ID,
		SessionID:  sessionID,
		ExecutedAt: now,
		Status:     ExecutionSuccess,
		DurationMs: time.Since(now).Milliseconds(),
	}
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	}
	if recErr := r.store.RecordExecution(exec); recErr != nil {
		logger.Error("failed to record execution for schedule %s: %v", schedule.ID, recErr)
	}

	return sessionID, err
}

func (r *Runner) recordSkipped(schedule *Schedule, reason string) {
	exec := &Execution{
		ScheduleID: schedule.ID,
		SessionID:  schedule.SessionID,
		ExecutedAt: time.Now(),
		Status:     ExecutionSkipped,
		Error:      reason,
	}
	if err := r.store.RecordExecution(exec); err != nil {
		logger.Error("failed to record skipped execution for schedule %s: %v", schedule.ID, err)
	}
}
