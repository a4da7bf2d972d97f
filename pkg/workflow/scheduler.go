package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentplane/agentplane/pkg/store"
)

// Scheduler fires workflow schedules on their cron expressions. One entry per
// schedule; a schedule whose previous run is still going is skipped, other
// schedules are unaffected.
type Scheduler struct {
	store    *store.Store
	executor *Executor
	cron     *cron.Cron
	parser   cron.Parser

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running map[string]bool
}

func NewScheduler(s *store.Store, x *Executor) *Scheduler {
	return &Scheduler{
		store:    s,
		executor: x,
		cron:     cron.New(),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		entries:  make(map[string]cron.EntryID),
		running:  make(map[string]bool),
	}
}

// Start registers every active schedule from the store and begins firing.
// Schedules that fail to register are logged and skipped so one bad cron
// expression does not take the rest down.
func (sc *Scheduler) Start(ctx context.Context) error {
	schedules, err := sc.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, sched := range schedules {
		if err := sc.Add(sched); err != nil {
			slog.Warn("Skipping schedule with invalid cron expression",
				"schedule_id", sched.ID, "expr", sched.CronExpr, "error", err)
		}
	}
	sc.cron.Start()
	slog.Info("Scheduler started", "schedules", len(sc.entries))
	return nil
}

// Stop halts firing and waits for in-flight jobs.
func (sc *Scheduler) Stop() {
	<-sc.cron.Stop().Done()
}

// Validate checks a cron expression without registering it.
func (sc *Scheduler) Validate(expr string) error {
	_, err := sc.parser.Parse(expr)
	return err
}

// Add registers a schedule. Adding an id that is already registered replaces
// the old entry.
func (sc *Scheduler) Add(sched *store.WorkflowSchedule) error {
	spec, err := sc.parser.Parse(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if old, ok := sc.entries[sched.ID]; ok {
		sc.cron.Remove(old)
	}
	id := sched.ID
	entry := sc.cron.Schedule(spec, cron.FuncJob(func() { sc.fire(id) }))
	sc.entries[sched.ID] = entry
	return nil
}

// Remove deregisters a schedule. Unknown ids are a no-op.
func (sc *Scheduler) Remove(scheduleID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if entry, ok := sc.entries[scheduleID]; ok {
		sc.cron.Remove(entry)
		delete(sc.entries, scheduleID)
	}
}

func (sc *Scheduler) fire(scheduleID string) {
	sc.mu.Lock()
	if sc.running[scheduleID] {
		sc.mu.Unlock()
		slog.Info("Skipping schedule, previous run still in progress", "schedule_id", scheduleID)
		return
	}
	sc.running[scheduleID] = true
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		delete(sc.running, scheduleID)
		sc.mu.Unlock()
	}()

	ctx := context.Background()
	sched, err := sc.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		slog.Warn("Scheduled workflow vanished, deregistering", "schedule_id", scheduleID, "error", err)
		sc.Remove(scheduleID)
		return
	}
	if !sched.Active {
		sc.Remove(scheduleID)
		return
	}
	wf, err := sc.store.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		slog.Error("Schedule points at missing workflow", "schedule_id", scheduleID, "workflow_id", sched.WorkflowID, "error", err)
		return
	}

	fired := time.Now().UTC()
	slog.Info("Firing scheduled workflow", "schedule_id", sched.ID, "workflow", wf.Name)

	run, err := sc.executor.Execute(ctx, wf, sched.Input, sched.OwnerID)
	if err != nil {
		slog.Error("Scheduled workflow run failed", "schedule_id", sched.ID, "workflow", wf.Name, "error", err)
	} else if run.Status == store.RunFailed {
		slog.Error("Scheduled workflow run failed", "schedule_id", sched.ID, "workflow", wf.Name, "error", run.Error)
	}

	next := fired
	if spec, err := sc.parser.Parse(sched.CronExpr); err == nil {
		next = spec.Next(fired)
	}
	if err := sc.store.TouchSchedule(ctx, sched.ID, fired, next); err != nil {
		slog.Warn("Failed to record schedule firing", "schedule_id", sched.ID, "error", err)
	}
}
