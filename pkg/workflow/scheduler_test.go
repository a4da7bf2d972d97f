package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

func TestSchedulerValidate(t *testing.T) {
	sc := NewScheduler(nil, nil)

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every five minutes", "*/5 * * * *", false},
		{"daily at nine", "0 9 * * *", false},
		{"weekdays", "30 8 * * 1-5", false},
		{"six fields", "0 0 9 * * *", true},
		{"garbage", "whenever", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sc.Validate(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedulerAddRemove(t *testing.T) {
	sc := NewScheduler(nil, nil)

	sched := &store.WorkflowSchedule{ID: "sch1", CronExpr: "*/5 * * * *"}
	require.NoError(t, sc.Add(sched))
	assert.Len(t, sc.entries, 1)

	sched.CronExpr = "0 * * * *"
	require.NoError(t, sc.Add(sched))
	assert.Len(t, sc.entries, 1)

	require.Error(t, sc.Add(&store.WorkflowSchedule{ID: "sch2", CronExpr: "not a cron"}))
	assert.Len(t, sc.entries, 1)

	sc.Remove("sch1")
	assert.Empty(t, sc.entries)
	sc.Remove("never-registered")
}

func TestSchedulerFireRunsWorkflowAndTouches(t *testing.T) {
	provider := &fakeProvider{scripts: [][]llms.StreamChunk{streamScript("scheduled output")}}
	x, s := newExecutor(t, provider)
	sc := NewScheduler(s, x)

	ctx := context.Background()
	wf := &store.Workflow{OwnerID: "u1", Name: "nightly", Steps: []store.WorkflowStep{
		{Order: 0, Task: "Do the nightly digest", AgentID: "a1"},
	}}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	sched := &store.WorkflowSchedule{WorkflowID: wf.ID, OwnerID: "u1", CronExpr: "0 2 * * *", Input: "go", Active: true}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	sc.fire(sched.ID)

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(*got.LastRunAt))
}

func TestSchedulerFireSkipsWhileRunning(t *testing.T) {
	provider := &fakeProvider{}
	x, s := newExecutor(t, provider)
	sc := NewScheduler(s, x)

	ctx := context.Background()
	wf := &store.Workflow{OwnerID: "u1", Name: "slow", Steps: []store.WorkflowStep{
		{Order: 0, Task: "Do it", AgentID: "a1"},
	}}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	sched := &store.WorkflowSchedule{WorkflowID: wf.ID, OwnerID: "u1", CronExpr: "* * * * *", Input: "go", Active: true}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	sc.running[sched.ID] = true
	sc.fire(sched.ID)

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastRunAt)
}

func TestSchedulerFireDeregistersInactive(t *testing.T) {
	provider := &fakeProvider{}
	x, s := newExecutor(t, provider)
	sc := NewScheduler(s, x)

	ctx := context.Background()
	wf := &store.Workflow{OwnerID: "u1", Name: "paused", Steps: []store.WorkflowStep{
		{Order: 0, Task: "Do it", AgentID: "a1"},
	}}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	sched := &store.WorkflowSchedule{WorkflowID: wf.ID, OwnerID: "u1", CronExpr: "* * * * *", Input: "go", Active: false}
	require.NoError(t, s.CreateSchedule(ctx, sched))
	require.NoError(t, sc.Add(sched))

	sc.fire(sched.ID)
	assert.Empty(t, sc.entries)
}
