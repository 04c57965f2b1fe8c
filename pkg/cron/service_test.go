package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu           sync.Mutex
	systemEvents []string
	turns        []AgentTurnRequest
	turnResult   TurnResult
	turnErr      error
	panicOnTurn  bool
}

func (f *fakeExecutor) SystemEvent(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemEvents = append(f.systemEvents, text)
	return nil
}

func (f *fakeExecutor) AgentTurn(ctx context.Context, req AgentTurnRequest) (TurnResult, error) {
	f.mu.Lock()
	f.turns = append(f.turns, req)
	f.mu.Unlock()
	if f.panicOnTurn {
		panic("executor exploded")
	}
	return f.turnResult, f.turnErr
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	plans []DeliveryPlan
	texts []string
	err   error
}

func (f *fakeAnnouncer) Announce(ctx context.Context, plan DeliveryPlan, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, plan)
	f.texts = append(f.texts, text)
	return f.err
}

func testService(t *testing.T, exec Executor, ann *fakeAnnouncer) *Service {
	t.Helper()
	dir := t.TempDir()
	svc := NewService(Options{
		StorePath: filepath.Join(dir, "cron", "jobs.json"),
		RunLogDir: filepath.Join(dir, "cron", "runs"),
	}, exec, ann, zerolog.Nop())
	return svc
}

func dueSpec() *JobSpec {
	return &JobSpec{
		Name:          "due job",
		Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		SessionTarget: SessionIsolated,
		Payload:       Payload{Kind: PayloadAgentTurn, Message: "do the thing"},
	}
}

func TestServiceTickExecutesDueJob(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK, Summary: "done", OutputText: "result"}}
	svc := testService(t, exec, &fakeAnnouncer{})

	job, err := svc.Add(dueSpec())
	require.NoError(t, err)

	// An unanchored every job is due immediately at its anchor.
	time.Sleep(5 * time.Millisecond)
	svc.Tick()

	require.Len(t, exec.turns, 1)
	assert.Equal(t, job.ID, exec.turns[0].JobID)
	assert.Equal(t, "do the thing", exec.turns[0].Message)

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunOK, got.State.LastStatus)
	assert.Nil(t, got.State.RunningAtMs)
	require.NotNil(t, got.State.LastRunAtMs)
	require.NotNil(t, got.State.NextRunAtMs)
	assert.Greater(t, *got.State.NextRunAtMs, *got.State.LastRunAtMs)

	runs, err := svc.Runs(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "finished", runs[0].Action)
	assert.Equal(t, RunOK, runs[0].Status)
	assert.Equal(t, "done", runs[0].Summary)
}

func TestServiceTickCatchesJustMissedBoundary(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK}}
	svc := testService(t, exec, &fakeAnnouncer{})

	job, err := svc.Add(dueSpec())
	require.NoError(t, err)
	require.NotNil(t, job.State.NextRunAtMs)

	// The boundary elapsed a few milliseconds before this pass; the
	// occurrence is owed and must execute, not slide to the next one.
	boundary := *job.State.NextRunAtMs
	svc.nowMs = func() int64 { return boundary + 5 }
	svc.Tick()

	require.Len(t, exec.turns, 1)
	assert.Equal(t, job.ID, exec.turns[0].JobID)
}

func TestServiceTickFiresEveryMinuteCron(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK}}
	svc := testService(t, exec, &fakeAnnouncer{})

	spec := dueSpec()
	spec.Schedule = Schedule{Kind: ScheduleCron, Expr: "* * * * *"}
	_, err := svc.Add(spec)
	require.NoError(t, err)

	// Ten ticks, each landing just after a minute boundary, must yield
	// ten executions even though every boundary is slightly in the past.
	clock := time.Now().Truncate(time.Minute).UnixMilli() + 60_005
	svc.nowMs = func() int64 { return clock }
	for i := 0; i < 10; i++ {
		svc.Tick()
		clock += 60_000
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Len(t, exec.turns, 10)
}

func TestServiceTickSkipsNotDueJobs(t *testing.T) {
	exec := &fakeExecutor{}
	svc := testService(t, exec, nil)

	spec := dueSpec()
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	spec.Schedule = Schedule{Kind: ScheduleAt, At: at}
	_, err := svc.Add(spec)
	require.NoError(t, err)

	svc.Tick()
	assert.Empty(t, exec.turns)
}

func TestServiceMainSessionJobSendsSystemEvent(t *testing.T) {
	exec := &fakeExecutor{}
	svc := testService(t, exec, nil)

	_, err := svc.Add(&JobSpec{
		Name:          "reminder",
		Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		SessionTarget: SessionMain,
		Payload:       Payload{Kind: PayloadSystemEvent, Text: "stand up"},
	})
	require.NoError(t, err)

	svc.Tick()
	require.Len(t, exec.systemEvents, 1)
	assert.Equal(t, "stand up", exec.systemEvents[0])
	assert.Empty(t, exec.turns)
}

func TestServiceRecordsExecutorError(t *testing.T) {
	exec := &fakeExecutor{turnErr: errors.New("model unavailable")}
	svc := testService(t, exec, nil)

	job, err := svc.Add(dueSpec())
	require.NoError(t, err)

	svc.Tick()

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunError, got.State.LastStatus)

	runs, err := svc.Runs(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunError, runs[0].Status)
	assert.Contains(t, runs[0].Error, "model unavailable")
}

func TestServiceRecoversFromExecutorPanic(t *testing.T) {
	exec := &fakeExecutor{panicOnTurn: true}
	svc := testService(t, exec, nil)

	job, err := svc.Add(dueSpec())
	require.NoError(t, err)

	svc.Tick()

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunError, got.State.LastStatus)
	assert.Nil(t, got.State.RunningAtMs)

	runs, err := svc.Runs(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "panic")
}

func TestServiceDeletesOneShotAfterSuccess(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK}}
	svc := testService(t, exec, nil)

	spec := dueSpec()
	at := time.Now().Add(1100 * time.Millisecond).UTC().Format(time.RFC3339)
	spec.Schedule = Schedule{Kind: ScheduleAt, At: at}
	job, err := svc.Add(spec)
	require.NoError(t, err)
	require.NotNil(t, job.DeleteAfterRun)

	time.Sleep(1200 * time.Millisecond)
	svc.Tick()

	require.Len(t, exec.turns, 1)
	_, err = svc.Get(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestServiceKeepsOneShotWhenDeleteAfterRunFalse(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK}}
	svc := testService(t, exec, nil)

	spec := dueSpec()
	at := time.Now().Add(1100 * time.Millisecond).UTC().Format(time.RFC3339)
	spec.Schedule = Schedule{Kind: ScheduleAt, At: at}
	spec.DeleteAfterRun = boolPtr(false)
	job, err := svc.Add(spec)
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)
	svc.Tick()

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunOK, got.State.LastStatus)
	// Exhausted, never fires again.
	assert.Nil(t, got.State.NextRunAtMs)

	svc.Tick()
	assert.Len(t, exec.turns, 1)
}

func TestServiceAnnouncesIsolatedOutput(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK, OutputText: "the answer"}}
	ann := &fakeAnnouncer{}
	svc := testService(t, exec, ann)

	spec := dueSpec()
	spec.Delivery = &Delivery{Mode: DeliveryAnnounce, Channel: "telegram", To: "42"}
	_, err := svc.Add(spec)
	require.NoError(t, err)

	svc.Tick()

	require.Len(t, ann.plans, 1)
	assert.Equal(t, "telegram", ann.plans[0].Channel)
	assert.Equal(t, "42", ann.plans[0].To)
	assert.Equal(t, "the answer", ann.texts[0])
}

func TestServiceDeliveryFailureMarksError(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK, OutputText: "out"}}
	ann := &fakeAnnouncer{err: errors.New("channel down")}
	svc := testService(t, exec, ann)

	spec := dueSpec()
	spec.Delivery = &Delivery{Mode: DeliveryAnnounce, Channel: "telegram"}
	job, err := svc.Add(spec)
	require.NoError(t, err)

	svc.Tick()

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunError, got.State.LastStatus)
}

func TestServiceBestEffortDeliveryFailureStaysOK(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK, OutputText: "out"}}
	ann := &fakeAnnouncer{err: errors.New("channel down")}
	svc := testService(t, exec, ann)

	spec := dueSpec()
	spec.Delivery = &Delivery{Mode: DeliveryAnnounce, Channel: "telegram", BestEffort: true}
	job, err := svc.Add(spec)
	require.NoError(t, err)

	svc.Tick()

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunOK, got.State.LastStatus)
}

func TestServiceRunNowForcesDisabledJob(t *testing.T) {
	exec := &fakeExecutor{turnResult: TurnResult{Status: RunOK}}
	svc := testService(t, exec, nil)

	spec := dueSpec()
	off := false
	spec.Enabled = &off
	job, err := svc.Add(spec)
	require.NoError(t, err)

	svc.Tick()
	assert.Empty(t, exec.turns)

	require.NoError(t, svc.RunNow(job.ID))
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.turns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, svc.RunNow("nope"), ErrJobNotFound)
}

type gateExecutor struct {
	started chan string
	release chan struct{}
}

func (g *gateExecutor) SystemEvent(ctx context.Context, text string) error { return nil }

func (g *gateExecutor) AgentTurn(ctx context.Context, req AgentTurnRequest) (TurnResult, error) {
	g.started <- req.JobName
	<-g.release
	return TurnResult{Status: RunOK}, nil
}

func TestServiceTickRunsDueJobsConcurrently(t *testing.T) {
	exec := &gateExecutor{started: make(chan string, 2), release: make(chan struct{})}
	svc := testService(t, exec, nil)

	_, err := svc.Add(dueSpec())
	require.NoError(t, err)
	spec := dueSpec()
	spec.Name = "second due job"
	_, err = svc.Add(spec)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		svc.Tick()
		close(done)
	}()

	// Both jobs must be in flight while neither has finished.
	for i := 0; i < 2; i++ {
		select {
		case <-exec.started:
		case <-time.After(2 * time.Second):
			t.Fatal("due jobs did not start together")
		}
	}
	close(exec.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not finish")
	}
}

func TestServiceRunNowRejectsInFlightJob(t *testing.T) {
	exec := &gateExecutor{started: make(chan string, 1), release: make(chan struct{})}
	svc := testService(t, exec, nil)

	spec := dueSpec()
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	spec.Schedule = Schedule{Kind: ScheduleAt, At: at}
	spec.DeleteAfterRun = boolPtr(false)
	job, err := svc.Add(spec)
	require.NoError(t, err)

	require.NoError(t, svc.RunNow(job.ID))
	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("forced run did not start")
	}

	err = svc.RunNow(job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	close(exec.release)
}

func TestServiceUpdateAndRemove(t *testing.T) {
	svc := testService(t, &fakeExecutor{}, nil)

	job, err := svc.Add(dueSpec())
	require.NoError(t, err)

	name := "renamed"
	updated, err := svc.Update(job.ID, &JobPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	require.NoError(t, svc.Remove(job.ID))
	assert.ErrorIs(t, svc.Remove(job.ID), ErrJobNotFound)
	assert.Empty(t, svc.List(true))
}

func TestServiceListFiltersDisabled(t *testing.T) {
	svc := testService(t, &fakeExecutor{}, nil)

	_, err := svc.Add(dueSpec())
	require.NoError(t, err)
	spec := dueSpec()
	off := false
	spec.Enabled = &off
	spec.Name = "disabled one"
	_, err = svc.Add(spec)
	require.NoError(t, err)

	assert.Len(t, svc.List(false), 1)
	assert.Len(t, svc.List(true), 2)
}

func TestServiceStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		StorePath: filepath.Join(dir, "jobs.json"),
		RunLogDir: filepath.Join(dir, "runs"),
	}
	svc := NewService(opts, &fakeExecutor{}, nil, zerolog.Nop())
	job, err := svc.Add(dueSpec())
	require.NoError(t, err)

	svc2 := NewService(opts, &fakeExecutor{}, nil, zerolog.Nop())
	got, err := svc2.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "due job", got.Name)
}

func TestServiceStatus(t *testing.T) {
	svc := testService(t, &fakeExecutor{}, nil)
	_, err := svc.Add(dueSpec())
	require.NoError(t, err)

	st := svc.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.Jobs)
	assert.Equal(t, 1, st.EnabledJobs)
	assert.NotNil(t, st.NextWakeAtMs)
}

func TestServiceWakeSendsSystemEvent(t *testing.T) {
	exec := &fakeExecutor{}
	svc := testService(t, exec, nil)

	require.NoError(t, svc.Wake(WakeNow, "good morning"))
	require.Len(t, exec.systemEvents, 1)
	assert.Equal(t, "good morning", exec.systemEvents[0])
}

func TestServiceProjectRuns(t *testing.T) {
	svc := testService(t, &fakeExecutor{}, nil)
	spec := dueSpec()
	spec.Schedule = Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", Tz: "UTC"}
	_, err := svc.Add(spec)
	require.NoError(t, err)

	runs := svc.ProjectRuns(7)
	assert.GreaterOrEqual(t, len(runs), 6)
	assert.LessOrEqual(t, len(runs), 8)
}
