package cron

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

func testManager() *Manager {
	m := NewManager(NewEngine(zerolog.Nop()), zerolog.Nop())
	m.nowMs = func() int64 { return testNow }
	return m
}

func emptyStore() *CronStore {
	return &CronStore{Version: 1, Jobs: []CronJob{}}
}

func validSpec() *JobSpec {
	return &JobSpec{
		Name:          "heartbeat",
		Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		SessionTarget: SessionIsolated,
		Payload:       Payload{Kind: PayloadAgentTurn, Message: "check in"},
	}
}

func TestCreateJobDefaults(t *testing.T) {
	m := testManager()
	store := emptyStore()

	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)
	require.Len(t, store.Jobs, 1)

	assert.Len(t, job.ID, 8)
	assert.True(t, job.Enabled)
	assert.Equal(t, testNow, job.CreatedAtMs)
	assert.Equal(t, testNow, job.UpdatedAtMs)
	// Unanchored every jobs anchor at creation time.
	assert.Equal(t, testNow, job.Schedule.AnchorMs)
	require.NotNil(t, job.State.NextRunAtMs)
	assert.Equal(t, testNow, *job.State.NextRunAtMs)
	assert.Nil(t, job.DeleteAfterRun)
}

func TestCreateJobOneShotDefaultsDeleteAfterRun(t *testing.T) {
	m := testManager()
	spec := validSpec()
	at := time.UnixMilli(testNow + 3_600_000).UTC().Format(time.RFC3339)
	spec.Schedule = Schedule{Kind: ScheduleAt, At: at}

	job, err := m.CreateJob(emptyStore(), spec)
	require.NoError(t, err)
	require.NotNil(t, job.DeleteAfterRun)
	assert.True(t, *job.DeleteAfterRun)
	require.NotNil(t, job.State.NextRunAtMs)
	assert.Equal(t, testNow+3_600_000, *job.State.NextRunAtMs)
}

func TestCreateJobSessionTargetInferred(t *testing.T) {
	m := testManager()
	spec := &JobSpec{
		Name:     "reminder",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "stretch"},
	}
	job, err := m.CreateJob(emptyStore(), spec)
	require.NoError(t, err)
	assert.Equal(t, SessionMain, job.SessionTarget)

	spec2 := validSpec()
	spec2.SessionTarget = ""
	job2, err := m.CreateJob(emptyStore(), spec2)
	require.NoError(t, err)
	assert.Equal(t, SessionIsolated, job2.SessionTarget)
}

func TestCreateJobRejections(t *testing.T) {
	m := testManager()
	past := time.UnixMilli(testNow - 1000).UTC().Format(time.RFC3339)

	cases := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"empty name", func(s *JobSpec) { s.Name = "   " }},
		{"past at", func(s *JobSpec) { s.Schedule = Schedule{Kind: ScheduleAt, At: past} }},
		{"unparseable at", func(s *JobSpec) { s.Schedule = Schedule{Kind: ScheduleAt, At: "tomorrow"} }},
		{"interval too small", func(s *JobSpec) { s.Schedule = Schedule{Kind: ScheduleEvery, EveryMs: 500} }},
		{"bad cron expr", func(s *JobSpec) { s.Schedule = Schedule{Kind: ScheduleCron, Expr: "bogus"} }},
		{"bad timezone", func(s *JobSpec) { s.Schedule = Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", Tz: "Mars/Olympus"} }},
		{"unknown schedule kind", func(s *JobSpec) { s.Schedule = Schedule{Kind: "hourly"} }},
		{"systemEvent in isolated session", func(s *JobSpec) { s.Payload = Payload{Kind: PayloadSystemEvent, Text: "x"} }},
		{"agentTurn without message", func(s *JobSpec) { s.Payload.Message = "  " }},
		{"timeout out of range", func(s *JobSpec) { s.Payload.TimeoutSeconds = 4000 }},
		{"delivery on main session", func(s *JobSpec) {
			s.SessionTarget = SessionMain
			s.Payload = Payload{Kind: PayloadSystemEvent, Text: "x"}
			s.Delivery = &Delivery{Mode: DeliveryAnnounce}
		}},
		{"unknown wake mode", func(s *JobSpec) { s.WakeMode = "whenever" }},
		{"agent id too long", func(s *JobSpec) {
			id := make([]byte, 70)
			for i := range id {
				id[i] = 'a'
			}
			s.AgentID = string(id)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := emptyStore()
			spec := validSpec()
			tc.mutate(spec)
			_, err := m.CreateJob(store, spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidJob)
			assert.Empty(t, store.Jobs)
		})
	}
}

func TestTimeoutSecondsBounds(t *testing.T) {
	m := testManager()

	// Zero means "use the default" and is accepted.
	spec := validSpec()
	spec.Payload.TimeoutSeconds = 0
	_, err := m.CreateJob(emptyStore(), spec)
	require.NoError(t, err)

	spec = validSpec()
	spec.Payload.TimeoutSeconds = 3600
	_, err = m.CreateJob(emptyStore(), spec)
	require.NoError(t, err)

	spec = validSpec()
	spec.Payload.TimeoutSeconds = 3601
	_, err = m.CreateJob(emptyStore(), spec)
	require.ErrorContains(t, err, "0..3600")
}

func TestCreateJobSanitizesAgentID(t *testing.T) {
	m := testManager()
	spec := validSpec()
	spec.AgentID = "My Agent!#01"
	job, err := m.CreateJob(emptyStore(), spec)
	require.NoError(t, err)
	assert.Equal(t, "myagent01", job.AgentID)
}

func TestApplyJobPatchBasics(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	newName := "renamed"
	off := false
	updated, err := m.ApplyJobPatch(store, job.ID, &JobPatch{Name: &newName, Enabled: &off})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.State.NextRunAtMs)
	// Untouched fields survive.
	assert.Equal(t, "check in", updated.Payload.Message)
}

func TestApplyJobPatchUnknownJob(t *testing.T) {
	m := testManager()
	name := "x"
	_, err := m.ApplyJobPatch(emptyStore(), "missing", &JobPatch{Name: &name})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestApplyJobPatchRejectionLeavesJobUntouched(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	bad := ""
	_, err = m.ApplyJobPatch(store, job.ID, &JobPatch{Name: &bad})
	require.ErrorIs(t, err, ErrInvalidJob)

	kept := store.FindJob(job.ID)
	assert.Equal(t, "heartbeat", kept.Name)
	assert.Equal(t, testNow, kept.UpdatedAtMs)
}

func TestApplyJobPatchScheduleReplacedWholesale(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	// Simulate a finished one-shot getting a new schedule.
	store.FindJob(job.ID).State.LastStatus = RunOK

	updated, err := m.ApplyJobPatch(store, job.ID, &JobPatch{
		Schedule: &Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"},
	})
	require.NoError(t, err)
	assert.Equal(t, ScheduleCron, updated.Schedule.Kind)
	assert.Zero(t, updated.Schedule.EveryMs)
	// A fresh schedule clears the exhausted marker.
	assert.Empty(t, updated.State.LastStatus)
	require.NotNil(t, updated.State.NextRunAtMs)
}

func TestApplyJobPatchPayloadMergesFieldByField(t *testing.T) {
	m := testManager()
	store := emptyStore()
	spec := validSpec()
	spec.Payload.Model = "base-model"
	job, err := m.CreateJob(store, spec)
	require.NoError(t, err)

	msg := "new message"
	updated, err := m.ApplyJobPatch(store, job.ID, &JobPatch{
		Payload: &PayloadPatch{Message: &msg},
	})
	require.NoError(t, err)
	assert.Equal(t, "new message", updated.Payload.Message)
	assert.Equal(t, "base-model", updated.Payload.Model)
}

func TestApplyJobPatchDeliveryMerge(t *testing.T) {
	m := testManager()
	store := emptyStore()
	spec := validSpec()
	spec.Delivery = &Delivery{Mode: DeliveryAnnounce, Channel: "telegram", To: "1"}
	job, err := m.CreateJob(store, spec)
	require.NoError(t, err)

	to := "2"
	updated, err := m.ApplyJobPatch(store, job.ID, &JobPatch{
		Delivery: &DeliveryPatch{To: &to},
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryAnnounce, updated.Delivery.Mode)
	assert.Equal(t, "telegram", updated.Delivery.Channel)
	assert.Equal(t, "2", updated.Delivery.To)
}

func TestApplyJobPatchLegacyHintsReachDeliveryObject(t *testing.T) {
	m := testManager()
	store := emptyStore()
	spec := validSpec()
	spec.Delivery = &Delivery{Mode: DeliveryNone}
	job, err := m.CreateJob(store, spec)
	require.NoError(t, err)

	deliver := true
	ch := "feishu"
	updated, err := m.ApplyJobPatch(store, job.ID, &JobPatch{
		Payload: &PayloadPatch{Deliver: &deliver, Channel: &ch},
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryAnnounce, updated.Delivery.Mode)
	assert.Equal(t, "feishu", updated.Delivery.Channel)
}

func TestApplyJobPatchFlipToMainClearsDelivery(t *testing.T) {
	m := testManager()
	store := emptyStore()
	spec := validSpec()
	spec.Delivery = &Delivery{Mode: DeliveryAnnounce, Channel: "telegram"}
	job, err := m.CreateJob(store, spec)
	require.NoError(t, err)

	main := SessionMain
	updated, err := m.ApplyJobPatch(store, job.ID, &JobPatch{
		SessionTarget: &main,
		Payload:       &PayloadPatch{Kind: kindPtr(PayloadSystemEvent), Text: strPtr("ping")},
	})
	require.NoError(t, err)
	assert.Equal(t, SessionMain, updated.SessionTarget)
	assert.Nil(t, updated.Delivery)
}

func kindPtr(k PayloadKind) *PayloadKind { return &k }
func strPtr(s string) *string            { return &s }

func TestRecomputeNextRunsStuckRecovery(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	stale := testNow - stuckRunThresholdMs - 1
	store.FindJob(job.ID).State.RunningAtMs = int64Ptr(stale)

	changed := m.RecomputeNextRuns(store, testNow)
	assert.True(t, changed)
	assert.Nil(t, store.FindJob(job.ID).State.RunningAtMs)
}

func TestRecomputeNextRunsKeepsFreshRunningMarker(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	store.FindJob(job.ID).State.RunningAtMs = int64Ptr(testNow - 1000)
	m.RecomputeNextRuns(store, testNow)
	assert.NotNil(t, store.FindJob(job.ID).State.RunningAtMs)
}

func TestRecomputeNextRunsDisabledJob(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	store.FindJob(job.ID).Enabled = false
	m.RecomputeNextRuns(store, testNow)
	assert.Nil(t, store.FindJob(job.ID).State.NextRunAtMs)
}

func TestRecomputeNextRunsExhaustedOneShot(t *testing.T) {
	m := testManager()
	store := emptyStore()
	spec := validSpec()
	at := time.UnixMilli(testNow + 1000).UTC().Format(time.RFC3339)
	spec.Schedule = Schedule{Kind: ScheduleAt, At: at}
	spec.DeleteAfterRun = boolPtr(false)
	job, err := m.CreateJob(store, spec)
	require.NoError(t, err)

	stored := store.FindJob(job.ID)
	stored.State.LastStatus = RunOK
	m.RecomputeNextRuns(store, testNow+5000)
	assert.Nil(t, stored.State.NextRunAtMs)
}

func TestRecomputeNextRunsMissedOneShotStillFires(t *testing.T) {
	m := testManager()
	store := emptyStore()
	spec := validSpec()
	at := time.UnixMilli(testNow + 1000).UTC().Format(time.RFC3339)
	spec.Schedule = Schedule{Kind: ScheduleAt, At: at}
	job, err := m.CreateJob(store, spec)
	require.NoError(t, err)

	// The process was down when the timestamp passed.
	later := testNow + 10_000
	m.RecomputeNextRuns(store, later)
	stored := store.FindJob(job.ID)
	require.NotNil(t, stored.State.NextRunAtMs)
	assert.True(t, m.IsJobDue(stored, later, false))
}

func TestRecomputeNextRunsKeepsElapsedOccurrence(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	stored := store.FindJob(job.ID)
	require.NotNil(t, stored.State.NextRunAtMs)
	boundary := *stored.State.NextRunAtMs

	// The boundary slipped past just before this pass; the occurrence
	// is still owed and must stay due instead of jumping forward.
	later := boundary + 5
	m.RecomputeNextRuns(store, later)
	require.NotNil(t, stored.State.NextRunAtMs)
	assert.Equal(t, boundary, *stored.State.NextRunAtMs)
	assert.True(t, m.IsJobDue(stored, later, false))
}

func TestRecomputeNextRunsAdvancesAfterRun(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	stored := store.FindJob(job.ID)
	boundary := *stored.State.NextRunAtMs
	stored.State.LastRunAtMs = int64Ptr(boundary)

	later := boundary + 5
	m.RecomputeNextRuns(store, later)
	require.NotNil(t, stored.State.NextRunAtMs)
	assert.Greater(t, *stored.State.NextRunAtMs, later)
}

func TestApplyJobPatchScheduleReplaceDropsOwedOccurrence(t *testing.T) {
	m := testManager()
	store := emptyStore()
	job, err := m.CreateJob(store, validSpec())
	require.NoError(t, err)

	stale := testNow - 90_000
	store.FindJob(job.ID).State.NextRunAtMs = int64Ptr(stale)

	updated, err := m.ApplyJobPatch(store, job.ID, &JobPatch{
		Schedule: &Schedule{Kind: ScheduleEvery, EveryMs: 120_000},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.State.NextRunAtMs)
	assert.GreaterOrEqual(t, *updated.State.NextRunAtMs, testNow)
}

func TestIsJobDue(t *testing.T) {
	m := testManager()
	job := &CronJob{Enabled: true, State: JobState{NextRunAtMs: int64Ptr(testNow)}}
	assert.True(t, m.IsJobDue(job, testNow, false))
	assert.False(t, m.IsJobDue(job, testNow-1, false))

	job.Enabled = false
	assert.False(t, m.IsJobDue(job, testNow, false))
	// Forced runs ignore the enabled flag and the schedule.
	assert.True(t, m.IsJobDue(job, testNow, true))

	// A run in flight blocks scheduled fires but not forced ones.
	job.State.RunningAtMs = int64Ptr(testNow)
	assert.False(t, m.IsJobDue(job, testNow, false))
	assert.True(t, m.IsJobDue(job, testNow, true))
}

func TestNextWakeAtMs(t *testing.T) {
	m := testManager()
	store := emptyStore()
	assert.Nil(t, m.NextWakeAtMs(store))

	store.Jobs = []CronJob{
		{ID: "a", Enabled: true, State: JobState{NextRunAtMs: int64Ptr(testNow + 5000)}},
		{ID: "b", Enabled: true, State: JobState{NextRunAtMs: int64Ptr(testNow + 2000)}},
		{ID: "c", Enabled: false, State: JobState{NextRunAtMs: int64Ptr(testNow + 1000)}},
		{ID: "d", Enabled: true, State: JobState{NextRunAtMs: int64Ptr(testNow + 500), RunningAtMs: int64Ptr(testNow)}},
	}
	wake := m.NextWakeAtMs(store)
	require.NotNil(t, wake)
	assert.Equal(t, testNow+2000, *wake)
}
