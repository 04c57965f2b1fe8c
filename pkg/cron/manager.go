package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MinEveryMs is the smallest accepted interval for "every" jobs.
	MinEveryMs = 10_000

	// A job marked running for longer than this is assumed to have
	// died with the process and its running marker is cleared.
	stuckRunThresholdMs = 2 * 60 * 60 * 1000

	maxAgentIDLen     = 64
	maxTimeoutSeconds = 3600
)

var (
	ErrInvalidJob  = errors.New("invalid job definition")
	ErrJobNotFound = errors.New("job not found")
)

// Manager owns job lifecycle: creation, patching, next-run
// maintenance, and due checks. It mutates stores handed to it but
// never persists; the Service decides when to save.
type Manager struct {
	engine *Engine
	log    zerolog.Logger
	nowMs  func() int64
}

func NewManager(engine *Engine, log zerolog.Logger) *Manager {
	return &Manager{
		engine: engine,
		log:    log.With().Str("component", "cron.manager").Logger(),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateJob validates a spec, fills defaults, and appends the new job
// to the store. The store is not saved here.
func (m *Manager) CreateJob(store *CronStore, spec *JobSpec) (*CronJob, error) {
	now := m.nowMs()

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}

	agentID, err := sanitizeAgentID(spec.AgentID)
	if err != nil {
		return nil, err
	}

	job := CronJob{
		ID:             strings.Split(uuid.NewString(), "-")[0],
		Name:           name,
		Description:    strings.TrimSpace(spec.Description),
		Enabled:        true,
		DeleteAfterRun: spec.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       spec.Schedule,
		SessionTarget:  spec.SessionTarget,
		WakeMode:       spec.WakeMode,
		Payload:        spec.Payload,
		Delivery:       spec.Delivery,
		AgentID:        agentID,
	}
	if spec.Enabled != nil {
		job.Enabled = *spec.Enabled
	}
	if job.SessionTarget == "" {
		if job.Payload.Kind == PayloadAgentTurn {
			job.SessionTarget = SessionIsolated
		} else {
			job.SessionTarget = SessionMain
		}
	}
	normalizeSchedule(&job.Schedule)
	if job.Schedule.Kind == ScheduleAt && job.DeleteAfterRun == nil {
		job.DeleteAfterRun = boolPtr(true)
	}
	if job.Schedule.Kind == ScheduleEvery && job.Schedule.AnchorMs <= 0 {
		job.Schedule.AnchorMs = now
	}

	if err := m.validateSchedule(&job.Schedule, now); err != nil {
		return nil, err
	}
	if err := validateJob(&job); err != nil {
		return nil, err
	}

	job.State.NextRunAtMs = m.nextRunFor(&job, now)
	store.Jobs = append(store.Jobs, job)
	return store.FindJob(job.ID), nil
}

// ApplyJobPatch merges a partial update into a deep clone of the job,
// re-validates the result, and only then replaces the stored job. A
// rejected patch leaves the store untouched.
func (m *Manager) ApplyJobPatch(store *CronStore, id string, patch *JobPatch) (*CronJob, error) {
	current := store.FindJob(id)
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	now := m.nowMs()

	draft, err := cloneJob(current)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		draft.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		draft.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Enabled != nil {
		draft.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		draft.DeleteAfterRun = patch.DeleteAfterRun
	}
	if patch.AgentID != nil {
		agentID, err := sanitizeAgentID(*patch.AgentID)
		if err != nil {
			return nil, err
		}
		draft.AgentID = agentID
	}
	if patch.WakeMode != nil {
		draft.WakeMode = *patch.WakeMode
	}
	if patch.SessionTarget != nil {
		draft.SessionTarget = *patch.SessionTarget
	}

	if patch.Schedule != nil {
		// Schedules replace wholesale; a one-shot that already ran
		// gets a fresh start, so the exhausted marker is cleared. Any
		// occurrence owed under the old schedule is discarded with it.
		draft.Schedule = *patch.Schedule
		normalizeSchedule(&draft.Schedule)
		if draft.Schedule.Kind == ScheduleEvery && draft.Schedule.AnchorMs <= 0 {
			draft.Schedule.AnchorMs = now
		}
		draft.State.LastStatus = ""
		draft.State.NextRunAtMs = nil
		if err := m.validateSchedule(&draft.Schedule, now); err != nil {
			return nil, err
		}
	}

	if patch.Payload != nil {
		mergePayload(&draft.Payload, patch.Payload)
	}

	switch {
	case patch.Delivery != nil:
		if draft.Delivery == nil {
			draft.Delivery = &Delivery{Mode: DeliveryNone}
		}
		mergeDelivery(draft.Delivery, patch.Delivery)
	case draft.Delivery != nil && patch.Payload != nil:
		// Legacy delivery hints in a payload patch still reach a job
		// that has been migrated to the delivery object.
		if synth := synthDeliveryPatch(patch.Payload); synth != nil {
			mergeDelivery(draft.Delivery, synth)
		}
	}

	if draft.SessionTarget == SessionMain {
		draft.Delivery = nil
	}

	if draft.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if err := validateJob(draft); err != nil {
		return nil, err
	}

	draft.UpdatedAtMs = now
	draft.State.NextRunAtMs = m.nextRunFor(draft, now)
	*current = *draft
	return current, nil
}

func cloneJob(job *CronJob) (*CronJob, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("clone job: %w", err)
	}
	var clone CronJob
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("clone job: %w", err)
	}
	return &clone, nil
}

func mergePayload(dst *Payload, p *PayloadPatch) {
	if p.Kind != nil {
		dst.Kind = *p.Kind
	}
	if p.Text != nil {
		dst.Text = *p.Text
	}
	if p.Message != nil {
		dst.Message = *p.Message
	}
	if p.Model != nil {
		dst.Model = *p.Model
	}
	if p.Thinking != nil {
		dst.Thinking = *p.Thinking
	}
	if p.TimeoutSeconds != nil {
		dst.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.Deliver != nil {
		dst.Deliver = p.Deliver
	}
	if p.Channel != nil {
		dst.Channel = *p.Channel
	}
	if p.To != nil {
		dst.To = *p.To
	}
	if p.BestEffortDeliver != nil {
		dst.BestEffortDeliver = p.BestEffortDeliver
	}
}

func mergeDelivery(dst *Delivery, p *DeliveryPatch) {
	if p.Mode != nil {
		dst.Mode = *p.Mode
	}
	if p.Channel != nil {
		dst.Channel = *p.Channel
	}
	if p.To != nil {
		dst.To = *p.To
	}
	if p.BestEffort != nil {
		dst.BestEffort = *p.BestEffort
	}
}

// synthDeliveryPatch translates legacy payload-level delivery fields
// into the modern shape. Returns nil when the patch carries none.
func synthDeliveryPatch(p *PayloadPatch) *DeliveryPatch {
	if p.Deliver == nil && p.Channel == nil && p.To == nil && p.BestEffortDeliver == nil {
		return nil
	}
	synth := &DeliveryPatch{Channel: p.Channel, To: p.To, BestEffort: p.BestEffortDeliver}
	if p.Deliver != nil {
		mode := DeliveryNone
		if *p.Deliver {
			mode = DeliveryAnnounce
		}
		synth.Mode = &mode
	}
	return synth
}

func (m *Manager) validateSchedule(s *Schedule, nowMs int64) error {
	switch s.Kind {
	case ScheduleAt:
		ts, ok := parseAt(*s)
		if !ok {
			return fmt.Errorf("%w: at requires an ISO-8601 timestamp", ErrInvalidJob)
		}
		if ts <= nowMs {
			return fmt.Errorf("%w: at timestamp is in the past", ErrInvalidJob)
		}
	case ScheduleEvery:
		if s.EveryMs < MinEveryMs {
			return fmt.Errorf("%w: everyMs must be at least %d", ErrInvalidJob, MinEveryMs)
		}
	case ScheduleCron:
		if _, err := exprParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("%w: bad cron expression %q: %v", ErrInvalidJob, s.Expr, err)
		}
		if s.Tz != "" {
			if _, err := time.LoadLocation(s.Tz); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrInvalidJob, s.Tz)
			}
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidJob, s.Kind)
	}
	return nil
}

func validateJob(job *CronJob) error {
	switch job.SessionTarget {
	case SessionMain:
		if job.Payload.Kind != PayloadSystemEvent {
			return fmt.Errorf("%w: main session requires a systemEvent payload", ErrInvalidJob)
		}
		if strings.TrimSpace(job.Payload.Text) == "" {
			return fmt.Errorf("%w: systemEvent requires text", ErrInvalidJob)
		}
		if job.Delivery != nil {
			return fmt.Errorf("%w: delivery applies only to isolated jobs", ErrInvalidJob)
		}
	case SessionIsolated:
		if job.Payload.Kind != PayloadAgentTurn {
			return fmt.Errorf("%w: isolated session requires an agentTurn payload", ErrInvalidJob)
		}
		if strings.TrimSpace(job.Payload.Message) == "" {
			return fmt.Errorf("%w: agentTurn requires message", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown session target %q", ErrInvalidJob, job.SessionTarget)
	}

	if t := job.Payload.TimeoutSeconds; t < 0 || t > maxTimeoutSeconds {
		return fmt.Errorf("%w: timeoutSeconds must be within 0..%d (0 uses the default)", ErrInvalidJob, maxTimeoutSeconds)
	}

	switch job.WakeMode {
	case "", WakeNow, WakeNextHeartbeat:
	default:
		return fmt.Errorf("%w: unknown wake mode %q", ErrInvalidJob, job.WakeMode)
	}

	if job.Delivery != nil {
		switch job.Delivery.Mode {
		case DeliveryNone, DeliveryAnnounce:
		default:
			return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidJob, job.Delivery.Mode)
		}
	}
	return nil
}

func sanitizeAgentID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	cleaned := strings.Map(func(c rune) rune {
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			return c
		}
		return -1
	}, id)
	if len(cleaned) > maxAgentIDLen {
		return "", fmt.Errorf("%w: agentId exceeds %d characters", ErrInvalidJob, maxAgentIDLen)
	}
	return cleaned, nil
}

// RecomputeNextRuns refreshes every job's nextRunAtMs and clears stuck
// running markers. Returns true when any job state changed.
func (m *Manager) RecomputeNextRuns(store *CronStore, nowMs int64) bool {
	changed := false
	for i := range store.Jobs {
		job := &store.Jobs[i]

		if job.State.RunningAtMs != nil && nowMs-*job.State.RunningAtMs > stuckRunThresholdMs {
			m.log.Warn().Str("job", job.ID).
				Int64("runningAtMs", *job.State.RunningAtMs).
				Msg("clearing stale running marker")
			job.State.RunningAtMs = nil
			changed = true
		}

		next := m.nextRunFor(job, nowMs)
		if !equalInt64Ptr(job.State.NextRunAtMs, next) {
			job.State.NextRunAtMs = next
			changed = true
		}
	}
	return changed
}

// nextRunFor is the per-job scheduling policy on top of the raw
// engine: disabled jobs and exhausted one-shots get no next run, and a
// one-shot whose time passed while the process was down still fires.
func (m *Manager) nextRunFor(job *CronJob, nowMs int64) *int64 {
	if !job.Enabled {
		return nil
	}
	if job.Schedule.Kind == ScheduleAt {
		if job.State.LastStatus == RunOK {
			return nil
		}
		ts, ok := parseAt(job.Schedule)
		if !ok {
			m.log.Warn().Str("job", job.ID).Str("at", job.Schedule.At).Msg("unparseable at timestamp")
			return nil
		}
		return int64Ptr(ts)
	}
	// An occurrence that elapsed but has not executed yet stays owed;
	// recomputing from now would silently skip it. The owed time only
	// advances once a run at or after it has been recorded.
	if next := job.State.NextRunAtMs; next != nil && *next <= nowMs {
		if job.State.LastRunAtMs == nil || *job.State.LastRunAtMs < *next {
			return next
		}
	}
	return m.engine.NextRunAt(job.Schedule, nowMs)
}

// IsJobDue reports whether a job should fire now. forced bypasses the
// schedule, the enabled flag, and the running marker; callers that must
// not overlap an in-flight run check RunningAtMs themselves.
func (m *Manager) IsJobDue(job *CronJob, nowMs int64, forced bool) bool {
	if forced {
		return true
	}
	if job.State.RunningAtMs != nil {
		return false
	}
	if !job.Enabled || job.State.NextRunAtMs == nil {
		return false
	}
	return *job.State.NextRunAtMs <= nowMs
}

// NextWakeAtMs returns the earliest upcoming run across the store, or
// nil when nothing is scheduled.
func (m *Manager) NextWakeAtMs(store *CronStore) *int64 {
	var min *int64
	for i := range store.Jobs {
		job := &store.Jobs[i]
		if !job.Enabled || job.State.NextRunAtMs == nil || job.State.RunningAtMs != nil {
			continue
		}
		if min == nil || *job.State.NextRunAtMs < *min {
			min = job.State.NextRunAtMs
		}
	}
	return min
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
