package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AgentTurnRequest describes one isolated agent execution on behalf of
// a job.
type AgentTurnRequest struct {
	JobID    string
	JobName  string
	Message  string
	Model    string
	Thinking string
	AgentID  string
}

// TurnResult is what the executor hands back for an agent turn.
type TurnResult struct {
	Status     RunStatus
	Summary    string
	OutputText string
	Error      string
}

// Executor runs job payloads. The scheduler never talks to the LLM or
// the session layer directly.
type Executor interface {
	SystemEvent(ctx context.Context, text string) error
	AgentTurn(ctx context.Context, req AgentTurnRequest) (TurnResult, error)
}

// Announcer sends isolated-job output to a chat channel according to a
// resolved plan.
type Announcer interface {
	Announce(ctx context.Context, plan DeliveryPlan, text string) error
}

// Options configures a Service.
type Options struct {
	StorePath       string
	RunLogDir       string
	PollFloor       time.Duration // loop wakes at least this often; default 30s
	HorizonDays     int           // default projection horizon
	RunLogMaxBytes  int64         // per-job log size that triggers pruning
	RunLogKeepLines int           // lines kept after a prune
}

// ServiceStatus is a read-only snapshot for the status command.
type ServiceStatus struct {
	Running      bool   `json:"running"`
	Jobs         int    `json:"jobs"`
	EnabledJobs  int    `json:"enabledJobs"`
	NextWakeAtMs *int64 `json:"nextWakeAtMs,omitempty"`
	StorePath    string `json:"storePath"`
}

// Service is the single writer of the job store. All mutations happen
// under mu; job execution happens outside it so a slow agent turn
// never blocks list/add/update traffic.
type Service struct {
	opts     Options
	manager  *Manager
	engine   *Engine
	runlog   *RunLog
	executor Executor
	announce Announcer
	log      zerolog.Logger
	nowMs    func() int64

	mu    sync.Mutex
	store *CronStore

	running bool
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func NewService(opts Options, executor Executor, announcer Announcer, log zerolog.Logger) *Service {
	if opts.PollFloor <= 0 {
		opts.PollFloor = 30 * time.Second
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	slog := log.With().Str("component", "cron.service").Logger()
	engine := NewEngine(log)
	runlog := NewRunLog(opts.RunLogDir, log)
	if opts.RunLogMaxBytes > 0 {
		runlog.MaxBytes = opts.RunLogMaxBytes
	}
	if opts.RunLogKeepLines > 0 {
		runlog.KeepLines = opts.RunLogKeepLines
	}
	return &Service{
		opts:     opts,
		manager:  NewManager(engine, log),
		engine:   engine,
		runlog:   runlog,
		executor: executor,
		announce: announcer,
		log:      slog,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		store:    LoadStore(opts.StorePath, slog),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scheduler loop. Safe to call once.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info().Str("store", s.opts.StorePath).Msg("cron service started")
	go s.loop()
}

// Stop shuts the loop down and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.log.Info().Msg("cron service stopped")
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		s.Tick()

		sleep := s.opts.PollFloor
		if wake := s.nextWake(); wake != nil {
			until := time.Duration(*wake-s.nowMs()) * time.Millisecond
			if until < 0 {
				until = 0
			}
			if until < sleep {
				sleep = until
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Service) nextWake() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.NextWakeAtMs(s.store)
}

// Kick wakes the scheduler loop without waiting for the poll floor.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Tick runs one scheduler pass: refresh next-run times, claim due
// jobs, then execute them outside the store lock.
func (s *Service) Tick() {
	now := s.nowMs()

	s.mu.Lock()
	changed := s.manager.RecomputeNextRuns(s.store, now)
	var due []CronJob
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if !s.manager.IsJobDue(job, now, false) {
			continue
		}
		job.State.RunningAtMs = int64Ptr(now)
		due = append(due, *job)
		changed = true
	}
	if changed {
		s.saveLocked()
	}
	s.mu.Unlock()

	// One slow job must not delay its batch-mates; each claimed job
	// gets its own goroutine and the pass waits for all of them.
	var wg sync.WaitGroup
	for i := range due {
		wg.Add(1)
		go func(job *CronJob) {
			defer wg.Done()
			s.execute(job, now)
		}(&due[i])
	}
	wg.Wait()
}

func (s *Service) execute(job *CronJob, runAt int64) {
	status, summary, errMsg := s.runPayload(job)
	s.recordOutcome(job.ID, runAt, status, summary, errMsg)
}

// runPayload executes one claimed job. A panic inside the executor is
// confined to this job and recorded as an error outcome.
func (s *Service) runPayload(job *CronJob) (status RunStatus, summary, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			status = RunError
			errMsg = fmt.Sprintf("panic: %v", r)
			s.log.Error().Str("job", job.ID).Interface("panic", r).Msg("job execution panicked")
		}
	}()

	ctx := context.Background()
	if t := job.Payload.TimeoutSeconds; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}

	if job.SessionTarget == SessionMain {
		if err := s.executor.SystemEvent(ctx, job.Payload.Text); err != nil {
			return RunError, "", err.Error()
		}
		return RunOK, "system event delivered", ""
	}

	result, err := s.executor.AgentTurn(ctx, AgentTurnRequest{
		JobID:    job.ID,
		JobName:  job.Name,
		Message:  job.Payload.Message,
		Model:    job.Payload.Model,
		Thinking: job.Payload.Thinking,
		AgentID:  job.AgentID,
	})
	if err != nil {
		return RunError, "", err.Error()
	}
	if result.Status == "" {
		result.Status = RunOK
	}
	if result.Status == RunError {
		return RunError, result.Summary, result.Error
	}

	plan := ResolveDeliveryPlan(job, s.log)
	if plan.Requested && result.OutputText != "" && s.announce != nil {
		if err := s.announce.Announce(ctx, plan, result.OutputText); err != nil {
			if plan.BestEffort {
				s.log.Warn().Str("job", job.ID).Err(err).Msg("best-effort delivery failed")
			} else {
				return RunError, result.Summary, fmt.Sprintf("delivery failed: %v", err)
			}
		}
	}
	return result.Status, result.Summary, result.Error
}

// recordOutcome folds an execution result back into the store and the
// run log. Successful one-shots marked deleteAfterRun are removed.
func (s *Service) recordOutcome(jobID string, runAt int64, status RunStatus, summary, errMsg string) {
	now := s.nowMs()
	duration := now - runAt

	s.mu.Lock()
	var nextRun *int64
	if job := s.store.FindJob(jobID); job != nil {
		job.State.RunningAtMs = nil
		job.State.LastRunAtMs = int64Ptr(runAt)
		job.State.LastStatus = status

		if job.Schedule.Kind == ScheduleAt && status == RunOK && deleteAfterRun(job) {
			s.removeLocked(jobID)
		} else {
			job.State.NextRunAtMs = s.manager.nextRunFor(job, now)
			nextRun = job.State.NextRunAtMs
		}
	}
	s.saveLocked()
	s.mu.Unlock()

	entry := RunLogEntry{
		Ts:          now,
		JobID:       jobID,
		Action:      "finished",
		Status:      status,
		Error:       errMsg,
		Summary:     summary,
		RunAtMs:     int64Ptr(runAt),
		DurationMs:  int64Ptr(duration),
		NextRunAtMs: nextRun,
	}
	if err := s.runlog.Append(entry); err != nil {
		s.log.Warn().Str("job", jobID).Err(err).Msg("could not append run log")
	}

	evt := s.log.Info()
	if status == RunError {
		evt = s.log.Warn()
	}
	evt.Str("job", jobID).Str("status", string(status)).Int64("durationMs", duration).Msg("job finished")
}

func (s *Service) saveLocked() {
	if err := SaveStore(s.opts.StorePath, s.store, s.log); err != nil {
		s.log.Error().Err(err).Msg("could not save cron store")
	}
}

func (s *Service) removeLocked(jobID string) bool {
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == jobID {
			s.store.Jobs = append(s.store.Jobs[:i], s.store.Jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Status reports a read-only snapshot.
func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled := 0
	for i := range s.store.Jobs {
		if s.store.Jobs[i].Enabled {
			enabled++
		}
	}
	return ServiceStatus{
		Running:      s.running,
		Jobs:         len(s.store.Jobs),
		EnabledJobs:  enabled,
		NextWakeAtMs: s.manager.NextWakeAtMs(s.store),
		StorePath:    s.opts.StorePath,
	}
}

// List returns copies of the stored jobs, optionally filtered to
// enabled ones.
func (s *Service) List(includeDisabled bool) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]CronJob, 0, len(s.store.Jobs))
	for i := range s.store.Jobs {
		if !includeDisabled && !s.store.Jobs[i].Enabled {
			continue
		}
		jobs = append(jobs, s.store.Jobs[i])
	}
	return jobs
}

// Get returns a copy of one job.
func (s *Service) Get(id string) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.store.FindJob(id)
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	copied := *job
	return &copied, nil
}

// Add creates a job from a permissive spec and persists it.
func (s *Service) Add(spec *JobSpec) (*CronJob, error) {
	s.mu.Lock()
	job, err := s.manager.CreateJob(s.store, spec)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.saveLocked()
	created := *job
	s.mu.Unlock()

	if created.WakeMode == WakeNow {
		s.Kick()
	}
	return &created, nil
}

// Update applies a partial patch and persists the result.
func (s *Service) Update(id string, patch *JobPatch) (*CronJob, error) {
	s.mu.Lock()
	job, err := s.manager.ApplyJobPatch(s.store, id, patch)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.saveLocked()
	updated := *job
	s.mu.Unlock()

	if updated.WakeMode == WakeNow {
		s.Kick()
	}
	return &updated, nil
}

// Remove deletes a job by id.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(id) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.saveLocked()
	return nil
}

// RunNow forces a job to execute immediately, bypassing its schedule
// and enabled flag. Returns an error when the job is already running.
func (s *Service) RunNow(id string) error {
	now := s.nowMs()

	s.mu.Lock()
	job := s.store.FindJob(id)
	if job == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.RunningAtMs != nil {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already running", id)
	}
	job.State.RunningAtMs = int64Ptr(now)
	claimed := *job
	s.saveLocked()
	s.mu.Unlock()

	go func() {
		s.execute(&claimed, now)
		s.Kick()
	}()
	return nil
}

// Runs returns the newest run-log entries for a job.
func (s *Service) Runs(jobID string, limit int) ([]RunLogEntry, error) {
	return s.runlog.Read(jobID, limit)
}

// ProjectRuns expands upcoming occurrences over the horizon.
func (s *Service) ProjectRuns(horizonDays int) []ProjectedRun {
	if horizonDays <= 0 {
		horizonDays = s.opts.HorizonDays
	}
	s.mu.Lock()
	jobs := make([]CronJob, len(s.store.Jobs))
	copy(jobs, s.store.Jobs)
	s.mu.Unlock()
	return s.engine.ProjectFutureRuns(jobs, s.nowMs(), horizonDays)
}

// Wake injects a system event into the main session and, in "now"
// mode, kicks the scheduler loop.
func (s *Service) Wake(mode WakeMode, text string) error {
	if text == "" {
		text = "Scheduled wake-up."
	}
	if err := s.executor.SystemEvent(context.Background(), text); err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	if mode == WakeNow {
		s.Kick()
	}
	return nil
}
