package cron

// ScheduleKind selects one of the three scheduling algorithms.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot, absolute timestamp
	ScheduleEvery ScheduleKind = "every" // fixed interval, anchor-aligned
	ScheduleCron  ScheduleKind = "cron"  // 5-field cron expression
)

// Schedule is a discriminated union on Kind. Only the fields belonging
// to the active kind are meaningful.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// at
	At   string `json:"at,omitempty"`   // ISO-8601, canonical
	AtMs int64  `json:"atMs,omitempty"` // legacy numeric form, normalized into At on write

	// every
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron
	Expr string `json:"expr,omitempty"`
	Tz   string `json:"tz,omitempty"` // IANA timezone, optional
}

// SessionTarget says which conversation context a job executes in.
type SessionTarget string

const (
	SessionMain     SessionTarget = "main"
	SessionIsolated SessionTarget = "isolated"
)

// WakeMode controls whether adding or forcing a job wakes the scheduler
// loop immediately or waits for the next heartbeat.
type WakeMode string

const (
	WakeNextHeartbeat WakeMode = "next-heartbeat"
	WakeNow           WakeMode = "now"
)

// PayloadKind discriminates the job payload union.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent" // main session only
	PayloadAgentTurn   PayloadKind = "agentTurn"   // isolated session only
)

// Payload is what a job does when it fires. systemEvent uses Text;
// agentTurn uses Message plus the tuning fields. Deliver, Channel, To
// and BestEffortDeliver are the deprecated payload-embedded delivery
// schema, kept so old stores keep working; see ResolveDeliveryPlan.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// agentTurn
	Message        string `json:"message,omitempty"`
	Model          string `json:"model,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`

	// legacy delivery hints
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver *bool  `json:"bestEffortDeliver,omitempty"`
}

// DeliveryMode says whether an isolated job's output is announced.
type DeliveryMode string

const (
	DeliveryNone     DeliveryMode = "none"
	DeliveryAnnounce DeliveryMode = "announce"
)

// Delivery is the modern delivery schema. Only meaningful when
// sessionTarget is "isolated".
type Delivery struct {
	Mode       DeliveryMode `json:"mode"`
	Channel    string       `json:"channel,omitempty"`
	To         string       `json:"to,omitempty"`
	BestEffort bool         `json:"bestEffort,omitempty"`
}

// RunStatus is the outcome of one execution.
type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
	RunSkipped RunStatus = "skipped"
)

// JobState is the mutable runtime part of a job. Nil means unset and
// is omitted from the persisted document.
type JobState struct {
	NextRunAtMs *int64    `json:"nextRunAtMs,omitempty"`
	RunningAtMs *int64    `json:"runningAtMs,omitempty"`
	LastRunAtMs *int64    `json:"lastRunAtMs,omitempty"`
	LastStatus  RunStatus `json:"lastStatus,omitempty"`
}

// CronJob is one persisted job definition plus its runtime state.
type CronJob struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        bool          `json:"enabled"`
	DeleteAfterRun *bool         `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        Payload       `json:"payload"`
	Delivery       *Delivery     `json:"delivery,omitempty"`
	AgentID        string        `json:"agentId,omitempty"`
	State          JobState      `json:"state"`
}

func deleteAfterRun(job *CronJob) bool {
	return job.DeleteAfterRun != nil && *job.DeleteAfterRun
}

// CronStore is the entire persisted unit. Every mutation is a
// read-modify-write of this whole document.
type CronStore struct {
	Version int       `json:"version"`
	Jobs    []CronJob `json:"jobs"`
}

// FindJob returns a pointer into Jobs, or nil.
func (s *CronStore) FindJob(id string) *CronJob {
	for i := range s.Jobs {
		if s.Jobs[i].ID == id {
			return &s.Jobs[i]
		}
	}
	return nil
}

// RunLogEntry is one line of a job's append-only execution history.
type RunLogEntry struct {
	Ts          int64     `json:"ts"`
	JobID       string    `json:"jobId"`
	Action      string    `json:"action"` // always "finished"
	Status      RunStatus `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	RunAtMs     *int64    `json:"runAtMs,omitempty"`
	DurationMs  *int64    `json:"durationMs,omitempty"`
	NextRunAtMs *int64    `json:"nextRunAtMs,omitempty"`
}

// PlanSource records which schema a DeliveryPlan was derived from.
type PlanSource string

const (
	PlanSourceDelivery PlanSource = "delivery"
	PlanSourcePayload  PlanSource = "payload"
)

// DeliveryPlan is the resolved, ephemeral answer to whether an isolated
// job's output should be announced, and where. It is never persisted.
type DeliveryPlan struct {
	Mode       DeliveryMode `json:"mode"`
	Channel    string       `json:"channel"`
	To         string       `json:"to,omitempty"`
	Source     PlanSource   `json:"source"`
	Requested  bool         `json:"requested"`
	BestEffort bool         `json:"bestEffort,omitempty"`
}

// ProjectedRun is one future occurrence of a job within a horizon.
type ProjectedRun struct {
	JobID   string `json:"jobId"`
	JobName string `json:"jobName"`
	RunAtMs int64  `json:"runAtMs"`
}

func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
