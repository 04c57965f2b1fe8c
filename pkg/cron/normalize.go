package cron

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobSpec is the permissive creation input accepted from the CLI and
// the agent tool. It tolerates the legacy spellings and is normalized
// into a canonical CronJob by CreateJob.
type JobSpec struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	DeleteAfterRun *bool         `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        Payload       `json:"payload"`
	Delivery       *Delivery     `json:"delivery,omitempty"`
	AgentID        string        `json:"agentId,omitempty"`
}

// PayloadPatch updates payload fields individually; nil leaves a field
// alone.
type PayloadPatch struct {
	Kind              *PayloadKind `json:"kind,omitempty"`
	Text              *string      `json:"text,omitempty"`
	Message           *string      `json:"message,omitempty"`
	Model             *string      `json:"model,omitempty"`
	Thinking          *string      `json:"thinking,omitempty"`
	TimeoutSeconds    *int         `json:"timeoutSeconds,omitempty"`
	Deliver           *bool        `json:"deliver,omitempty"`
	Channel           *string      `json:"channel,omitempty"`
	To                *string      `json:"to,omitempty"`
	BestEffortDeliver *bool        `json:"bestEffortDeliver,omitempty"`
}

// DeliveryPatch updates delivery fields individually.
type DeliveryPatch struct {
	Mode       *DeliveryMode `json:"mode,omitempty"`
	Channel    *string       `json:"channel,omitempty"`
	To         *string       `json:"to,omitempty"`
	BestEffort *bool         `json:"bestEffort,omitempty"`
}

// JobPatch is a partial update. Schedule replaces the whole schedule;
// Payload and Delivery merge field by field.
type JobPatch struct {
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
	SessionTarget  *SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       *WakeMode      `json:"wakeMode,omitempty"`
	Payload        *PayloadPatch  `json:"payload,omitempty"`
	Delivery       *DeliveryPatch `json:"delivery,omitempty"`
	AgentID        *string        `json:"agentId,omitempty"`
}

// ParseJobSpec decodes loosely typed input (tool call arguments,
// parsed CLI JSON) into a JobSpec, applying the legacy coercions.
func ParseJobSpec(raw map[string]interface{}) (*JobSpec, error) {
	coerceLegacyInput(raw)
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	var spec JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	normalizeSchedule(&spec.Schedule)
	normalizePayloadKind(&spec.Payload.Kind)
	normalizeDeliveryMode(spec.Delivery)
	return &spec, nil
}

// ParseJobPatch decodes loosely typed input into a JobPatch.
func ParseJobPatch(raw map[string]interface{}) (*JobPatch, error) {
	coerceLegacyInput(raw)
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	var patch JobPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if patch.Schedule != nil {
		normalizeSchedule(patch.Schedule)
	}
	if patch.Payload != nil && patch.Payload.Kind != nil {
		normalizePayloadKind(patch.Payload.Kind)
	}
	if patch.Delivery != nil && patch.Delivery.Mode != nil {
		if *patch.Delivery.Mode == DeliveryMode("deliver") {
			*patch.Delivery.Mode = DeliveryAnnounce
		}
	}
	return &patch, nil
}

// coerceLegacyInput fixes spellings json.Unmarshal would otherwise
// reject, before the round-trip decode.
func coerceLegacyInput(raw map[string]interface{}) {
	if p, ok := raw["payload"].(map[string]interface{}); ok {
		switch p["kind"] {
		case "system_event":
			p["kind"] = string(PayloadSystemEvent)
		case "agent_turn":
			p["kind"] = string(PayloadAgentTurn)
		}
	}
}

// normalizeSchedule migrates the legacy numeric atMs into the
// canonical ISO at field.
func normalizeSchedule(s *Schedule) {
	if s.Kind == ScheduleAt && s.At == "" && s.AtMs > 0 {
		s.At = time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
		s.AtMs = 0
	}
}

func normalizePayloadKind(kind *PayloadKind) {
	switch *kind {
	case PayloadKind("system_event"):
		*kind = PayloadSystemEvent
	case PayloadKind("agent_turn"):
		*kind = PayloadAgentTurn
	}
}

func normalizeDeliveryMode(d *Delivery) {
	if d != nil && d.Mode == DeliveryMode("deliver") {
		d.Mode = DeliveryAnnounce
	}
}

// normalizeLoadedJob is applied to every job that survives the load
// shape check: legacy spellings from older store versions become the
// canonical ones so the rest of the code only sees one schema.
func normalizeLoadedJob(job *CronJob) {
	normalizeSchedule(&job.Schedule)
	normalizePayloadKind(&job.Payload.Kind)
	normalizeDeliveryMode(job.Delivery)
	if job.SessionTarget == "" {
		if job.Payload.Kind == PayloadAgentTurn {
			job.SessionTarget = SessionIsolated
		} else {
			job.SessionTarget = SessionMain
		}
	}
}
