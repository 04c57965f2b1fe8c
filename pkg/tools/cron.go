package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wubox3/microclaw/pkg/cron"
)

// CronTool lets the agent manage scheduled jobs.
type CronTool struct {
	BaseTool
	Service *cron.Service
	Channel string
	ChatID  string
}

func NewCronTool(service *cron.Service) *CronTool {
	return &CronTool{Service: service}
}

// SetContext records the session the current conversation runs in, so
// new jobs can default their delivery target to it.
func (t *CronTool) SetContext(channel, chatID string) {
	t.Channel = channel
	t.ChatID = chatID
}

func (t *CronTool) Name() string {
	return "cron"
}

func (t *CronTool) Description() string {
	return "Manage scheduled jobs: reminders, recurring tasks, and background agent runs. " +
		"Actions: status, list, add, update, remove, run, runs, project, wake."
}

func (t *CronTool) ToSchema() map[string]interface{} {
	return GenerateSchema(t)
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"status", "list", "add", "update", "remove", "run", "runs", "project", "wake"},
				"description": "Action to perform",
			},
			"job": map[string]interface{}{
				"type": "object",
				"description": "Job definition (for add). Fields: name, schedule {kind: at|every|cron, " +
					"at (ISO-8601), everyMs, expr, tz}, payload {kind: systemEvent|agentTurn, text, message, model}, " +
					"sessionTarget (main|isolated), delivery {mode: none|announce, channel, to}, enabled, deleteAfterRun",
			},
			"patch": map[string]interface{}{
				"type":        "object",
				"description": "Partial update (for update). Same fields as job; schedule replaces, payload/delivery merge",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job ID (for update, remove, run, runs)",
			},
			"include_disabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Include disabled jobs (for list)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max run history entries to return (for runs)",
			},
			"days": map[string]interface{}{
				"type":        "integer",
				"description": "Projection horizon in days (for project)",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Wake-up text injected into the conversation (for wake)",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"now", "next-heartbeat"},
				"description": "Wake mode (for wake)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(args map[string]interface{}) (string, error) {
	action, ok := args["action"].(string)
	if !ok {
		return "", fmt.Errorf("action must be a string")
	}

	switch action {
	case "status":
		return t.status()
	case "list":
		include, _ := args["include_disabled"].(bool)
		return t.list(include)
	case "add":
		jobRaw, _ := args["job"].(map[string]interface{})
		return t.add(jobRaw)
	case "update":
		jobID, _ := args["job_id"].(string)
		patchRaw, _ := args["patch"].(map[string]interface{})
		return t.update(jobID, patchRaw)
	case "remove":
		jobID, _ := args["job_id"].(string)
		return t.remove(jobID)
	case "run":
		jobID, _ := args["job_id"].(string)
		return t.run(jobID)
	case "runs":
		jobID, _ := args["job_id"].(string)
		limit, _ := args["limit"].(float64)
		return t.runs(jobID, int(limit))
	case "project":
		days, _ := args["days"].(float64)
		return t.project(int(days))
	case "wake":
		text, _ := args["text"].(string)
		mode, _ := args["mode"].(string)
		return t.wake(text, mode)
	default:
		return fmt.Sprintf("Unknown action: %s", action), nil
	}
}

func (t *CronTool) status() (string, error) {
	data, err := json.MarshalIndent(t.Service.Status(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *CronTool) list(includeDisabled bool) (string, error) {
	jobs := t.Service.List(includeDisabled)
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}

	var sb strings.Builder
	sb.WriteString("Scheduled jobs:\n")
	for _, j := range jobs {
		sb.WriteString(fmt.Sprintf("- %s (id: %s, %s%s", j.Name, j.ID, describeSchedule(j.Schedule), describeNextRun(&j)))
		if !j.Enabled {
			sb.WriteString(", disabled")
		}
		sb.WriteString(")\n")
	}
	return sb.String(), nil
}

func (t *CronTool) add(raw map[string]interface{}) (string, error) {
	if raw == nil {
		return "Error: job object is required for add", nil
	}
	spec, err := cron.ParseJobSpec(raw)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	// Default the delivery target to the current conversation when the
	// job wants an announce but names no destination.
	if spec.Delivery != nil && spec.Delivery.Mode == cron.DeliveryAnnounce && t.Channel != "" {
		if spec.Delivery.Channel == "" || spec.Delivery.Channel == "last" {
			spec.Delivery.Channel = t.Channel
		}
		if spec.Delivery.To == "" {
			spec.Delivery.To = t.ChatID
		}
	}

	job, err := t.Service.Add(spec)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return fmt.Sprintf("Created job '%s' (id: %s, %s%s)", job.Name, job.ID, describeSchedule(job.Schedule), describeNextRun(job)), nil
}

func (t *CronTool) update(jobID string, raw map[string]interface{}) (string, error) {
	if jobID == "" {
		return "Error: job_id is required for update", nil
	}
	if raw == nil {
		return "Error: patch object is required for update", nil
	}
	patch, err := cron.ParseJobPatch(raw)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	job, err := t.Service.Update(jobID, patch)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return fmt.Sprintf("Updated job '%s' (id: %s, %s%s)", job.Name, job.ID, describeSchedule(job.Schedule), describeNextRun(job)), nil
}

func (t *CronTool) remove(jobID string) (string, error) {
	if jobID == "" {
		return "Error: job_id is required for remove", nil
	}
	if err := t.Service.Remove(jobID); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return fmt.Sprintf("Removed job %s", jobID), nil
}

func (t *CronTool) run(jobID string) (string, error) {
	if jobID == "" {
		return "Error: job_id is required for run", nil
	}
	if err := t.Service.RunNow(jobID); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return fmt.Sprintf("Job %s started", jobID), nil
}

func (t *CronTool) runs(jobID string, limit int) (string, error) {
	if jobID == "" {
		return "Error: job_id is required for runs", nil
	}
	entries, err := t.Service.Runs(jobID, limit)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if len(entries) == 0 {
		return "No runs recorded.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Last %d runs:\n", len(entries)))
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("- %s %s", formatMs(e.Ts), e.Status))
		if e.Summary != "" {
			sb.WriteString(": " + e.Summary)
		}
		if e.Error != "" {
			sb.WriteString(" (" + e.Error + ")")
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func (t *CronTool) project(days int) (string, error) {
	runs := t.Service.ProjectRuns(days)
	if len(runs) == 0 {
		return "No upcoming runs in the horizon.", nil
	}
	var sb strings.Builder
	sb.WriteString("Upcoming runs:\n")
	for _, r := range runs {
		sb.WriteString(fmt.Sprintf("- %s  %s (id: %s)\n", formatMs(r.RunAtMs), r.JobName, r.JobID))
	}
	return sb.String(), nil
}

func (t *CronTool) wake(text, mode string) (string, error) {
	wakeMode := cron.WakeNextHeartbeat
	if mode == string(cron.WakeNow) {
		wakeMode = cron.WakeNow
	}
	if err := t.Service.Wake(wakeMode, text); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return "Wake-up sent.", nil
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleAt:
		return "once at " + s.At
	case cron.ScheduleEvery:
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case cron.ScheduleCron:
		if s.Tz != "" {
			return fmt.Sprintf("cron %q %s", s.Expr, s.Tz)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	}
	return string(s.Kind)
}

func describeNextRun(job *cron.CronJob) string {
	if job.State.NextRunAtMs == nil {
		return ""
	}
	return ", next " + formatMs(*job.State.NextRunAtMs)
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05 MST")
}
