package cron

import (
	"sort"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Five-field cron: minute hour dom month dow. No seconds field, no
// descriptors beyond what the standard parser allows.
var exprParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// maxProjectedRunsPerJob bounds projection so a tiny interval cannot
// blow up the result set.
const maxProjectedRunsPerJob = 5000

// Engine computes next-run times from schedule definitions. It is
// stateless; malformed schedules yield nil rather than errors.
type Engine struct {
	log zerolog.Logger
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "cron.engine").Logger()}
}

// NextRunAt returns the next fire time at or after nowMs, or nil if
// the schedule will never fire again (or cannot be evaluated).
func (e *Engine) NextRunAt(s Schedule, nowMs int64) *int64 {
	switch s.Kind {
	case ScheduleAt:
		ts, ok := parseAt(s)
		if !ok {
			e.log.Warn().Str("at", s.At).Msg("unparseable at timestamp")
			return nil
		}
		if ts > nowMs {
			return int64Ptr(ts)
		}
		return nil

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return nil
		}
		return int64Ptr(nextAligned(s.AnchorMs, s.EveryMs, nowMs))

	case ScheduleCron:
		sched, err := exprParser.Parse(s.Expr)
		if err != nil {
			e.log.Warn().Str("expr", s.Expr).Err(err).Msg("invalid cron expression")
			return nil
		}
		loc := time.Local
		if s.Tz != "" {
			l, err := time.LoadLocation(s.Tz)
			if err != nil {
				e.log.Warn().Str("tz", s.Tz).Err(err).Msg("unknown timezone, using local")
			} else {
				loc = l
			}
		}
		// Next is strictly-after its argument; stepping back one
		// millisecond keeps an exact boundary hit included.
		next := sched.Next(time.UnixMilli(nowMs - 1).In(loc))
		if next.IsZero() {
			return nil
		}
		return int64Ptr(next.UnixMilli())

	default:
		return nil
	}
}

// parseAt reads the canonical ISO form and falls back to the legacy
// numeric field when the string is absent.
func parseAt(s Schedule) (int64, bool) {
	if s.At != "" {
		t, err := time.Parse(time.RFC3339, s.At)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	}
	if s.AtMs > 0 {
		return s.AtMs, true
	}
	return 0, false
}

// nextAligned returns the smallest anchor + k*every >= now with k >= 0.
// A non-positive anchor means "unanchored": fire one interval from now.
func nextAligned(anchorMs, everyMs, nowMs int64) int64 {
	if anchorMs <= 0 {
		return nowMs + everyMs
	}
	if anchorMs >= nowMs {
		return anchorMs
	}
	elapsed := nowMs - anchorMs
	k := elapsed / everyMs
	if elapsed%everyMs != 0 {
		k++
	}
	return anchorMs + k*everyMs
}

// ProjectFutureRuns expands every enabled job's occurrences inside
// [nowMs, nowMs + horizonDays], sorted ascending by run time. Each job
// contributes at most maxProjectedRunsPerJob entries.
func (e *Engine) ProjectFutureRuns(jobs []CronJob, nowMs int64, horizonDays int) []ProjectedRun {
	if horizonDays <= 0 {
		horizonDays = 1
	}
	endMs := nowMs + int64(horizonDays)*24*60*60*1000

	var runs []ProjectedRun
	for i := range jobs {
		job := &jobs[i]
		if !job.Enabled {
			continue
		}
		cursor := nowMs
		for n := 0; n < maxProjectedRunsPerJob; n++ {
			next := e.NextRunAt(job.Schedule, cursor)
			if next == nil || *next > endMs {
				break
			}
			runs = append(runs, ProjectedRun{
				JobID:   job.ID,
				JobName: job.Name,
				RunAtMs: *next,
			})
			// Advance past the occurrence so the next iteration finds
			// the following one.
			cursor = *next + 1
			if job.Schedule.Kind == ScheduleAt {
				break
			}
		}
	}

	sort.SliceStable(runs, func(a, b int) bool { return runs[a].RunAtMs < runs[b].RunAtMs })
	return runs
}
