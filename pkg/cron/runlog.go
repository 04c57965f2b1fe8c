package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	defaultRunLogMaxBytes  = 2 << 20 // prune when a log file grows past this
	defaultRunLogKeepLines = 2000    // lines kept after a prune
	defaultRunsLimit       = 200
	maxRunsLimit           = 5000
)

// RunLog is a per-job JSONL execution history under a single runs/
// directory. Appends to the same file are serialized per resolved
// path; different jobs never block each other.
type RunLog struct {
	dir string
	log zerolog.Logger

	MaxBytes  int64
	KeepLines int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRunLog(dir string, log zerolog.Logger) *RunLog {
	return &RunLog{
		dir:       dir,
		log:       log.With().Str("component", "cron.runlog").Logger(),
		MaxBytes:  defaultRunLogMaxBytes,
		KeepLines: defaultRunLogKeepLines,
		locks:     make(map[string]*sync.Mutex),
	}
}

// pathFor maps a job id to its log file, refusing ids that would
// escape the runs directory.
func (r *RunLog) pathFor(jobID string) (string, error) {
	cleaned := strings.Map(func(c rune) rune {
		switch c {
		case '/', '\\', 0:
			return -1
		}
		return c
	}, jobID)
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "", fmt.Errorf("invalid job id for run log: %q", jobID)
	}
	path := filepath.Join(r.dir, cleaned+".jsonl")
	rel, err := filepath.Rel(r.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid job id for run log: %q", jobID)
	}
	return path, nil
}

func (r *RunLog) lockFor(path string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[path]
	if !ok {
		l = &sync.Mutex{}
		r.locks[path] = l
	}
	return l
}

// Append writes one entry to the job's log file, creating the
// directory and file on demand, and prunes the file when it has grown
// past MaxBytes.
func (r *RunLog) Append(entry RunLogEntry) error {
	path, err := r.pathFor(entry.JobID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run log entry: %w", err)
	}

	l := r.lockFor(path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append run log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}

	if info, err := os.Stat(path); err == nil && info.Size() > r.MaxBytes {
		if err := r.pruneLocked(path); err != nil {
			r.log.Warn().Str("path", path).Err(err).Msg("run log prune failed")
		}
	}
	return nil
}

// pruneLocked rewrites the file keeping only the newest KeepLines
// lines, via a temp file and rename. Caller holds the per-path lock.
func (r *RunLog) pruneLocked(path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	if len(lines) > r.KeepLines {
		lines = lines[len(lines)-r.KeepLines:]
	}
	tmp, err := os.CreateTemp(r.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Read returns the newest entries first, dropping lines that do not
// parse or that no longer look like finished-run records. limit <= 0
// defaults to 200 and is capped at 5000.
func (r *RunLog) Read(jobID string, limit int) ([]RunLogEntry, error) {
	path, err := r.pathFor(jobID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}

	l := r.lockFor(path)
	l.Lock()
	defer l.Unlock()

	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunLogEntry{}, nil
		}
		return nil, fmt.Errorf("read run log: %w", err)
	}

	entries := make([]RunLogEntry, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		var e RunLogEntry
		if err := json.Unmarshal([]byte(lines[i]), &e); err != nil {
			continue
		}
		if !validRunEntry(&e) || e.JobID != jobID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func validRunEntry(e *RunLogEntry) bool {
	if e.Action != "finished" || e.JobID == "" || e.Ts <= 0 {
		return false
	}
	switch e.Status {
	case RunOK, RunError, RunSkipped, "":
		return true
	}
	return false
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
