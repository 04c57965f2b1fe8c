package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const storeVersion = 1

// LoadStore reads the job store from disk. It never fails: a missing
// file yields an empty store, an unreadable or corrupt file is set
// aside as <path>.corrupt and replaced by an empty store, and jobs
// that no longer have the expected shape are dropped individually.
func LoadStore(path string, log zerolog.Logger) *CronStore {
	empty := &CronStore{Version: storeVersion, Jobs: []CronJob{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Str("path", path).Err(err).Msg("cron store unreadable, starting empty")
		}
		return empty
	}

	var raw struct {
		Version int               `json:"version"`
		Jobs    []json.RawMessage `json:"jobs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("cron store corrupt, starting empty")
		quarantine(path, data, log)
		return empty
	}

	store := &CronStore{Version: storeVersion, Jobs: make([]CronJob, 0, len(raw.Jobs))}
	dropped := 0
	for _, rj := range raw.Jobs {
		job, ok := decodeJob(rj)
		if !ok {
			dropped++
			continue
		}
		normalizeLoadedJob(&job)
		store.Jobs = append(store.Jobs, job)
	}
	if dropped > 0 {
		log.Warn().Str("path", path).Int("dropped", dropped).Msg("dropped malformed cron jobs on load")
	}
	return store
}

// decodeJob probes the raw entry for the minimum persisted shape
// before committing to the full struct: non-empty id and name, and
// schedule/payload that are JSON objects.
func decodeJob(raw json.RawMessage) (CronJob, bool) {
	var probe struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Schedule json.RawMessage `json:"schedule"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return CronJob{}, false
	}
	if probe.ID == "" || probe.Name == "" || !isJSONObject(probe.Schedule) || !isJSONObject(probe.Payload) {
		return CronJob{}, false
	}
	var job CronJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return CronJob{}, false
	}
	return job, true
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// quarantine copies the corrupt bytes aside so the broken document can
// be inspected after the store restarts empty. Best effort.
func quarantine(path string, data []byte, log zerolog.Logger) {
	corrupt := path + ".corrupt"
	if err := os.WriteFile(corrupt, data, 0o644); err != nil {
		log.Warn().Str("path", corrupt).Err(err).Msg("could not preserve corrupt store")
	}
}

// SaveStore writes the store atomically: marshal, write a temp file in
// the target directory, rename over the original. The previous content
// is copied to <path>.bak first, but only when it still parses as
// JSON, so one bad write can never destroy the last good backup.
func SaveStore(path string, store *CronStore, log zerolog.Logger) error {
	store.Version = storeVersion
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron store: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	if prev, err := os.ReadFile(path); err == nil && json.Valid(prev) {
		if err := os.WriteFile(path+".bak", prev, 0o644); err != nil {
			log.Warn().Str("path", path+".bak").Err(err).Msg("could not write store backup")
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp store file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename store file: %w", err)
	}
	return nil
}
