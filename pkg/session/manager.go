// Package session persists conversation history, one JSONL file per
// session, and remembers the last route the user spoke on.
package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is one conversation's accumulated history.
type Session struct {
	Key       string                   `json:"key"`
	Messages  []map[string]interface{} `json:"messages"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
	Metadata  map[string]interface{}   `json:"metadata"`
}

func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  make([]map[string]interface{}, 0),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]interface{}),
	}
}

// AddMessage appends one message to the history.
func (s *Session) AddMessage(role, content string, extra map[string]interface{}) {
	msg := map[string]interface{}{
		"role":      role,
		"content":   content,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		msg[k] = v
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// GetHistory returns the newest maxMessages entries, stripped to the
// role/content shape the LLM API expects.
func (s *Session) GetHistory(maxMessages int) []map[string]interface{} {
	msgs := s.Messages
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	history := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		history = append(history, map[string]interface{}{
			"role":    role,
			"content": content,
		})
	}
	return history
}

// Route is a channel plus chat target, used to answer "where did the
// user last talk to us".
type Route struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chatId"`
}

// Manager caches sessions and persists them under <workspace>/sessions.
type Manager struct {
	SessionsDir string
	log         zerolog.Logger

	mu        sync.RWMutex
	cache     map[string]*Session
	lastRoute *Route
}

func NewManager(workspace string, log zerolog.Logger) *Manager {
	dir := filepath.Join(workspace, "sessions")
	os.MkdirAll(dir, 0o755)
	m := &Manager{
		SessionsDir: dir,
		log:         log.With().Str("component", "session").Logger(),
		cache:       make(map[string]*Session),
	}
	m.lastRoute = m.loadLastRoute()
	return m
}

func (m *Manager) sessionPath(key string) string {
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
	return filepath.Join(m.SessionsDir, safe+".jsonl")
}

func (m *Manager) lastRoutePath() string {
	return filepath.Join(m.SessionsDir, "last_route.json")
}

// GetOrCreate returns a cached session, loading it from disk on first
// access.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.cache[key]; ok {
		return sess
	}
	sess := m.load(key)
	if sess == nil {
		sess = NewSession(key)
	}
	m.cache[key] = sess
	return sess
}

func (m *Manager) load(key string) *Session {
	f, err := os.Open(m.sessionPath(key))
	if err != nil {
		return nil
	}
	defer f.Close()

	sess := NewSession(key)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			m.log.Warn().Str("session", key).Msg("skipping unreadable session line")
			continue
		}
		if data["_type"] == "metadata" {
			if meta, ok := data["metadata"].(map[string]interface{}); ok {
				sess.Metadata = meta
			}
			if created, ok := data["createdAt"].(string); ok {
				if t, err := time.Parse(time.RFC3339, created); err == nil {
					sess.CreatedAt = t
				}
			}
			continue
		}
		sess.Messages = append(sess.Messages, data)
	}
	return sess
}

// Save writes the session file: one metadata line followed by one
// line per message.
func (m *Manager) Save(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache[sess.Key] = sess
	f, err := os.Create(m.sessionPath(sess.Key))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	meta, _ := json.Marshal(map[string]interface{}{
		"_type":     "metadata",
		"createdAt": sess.CreatedAt.Format(time.RFC3339),
		"updatedAt": sess.UpdatedAt.Format(time.RFC3339),
		"metadata":  sess.Metadata,
	})
	w.Write(meta)
	w.WriteByte('\n')
	for _, msg := range sess.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// Clear forgets a session in memory and on disk.
func (m *Manager) Clear(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	err := os.Remove(m.sessionPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SetLastRoute records the route of the most recent user message so
// "last" deliveries know where to go. Persisted across restarts.
func (m *Manager) SetLastRoute(channel, chatID string) {
	if channel == "" || chatID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRoute = &Route{Channel: channel, ChatID: chatID}
	data, _ := json.Marshal(m.lastRoute)
	if err := os.WriteFile(m.lastRoutePath(), data, 0o644); err != nil {
		m.log.Warn().Err(err).Msg("could not persist last route")
	}
}

// LastRoute returns the most recent user route, or false when no user
// has spoken yet.
func (m *Manager) LastRoute() (Route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastRoute == nil {
		return Route{}, false
	}
	return *m.lastRoute, true
}

func (m *Manager) loadLastRoute() *Route {
	data, err := os.ReadFile(m.lastRoutePath())
	if err != nil {
		return nil
	}
	var r Route
	if err := json.Unmarshal(data, &r); err != nil || r.Channel == "" {
		return nil
	}
	return &r
}
