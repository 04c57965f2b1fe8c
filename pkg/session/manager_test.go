package session

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, zerolog.Nop())

	sess := m.GetOrCreate("telegram:12345")
	sess.AddMessage("user", "hello", nil)
	sess.AddMessage("assistant", "hi there", nil)
	require.NoError(t, m.Save(sess))

	m2 := NewManager(dir, zerolog.Nop())
	loaded := m2.GetOrCreate("telegram:12345")
	require.Len(t, loaded.Messages, 2)

	history := loaded.GetHistory(10)
	assert.Equal(t, "user", history[0]["role"])
	assert.Equal(t, "hello", history[0]["content"])
	assert.Equal(t, "hi there", history[1]["content"])
}

func TestGetHistoryWindow(t *testing.T) {
	sess := NewSession("k")
	for i := 0; i < 10; i++ {
		sess.AddMessage("user", "msg", nil)
	}
	assert.Len(t, sess.GetHistory(3), 3)
	assert.Len(t, sess.GetHistory(0), 10)
}

func TestSessionKeySanitized(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, zerolog.Nop())

	sess := m.GetOrCreate("feishu:oc_abc/def")
	sess.AddMessage("user", "x", nil)
	require.NoError(t, m.Save(sess))

	m2 := NewManager(dir, zerolog.Nop())
	loaded := m2.GetOrCreate("feishu:oc_abc/def")
	assert.Len(t, loaded.Messages, 1)
}

func TestClearMissingSessionIsFine(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())
	assert.NoError(t, m.Clear("never:existed"))
}

func TestLastRoutePersists(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, zerolog.Nop())

	_, ok := m.LastRoute()
	assert.False(t, ok)

	m.SetLastRoute("telegram", "777")
	route, ok := m.LastRoute()
	require.True(t, ok)
	assert.Equal(t, "telegram", route.Channel)
	assert.Equal(t, "777", route.ChatID)

	m2 := NewManager(dir, zerolog.Nop())
	route, ok = m2.LastRoute()
	require.True(t, ok)
	assert.Equal(t, "telegram", route.Channel)
	assert.Equal(t, "777", route.ChatID)
}

func TestSetLastRouteIgnoresEmpty(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())
	m.SetLastRoute("", "123")
	m.SetLastRoute("telegram", "")
	_, ok := m.LastRoute()
	assert.False(t, ok)
}
