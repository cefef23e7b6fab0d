package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureMemory(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := newFailureMemory(time.Minute)
	m.now = func() time.Time { return now }

	_, ok := m.lookup("a@v1")
	assert.False(t, ok)

	m.remember("a@v1", "missing export")
	reason, ok := m.lookup("a@v1")
	assert.True(t, ok)
	assert.Equal(t, "missing export", reason)

	_, ok = m.lookup("a@v2")
	assert.False(t, ok, "version is part of the key")

	now = now.Add(time.Minute)
	_, ok = m.lookup("a@v1")
	assert.False(t, ok, "entry must expire")
	assert.Empty(t, m.entries)
}

func TestFailureMemoryDisabled(t *testing.T) {
	m := newFailureMemory(0)
	m.remember("a@v1", "bad")
	_, ok := m.lookup("a@v1")
	assert.False(t, ok)
}

func TestFailureMemorySweepsExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := newFailureMemory(time.Second)
	m.now = func() time.Time { return now }

	m.remember("old@v1", "bad")
	now = now.Add(2 * time.Second)
	m.remember("new@v1", "bad")

	assert.Len(t, m.entries, 1)
	assert.Contains(t, m.entries, "new@v1")
}
