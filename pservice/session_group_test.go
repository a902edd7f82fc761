package pservice

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-systems/plan-keyagent/ski"
)

type fakeMember struct {
	id       string
	connID   uint64
	created  time.Time
	active   time.Time
	authed   bool
	mu       sync.Mutex
	closedBy []string
}

func (m *fakeMember) SessionID() string       { return m.id }
func (m *fakeMember) ConnID() uint64          { return m.connID }
func (m *fakeMember) CreatedAt() time.Time    { return m.created }
func (m *fakeMember) LastActivity() time.Time { return m.active }
func (m *fakeMember) Authenticated() bool     { return m.authed }

func (m *fakeMember) Close(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedBy = append(m.closedBy, reason)
}

func (m *fakeMember) reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closedBy...)
}

func newMember(id string, connID uint64) *fakeMember {
	now := time.Now()
	return &fakeMember{id: id, connID: connID, created: now, active: now}
}

func TestSessionGroupInsert(t *testing.T) {
	group := NewSessionGroup(2)

	require.NoError(t, group.Insert(newMember("a", 1)))

	err := group.Insert(newMember("b", 1))
	assert.True(t, ski.IsError(err, ski.ErrCode_TooManySessions), "second session on one connection")

	require.NoError(t, group.Insert(newMember("c", 2)))
	err = group.Insert(newMember("d", 3))
	assert.True(t, ski.IsError(err, ski.ErrCode_TooManySessions), "group full")
	assert.Equal(t, 2, group.Len())

	assert.NotNil(t, group.Lookup("a"))
	assert.Nil(t, group.Lookup("b"))

	assert.True(t, group.EndSession("a", ClientInactive))
	assert.False(t, group.EndSession("a", ClientInactive))

	// The connection is free again.
	require.NoError(t, group.Insert(newMember("e", 1)))
}

func TestSessionGroupEndSessionCloses(t *testing.T) {
	group := NewSessionGroup(0)
	m := newMember("a", 1)
	require.NoError(t, group.Insert(m))

	group.EndSession("a", "bye")
	assert.Equal(t, []string{"bye"}, m.reasons())
	assert.Equal(t, 0, group.Len())
}

func TestSessionGroupEndInactive(t *testing.T) {
	group := NewSessionGroup(0)
	now := time.Now()

	fresh := newMember("fresh", 1)
	stale := newMember("stale", 2)
	stale.created = now.Add(-time.Minute)
	stale.active = now

	idle := newMember("idle", 3)
	idle.authed = true
	idle.created = now.Add(-time.Hour)
	idle.active = now.Add(-time.Hour)

	busy := newMember("busy", 4)
	busy.authed = true
	busy.created = now.Add(-time.Hour)

	for _, m := range []*fakeMember{fresh, stale, idle, busy} {
		require.NoError(t, group.Insert(m))
	}

	n := group.EndInactiveSessions(now.Add(-30*time.Second), now.Add(-15*time.Minute))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{AuthTimeout}, stale.reasons())
	assert.Equal(t, []string{ClientInactive}, idle.reasons())
	assert.Empty(t, fresh.reasons())
	assert.Empty(t, busy.reasons())
	assert.Equal(t, 2, group.Len())

	// Zero cutoffs disable the checks.
	assert.Equal(t, 0, group.EndInactiveSessions(time.Time{}, time.Time{}))
}

func TestSessionGroupEndAll(t *testing.T) {
	group := NewSessionGroup(0)
	a, b := newMember("a", 1), newMember("b", 2)
	require.NoError(t, group.Insert(a))
	require.NoError(t, group.Insert(b))

	group.EndAllSessions(HostShuttingDown)
	assert.Equal(t, 0, group.Len())
	assert.Equal(t, []string{HostShuttingDown}, a.reasons())
	assert.Equal(t, []string{HostShuttingDown}, b.reasons())
}
