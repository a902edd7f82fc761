package pservice

import (
	"sync"
	"time"

	"github.com/plan-systems/plan-keyagent/metrics"
	"github.com/plan-systems/plan-keyagent/ski"
)

// Member is a session tracked by a SessionGroup (see agent.Session).
type Member interface {
	SessionID() string
	ConnID() uint64
	CreatedAt() time.Time
	LastActivity() time.Time
	Authenticated() bool
	Close(reason string)
}

// SessionGroup tracks the live sessions of a Service, ensuring concurrency safety.
// Each connection carries at most one session and the group never holds more than MaxSessions.
type SessionGroup struct {
	sync.RWMutex

	MaxSessions int

	table  map[string]Member
	byConn map[uint64]string
}

// NewSessionGroup sets up a new SessionGroup for use.  A maxSessions of 0 means no limit.
func NewSessionGroup(maxSessions int) *SessionGroup {
	return &SessionGroup{
		MaxSessions: maxSessions,
		table:       map[string]Member{},
		byConn:      map[uint64]string{},
	}
}

// Len returns the number of sessions in the group.
func (group *SessionGroup) Len() int {
	group.RLock()
	defer group.RUnlock()
	return len(group.table)
}

// Insert adds inSession to the group.
// TooManySessions is returned if the group is full or inSession's connection already has a session.
func (group *SessionGroup) Insert(inSession Member) error {
	group.Lock()
	defer group.Unlock()

	if existing, exists := group.byConn[inSession.ConnID()]; exists {
		return ski.ErrCode_TooManySessions.ErrWithMsgf("connection %d already carries session %s", inSession.ConnID(), existing)
	}
	if group.MaxSessions > 0 && len(group.table) >= group.MaxSessions {
		return ski.ErrCode_TooManySessions.ErrWithMsgf("%d sessions already open", len(group.table))
	}

	group.table[inSession.SessionID()] = inSession
	group.byConn[inSession.ConnID()] = inSession.SessionID()
	metrics.SessionsActive.Set(float64(len(group.table)))
	return nil
}

// Lookup returns the session having the given id (or nil).
func (group *SessionGroup) Lookup(inSessionID string) Member {
	group.RLock()
	defer group.RUnlock()
	return group.table[inSessionID]
}

// EndSession removes the given session and closes it with inReason.
// Returns false if the session was not in the group.
func (group *SessionGroup) EndSession(inSessionID string, inReason string) bool {
	group.Lock()
	session := group.removeLocked(inSessionID)
	group.Unlock()

	if session == nil {
		return false
	}
	session.Close(inReason)
	return true
}

func (group *SessionGroup) removeLocked(inSessionID string) Member {
	session := group.table[inSessionID]
	if session != nil {
		delete(group.table, inSessionID)
		delete(group.byConn, session.ConnID())
		metrics.SessionsActive.Set(float64(len(group.table)))
	}
	return session
}

// EndInactiveSessions closes every unauthenticated session created before authCutoff and every
// authenticated session idle since before idleCutoff.  A zero cutoff disables that check.
// Returns the number of sessions ended.
func (group *SessionGroup) EndInactiveSessions(authCutoff, idleCutoff time.Time) int {
	type expiry struct {
		session Member
		reason  string
	}
	var expired []expiry

	// First, make a list to see if any have even expired
	group.RLock()
	for _, session := range group.table {
		if session.Authenticated() {
			if !idleCutoff.IsZero() && session.LastActivity().Before(idleCutoff) {
				expired = append(expired, expiry{session, ClientInactive})
			}
		} else if !authCutoff.IsZero() && session.CreatedAt().Before(authCutoff) {
			expired = append(expired, expiry{session, AuthTimeout})
		}
	}
	group.RUnlock()

	// Only lock the session group for mutex write access if we need to remove items.
	if len(expired) > 0 {
		group.Lock()
		for _, ex := range expired {
			group.removeLocked(ex.session.SessionID())
		}
		group.Unlock()

		for _, ex := range expired {
			ex.session.Close(ex.reason)
		}
	}

	return len(expired)
}

// EndAllSessions closes every session in the group with inReason.
func (group *SessionGroup) EndAllSessions(inReason string) {
	group.Lock()
	oldTable := group.table
	group.table = map[string]Member{}
	group.byConn = map[uint64]string{}
	metrics.SessionsActive.Set(0)
	group.Unlock()

	for _, session := range oldTable {
		session.Close(inReason)
	}
}
