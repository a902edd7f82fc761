// Package audit records session transitions and key-use decisions.
// Events never carry key material or passphrases.
package audit

import (
	"time"

	"github.com/plan-systems/plan-keyagent/ctx"
)

// Kind names what happened.
type Kind string

// Event kinds
const (
	SessionOpened   Kind = "session.opened"
	SessionAuthed   Kind = "session.authenticated"
	AuthFailed      Kind = "session.auth_failed"
	SessionClosed   Kind = "session.closed"
	KeyGenerated    Kind = "key.generated"
	KeyDeleted      Kind = "key.deleted"
	KeyConfirmation Kind = "key.confirmation"
	KeyExport       Kind = "key.export"
)

// Outcome of the event.
type Outcome string

// Outcomes
const (
	OK     Outcome = "ok"
	Denied Outcome = "denied"
	Failed Outcome = "failed"
)

// Event is one audit record.
type Event struct {
	Time      time.Time
	SessionID string
	PeerUID   int
	Kind      Kind
	Nickname  string
	Outcome   Outcome
	Detail    string
}

// Sink receives audit events.  Record must be safe for concurrent use.
type Sink interface {
	Record(ev Event) error
}

// LogSink writes each event to a Logger.
type LogSink struct {
	Log ctx.Logger
}

// Record logs ev.  Denials and failures are logged as warnings.
func (s LogSink) Record(ev Event) error {
	switch ev.Outcome {
	case OK:
		s.Log.Infof(0, "audit %s session=%s uid=%d nickname=%q %s", ev.Kind, ev.SessionID, ev.PeerUID, ev.Nickname, ev.Detail)
	default:
		s.Log.Warnf("audit %s (%s) session=%s uid=%d nickname=%q %s", ev.Kind, ev.Outcome, ev.SessionID, ev.PeerUID, ev.Nickname, ev.Detail)
	}
	return nil
}

// Multi fans each event out to every sink, returning the first error.
type Multi []Sink

// Record sends ev to all sinks even if one fails.
func (m Multi) Record(ev Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Record(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard drops every event.
type Discard struct{}

// Record does nothing.
func (Discard) Record(Event) error { return nil }
