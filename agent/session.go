package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/plan-systems/plan-keyagent/audit"
	"github.com/plan-systems/plan-keyagent/auth"
	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/keystore"
	"github.com/plan-systems/plan-keyagent/metrics"
	"github.com/plan-systems/plan-keyagent/ski"
)

// KeyStore is what a session needs from the key store.
type KeyStore interface {
	Generate(ctx context.Context, nickname, user, host string, port int) (string, error)
	Get(ctx context.Context, nickname string) (*keystore.KeyRecord, error)
	Delete(ctx context.Context, nickname string) (bool, error)
	List(ctx context.Context) ([]keystore.KeyRecord, error)
	Sign(ctx context.Context, nickname, fingerprint string, data []byte) (*ssh.Signature, error)
	Export(ctx context.Context, nickname, fingerprint string, exportPass []byte) ([]byte, error)
}

// State of a Session.  A session only ever moves forward.
type State int32

// Session states
const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

var stateNames = [...]string{"Unauthenticated", "Authenticated", "Closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Reasons a session closes
const (
	CloseDisconnected  = "client disconnected"
	CloseAuthExhausted = "too many failed authentication attempts"
	CloseAuthTimeout   = "not authenticated in time"
	CloseIdle          = "idle timeout"
	CloseHostStopping  = "host shutting down"
)

// Deps are the shared collaborators handed to every Session.
type Deps struct {
	Store    KeyStore
	Auth     *auth.Authenticator
	Approver Approver   // nil means AutoDeny
	Audit    audit.Sink // nil means audit.Discard
	Log      ctx.Logger
}

// Peer identifies the process on the other end of the connection.
type Peer struct {
	UID    int
	PID    int
	ConnID uint64
}

// Session is one caller's session.  It is created Unauthenticated and is never reused once Closed.
type Session struct {
	Deps
	peer      Peer
	id        string
	createdAt time.Time
	attempts  *auth.Attempts
	log       ctx.Logger

	opMu sync.Mutex // serializes Handle

	mu          sync.Mutex
	state       State
	closeReason string
	done        chan struct{}

	lastActivity atomic.Int64
}

// NewSession creates an Unauthenticated session for peer.
func NewSession(deps Deps, peer Peer) *Session {
	if deps.Approver == nil {
		deps.Approver = AutoDeny{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Log == nil {
		deps.Log = ctx.NewLogger("agent")
	}

	s := &Session{
		Deps:      deps,
		peer:      peer,
		id:        uuid.NewString(),
		createdAt: time.Now(),
		attempts:  deps.Auth.NewAttempts(),
		done:      make(chan struct{}),
	}
	s.log = ctx.SubLogger(deps.Log, s.id[:8])
	s.touch()

	s.record(audit.SessionOpened, "", audit.OK, "")
	return s
}

// SessionID returns the session's unique id.
func (s *Session) SessionID() string {
	return s.id
}

// ConnID returns the id of the connection this session lives on.
func (s *Session) ConnID() uint64 {
	return s.peer.ConnID
}

// Peer returns the peer this session serves.
func (s *Session) Peer() Peer {
	return s.peer
}

// CreatedAt returns when the session was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActivity returns when the session last handled a request.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports if the session is in the Authenticated state.
func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

// FailureCount returns the number of failed authentications.
func (s *Session) FailureCount() int {
	return s.attempts.Failures()
}

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns why the session closed (or "" if it hasn't).
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Close moves the session to Closed.  Later calls have no effect.
func (s *Session) Close(inReason string) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = Closed
	s.closeReason = inReason
	close(s.done)
	s.mu.Unlock()

	outcome := audit.OK
	if prev == Unauthenticated {
		outcome = audit.Denied
	}
	s.record(audit.SessionClosed, "", outcome, inReason)
	metrics.SessionsTotal.WithLabelValues(prev.String()).Inc()
	s.log.Infof(1, "session closed: %s", inReason)
}

// Handle performs req and returns its Response.  Passphrases in req are zeroed before returning.
//
// Store operations run under a context canceled when either ctx is done or the session closes.
func (s *Session) Handle(ctx context.Context, req *Request) *Response {
	defer ski.Zero(req.Passphrase)
	defer ski.Zero(req.ExportPassphrase)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.touch()

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-opCtx.Done():
		}
	}()

	var (
		resp = &Response{}
		err  error
	)

	switch state := s.State(); {
	case state == Closed:
		err = ski.ErrCode_SessionClosed.ErrWithMsg(s.CloseReason())
	case req.Op == OpAuthenticate:
		err = s.authenticate(opCtx, req)
	case state == Unauthenticated:
		err = ski.ErrCode_NotAuthenticated.ErrWithMsg("authenticate first")
	default:
		err = s.dispatch(opCtx, req, resp)
	}

	s.finish(req.Op, resp, err)
	return resp
}

func (s *Session) authenticate(ctx context.Context, req *Request) error {
	if s.State() == Authenticated {
		ski.Zero(req.Passphrase)
		return ski.ErrCode_InvalidArgument.ErrWithMsg("session already authenticated")
	}

	err := s.Auth.Authenticate(ctx, s.attempts, req.Passphrase)
	switch {
	case err == nil:
		s.mu.Lock()
		if s.state == Unauthenticated {
			s.state = Authenticated
		}
		s.mu.Unlock()
		s.record(audit.SessionAuthed, "", audit.OK, "")
		s.log.Info(1, "session authenticated")

	case ski.IsError(err, ski.ErrCode_AuthenticationFailed):
		metrics.AuthFailuresTotal.Inc()
		s.record(audit.AuthFailed, "", audit.Failed, err.Error())
		if s.attempts.Exhausted() {
			s.Close(CloseAuthExhausted)
		}

	case ski.IsError(err, ski.ErrCode_SessionClosed):
		if s.attempts.Exhausted() {
			s.Close(CloseAuthExhausted)
		} else {
			s.Close(CloseDisconnected)
		}
	}
	return err
}

func (s *Session) dispatch(ctx context.Context, req *Request, resp *Response) error {
	switch req.Op {

	case OpGenerate:
		keyID, err := s.Store.Generate(ctx, req.Nickname, req.User, req.Host, req.Port)
		s.recordResult(audit.KeyGenerated, req.Nickname, err, keyID)
		if err != nil {
			return err
		}
		resp.KeyID = keyID

	case OpGet:
		rec, err := s.Store.Get(ctx, req.Nickname)
		if err != nil {
			return err
		}
		resp.Key = rec
		resp.KeyID = rec.Fingerprint

	case OpDelete:
		removed, err := s.Store.Delete(ctx, req.Nickname)
		if removed || err != nil {
			s.recordResult(audit.KeyDeleted, req.Nickname, err, "")
		}
		if err != nil {
			return err
		}
		resp.Removed = removed

	case OpList:
		recs, err := s.Store.List(ctx)
		if err != nil {
			return err
		}
		resp.Keys = recs

	case OpConfirm:
		rec, err := s.confirm(ctx, req)
		if err != nil {
			return err
		}
		sig, err := s.Store.Sign(ctx, req.Nickname, rec.Fingerprint, req.Data)
		if err != nil {
			return err
		}
		resp.KeyID = rec.Fingerprint
		resp.Signature = &Signature{
			Format: sig.Format,
			Blob:   sig.Blob,
		}

	case OpExport:
		if len(req.ExportPassphrase) == 0 {
			return ski.ErrCode_InvalidArgument.ErrWithMsg("export passphrase required")
		}
		rec, err := s.confirm(ctx, req)
		if err != nil {
			return err
		}
		exported, err := s.Store.Export(ctx, req.Nickname, rec.Fingerprint, req.ExportPassphrase)
		if err != nil {
			return err
		}
		resp.KeyID = rec.Fingerprint
		resp.Exported = exported

	default:
		return ski.ErrCode_InvalidArgument.ErrWithMsgf("unknown op %q", req.Op)
	}

	return nil
}

// confirm asks the Approver whether req's key use may proceed, auditing the decision.
func (s *Session) confirm(ctx context.Context, req *Request) (*keystore.KeyRecord, error) {
	rec, err := s.Store.Get(ctx, req.Nickname)
	if err != nil {
		return nil, err
	}

	kind := audit.KeyConfirmation
	if req.Op == OpExport {
		kind = audit.KeyExport
	}

	approved, err := s.Approver.Approve(ctx, ConfirmRequest{
		SessionID:   s.id,
		PeerUID:     s.peer.UID,
		PeerPID:     s.peer.PID,
		Op:          req.Op,
		Nickname:    rec.Nickname,
		Fingerprint: rec.Fingerprint,
		Purpose:     req.Purpose,
	})

	decision := "approved"
	if err != nil || !approved {
		decision = "denied"
	}
	metrics.ConfirmationsTotal.WithLabelValues(string(req.Op), decision).Inc()

	if err != nil || !approved {
		detail := "purpose=" + req.Purpose
		if err != nil {
			detail += " error=" + err.Error()
		}
		s.record(kind, rec.Nickname, audit.Denied, detail)
		return nil, ski.ErrCode_ConfirmationDenied.ErrWithMsgf("use of key %q was not approved", rec.Nickname)
	}

	s.record(kind, rec.Nickname, audit.OK, "purpose="+req.Purpose)
	return rec, nil
}

func (s *Session) finish(op Op, resp *Response, err error) {
	resp.State = s.State().String()
	resp.FailureCount = s.attempts.Failures()

	outcome := "ok"
	if err == nil {
		resp.OK = true
	} else {
		code := ski.CodeOf(err)
		outcome = code.String()
		resp.OK = false
		resp.ErrorKind = code.String()
		resp.Message = sanitize(code, err)
		resp.KeyID, resp.Key, resp.Keys, resp.Signature, resp.Exported = "", nil, nil, nil, nil

		switch code {
		case ski.ErrCode_StoreIoError, ski.ErrCode_CryptoError, ski.ErrCode_AssertFailed, ski.ErrCode_UnnamedErr:
			s.log.Errorf("%s failed: %v", op, err)
		default:
			s.log.Infof(2, "%s failed: %v", op, err)
		}
	}

	if !isKnownOp(op) {
		op = "unknown"
	}
	metrics.RequestsTotal.WithLabelValues(string(op), outcome).Inc()
}

// sanitize keeps internal detail out of responses.
func sanitize(code ski.ErrCode, err error) string {
	switch code {
	case ski.ErrCode_StoreIoError:
		return "key store unavailable"
	case ski.ErrCode_CryptoError:
		return "key record failed integrity check"
	case ski.ErrCode_AssertFailed, ski.ErrCode_UnnamedErr:
		return "internal error"
	}

	var perr *ski.Err
	if errors.As(err, &perr) {
		return perr.Msg
	}
	return err.Error()
}

func isKnownOp(op Op) bool {
	switch op {
	case OpAuthenticate, OpGenerate, OpGet, OpDelete, OpList, OpConfirm, OpExport:
		return true
	}
	return false
}

func (s *Session) recordResult(kind audit.Kind, nickname string, err error, detail string) {
	if err != nil {
		s.record(kind, nickname, audit.Failed, ski.CodeOf(err).String())
	} else {
		s.record(kind, nickname, audit.OK, detail)
	}
}

func (s *Session) record(kind audit.Kind, nickname string, outcome audit.Outcome, detail string) {
	err := s.Audit.Record(audit.Event{
		Time:      time.Now(),
		SessionID: s.id,
		PeerUID:   s.peer.UID,
		Kind:      kind,
		Nickname:  nickname,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		s.log.Errorf("audit record failed: %v", err)
	}
}
