// Package pservice hosts the agent on a local unix socket: socket lifecycle, peer credential checks,
// and one agent.Session per connection.
package pservice

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/plan-systems/plan-keyagent/agent"
	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/metrics"
	"github.com/plan-systems/plan-keyagent/plan"
	"github.com/plan-systems/plan-keyagent/ski"
)

const (
	// ClientInactive reflects that a session is ending because the client side has been inactive
	ClientInactive = agent.CloseIdle

	// AuthTimeout means an unauthenticated session was not authenticated within Config.AuthTimeout.
	AuthTimeout = agent.CloseAuthTimeout

	// HostShuttingDown means that a session is ending because the agent is shutting down.
	HostShuttingDown = agent.CloseHostStopping

	// SessionIDKey is the header key carrying the session id to the client.
	SessionIDKey = "session_id"

	// CloseReasonKey is the trailer key carrying why the session ended.
	CloseReasonKey = "close_reason"
)

// Config parameterizes a Service.
type Config struct {
	SocketPath    string
	MaxSessions   int
	AuthTimeout   time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ShutdownGrace time.Duration
}

// DefaultConfig returns the values used when the config file leaves them unset.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:    socketPath,
		MaxSessions:   16,
		AuthTimeout:   30 * time.Second,
		IdleTimeout:   15 * time.Minute,
		SweepInterval: time.Second,
		ShutdownGrace: 5 * time.Second,
	}
}

// Service accepts connections on a unix socket and serves one agent.Session per connection.
type Service struct {
	ctx.Context

	Config Config

	deps     agent.Deps
	sessions *SessionGroup
	listener net.Listener
	server   *grpc.Server
}

// NewService returns a Service sharing deps with every session it creates.  Call Start to begin serving.
func NewService(cfg Config, deps agent.Deps) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if deps.Log == nil {
		deps.Log = ctx.NewLogger("agent")
	}

	svc := &Service{
		Config:   cfg,
		deps:     deps,
		sessions: NewSessionGroup(cfg.MaxSessions),
	}
	svc.Logger = ctx.NewLogger("pservice")
	return svc
}

// Sessions returns the live sessions.
func (svc *Service) Sessions() *SessionGroup {
	return svc.sessions
}

// SocketPath returns the expanded socket pathname (valid after Start).
func (svc *Service) SocketPath() string {
	return svc.Config.SocketPath
}

// Start creates the socket and begins serving.  Failing to bind is returned (and is fatal for the daemon).
func (svc *Service) Start() error {
	return svc.CtxStart(
		svc.ctxStartup,
		func() {
			svc.sessions.EndAllSessions(HostShuttingDown)
		},
		svc.removeSocket,
	)
}

func (svc *Service) ctxStartup() error {
	socketPath, err := plan.ExpandFilePath(svc.Config.SocketPath)
	if err != nil {
		return err
	}
	svc.Config.SocketPath = socketPath

	if err = clearStaleSocket(socketPath); err != nil {
		return err
	}

	svc.listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on '%s'", socketPath)
	}
	if err = os.Chmod(socketPath, plan.PrivateFileMode); err != nil {
		svc.listener.Close()
		return errors.Wrapf(err, "failed to chmod '%s'", socketPath)
	}

	svc.server = grpc.NewServer(
		grpc.Creds(NewPeerCreds()),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	agent.RegisterAgentServer(svc.server, svc)

	svc.AttachGrpcServer(svc.listener, svc.server, svc.Config.ShutdownGrace)

	svc.CtxGo(svc.sweepSessions)

	return nil
}

// clearStaleSocket removes a leftover socket of ours at pathname.
// Anything that is not a socket, or a socket owned by someone else, is left alone and reported.
func clearStaleSocket(pathname string) error {
	fi, err := os.Lstat(pathname)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "checking '%s'", pathname)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		return errors.Errorf("'%s' is a symlink; refusing to use it", pathname)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return errors.Errorf("'%s' exists and is not a socket", pathname)
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && int(st.Uid) != os.Getuid() {
		return errors.Errorf("socket '%s' is owned by uid %d", pathname, st.Uid)
	}

	// A live agent still answers on it.
	if conn, dialErr := net.DialTimeout("unix", pathname, 250*time.Millisecond); dialErr == nil {
		conn.Close()
		return errors.Errorf("'%s' is in use by another agent", pathname)
	}

	return os.Remove(pathname)
}

func (svc *Service) removeSocket() {
	if svc.listener == nil {
		return
	}
	pathname := svc.Config.SocketPath
	if fi, err := os.Lstat(pathname); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err = os.Remove(pathname); err != nil {
			svc.Warnf("failed to remove socket '%s': %v", filepath.Base(pathname), err)
		}
	}
}

func (svc *Service) sweepSessions() {
	ticker := time.NewTicker(svc.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var authCutoff, idleCutoff time.Time
			now := time.Now()
			if svc.Config.AuthTimeout > 0 {
				authCutoff = now.Add(-svc.Config.AuthTimeout)
			}
			if svc.Config.IdleTimeout > 0 {
				idleCutoff = now.Add(-svc.Config.IdleTimeout)
			}
			if n := svc.sessions.EndInactiveSessions(authCutoff, idleCutoff); n > 0 {
				svc.Infof(1, "ended %d inactive sessions", n)
			}
		case <-svc.CtxStopping():
			return
		}
	}
}

// Session serves one connection's session until the client hangs up or the session closes.
func (svc *Service) Session(stream grpc.ServerStream) error {
	streamCtx := stream.Context()

	p, ok := peer.FromContext(streamCtx)
	if !ok {
		return status.Error(codes.Unauthenticated, "no peer")
	}
	info, ok := p.AuthInfo.(PeerInfo)
	if !ok {
		return status.Error(codes.Unauthenticated, "peer credentials missing")
	}

	if err := svc.CtxStatus(); err != nil {
		return status.Error(codes.Unavailable, HostShuttingDown)
	}

	sess := agent.NewSession(svc.deps, agent.Peer{
		UID:    info.UID,
		PID:    info.PID,
		ConnID: info.ConnID,
	})
	if err := svc.sessions.Insert(sess); err != nil {
		metrics.ConnectionsRefusedTotal.WithLabelValues("too_many_sessions").Inc()
		sess.Close(err.Error())
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer svc.sessions.EndSession(sess.SessionID(), agent.CloseDisconnected)

	if err := stream.SendHeader(metadata.Pairs(SessionIDKey, sess.SessionID())); err != nil {
		return err
	}

	reqs := make(chan *agent.Request)
	recvErr := make(chan error, 1)
	go func() {
		for {
			req := &agent.Request{}
			if err := stream.RecvMsg(req); err != nil {
				recvErr <- err
				return
			}
			select {
			case reqs <- req:
			case <-streamCtx.Done():
				ski.Zero(req.Passphrase)
				ski.Zero(req.ExportPassphrase)
				return
			}
		}
	}()

	for {
		select {
		case req := <-reqs:
			resp := sess.Handle(streamCtx, req)
			if err := stream.SendMsg(resp); err != nil {
				return err
			}

		case err := <-recvErr:
			if err == io.EOF {
				return nil
			}
			return err

		case <-streamCtx.Done():
			return nil

		case <-sess.Done():
		}

		if sess.State() == agent.Closed {
			stream.SetTrailer(metadata.Pairs(CloseReasonKey, sess.CloseReason()))
			return nil
		}
	}
}
