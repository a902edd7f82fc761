// Package client connects to a running key agent over its unix socket and drives one session.
package client

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/plan-systems/plan-keyagent/agent"
	"github.com/plan-systems/plan-keyagent/keystore"
	"github.com/plan-systems/plan-keyagent/pservice"
	"github.com/plan-systems/plan-keyagent/ski"
)

// Client is one session with the agent.  Calls are serialized; a Client is not reused once its session closes.
type Client struct {
	conn      *grpc.ClientConn
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	sessionID string

	mu           sync.Mutex
	state        string
	failureCount int
	closedErr    error
}

// Dial connects to the agent listening at socketPath and opens a session.
// The agent's uid must match ours.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	pathname, err := homedir.Expand(socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error expanding '%s'", socketPath)
	}
	pathname, err = filepath.Abs(pathname)
	if err != nil {
		return nil, errors.Wrap(err, "bad socket path")
	}

	conn, err := grpc.NewClient(
		"unix://"+pathname,
		grpc.WithTransportCredentials(pservice.NewPeerCreds()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(agent.CodecName)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to '%s'", pathname)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	cl := &Client{
		conn:   conn,
		cancel: cancel,
		state:  agent.Unauthenticated.String(),
	}

	opened := make(chan error, 1)
	go func() {
		opened <- cl.openStream(streamCtx)
	}()

	select {
	case err = <-opened:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	return cl, nil
}

func (cl *Client) openStream(streamCtx context.Context) error {
	stream, err := cl.conn.NewStream(streamCtx, &agent.AgentServiceDesc.Streams[0], agent.SessionFullMethod)
	if err != nil {
		return statusToErr(err)
	}

	header, err := stream.Header()
	if err != nil {
		return statusToErr(err)
	}
	if ids := header.Get(pservice.SessionIDKey); len(ids) > 0 {
		cl.sessionID = ids[0]
	} else {
		// No header means the agent refused the session; the status says why.
		return cl.recvStatus(stream)
	}

	cl.stream = stream
	return nil
}

// SessionID returns the id the agent assigned to this session.
func (cl *Client) SessionID() string {
	return cl.sessionID
}

// State returns the session state last reported by the agent.
func (cl *Client) State() string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.state
}

// FailureCount returns the number of failed authentications last reported by the agent.
func (cl *Client) FailureCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.failureCount
}

// Close ends the session and the connection.
func (cl *Client) Close() error {
	cl.mu.Lock()
	if cl.closedErr == nil {
		cl.closedErr = ski.ErrCode_SessionClosed.ErrWithMsg(agent.CloseDisconnected)
		cl.state = agent.Closed.String()
		cl.stream.CloseSend()
	}
	cl.mu.Unlock()

	cl.cancel()
	return cl.conn.Close()
}

// Authenticate presents the agent passphrase.  inPass is zeroed.
func (cl *Client) Authenticate(ctx context.Context, inPass []byte) error {
	defer ski.Zero(inPass)
	_, err := cl.roundTrip(ctx, &agent.Request{
		Op:         agent.OpAuthenticate,
		Passphrase: inPass,
	})
	return err
}

// Generate creates a key pair for user@host:port named nickname and returns its fingerprint.
func (cl *Client) Generate(ctx context.Context, nickname, user, host string, port int) (string, error) {
	resp, err := cl.roundTrip(ctx, &agent.Request{
		Op:       agent.OpGenerate,
		Nickname: nickname,
		User:     user,
		Host:     host,
		Port:     port,
	})
	if err != nil {
		return "", err
	}
	return resp.KeyID, nil
}

// Get returns the public metadata of the named key.
func (cl *Client) Get(ctx context.Context, nickname string) (*keystore.KeyRecord, error) {
	resp, err := cl.roundTrip(ctx, &agent.Request{
		Op:       agent.OpGet,
		Nickname: nickname,
	})
	if err != nil {
		return nil, err
	}
	if resp.Key == nil {
		return nil, ski.ErrCode_AssertFailed.ErrWithMsg("agent sent no key record")
	}
	return resp.Key, nil
}

// Delete removes the named key, returning false if it did not exist.
func (cl *Client) Delete(ctx context.Context, nickname string) (bool, error) {
	resp, err := cl.roundTrip(ctx, &agent.Request{
		Op:       agent.OpDelete,
		Nickname: nickname,
	})
	if err != nil {
		return false, err
	}
	return resp.Removed, nil
}

// List returns every key ordered by nickname.
func (cl *Client) List(ctx context.Context) ([]keystore.KeyRecord, error) {
	resp, err := cl.roundTrip(ctx, &agent.Request{
		Op: agent.OpList,
	})
	if err != nil {
		return nil, err
	}
	if resp.Keys == nil {
		return []keystore.KeyRecord{}, nil
	}
	return resp.Keys, nil
}

// Confirm asks the agent to sign data with the named key for the stated purpose.
func (cl *Client) Confirm(ctx context.Context, nickname string, data []byte, purpose string) (*ssh.Signature, error) {
	resp, err := cl.roundTrip(ctx, &agent.Request{
		Op:       agent.OpConfirm,
		Nickname: nickname,
		Data:     data,
		Purpose:  purpose,
	})
	if err != nil {
		return nil, err
	}
	if resp.Signature == nil {
		return nil, ski.ErrCode_AssertFailed.ErrWithMsg("agent sent no signature")
	}
	return &ssh.Signature{
		Format: resp.Signature.Format,
		Blob:   resp.Signature.Blob,
	}, nil
}

// Export returns the named private key as a PEM OpenSSH key encrypted with inExportPass, which is zeroed.
func (cl *Client) Export(ctx context.Context, nickname string, inExportPass []byte) ([]byte, error) {
	defer ski.Zero(inExportPass)
	resp, err := cl.roundTrip(ctx, &agent.Request{
		Op:               agent.OpExport,
		Nickname:         nickname,
		ExportPassphrase: inExportPass,
	})
	if err != nil {
		return nil, err
	}
	return resp.Exported, nil
}

type roundTripResult struct {
	resp *agent.Response
	err  error
}

// roundTrip sends req and waits for its response.  If ctx ends first, the session is closed.
func (cl *Client) roundTrip(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closedErr != nil {
		return nil, cl.closedErr
	}

	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := cl.exchange(req)
		done <- roundTripResult{resp, err}
	}()

	var res roundTripResult
	select {
	case res = <-done:
	case <-ctx.Done():
		cl.cancel()
		<-done
		cl.closedErr = ski.ErrCode_SessionClosed.ErrWithMsgf("request abandoned: %v", ctx.Err())
		cl.state = agent.Closed.String()
		return nil, cl.closedErr
	}

	if res.resp == nil {
		cl.closedErr = res.err
		cl.state = agent.Closed.String()
		return nil, res.err
	}

	cl.state = res.resp.State
	cl.failureCount = res.resp.FailureCount
	if res.resp.State == agent.Closed.String() {
		cl.closedErr = ski.ErrCode_SessionClosed.ErrWithMsg("session closed by agent")
	}
	return res.resp, res.err
}

// exchange returns a nil Response only if the stream is gone.
func (cl *Client) exchange(req *agent.Request) (*agent.Response, error) {
	if err := cl.stream.SendMsg(req); err != nil {
		if err == io.EOF {
			return nil, cl.recvStatus(cl.stream)
		}
		return nil, statusToErr(err)
	}

	resp := &agent.Response{}
	if err := cl.stream.RecvMsg(resp); err != nil {
		if err == io.EOF {
			return nil, cl.closeReason(cl.stream)
		}
		return nil, statusToErr(err)
	}

	if !resp.OK {
		return resp, &ski.Err{
			Code: ski.ErrCodeFromName(resp.ErrorKind),
			Msg:  resp.Message,
		}
	}
	return resp, nil
}

// recvStatus drains the stream to learn how it ended.
func (cl *Client) recvStatus(stream grpc.ClientStream) error {
	err := stream.RecvMsg(&agent.Response{})
	if err == nil || err == io.EOF {
		return cl.closeReason(stream)
	}
	return statusToErr(err)
}

func (cl *Client) closeReason(stream grpc.ClientStream) error {
	reason := strings.Join(stream.Trailer().Get(pservice.CloseReasonKey), "; ")
	if reason == "" {
		reason = "agent ended the session"
	}
	return ski.ErrCode_SessionClosed.ErrWithMsg(reason)
}

// statusToErr maps a grpc status onto the agent's error codes.
func statusToErr(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return ski.ErrCode_SessionClosed.Wrap(err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return ski.ErrCode_TooManySessions.ErrWithMsg(st.Message())
	case codes.Unauthenticated:
		return ski.ErrCode_AuthenticationFailed.ErrWithMsg(st.Message())
	case codes.Canceled, codes.DeadlineExceeded:
		return ski.ErrCode_SessionClosed.ErrWithMsg(st.Message())
	default:
		return ski.ErrCode_SessionClosed.ErrWithMsgf("%v: %s", st.Code(), st.Message())
	}
}
