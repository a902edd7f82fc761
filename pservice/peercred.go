package pservice

import (
	"context"
	"net"
	"os"
	"sync/atomic"

	"google.golang.org/grpc/credentials"

	"github.com/plan-systems/plan-keyagent/metrics"
	"github.com/plan-systems/plan-keyagent/ski"
)

// PeerCredsAuthType is the AuthType of PeerInfo.
const PeerCredsAuthType = "peercred"

// PeerInfo is the credentials.AuthInfo attached to every connection admitted by PeerCreds.
type PeerInfo struct {
	credentials.CommonAuthInfo

	UID    int
	PID    int
	ConnID uint64
}

// AuthType returns PeerCredsAuthType.
func (PeerInfo) AuthType() string {
	return PeerCredsAuthType
}

var connSeq atomic.Uint64

// PeerCreds is a grpc TransportCredentials for unix sockets.  The handshake reads the kernel-reported
// credentials of the other end and refuses the connection unless its uid is AllowedUID.
// No encryption is applied: the socket never leaves the host.
type PeerCreds struct {
	AllowedUID int
}

// NewPeerCreds admits only peers running as this process's uid.
func NewPeerCreds() *PeerCreds {
	return &PeerCreds{
		AllowedUID: os.Getuid(),
	}
}

func (pc *PeerCreds) check(conn net.Conn) (PeerInfo, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerInfo{}, ski.ErrCode_InvalidArgument.ErrWithMsgf("%T is not a unix socket connection", conn)
	}

	uid, pid, err := peerCred(unixConn)
	if err != nil {
		return PeerInfo{}, err
	}
	if uid != pc.AllowedUID {
		return PeerInfo{}, ski.ErrCode_AuthenticationFailed.ErrWithMsgf("peer uid %d not permitted", uid)
	}

	return PeerInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.PrivacyAndIntegrity},
		UID:            uid,
		PID:            pid,
		ConnID:         connSeq.Add(1),
	}, nil
}

// ClientHandshake verifies the agent end of the socket runs as AllowedUID.
func (pc *PeerCreds) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	info, err := pc.check(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, info, nil
}

// ServerHandshake admits the connection only if the client runs as AllowedUID.
func (pc *PeerCreds) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	info, err := pc.check(conn)
	if err != nil {
		metrics.ConnectionsRefusedTotal.WithLabelValues("peer_credentials").Inc()
		conn.Close()
		return nil, nil, err
	}
	return conn, info, nil
}

// Info describes the protocol.
func (pc *PeerCreds) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{
		SecurityProtocol: PeerCredsAuthType,
	}
}

// Clone returns a copy of pc.
func (pc *PeerCreds) Clone() credentials.TransportCredentials {
	dupe := *pc
	return &dupe
}

// OverrideServerName is a no-op; unix sockets have no server name.
func (pc *PeerCreds) OverrideServerName(string) error {
	return nil
}
