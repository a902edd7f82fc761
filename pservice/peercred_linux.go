//go:build linux

package pservice

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/plan-systems/plan-keyagent/ski"
)

func peerCred(conn *net.UnixConn) (uid, pid int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, ski.ErrCode_AuthenticationFailed.Wrap(err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err == nil {
		err = credErr
	}
	if err != nil {
		return 0, 0, ski.ErrCode_AuthenticationFailed.ErrWithMsgf("SO_PEERCRED: %v", err)
	}

	return int(cred.Uid), int(cred.Pid), nil
}
