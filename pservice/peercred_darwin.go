//go:build darwin

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
		cred    *unix.Xucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if credErr == nil {
			pid, credErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
		}
	})
	if err == nil {
		err = credErr
	}
	if err != nil {
		return 0, 0, ski.ErrCode_AuthenticationFailed.ErrWithMsgf("LOCAL_PEERCRED: %v", err)
	}

	return int(cred.Uid), pid, nil
}
