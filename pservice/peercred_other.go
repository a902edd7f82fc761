//go:build !linux && !darwin

package pservice

import (
	"net"

	"github.com/plan-systems/plan-keyagent/ski"
)

func peerCred(*net.UnixConn) (uid, pid int, err error) {
	return 0, 0, ski.ErrCode_Unimplemented.ErrWithMsg("peer credentials not supported on this platform")
}
