package ski

import "runtime"

// Zero overwrites buf with zeros.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}
