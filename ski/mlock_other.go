//go:build !linux && !darwin && !freebsd

package ski

func lockMemory(buf []byte) error   { return ErrCode_Unimplemented.Err() }
func unlockMemory(buf []byte) error { return nil }
