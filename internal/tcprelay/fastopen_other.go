//go:build !linux

package tcprelay

import "syscall"

// setFastOpenConnect is a no-op on platforms without Linux's
// TCP_FASTOPEN_CONNECT; it reports the capability as unsupported so
// the Handler clears its flag and stops attempting it.
func setFastOpenConnect(rc syscall.RawConn) bool {
	return false
}
