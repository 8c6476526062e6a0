//go:build linux

package tcprelay

import "syscall"

// tcpFastOpenConnect is Linux's TCP_FASTOPEN_CONNECT socket option
// number (not exported by the syscall package).
const tcpFastOpenConnect = 30

// setFastOpenConnect attempts to enable combined connect+data send on
// rc. It returns false if the platform reports the option is not
// supported, matching spec.md §4.G's "if the platform reports 'not
// supported', the flag is cleared process-wide."
func setFastOpenConnect(rc syscall.RawConn) bool {
	supported := true
	err := rc.Control(func(fd uintptr) {
		if sockErr := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, tcpFastOpenConnect, 1); sockErr != nil {
			if sockErr == syscall.ENOPROTOOPT || sockErr == syscall.EOPNOTSUPP {
				supported = false
			}
		}
	})
	if err != nil {
		supported = false
	}
	return supported
}
