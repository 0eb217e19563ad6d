package conn

import (
	"net"

	"golang.org/x/sys/unix"
)

// setCork toggles TCP_CORK on the underlying socket so the kernel coalesces
// the header and body writes queued between enable and disable into one
// segment, per spec.md §4.5's "cork flag" response writing. Non-TCP
// connections (notably the in-memory pipes used by tests) silently no-op.
func setCork(nc net.Conn, enable bool) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	val := 0
	if enable {
		val = 1
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, val)
	})
}
