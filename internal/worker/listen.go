package worker

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenReusePort binds a TCP listener with SO_REUSEPORT set before bind,
// so every worker process binds its own socket to the same address and
// port and the kernel load-balances accepted connections across them —
// the Go equivalent of the fork(2) + shared-listener model in spec.md's
// "port sharing" concept, since Go has no fork() to inherit an already
// bound descriptor from.
func listenReusePort(network, address string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(netw, addr string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), network, address)
}
