//go:build !unix

package protocol

import "syscall"

// socketControl leaves the socket options at the platform defaults.
func socketControl(rcvbuf int) func(network, address string, c syscall.RawConn) error {
	return nil
}
