//go:build !unix

package network

import "syscall"

// The runtime already enables broadcast on UDP sockets here.
func setBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
