//go:build !linux

package network

import "syscall"

func (o SocketOptions) control(network, address string, c syscall.RawConn) error {
	return nil
}
