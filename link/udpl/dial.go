//go:build !linux
// +build !linux

package udpl

import "net"

// This file implements the socket setup for operating systems next to
// Linux. The other file additionally raises the socket buffer sizes through
// the raw socket options.

// dial binds a connected UDP socket.
func dial(local, remote string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}

	return net.DialUDP("udp", laddr, raddr)
}

// applySocketOption is a no-op without raw socket access.
func applySocketOption(_ *net.UDPConn, _ int, _ []byte) error {
	return nil
}
