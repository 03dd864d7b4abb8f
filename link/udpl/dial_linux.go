//go:build linux
// +build linux

package udpl

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ngxial02/srt/link"
)

// Within this file, Linux-specific socket options are configured for the
// link's UDP socket. Live traffic bursts, so both buffers are raised above
// the common defaults.

const (
	dialRcvBuf = 4 * 1024 * 1024
	dialSndBuf = 1 * 1024 * 1024
)

// dial binds a connected UDP socket with raised buffer sizes.
func dial(local, remote string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}

	if rawConn, err := conn.SyscallConn(); err == nil {
		_ = rawConn.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, dialRcvBuf)
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, dialSndBuf)
		})
	}

	return conn, nil
}

// applySocketOption maps a group-distributed option onto the socket.
func applySocketOption(conn *net.UDPConn, code int, value []byte) error {
	v := int(int32(binary.LittleEndian.Uint32(value)))
	if v <= 0 {
		return nil
	}

	var opt int
	switch code {
	case link.OptSndBuf:
		opt = unix.SO_SNDBUF
	case link.OptRcvBuf:
		opt = unix.SO_RCVBUF
	default:
		return nil
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var serr error
	cerr := rawConn.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, v)
	})
	if cerr != nil {
		return cerr
	}
	return serr
}
