// Package link defines the contract between the connection-group engine and
// the underlying point-to-point transports.
//
// A Link is one independent connection which may be bonded into a group. The
// group cares about a narrow slice of the transport: sending a payload with
// a message-control header, steering the next sequence number, and being
// told about deliveries, acknowledgements, keepalives and failures. All
// congestion control, retransmission and crypto stays inside the transport.
//
// Implementations report asynchronous events by calling into a Handler; the
// handler is the group engine and the calls happen on link-owned goroutines.
package link

import (
	"errors"
	"net"
	"time"

	"github.com/ngxial02/srt/packet"
)

var (
	// ErrAgain is returned by Send when the link has no capacity right
	// now, but a later retry may succeed.
	ErrAgain = errors.New("link: operation would block")

	// ErrClosed is returned by Send once the link is shut down.
	ErrClosed = errors.New("link: closed")

	// ErrNotConnected is returned by Send while the link is still
	// connecting.
	ErrNotConnected = errors.New("link: not connected")
)

// Link is one member transport of a connection group.
type Link interface {
	// ID returns the local socket id of this link.
	ID() int32

	// Status returns the current connection status.
	Status() Status

	// Send transmits one message without blocking. The ctrl header's
	// sequence number must already be assigned, either by a prior
	// OverrideSendSeq or by the link's own scheduling. It returns the
	// number of payload bytes accepted, or ErrAgain when the link cannot
	// take the message right now.
	Send(payload []byte, ctrl *packet.MsgCtrl) (int, error)

	// OverrideSendSeq forces the sequence number the link will assign to
	// its next outgoing message. Used to keep all members of a group on
	// one schedule.
	OverrideSendSeq(seq int32)

	// LastSentSeq returns the sequence number of the most recently sent
	// message, or seqno.None before the first send.
	LastSentSeq() int32

	// LastAckTime returns the time the most recent acknowledgement was
	// received from the peer.
	LastAckTime() time.Time

	// LastRcvSeq returns the newest received sequence; gaps before it are
	// not tracked.
	LastRcvSeq() int32

	// SndISN and RcvISN return the initial sequence numbers negotiated at
	// handshake for each direction.
	SndISN() int32
	RcvISN() int32

	// SetHandler installs the event sink. It must be called before Start.
	SetHandler(h Handler)

	// SetOption applies a transport-scoped option that the group stored
	// for later distribution to its members.
	SetOption(code int, value []byte) error

	// LocalAddr and RemoteAddr describe the endpoints of this link.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Start brings the link up. The boolean return reports whether a
	// failed start may be retried later.
	Start() (error, bool)

	// Close shuts the link down. Afterwards no Handler methods are
	// invoked anymore.
	Close() error
}

// Handler receives asynchronous link events. Implemented by the group
// engine; all methods are invoked from link-owned goroutines.
type Handler interface {
	// OnDelivery reports one received in-order data message.
	OnDelivery(l Link, payload []byte, ctrl packet.MsgCtrl)

	// OnAck reports an acknowledgement; ack is the past-the-last
	// acknowledged sequence number.
	OnAck(l Link, ack int32)

	// OnKeepalive reports a keepalive from the peer.
	OnKeepalive(l Link)

	// OnFailure reports that the link is broken and will deliver nothing
	// further.
	OnFailure(l Link, reason error)
}
