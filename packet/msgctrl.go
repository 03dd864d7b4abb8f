// Package packet holds the message-control header exchanged between the
// application, the group engine and the member links, together with the
// per-member status records returned to the application.
package packet

import (
	"time"

	"github.com/ngxial02/srt/seqno"
)

const (
	// LiveDefPayloadSize is the default payload size for live mode.
	LiveDefPayloadSize = 1316

	// LiveMaxPayloadSize is the maximum payload a live-mode message may
	// carry.
	LiveMaxPayloadSize = 1456
)

// MsgCtrl is the message-control header. It travels alongside every payload
// on both the send and the receive path. On send, the caller may preset TTL,
// ordering and boundary information; sequence and message numbers are filled
// in by the group. On receive, the source time, sequence, message number and
// source member are populated.
type MsgCtrl struct {
	// Flags carries transport-specific flag bits verbatim.
	Flags uint32

	// TTL is how long the message may wait for sending, -1 for infinite.
	TTL time.Duration

	// InOrder requires in-order delivery to the application.
	InOrder bool

	// Boundary describes the message framing mode.
	Boundary int

	// SrcTime is the origin (TSBPD) timestamp. The zero value means "stamp
	// at send time".
	SrcTime time.Time

	// PktSeq is the packet sequence number.
	PktSeq int32

	// MsgNo is the message number.
	MsgNo int32

	// SrcMember is the id of the member link the packet was received on.
	// Only meaningful on the receive path.
	SrcMember int32

	// GroupData is the per-member status array, filled on the receive
	// path.
	GroupData []MemberStatus
}

// DefaultMsgCtrl returns a MsgCtrl with all fields unset the way the send
// and receive entry points expect them.
func DefaultMsgCtrl() MsgCtrl {
	return MsgCtrl{
		TTL:    -1,
		PktSeq: seqno.None,
		MsgNo:  seqno.MsgNone,
	}
}
