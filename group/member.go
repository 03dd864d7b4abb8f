package group

import (
	"sync/atomic"

	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// tokenGen produces the monotonically increasing member tokens. The counter
// skips back to zero instead of going negative on wraparound.
var tokenGen int32

func genToken() int32 {
	t := atomic.AddInt32(&tokenGen, 1)
	if t < 0 {
		atomic.StoreInt32(&tokenGen, 0)
		return 0
	}
	return t
}

// SocketData is the group's record of one member link. All fields are
// guarded by the group lock.
type SocketData struct {
	// ID is the member's socket id; unique within the group.
	ID int32

	// Link is the underlying transport.
	Link link.Link

	// Token is the local identity of this member slot.
	Token int32

	// LastStatus mirrors the link status as of the last inspection.
	LastStatus link.Status

	// SendState and RecvState qualify the member per direction.
	SendState packet.MemberState
	RecvState packet.MemberState

	// SendResult and RecvResult hold the outcome of the last operation.
	SendResult int
	RecvResult int

	// readiness flags as reported towards the poller
	readyRead  bool
	readyWrite bool
	readyError bool

	// Weight steers link selection; larger is preferred.
	Weight uint16

	// lastRspTime is the time of the last ACK or keepalive from the peer,
	// consulted by the backup stability test.
	lastRspTime int64 // unix nanoseconds

	// lastAckSeq is the past-the-last sequence acknowledged by the peer.
	lastAckSeq int32
}

// prepareData builds a fresh SocketData for a link joining a group.
func prepareData(l link.Link, weight uint16) *SocketData {
	state := packet.MemberPending
	if l.Status() == link.StatusConnected {
		state = packet.MemberIdle
	}

	return &SocketData{
		ID:         l.ID(),
		Link:       l,
		Token:      genToken(),
		LastStatus: l.Status(),
		SendState:  state,
		RecvState:  state,
		Weight:     weight,
		lastAckSeq: seqno.None,
	}
}

// memberTable is the ordered collection of member slots with the last-active
// cursor used by sender strategies. Guarded by the group lock.
type memberTable struct {
	list       []*SocketData
	lastActive int // index into list, or -1
}

func newMemberTable() memberTable {
	return memberTable{lastActive: -1}
}

func (mt *memberTable) add(d *SocketData) {
	mt.list = append(mt.list, d)
}

// remove erases the slot with the given id. The last-active cursor is reset
// whenever it referenced the erased slot. It reports whether a slot was
// actually removed.
func (mt *memberTable) remove(id int32) bool {
	for i, d := range mt.list {
		if d.ID != id {
			continue
		}

		mt.list = append(mt.list[:i], mt.list[i+1:]...)

		switch {
		case mt.lastActive == i:
			mt.lastActive = -1
		case mt.lastActive > i:
			mt.lastActive--
		}
		return true
	}
	return false
}

func (mt *memberTable) find(id int32) *SocketData {
	for _, d := range mt.list {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (mt *memberTable) setActive(d *SocketData) {
	for i, e := range mt.list {
		if e == d {
			mt.lastActive = i
			return
		}
	}
	mt.lastActive = -1
}

func (mt *memberTable) active() *SocketData {
	if mt.lastActive < 0 || mt.lastActive >= len(mt.list) {
		return nil
	}
	return mt.list[mt.lastActive]
}

func (mt *memberTable) empty() bool {
	return len(mt.list) == 0
}

func (mt *memberTable) size() int {
	return len(mt.list)
}

func (mt *memberTable) clear() {
	mt.list = nil
	mt.lastActive = -1
}
