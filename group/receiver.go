package group

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// readPos is the single deliverable look-ahead packet of one member.
type readPos struct {
	payload []byte
	ctrl    packet.MsgCtrl
	arrived time.Time
}

// memberRecv is the merger's per-member read state: one deliverable look-
// ahead position plus the packets that arrived but are not yet signed off by
// an acknowledgement.
type memberRecv struct {
	token int32

	// expSeq is the next sequence expected from this member, seqno.None
	// until the first delivery.
	expSeq int32

	// ackSeq is the past-the-last sequence the member's link has signed
	// off for extraction.
	ackSeq int32

	// pos holds the deliverable look-ahead packet, if any.
	pos *readPos

	// pending holds arrived packets waiting for sign-off or for the pos
	// slot, in sequence order.
	pending []readPos
}

// promote refills the look-ahead slot from the pending queue, honoring the
// acknowledgement watermark.
func (mr *memberRecv) promote() {
	for mr.pos == nil && len(mr.pending) > 0 {
		head := mr.pending[0]
		if mr.ackSeq == seqno.None || seqno.Cmp(head.ctrl.PktSeq, mr.ackSeq) >= 0 {
			return
		}
		mr.pending = mr.pending[1:]
		p := head
		mr.pos = &p
	}
}

// has reports whether seq is buffered anywhere in this member's read state.
func (mr *memberRecv) has(seq int32) bool {
	if mr.pos != nil && mr.pos.ctrl.PktSeq == seq {
		return true
	}
	for i := range mr.pending {
		if mr.pending[i].ctrl.PktSeq == seq {
			return true
		}
	}
	return false
}

// receiver merges the sequence-numbered packets of all members into one
// monotonically increasing stream. All state is guarded by the group lock.
type receiver struct {
	baseSeq   int32
	positions map[int32]*memberRecv
}

func newReceiver() receiver {
	return receiver{
		baseSeq:   seqno.None,
		positions: make(map[int32]*memberRecv),
	}
}

// reset drops all read state so that the next connection starts a fresh
// delivery epoch. The first packet delivered afterwards redefines the base.
func (rcv *receiver) reset() {
	rcv.baseSeq = seqno.None
	rcv.positions = make(map[int32]*memberRecv)
}

func (rcv *receiver) memberState(d *SocketData) *memberRecv {
	mr, ok := rcv.positions[d.ID]
	if !ok {
		mr = &memberRecv{
			token:  d.Token,
			expSeq: seqno.None,
			ackSeq: seqno.None,
		}
		rcv.positions[d.ID] = mr
	}
	return mr
}

// erase drops the read state of a removed member.
func (rcv *receiver) erase(id int32) {
	delete(rcv.positions, id)
}

// providePacket registers that a member received the packet with the given
// sequence, where expSeq was the member's previously expected sequence. The
// returned bitmap covers the sequences expSeq .. seq-1; false marks a
// sequence unseen on every member, a true group-level loss candidate.
func (rcv *receiver) providePacket(expSeq, seq int32) []bool {
	if expSeq == seqno.None || seqno.Cmp(seq, expSeq) <= 0 {
		return nil
	}

	gap := seqno.Off(expSeq, seq)
	if gap <= 0 {
		return nil
	}

	bitmap := make([]bool, gap)
	missing := expSeq
	for i := range bitmap {
		bitmap[i] = rcv.seen(missing)
		missing = seqno.Incr(missing)
	}
	return bitmap
}

// seen reports whether the sequence was delivered already or is buffered on
// any member.
func (rcv *receiver) seen(seq int32) bool {
	if rcv.baseSeq != seqno.None && seqno.Cmp(seq, rcv.baseSeq) <= 0 {
		return true
	}
	for _, mr := range rcv.positions {
		if mr.has(seq) {
			return true
		}
	}
	return false
}

// deliverResult reports what the merger did with an arriving packet.
type deliverResult int

const (
	deliverStored deliverResult = iota
	deliverDiscardedOld
	deliverDiscardedDup
)

// deliver stores one arriving packet into the providing member's read state,
// after duplicate suppression. The loss bitmap of the member's sequence gap
// is returned alongside.
func (rcv *receiver) deliver(d *SocketData, payload []byte, ctrl packet.MsgCtrl) (deliverResult, []bool) {
	seq := ctrl.PktSeq
	mr := rcv.memberState(d)

	if rcv.baseSeq != seqno.None && seqno.Cmp(seq, rcv.baseSeq) <= 0 {
		return deliverDiscardedOld, nil
	}

	for _, other := range rcv.positions {
		if other.has(seq) {
			return deliverDiscardedDup, nil
		}
	}

	var exp int32 = seq
	if mr.expSeq != seqno.None {
		exp = mr.expSeq
	}
	bitmap := rcv.providePacket(exp, seq)

	buff := make([]byte, len(payload))
	copy(buff, payload)

	mr.pending = append(mr.pending, readPos{
		payload: buff,
		ctrl:    ctrl,
		arrived: time.Now(),
	})
	mr.expSeq = seqno.Incr(seq)
	mr.promote()

	return deliverStored, bitmap
}

// readyPackets signs off this member's packets below ack for extraction.
func (rcv *receiver) readyPackets(d *SocketData, ack int32) {
	mr := rcv.memberState(d)
	if mr.ackSeq == seqno.None || seqno.Cmp(ack, mr.ackSeq) > 0 {
		mr.ackSeq = ack
	}
	mr.promote()
}

// checkPacketAhead scans the buffered look-ahead positions for a packet that
// directly continues the delivery sequence and returns the owning member id.
// While the base is unset every buffered candidate qualifies and tieBreak
// picks the one with the lowest sequence.
func (rcv *receiver) checkPacketAhead() (int32, *readPos) {
	var pickID int32 = -1
	var pick *readPos

	for id, mr := range rcv.positions {
		if mr.pos == nil {
			continue
		}

		if rcv.baseSeq != seqno.None {
			if mr.pos.ctrl.PktSeq != seqno.Incr(rcv.baseSeq) {
				continue
			}
		}

		if pick == nil || tieBreak(mr.pos, mr.token, pick, rcv.positions[pickID].token) {
			pickID = id
			pick = mr.pos
		}
	}

	return pickID, pick
}

// tieBreak decides whether candidate a should be preferred over b: first by
// lower sequence (only relevant while the base is unset), then by earlier
// TSBPD time, then by lower member token.
func tieBreak(a *readPos, aToken int32, b *readPos, bToken int32) bool {
	if c := seqno.Cmp(a.ctrl.PktSeq, b.ctrl.PktSeq); c != 0 {
		return c < 0
	}

	at, bt := a.ctrl.SrcTime, b.ctrl.SrcTime
	if !at.Equal(bt) {
		return at.Before(bt)
	}

	return aToken < bToken
}

// staleCandidate looks for the oldest buffered position once the head of
// line is missing for longer than the latency budget. It returns the member
// owning the minimum buffered sequence, provided its packet exceeded the
// TSBPD delay, for the too-late packet drop to advance the base.
func (rcv *receiver) staleCandidate(latency time.Duration) (int32, *readPos) {
	var pickID int32 = -1
	var pick *readPos

	for id, mr := range rcv.positions {
		if mr.pos == nil {
			continue
		}
		if pick == nil || seqno.Cmp(mr.pos.ctrl.PktSeq, pick.ctrl.PktSeq) < 0 {
			pickID = id
			pick = mr.pos
		}
	}

	if pick == nil {
		return -1, nil
	}

	deadline := pick.arrived
	if !pick.ctrl.SrcTime.IsZero() {
		deadline = pick.ctrl.SrcTime
	}

	if time.Since(deadline) <= latency {
		return -1, nil
	}

	return pickID, pick
}

// consume removes the delivered look-ahead position of a member and advances
// the delivery base.
func (rcv *receiver) consume(id int32, pos *readPos) {
	mr, ok := rcv.positions[id]
	if !ok || mr.pos != pos {
		log.WithFields(log.Fields{
			"member": id,
		}).Error("Consumed read position does not belong to its member")
		return
	}

	rcv.baseSeq = pos.ctrl.PktSeq
	mr.pos = nil
	mr.promote()
}

// deliverable reports whether a packet directly following the base is
// buffered, which drives the group's readable readiness event.
func (rcv *receiver) deliverable() bool {
	_, pick := rcv.checkPacketAhead()
	return pick != nil
}
