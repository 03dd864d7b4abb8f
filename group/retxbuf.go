package group

import (
	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// retxBuffer is the ordered store of recently sent messages kept by backup
// groups for catch-up after activating an idle link. Entries are keyed by
// their message number; oldestMsgNo tracks the front, ackedMsgNo the highest
// message number acknowledged by every currently sendable member.
//
// Entries with msgno <= ackedMsgNo are evicted opportunistically on append
// or through an explicit trim.
type retxBuffer struct {
	entries     []bufferedMessage
	oldestMsgNo int32
	ackedMsgNo  int32
	cap         int
	overflowed  bool
	storage     *MessageStorage
}

func newRetxBuffer(storage *MessageStorage, cap int) *retxBuffer {
	return &retxBuffer{
		oldestMsgNo: seqno.MsgNone,
		ackedMsgNo:  seqno.MsgNone,
		cap:         cap,
		storage:     storage,
	}
}

// append stores one sent message under the given, already assigned message
// number. When the buffer hits its cap the oldest unacked entry is evicted
// anyway; a later activation will observe the hole and report the loss.
func (rb *retxBuffer) append(buf []byte, ctrl packet.MsgCtrl) {
	rb.trim()

	if rb.cap > 0 && len(rb.entries) >= rb.cap {
		log.WithFields(log.Fields{
			"msgno":  rb.oldestMsgNo,
			"buffer": len(rb.entries),
		}).Error("Retransmission buffer overflow, evicting unacked message")

		rb.entries[0].release()
		rb.entries = rb.entries[1:]
		rb.overflowed = true
		if len(rb.entries) > 0 {
			rb.oldestMsgNo = rb.entries[0].ctrl.MsgNo
		} else {
			rb.oldestMsgNo = seqno.MsgNone
		}
	}

	var bm bufferedMessage
	bm.copyFrom(buf, ctrl, rb.storage)
	rb.entries = append(rb.entries, bufferedMessage{})
	bm.moveTo(&rb.entries[len(rb.entries)-1])

	if rb.oldestMsgNo == seqno.MsgNone {
		rb.oldestMsgNo = ctrl.MsgNo
	}
}

// ack records that all sendable members acknowledged messages up to and
// including msgno.
func (rb *retxBuffer) ack(msgno int32) {
	if msgno == seqno.MsgNone {
		return
	}
	if rb.ackedMsgNo == seqno.MsgNone || seqno.CmpMsg(msgno, rb.ackedMsgNo) > 0 {
		rb.ackedMsgNo = msgno
	}
}

// ackBySeq translates an acknowledged sequence number into the message
// number space: every buffered entry whose packet sequence lies below ack is
// considered acknowledged.
func (rb *retxBuffer) ackBySeq(ack int32) {
	for i := range rb.entries {
		e := &rb.entries[i]
		if seqno.Cmp(e.ctrl.PktSeq, ack) < 0 {
			rb.ack(e.ctrl.MsgNo)
		}
	}
}

// trim evicts acknowledged entries from the front.
func (rb *retxBuffer) trim() {
	if rb.ackedMsgNo == seqno.MsgNone {
		return
	}

	for len(rb.entries) > 0 && seqno.CmpMsg(rb.entries[0].ctrl.MsgNo, rb.ackedMsgNo) <= 0 {
		rb.entries[0].release()
		rb.entries = rb.entries[1:]
	}

	if len(rb.entries) > 0 {
		rb.oldestMsgNo = rb.entries[0].ctrl.MsgNo
	} else {
		rb.oldestMsgNo = seqno.MsgNone
	}
}

// iterSince yields the buffered messages with message number > msgno in
// order. The callback receives the stored header and payload; returning an
// error stops the iteration.
func (rb *retxBuffer) iterSince(msgno int32, fn func(ctrl packet.MsgCtrl, payload []byte) error) error {
	for i := range rb.entries {
		e := &rb.entries[i]
		if msgno != seqno.MsgNone && seqno.CmpMsg(e.ctrl.MsgNo, msgno) <= 0 {
			continue
		}
		if err := fn(e.ctrl, e.payload()); err != nil {
			return err
		}
	}
	return nil
}

// len returns the number of buffered entries.
func (rb *retxBuffer) len() int {
	return len(rb.entries)
}

// tailSeq returns the packet sequence of the newest entry, seqno.None when
// the buffer is empty.
func (rb *retxBuffer) tailSeq() int32 {
	if len(rb.entries) == 0 {
		return seqno.None
	}
	return rb.entries[len(rb.entries)-1].ctrl.PktSeq
}

// drop releases every entry, e.g. when the group closes.
func (rb *retxBuffer) drop() {
	for i := range rb.entries {
		rb.entries[i].release()
	}
	rb.entries = nil
	rb.oldestMsgNo = seqno.MsgNone
}
