package group

import (
	"testing"

	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

func retxCtrl(msgno, seq int32) packet.MsgCtrl {
	ctrl := packet.DefaultMsgCtrl()
	ctrl.MsgNo = msgno
	ctrl.PktSeq = seq
	return ctrl
}

func TestRetxBufferOrderAndIter(t *testing.T) {
	storage := NewMessageStorage(packet.LiveMaxPayloadSize, 8)
	rb := newRetxBuffer(storage, 0)

	for i := int32(1); i <= 4; i++ {
		rb.append([]byte{byte(i)}, retxCtrl(i, 100+i))
	}

	if rb.oldestMsgNo != 1 {
		t.Errorf("oldest is %d", rb.oldestMsgNo)
	}

	var got []int32
	err := rb.iterSince(2, func(ctrl packet.MsgCtrl, payload []byte) error {
		got = append(got, ctrl.MsgNo)
		if payload[0] != byte(ctrl.MsgNo) {
			t.Errorf("payload of message %d corrupted", ctrl.MsgNo)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("iterSince(2) yielded %v", got)
	}
}

func TestRetxBufferAckEviction(t *testing.T) {
	storage := NewMessageStorage(packet.LiveMaxPayloadSize, 8)
	rb := newRetxBuffer(storage, 0)

	for i := int32(1); i <= 5; i++ {
		rb.append([]byte("m"), retxCtrl(i, 200+i))
	}

	rb.ack(3)
	rb.trim()

	if rb.len() != 2 {
		t.Errorf("buffer holds %d entries after acking 3 of 5", rb.len())
	}
	if rb.oldestMsgNo != 4 {
		t.Errorf("oldest is %d instead of 4", rb.oldestMsgNo)
	}

	// The oldest entry never trails more than one behind the cursor.
	if seqno.CmpMsg(rb.oldestMsgNo, seqno.IncrMsg(rb.ackedMsgNo)) > 0 {
		t.Errorf("invariant broken: oldest=%d acked=%d", rb.oldestMsgNo, rb.ackedMsgNo)
	}
}

func TestRetxBufferAckBySeq(t *testing.T) {
	storage := NewMessageStorage(packet.LiveMaxPayloadSize, 8)
	rb := newRetxBuffer(storage, 0)

	for i := int32(1); i <= 3; i++ {
		rb.append([]byte("m"), retxCtrl(i, 300+i))
	}

	// Acknowledged up to, not including, sequence 303.
	rb.ackBySeq(303)
	rb.trim()

	if rb.ackedMsgNo != 2 {
		t.Errorf("acked cursor is %d instead of 2", rb.ackedMsgNo)
	}
	if rb.len() != 1 {
		t.Errorf("buffer holds %d entries", rb.len())
	}
}

func TestRetxBufferCapOverflow(t *testing.T) {
	storage := NewMessageStorage(packet.LiveMaxPayloadSize, 8)
	rb := newRetxBuffer(storage, 3)

	for i := int32(1); i <= 5; i++ {
		rb.append([]byte("m"), retxCtrl(i, 400+i))
	}

	if rb.len() != 3 {
		t.Errorf("cap not enforced: %d entries", rb.len())
	}
	if rb.oldestMsgNo != 3 {
		t.Errorf("oldest is %d after overflow", rb.oldestMsgNo)
	}
	if !rb.overflowed {
		t.Error("overflow not flagged for loss indication")
	}
}

func TestRetxBufferDrop(t *testing.T) {
	storage := NewMessageStorage(packet.LiveMaxPayloadSize, 8)
	rb := newRetxBuffer(storage, 0)

	rb.append([]byte("m"), retxCtrl(1, 500))
	rb.append([]byte("m"), retxCtrl(2, 501))
	rb.drop()

	if rb.len() != 0 || rb.oldestMsgNo != seqno.MsgNone {
		t.Error("drop left state behind")
	}
	if storage.Cached() != 2 {
		t.Errorf("buffers not returned to storage: %d cached", storage.Cached())
	}
}
