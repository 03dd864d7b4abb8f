package group

import (
	"errors"
	"testing"
	"time"

	"github.com/ngxial02/srt/link/memlink"
	"github.com/ngxial02/srt/packet"
)

func deliverCtrl(seq int32, srcTime time.Time) packet.MsgCtrl {
	ctrl := packet.DefaultMsgCtrl()
	ctrl.PktSeq = seq
	ctrl.MsgNo = 1
	ctrl.SrcTime = srcTime
	return ctrl
}

func recvString(t *testing.T, g *Group) (string, packet.MsgCtrl, error) {
	t.Helper()

	buff := make([]byte, packet.LiveMaxPayloadSize)
	ctrl := packet.DefaultMsgCtrl()
	n, err := g.Recv(buff, &ctrl)
	if err != nil {
		return "", ctrl, err
	}
	return string(buff[:n]), ctrl, nil
}

func TestRecvMergeWithDuplicate(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setBool(t, g, OptRcvSyn, false)

	a := memlink.New(101)
	b := memlink.New(102)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(b, 0); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	a.PushDelivery([]byte("X"), deliverCtrl(100, now))
	b.PushDelivery([]byte("X"), deliverCtrl(100, now))

	payload, ctrl, err := recvString(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "X" {
		t.Errorf("received %q instead of X", payload)
	}
	if ctrl.PktSeq != 100 {
		t.Errorf("received sequence %d", ctrl.PktSeq)
	}

	g.lock.Lock()
	baseSeq := g.rcv.baseSeq
	discarded := g.stats.RecvDiscard.Total.Packets
	g.lock.Unlock()

	if baseSeq != 100 {
		t.Errorf("delivery base is %d instead of 100", baseSeq)
	}
	if discarded != 1 {
		t.Errorf("recvDiscard is %d instead of 1", discarded)
	}

	// Nothing else is deliverable: the duplicate must not reappear.
	if _, _, err := recvString(t, g); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("second recv: %v", err)
	}
}

func TestRecvInitialDeliveryOrder(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setBool(t, g, OptRcvSyn, false)

	a := memlink.New(101)
	b := memlink.New(102)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(b, 0); err != nil {
		t.Fatal(err)
	}

	// Two different starting packets; the lower sequence defines the
	// delivery base.
	now := time.Now()
	a.PushDelivery([]byte("late"), deliverCtrl(201, now))
	b.PushDelivery([]byte("early"), deliverCtrl(200, now.Add(-time.Millisecond)))

	payload, ctrl, err := recvString(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "early" || ctrl.PktSeq != 200 {
		t.Errorf("first delivery is %q seq=%d", payload, ctrl.PktSeq)
	}

	payload, ctrl, err = recvString(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "late" || ctrl.PktSeq != 201 {
		t.Errorf("second delivery is %q seq=%d", payload, ctrl.PktSeq)
	}
}

func TestRecvBaseSeqMonotonic(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setBool(t, g, OptRcvSyn, false)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	a.PushDelivery([]byte("1"), deliverCtrl(500, now))
	if _, _, err := recvString(t, g); err != nil {
		t.Fatal(err)
	}

	// A late packet at or below the base is discarded, not delivered.
	a.PushDelivery([]byte("0"), deliverCtrl(499, now))
	if _, _, err := recvString(t, g); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("stale packet was delivered: %v", err)
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	if g.rcv.baseSeq != 500 {
		t.Errorf("base moved backwards to %d", g.rcv.baseSeq)
	}
	if g.stats.RecvDiscard.Total.Packets != 1 {
		t.Errorf("recvDiscard is %d", g.stats.RecvDiscard.Total.Packets)
	}
}

func TestTooLatePacketDropSkip(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setBool(t, g, OptRcvSyn, false)
	setInt(t, g, OptTsbPdDelay, 30)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	// Establish the base at 50.
	a.PushDelivery([]byte("base"), deliverCtrl(50, time.Now()))
	if _, _, err := recvString(t, g); err != nil {
		t.Fatal(err)
	}

	// Only sequence 55 arrives, already older than the latency budget.
	a.PushDelivery([]byte("ahead"), deliverCtrl(55, time.Now().Add(-50*time.Millisecond)))

	payload, ctrl, err := recvString(t, g)
	if err != nil {
		t.Fatalf("too-late packet drop did not advance: %v", err)
	}
	if payload != "ahead" || ctrl.PktSeq != 55 {
		t.Errorf("delivered %q seq=%d", payload, ctrl.PktSeq)
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if g.rcv.baseSeq != 55 {
		t.Errorf("base is %d instead of 55", g.rcv.baseSeq)
	}
	if g.stats.RecvDrop.Total.Packets != 4 {
		t.Errorf("recvDrop is %d instead of 4", g.stats.RecvDrop.Total.Packets)
	}
}

func TestTooLatePacketDropDisabled(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setBool(t, g, OptRcvSyn, false)
	setBool(t, g, OptTlPktDrop, false)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	a.PushDelivery([]byte("base"), deliverCtrl(50, time.Now()))
	if _, _, err := recvString(t, g); err != nil {
		t.Fatal(err)
	}

	// With the drop policy disabled, delivery stays strictly contiguous.
	a.PushDelivery([]byte("ahead"), deliverCtrl(55, time.Now().Add(-time.Second)))
	if _, _, err := recvString(t, g); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("non-contiguous packet was delivered: %v", err)
	}
}

func TestProvidePacketBitmap(t *testing.T) {
	rcv := newReceiver()

	b := &SocketData{ID: 102, Token: 2}

	// Member B already buffered sequence 53.
	ctrl := packet.DefaultMsgCtrl()
	ctrl.PktSeq = 53
	if res, _ := rcv.deliver(b, []byte("53"), ctrl); res != deliverStored {
		t.Fatalf("delivery of 53 was %v", res)
	}

	// A's gap 51..54 before 55: only 53 has been seen somewhere.
	bitmap := rcv.providePacket(51, 55)
	if len(bitmap) != 4 {
		t.Fatalf("bitmap has %d entries instead of 4", len(bitmap))
	}

	expect := []bool{false, false, true, false}
	for i, seen := range expect {
		if bitmap[i] != seen {
			t.Errorf("bitmap[%d] = %v, expected %v", i, bitmap[i], seen)
		}
	}
}

func TestFirstDeliveryDefinesBase(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setBool(t, g, OptRcvSyn, false)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	a.PushDelivery([]byte("first"), deliverCtrl(123456, time.Now()))

	payload, ctrl, err := recvString(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "first" || ctrl.PktSeq != 123456 {
		t.Errorf("first delivery is %q seq=%d", payload, ctrl.PktSeq)
	}
	if ctrl.SrcMember != 101 {
		t.Errorf("source member is %d", ctrl.SrcMember)
	}
	if len(ctrl.GroupData) != 1 || ctrl.GroupData[0].SocketID != 101 {
		t.Errorf("member status array not filled: %v", ctrl.GroupData)
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	if g.rcv.baseSeq != 123456 {
		t.Errorf("base is %d", g.rcv.baseSeq)
	}
}

func TestRecvBlockingTimeout(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setInt(t, g, OptRcvTimeout, 30)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, _, err := recvString(t, g); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("timed out after only %v", waited)
	}
}

func TestRecvLookAheadFromSecondLink(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)
	setBool(t, g, OptRcvSyn, false)

	a := memlink.New(101)
	b := memlink.New(102)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(b, 0); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	a.PushDelivery([]byte("1"), deliverCtrl(10, now))
	if _, _, err := recvString(t, g); err != nil {
		t.Fatal(err)
	}

	// A goes silent, B continues the stream seamlessly.
	b.PushDelivery([]byte("2"), deliverCtrl(11, now))

	payload, ctrl, err := recvString(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if payload != "2" || ctrl.PktSeq != 11 || ctrl.SrcMember != 102 {
		t.Errorf("look-ahead delivery is %q seq=%d member=%d",
			payload, ctrl.PktSeq, ctrl.SrcMember)
	}
}
