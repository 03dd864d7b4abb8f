package memlink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// collector implements link.Handler and keeps everything it sees.
type collector struct {
	mutex      sync.Mutex
	deliveries []packet.MsgCtrl
	payloads   [][]byte
	acks       []int32
	failures   []error
}

func (c *collector) OnDelivery(_ link.Link, payload []byte, ctrl packet.MsgCtrl) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	buff := make([]byte, len(payload))
	copy(buff, payload)
	c.payloads = append(c.payloads, buff)
	c.deliveries = append(c.deliveries, ctrl)
}

func (c *collector) OnAck(_ link.Link, ack int32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.acks = append(c.acks, ack)
}

func (c *collector) OnKeepalive(_ link.Link) {}

func (c *collector) OnFailure(_ link.Link, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failures = append(c.failures, err)
}

func (c *collector) deliveryCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.deliveries)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPairPreservesOrder(t *testing.T) {
	a, b := NewPair(1, 2)
	defer a.Close()
	defer b.Close()

	ca, cb := new(collector), new(collector)
	a.SetHandler(ca)
	b.SetHandler(cb)

	const messages = 50
	for i := 0; i < messages; i++ {
		ctrl := packet.DefaultMsgCtrl()
		ctrl.MsgNo = int32(i + 1)
		if _, err := a.Send([]byte{byte(i)}, &ctrl); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool { return cb.deliveryCount() == messages })

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	last := seqno.None
	for i, ctrl := range cb.deliveries {
		if cb.payloads[i][0] != byte(i) {
			t.Fatalf("delivery %d out of order", i)
		}
		if last != seqno.None && ctrl.PktSeq != seqno.Incr(last) {
			t.Fatalf("sequence gap at delivery %d", i)
		}
		last = ctrl.PktSeq
	}
}

func TestPairAutoAck(t *testing.T) {
	a, b := NewPair(1, 2)
	defer a.Close()
	defer b.Close()

	ca := new(collector)
	a.SetHandler(ca)
	b.SetHandler(new(collector))

	ctrl := packet.DefaultMsgCtrl()
	if _, err := a.Send([]byte("x"), &ctrl); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		ca.mutex.Lock()
		defer ca.mutex.Unlock()
		return len(ca.acks) == 1
	})

	ca.mutex.Lock()
	defer ca.mutex.Unlock()
	if ca.acks[0] != seqno.Incr(ctrl.PktSeq) {
		t.Errorf("acknowledged %d for sequence %d", ca.acks[0], ctrl.PktSeq)
	}
}

func TestFailureInjection(t *testing.T) {
	l := New(1)
	c := new(collector)
	l.SetHandler(c)

	l.FailNext(errors.New("injected"))

	ctrl := packet.DefaultMsgCtrl()
	if _, err := l.Send([]byte("x"), &ctrl); err == nil {
		t.Fatal("injected failure did not surface")
	}

	waitFor(t, func() bool {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		return len(c.failures) == 1
	})

	if l.Status() != link.StatusBroken {
		t.Errorf("link status is %v", l.Status())
	}
}

func TestBlockedSend(t *testing.T) {
	l := New(1)
	defer l.Close()

	l.SetBlocked(true)
	ctrl := packet.DefaultMsgCtrl()
	if _, err := l.Send([]byte("x"), &ctrl); !errors.Is(err, link.ErrAgain) {
		t.Errorf("blocked send returned %v", err)
	}

	l.SetBlocked(false)
	if _, err := l.Send([]byte("x"), &ctrl); err != nil {
		t.Errorf("unblocked send returned %v", err)
	}
}
