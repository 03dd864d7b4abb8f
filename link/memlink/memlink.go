// Package memlink provides an in-process member link. A pair of cross
// connected links forms a loopback transport; a single link without a peer
// swallows everything it sends.
//
// The package is used by the group engine's tests and by examples. Failure
// injection knobs make the member state machine reachable without real
// network faults.
package memlink

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// event is one queued inbound delivery.
type event struct {
	payload []byte
	ctrl    packet.MsgCtrl
}

// SentRecord is one message as it left a link.
type SentRecord struct {
	Seq     int32
	MsgNo   int32
	Payload []byte
}

// memAddr is the pseudo address of an in-process link.
type memAddr struct {
	name string
}

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return a.name }

// Link is one in-process member link.
type Link struct {
	mutex sync.Mutex

	id      int32
	status  link.Status
	handler link.Handler
	peer    *Link

	sndISN  int32
	rcvISN  int32
	nextSeq int32

	lastSent int32
	lastRcv  int32
	lastAck  time.Time

	options map[int][]byte

	// sent records every outgoing message for inspection by tests.
	sent []SentRecord

	// queue feeds the dispatcher goroutine, which preserves the in-order
	// delivery a real transport guarantees.
	queue   chan event
	stopSyn chan struct{}

	// autoAck makes the peer acknowledge every delivery asynchronously,
	// the way a live transport would.
	autoAck bool

	// failure injection
	failNext error
	blocked  bool
}

// New creates a standalone connected link without a peer. Everything sent
// is accepted and dropped.
func New(id int32) *Link {
	isn := seqno.GenerateISN()
	l := &Link{
		id:       id,
		status:   link.StatusConnected,
		sndISN:   isn,
		rcvISN:   seqno.None,
		nextSeq:  isn,
		lastSent: seqno.None,
		lastRcv:  seqno.None,
		lastAck:  time.Now(),
		options:  make(map[int][]byte),
		queue:    make(chan event, 1024),
		stopSyn:  make(chan struct{}),
	}

	go l.dispatcher()

	return l
}

// dispatcher hands queued deliveries to the handler one by one.
func (l *Link) dispatcher() {
	for {
		select {
		case <-l.stopSyn:
			return
		case ev := <-l.queue:
			l.receive(ev.payload, ev.ctrl)
		}
	}
}

// NewPair creates two cross connected links. Data sent on one side is
// delivered to the other side's handler; acknowledgements flow back
// automatically.
func NewPair(aID, bID int32) (*Link, *Link) {
	a, b := New(aID), New(bID)
	a.peer, b.peer = b, a
	a.autoAck, b.autoAck = true, true
	return a, b
}

func (l *Link) ID() int32 { return l.id }

func (l *Link) Status() link.Status {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.status
}

func (l *Link) SetHandler(h link.Handler) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.handler = h
}

func (l *Link) Send(payload []byte, ctrl *packet.MsgCtrl) (int, error) {
	l.mutex.Lock()

	if l.status != link.StatusConnected {
		l.mutex.Unlock()
		return 0, link.ErrClosed
	}

	if l.blocked {
		l.mutex.Unlock()
		return 0, link.ErrAgain
	}

	if err := l.failNext; err != nil {
		l.failNext = nil
		l.status = link.StatusBroken
		handler := l.handler
		l.mutex.Unlock()

		if handler != nil {
			go handler.OnFailure(l, err)
		}
		return 0, err
	}

	seq := l.nextSeq
	l.lastSent = seq
	l.nextSeq = seqno.Incr(seq)

	ctrl.PktSeq = seq
	if ctrl.SrcTime.IsZero() {
		ctrl.SrcTime = time.Now()
	}

	record := SentRecord{Seq: seq, MsgNo: ctrl.MsgNo, Payload: make([]byte, len(payload))}
	copy(record.Payload, payload)
	l.sent = append(l.sent, record)

	peer := l.peer
	sent := *ctrl
	l.mutex.Unlock()

	if peer != nil {
		buff := make([]byte, len(payload))
		copy(buff, payload)

		select {
		case peer.queue <- event{payload: buff, ctrl: sent}:
		default:
			return 0, link.ErrAgain
		}
	} else if l.autoAckEnabled() {
		go l.PushAck(seqno.Incr(seq))
	}

	return len(payload), nil
}

func (l *Link) autoAckEnabled() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.autoAck
}

// receive is the peer-side delivery path of a link pair.
func (l *Link) receive(payload []byte, ctrl packet.MsgCtrl) {
	l.mutex.Lock()
	if l.status != link.StatusConnected {
		l.mutex.Unlock()
		return
	}

	if l.rcvISN == seqno.None {
		l.rcvISN = ctrl.PktSeq
	}
	l.lastRcv = ctrl.PktSeq
	handler := l.handler
	peer := l.peer
	autoAck := l.autoAck
	l.mutex.Unlock()

	if handler != nil {
		handler.OnDelivery(l, payload, ctrl)
	}

	if autoAck && peer != nil {
		peer.PushAck(seqno.Incr(ctrl.PktSeq))
	}
}

func (l *Link) OverrideSendSeq(seq int32) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.nextSeq = seq
}

func (l *Link) LastSentSeq() int32 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lastSent
}

func (l *Link) LastAckTime() time.Time {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lastAck
}

func (l *Link) LastRcvSeq() int32 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lastRcv
}

func (l *Link) SndISN() int32 { return l.sndISN }
func (l *Link) RcvISN() int32 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.rcvISN
}

func (l *Link) SetOption(code int, value []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	l.options[code] = stored
	return nil
}

// Option returns a previously applied option value.
func (l *Link) Option(code int) ([]byte, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	value, ok := l.options[code]
	return value, ok
}

func (l *Link) LocalAddr() net.Addr {
	return memAddr{name: fmt.Sprintf("mem://local/%d", l.id)}
}

func (l *Link) RemoteAddr() net.Addr {
	return memAddr{name: fmt.Sprintf("mem://peer/%d", l.id)}
}

func (l *Link) Start() (error, bool) {
	return nil, false
}

func (l *Link) Close() error {
	l.mutex.Lock()
	if l.status == link.StatusClosed {
		l.mutex.Unlock()
		return nil
	}
	l.status = link.StatusClosed
	l.mutex.Unlock()

	close(l.stopSyn)
	return nil
}

// Sent returns a copy of every message that left this link, in order.
func (l *Link) Sent() []SentRecord {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	out := make([]SentRecord, len(l.sent))
	copy(out, l.sent)
	return out
}

// PushAck injects an acknowledgement from the peer; ack is the past-the-
// last acknowledged sequence.
func (l *Link) PushAck(ack int32) {
	l.mutex.Lock()
	if l.status != link.StatusConnected {
		l.mutex.Unlock()
		return
	}
	l.lastAck = time.Now()
	handler := l.handler
	l.mutex.Unlock()

	if handler != nil {
		handler.OnAck(l, ack)
	}
}

// PushKeepalive injects a keepalive from the peer.
func (l *Link) PushKeepalive() {
	l.mutex.Lock()
	handler := l.handler
	l.mutex.Unlock()

	if handler != nil {
		handler.OnKeepalive(l)
	}
}

// PushDelivery injects a received data packet, as if the peer had sent it.
func (l *Link) PushDelivery(payload []byte, ctrl packet.MsgCtrl) {
	l.receive(payload, ctrl)
}

// SetBlocked toggles would-block behavior for subsequent sends.
func (l *Link) SetBlocked(blocked bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.blocked = blocked
}

// FailNext makes the next send fail hard with the given error and breaks
// the link.
func (l *Link) FailNext(err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.failNext = err
}

// Break marks the link broken without a pending send, as if the peer
// vanished.
func (l *Link) Break(reason error) {
	l.mutex.Lock()
	l.status = link.StatusBroken
	handler := l.handler
	l.mutex.Unlock()

	if handler != nil {
		handler.OnFailure(l, reason)
	}
}

// BackdateAck rewinds the last response time, making the link appear
// silent for the given duration.
func (l *Link) BackdateAck(d time.Duration) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.lastAck = l.lastAck.Add(-d)
}
