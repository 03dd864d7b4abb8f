// Package udpl implements a member link over a plain UDP datagram socket.
//
// Every datagram carries a small checksummed header with the sequence
// number, message number and the origin timestamp. The receiving side
// acknowledges data frames immediately, and both sides emit a keepalive
// every second while the link is up, so a bonded group can judge the link's
// stability.
//
// The link intentionally performs no retransmission of its own; reliability
// across links is the group's business.
package udpl

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

const keepaliveInterval = time.Second

// Link is a UDP member link.
type Link struct {
	mutex sync.Mutex

	id     int32
	local  string
	remote string

	conn    *net.UDPConn
	status  link.Status
	handler link.Handler

	sndISN  int32
	rcvISN  int32
	nextSeq int32

	lastSent int32
	lastRcv  int32
	lastAck  time.Time

	stopSyn chan struct{}
	stopAck chan struct{}

	closeOnce sync.Once
}

// New creates a UDP link bound to local, exchanging datagrams with remote.
// The link is brought up by Start.
func New(id int32, local, remote string) *Link {
	isn := seqno.GenerateISN()
	return &Link{
		id:       id,
		local:    local,
		remote:   remote,
		status:   link.StatusInit,
		sndISN:   isn,
		rcvISN:   seqno.None,
		nextSeq:  isn,
		lastSent: seqno.None,
		lastRcv:  seqno.None,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
}

func (l *Link) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"link":   l.id,
		"remote": l.remote,
	})
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

// Start binds the socket, connects it to the peer and spawns the reader
// and keepalive handlers.
func (l *Link) Start() (error, bool) {
	conn, err := dial(l.local, l.remote)
	if err != nil {
		return err, true
	}

	l.mutex.Lock()
	l.conn = conn
	l.status = link.StatusConnected
	l.lastAck = time.Now()
	l.mutex.Unlock()

	go l.reader()
	go l.keepaliver()

	// Announce our initial sequence so the peer can anchor its receive
	// numbering before the first data frame.
	l.sendFrame(&frame{Type: frameHandshake, Seq: l.sndISN})

	l.logger().Debug("UDP link started")
	return nil, false
}

func (l *Link) Send(payload []byte, ctrl *packet.MsgCtrl) (int, error) {
	if len(payload) > packet.LiveMaxPayloadSize {
		return 0, fmt.Errorf("payload of %d bytes exceeds the live maximum", len(payload))
	}

	l.mutex.Lock()
	if l.status != link.StatusConnected {
		l.mutex.Unlock()
		return 0, link.ErrClosed
	}

	seq := l.nextSeq
	l.lastSent = seq
	l.nextSeq = seqno.Incr(seq)

	ctrl.PktSeq = seq
	if ctrl.SrcTime.IsZero() {
		ctrl.SrcTime = time.Now()
	}

	f := &frame{
		Type:    frameData,
		Seq:     seq,
		MsgNo:   ctrl.MsgNo,
		SrcTime: toMicros(ctrl.SrcTime),
		Payload: payload,
	}
	conn := l.conn
	l.mutex.Unlock()

	if _, err := conn.Write(f.marshal()); err != nil {
		if isWouldBlock(err) {
			return 0, link.ErrAgain
		}
		l.fail(err)
		return 0, err
	}

	return len(payload), nil
}

// sendFrame transmits a control frame, ignoring transient errors.
func (l *Link) sendFrame(f *frame) {
	l.mutex.Lock()
	conn := l.conn
	l.mutex.Unlock()

	if conn == nil {
		return
	}
	if _, err := conn.Write(f.marshal()); err != nil {
		l.logger().WithError(err).Debug("Sending control frame failed")
	}
}

// reader receives and dispatches frames until the link closes.
func (l *Link) reader() {
	defer close(l.stopAck)

	buff := make([]byte, maxFrameLen)

	for {
		select {
		case <-l.stopSyn:
			return
		default:
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := l.conn.Read(buff)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}

			select {
			case <-l.stopSyn:
			default:
				l.fail(err)
			}
			return
		}

		f, err := parseFrame(buff[:n])
		if err != nil {
			l.logger().WithError(err).Debug("Discarding malformed frame")
			continue
		}

		l.dispatch(f)
	}
}

func (l *Link) dispatch(f *frame) {
	switch f.Type {
	case frameData:
		l.handleData(f)

	case frameAck:
		l.mutex.Lock()
		l.lastAck = time.Now()
		handler := l.handler
		l.mutex.Unlock()

		if handler != nil {
			handler.OnAck(l, f.Seq)
		}

	case frameKeepalive:
		if h := l.currentHandler(); h != nil {
			h.OnKeepalive(l)
		}

	case frameHandshake:
		l.mutex.Lock()
		if l.rcvISN == seqno.None {
			l.rcvISN = f.Seq
		}
		l.mutex.Unlock()

	default:
		l.logger().WithField("type", f.Type).Debug("Discarding frame of unknown type")
	}
}

// handleData delivers one data frame in receive order. Frames at or behind
// the newest delivered sequence are dropped; the group suppresses cross
// link duplicates itself.
func (l *Link) handleData(f *frame) {
	l.mutex.Lock()
	if l.rcvISN == seqno.None {
		l.rcvISN = f.Seq
	}
	if l.lastRcv != seqno.None && seqno.Cmp(f.Seq, l.lastRcv) <= 0 {
		l.mutex.Unlock()
		return
	}
	l.lastRcv = f.Seq
	handler := l.handler
	l.mutex.Unlock()

	if handler != nil {
		ctrl := packet.DefaultMsgCtrl()
		ctrl.PktSeq = f.Seq
		ctrl.MsgNo = f.MsgNo
		ctrl.SrcTime = fromMicros(f.SrcTime)
		handler.OnDelivery(l, f.Payload, ctrl)
	}

	l.sendFrame(&frame{Type: frameAck, Seq: seqno.Incr(f.Seq)})
}

// keepaliver emits keepalive frames while the link is up.
func (l *Link) keepaliver() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSyn:
			return
		case <-ticker.C:
			l.sendFrame(&frame{Type: frameKeepalive})
		}
	}
}

func (l *Link) currentHandler() link.Handler {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.handler
}

// fail marks the link broken and reports the failure once.
func (l *Link) fail(err error) {
	l.mutex.Lock()
	if l.status == link.StatusBroken || l.status == link.StatusClosed {
		l.mutex.Unlock()
		return
	}
	l.status = link.StatusBroken
	handler := l.handler
	l.mutex.Unlock()

	l.logger().WithError(err).Warn("UDP link broken")
	if handler != nil {
		handler.OnFailure(l, err)
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

// SetOption accepts the transport-scoped option codes distributed by the
// group. Buffer sizes are applied to the socket once Start has opened it;
// values given before Start are not kept. Everything else is silently
// accepted.
func (l *Link) SetOption(code int, value []byte) error {
	l.mutex.Lock()
	conn := l.conn
	l.mutex.Unlock()

	if conn == nil || len(value) != 4 {
		return nil
	}

	return applySocketOption(conn, code, value)
}

func (l *Link) LocalAddr() net.Addr {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *Link) RemoteAddr() net.Addr {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.conn == nil {
		return nil
	}
	return l.conn.RemoteAddr()
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mutex.Lock()
		l.status = link.StatusClosed
		conn := l.conn
		l.mutex.Unlock()

		close(l.stopSyn)
		if conn != nil {
			err = conn.Close()
			<-l.stopAck
		}
	})
	return err
}

func isWouldBlock(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}
