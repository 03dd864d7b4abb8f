// Package quicl implements a member link over a QUIC connection, with one
// bidirectional stream carrying CBOR-framed messages. QUIC contributes the
// handshake, encryption and path validation; sequencing and bonding stay
// with the group.
package quicl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dtn7/cboring"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

const handshakeTimeout = 2 * time.Second

// Link is a QUIC member link. It is created either as a dialer towards a
// remote listener or by a Listener for an accepted connection.
type Link struct {
	mutex sync.Mutex

	id     int32
	remote string
	dialer bool

	connection quic.Connection
	stream     quic.Stream
	reader     *bufio.Reader

	status  link.Status
	handler link.Handler

	sndISN  int32
	rcvISN  int32
	nextSeq int32

	lastSent int32
	lastRcv  int32
	lastAck  time.Time

	closeOnce sync.Once
}

// NewDialer creates a link that connects to a remote listener on Start.
func NewDialer(id int32, remote string) *Link {
	isn := seqno.GenerateISN()
	return &Link{
		id:       id,
		remote:   remote,
		dialer:   true,
		status:   link.StatusInit,
		sndISN:   isn,
		rcvISN:   seqno.None,
		nextSeq:  isn,
		lastSent: seqno.None,
		lastRcv:  seqno.None,
	}
}

// newListenerLink wraps an accepted connection.
func newListenerLink(id int32, connection quic.Connection) *Link {
	isn := seqno.GenerateISN()
	return &Link{
		id:         id,
		remote:     connection.RemoteAddr().String(),
		connection: connection,
		status:     link.StatusConnecting,
		sndISN:     isn,
		rcvISN:     seqno.None,
		nextSeq:    isn,
		lastSent:   seqno.None,
		lastRcv:    seqno.None,
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

// Start establishes the QUIC connection and its data stream, exchanges the
// handshake message and spawns the receiver.
func (l *Link) Start() (error, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	if l.dialer {
		connection, err := quic.DialAddr(ctx, l.remote, generateDialerTLSConfig(), generateQUICConfig())
		if err != nil {
			return err, true
		}

		stream, err := connection.OpenStreamSync(ctx)
		if err != nil {
			return err, true
		}

		l.mutex.Lock()
		l.connection = connection
		l.stream = stream
		l.mutex.Unlock()
	} else {
		stream, err := l.connection.AcceptStream(ctx)
		if err != nil {
			return err, false
		}

		l.mutex.Lock()
		l.stream = stream
		l.mutex.Unlock()
	}

	l.mutex.Lock()
	l.reader = bufio.NewReader(l.stream)
	l.status = link.StatusConnected
	l.lastAck = time.Now()
	l.mutex.Unlock()

	if err := l.writeMessage(&message{Type: messageHandshake, Seq: l.sndISN}); err != nil {
		return err, true
	}

	go l.receiver()

	l.logger().Debug("QUIC link started")
	return nil, false
}

func (l *Link) writeMessage(m *message) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.stream == nil {
		return link.ErrNotConnected
	}
	return cboring.Marshal(m, l.stream)
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

	m := &message{
		Type:    messageData,
		Seq:     seq,
		MsgNo:   ctrl.MsgNo,
		SrcTime: ctrl.SrcTime.UnixMicro(),
		Payload: payload,
	}
	stream := l.stream
	l.mutex.Unlock()

	if err := cboring.Marshal(m, stream); err != nil {
		l.fail(err)
		return 0, err
	}

	return len(payload), nil
}

// receiver reads and dispatches stream messages until the link dies.
func (l *Link) receiver() {
	for {
		m := new(message)
		if err := cboring.Unmarshal(m, l.reader); err != nil {
			l.fail(err)
			return
		}

		switch m.Type {
		case messageData:
			l.handleData(m)

		case messageAck:
			l.mutex.Lock()
			l.lastAck = time.Now()
			handler := l.handler
			l.mutex.Unlock()

			if handler != nil {
				handler.OnAck(l, m.Seq)
			}

		case messageKeepalive:
			l.mutex.Lock()
			handler := l.handler
			l.mutex.Unlock()

			if handler != nil {
				handler.OnKeepalive(l)
			}

		case messageHandshake:
			l.mutex.Lock()
			if l.rcvISN == seqno.None {
				l.rcvISN = m.Seq
			}
			l.mutex.Unlock()

		default:
			l.logger().WithField("type", m.Type).Debug("Discarding message of unknown type")
		}
	}
}

func (l *Link) handleData(m *message) {
	l.mutex.Lock()
	if l.rcvISN == seqno.None {
		l.rcvISN = m.Seq
	}
	if l.lastRcv != seqno.None && seqno.Cmp(m.Seq, l.lastRcv) <= 0 {
		l.mutex.Unlock()
		return
	}
	l.lastRcv = m.Seq
	handler := l.handler
	l.mutex.Unlock()

	if handler != nil {
		ctrl := packet.DefaultMsgCtrl()
		ctrl.PktSeq = m.Seq
		ctrl.MsgNo = m.MsgNo
		ctrl.SrcTime = time.UnixMicro(m.SrcTime)
		handler.OnDelivery(l, m.Payload, ctrl)
	}

	if err := l.writeMessage(&message{Type: messageAck, Seq: seqno.Incr(m.Seq)}); err != nil {
		l.logger().WithError(err).Debug("Sending acknowledgement failed")
	}
}

func (l *Link) fail(err error) {
	l.mutex.Lock()
	if l.status == link.StatusBroken || l.status == link.StatusClosed {
		l.mutex.Unlock()
		return
	}
	l.status = link.StatusBroken
	handler := l.handler
	l.mutex.Unlock()

	l.logger().WithError(err).Warn("QUIC link broken")
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

// SetOption accepts the group's transport-scoped options. QUIC manages its
// own socket, so the codes are acknowledged without effect.
func (l *Link) SetOption(_ int, _ []byte) error {
	return nil
}

func (l *Link) LocalAddr() net.Addr {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.connection == nil {
		return nil
	}
	return l.connection.LocalAddr()
}

func (l *Link) RemoteAddr() net.Addr {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.connection == nil {
		return nil
	}
	return l.connection.RemoteAddr()
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mutex.Lock()
		l.status = link.StatusClosed
		connection := l.connection
		l.mutex.Unlock()

		if connection != nil {
			err = connection.CloseWithError(0, "link closing")
		}
	})
	return err
}
