package quicl

import (
	"context"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// Listener accepts incoming QUIC connections and wraps each one into a
// Link. The ids callback allocates socket ids for accepted links.
type Listener struct {
	address  string
	listener *quic.Listener
	ids      func() int32

	accepted chan *Link

	stopSyn chan struct{}
}

// NewListener creates a listener on the given address. Accepted links are
// handed out through Accept.
func NewListener(address string, ids func() int32) *Listener {
	return &Listener{
		address:  address,
		ids:      ids,
		accepted: make(chan *Link),
		stopSyn:  make(chan struct{}),
	}
}

// Start binds the listener and spawns the accept loop.
func (l *Listener) Start() error {
	listener, err := quic.ListenAddr(l.address, generateListenerTLSConfig(), generateQUICConfig())
	if err != nil {
		return err
	}
	l.listener = listener

	go l.handle()

	log.WithField("address", l.address).Info("QUIC listener started")
	return nil
}

func (l *Listener) handle() {
	for {
		connection, err := l.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-l.stopSyn:
			default:
				log.WithError(err).Warn("QUIC listener accept errored")
			}
			close(l.accepted)
			return
		}

		lnk := newListenerLink(l.ids(), connection)
		select {
		case l.accepted <- lnk:
		case <-l.stopSyn:
			_ = lnk.Close()
			close(l.accepted)
			return
		}
	}
}

// Accept returns the channel of accepted, not yet started links.
func (l *Listener) Accept() <-chan *Link {
	return l.accepted
}

// Close shuts the listener down.
func (l *Listener) Close() error {
	close(l.stopSyn)
	return l.listener.Close()
}
