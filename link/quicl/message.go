package quicl

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Stream message types.
const (
	messageData uint64 = iota
	messageAck
	messageKeepalive
	messageHandshake
)

// message is one frame on the QUIC stream, serialized as a CBOR array of
// type, sequence, message number, origin timestamp and payload.
type message struct {
	Type    uint64
	Seq     int32
	MsgNo   int32
	SrcTime int64
	Payload []byte
}

func (m *message) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	fields := []uint64{m.Type, uint64(uint32(m.Seq)), uint64(uint32(m.MsgNo)), uint64(m.SrcTime)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	return cboring.WriteByteString(m.Payload, w)
}

func (m *message) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 5 {
		return fmt.Errorf("message has %d instead of 5 fields", l)
	}

	fields := make([]uint64, 4)
	for i := range fields {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		fields[i] = n
	}

	m.Type = fields[0]
	m.Seq = int32(uint32(fields[1]))
	m.MsgNo = int32(uint32(fields[2]))
	m.SrcTime = int64(fields[3])

	payload, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	m.Payload = payload

	return nil
}
