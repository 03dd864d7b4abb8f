package udpl

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/howeyc/crc16"
)

// Frame types on the wire.
const (
	frameData uint8 = iota
	frameAck
	frameKeepalive
	frameHandshake
)

// headerLen is the fixed frame header size: type, flags, sequence, message
// number, origin timestamp, payload length and checksum.
const headerLen = 1 + 1 + 4 + 4 + 8 + 2 + 2

// maxFrameLen bounds a whole frame; larger reads are rejected.
const maxFrameLen = headerLen + 1500

// frame is one datagram of the UDP member link.
type frame struct {
	Type    uint8
	Flags   uint8
	Seq     int32
	MsgNo   int32
	SrcTime int64 // microseconds since epoch
	Payload []byte
}

// marshal renders the frame with its CCITT checksum computed over the
// header bytes before the checksum field, followed by the payload.
func (f *frame) marshal() []byte {
	buff := make([]byte, headerLen+len(f.Payload))

	buff[0] = f.Type
	buff[1] = f.Flags
	binary.BigEndian.PutUint32(buff[2:], uint32(f.Seq))
	binary.BigEndian.PutUint32(buff[6:], uint32(f.MsgNo))
	binary.BigEndian.PutUint64(buff[10:], uint64(f.SrcTime))
	binary.BigEndian.PutUint16(buff[18:], uint16(len(f.Payload)))
	copy(buff[headerLen:], f.Payload)

	checksum := crc16.ChecksumCCITT(append(buff[:20:20], f.Payload...))
	binary.BigEndian.PutUint16(buff[20:], checksum)

	return buff
}

// parseFrame validates the checksum and length of a received datagram.
func parseFrame(buff []byte) (*frame, error) {
	if len(buff) < headerLen {
		return nil, fmt.Errorf("frame of %d bytes is shorter than the header", len(buff))
	}
	if len(buff) > maxFrameLen {
		return nil, fmt.Errorf("frame of %d bytes exceeds the maximum", len(buff))
	}

	plen := int(binary.BigEndian.Uint16(buff[18:]))
	if len(buff) != headerLen+plen {
		return nil, fmt.Errorf("frame of %d bytes does not match declared payload of %d", len(buff), plen)
	}

	expected := binary.BigEndian.Uint16(buff[20:])
	checksum := crc16.ChecksumCCITT(append(buff[:20:20], buff[headerLen:]...))
	if checksum != expected {
		return nil, fmt.Errorf("frame checksum mismatch: %04x instead of %04x", checksum, expected)
	}

	f := &frame{
		Type:    buff[0],
		Flags:   buff[1],
		Seq:     int32(binary.BigEndian.Uint32(buff[2:])),
		MsgNo:   int32(binary.BigEndian.Uint32(buff[6:])),
		SrcTime: int64(binary.BigEndian.Uint64(buff[10:])),
	}

	if plen > 0 {
		f.Payload = make([]byte, plen)
		copy(f.Payload, buff[headerLen:])
	}

	return f, nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}
