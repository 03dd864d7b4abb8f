package group

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
)

// Type selects the bonding strategy of a group.
type Type int

const (
	// TypeBroadcast sends every message over every active member.
	TypeBroadcast Type = iota

	// TypeBackup keeps one primary member running with the remaining
	// members as hot standbys.
	TypeBackup

	// TypeMulticast is a placeholder; groups of this type cannot be
	// created.
	TypeMulticast

	// TypeBalancing is reserved for a future weighted round-robin
	// strategy; groups of this type cannot be created.
	TypeBalancing
)

func (t Type) String() string {
	switch t {
	case TypeBroadcast:
		return "broadcast"
	case TypeBackup:
		return "backup"
	case TypeMulticast:
		return "multicast"
	case TypeBalancing:
		return "balancing"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType maps a configuration string to a group Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "broadcast":
		return TypeBroadcast, nil
	case "backup":
		return TypeBackup, nil
	case "multicast":
		return TypeMulticast, nil
	case "balancing":
		return TypeBalancing, nil
	default:
		return 0, fmt.Errorf("%w: unknown group type %q", ErrBadOption, s)
	}
}

// Option identifies a settable parameter. Options below optLinkBase are
// consumed by the group itself; the rest is stored and handed to each member
// link on attach.
type Option int

const (
	// OptRcvSyn switches blocking receive mode.
	OptRcvSyn Option = iota
	// OptSndSyn switches blocking send mode.
	OptSndSyn
	// OptRcvTimeout bounds a blocking receive, in milliseconds.
	OptRcvTimeout
	// OptSndTimeout bounds a blocking send, in milliseconds.
	OptSndTimeout
	// OptTsbPdMode toggles timestamp-based packet delivery.
	OptTsbPdMode
	// OptTsbPdDelay is the delivery latency in milliseconds.
	OptTsbPdDelay
	// OptTlPktDrop toggles dropping of too-late packets.
	OptTlPktDrop
	// OptStabilityTimeout is the backup stability timeout in milliseconds.
	OptStabilityTimeout
	// OptPayloadSize is the maximum message payload in bytes.
	OptPayloadSize
	// OptGroupConnect marks a socket as group-capable on connect.
	OptGroupConnect
	// OptGroupType reports the group type; read-only.
	OptGroupType

	optLinkBase

	// OptLinkMSS, OptLinkSndBuf and OptLinkRcvBuf are transport-scoped and
	// only stored for distribution to member links.
	OptLinkMSS
	OptLinkSndBuf
	OptLinkRcvBuf
)

// optionLen holds the declared value size per option code. Every recognized
// option carries a 4 byte integer value.
var optionLen = map[Option]int{
	OptRcvSyn:           4,
	OptSndSyn:           4,
	OptRcvTimeout:       4,
	OptSndTimeout:       4,
	OptTsbPdMode:        4,
	OptTsbPdDelay:       4,
	OptTlPktDrop:        4,
	OptStabilityTimeout: 4,
	OptPayloadSize:      4,
	OptGroupConnect:     4,
	OptGroupType:        4,
	OptLinkMSS:          4,
	OptLinkSndBuf:       4,
	OptLinkRcvBuf:       4,
}

// ConfigItem is one stored option as an opaque value blob. The blob length
// always matches the option's declared size.
type ConfigItem struct {
	Code  Option
	Value []byte
}

// Options is the decoded group-level configuration.
type Options struct {
	SynRecving       bool
	SynSending       bool
	RcvTimeout       time.Duration // <0 waits forever
	SndTimeout       time.Duration // <0 waits forever
	TsbPd            bool
	TsbPdDelay       time.Duration
	TlPktDrop        bool
	StabilityTimeout time.Duration
	PayloadSize      int
	GroupConnect     bool
}

func defaultOptions() Options {
	return Options{
		SynRecving:       true,
		SynSending:       true,
		RcvTimeout:       -1,
		SndTimeout:       -1,
		TsbPd:            true,
		TsbPdDelay:       120 * time.Millisecond,
		TlPktDrop:        true,
		StabilityTimeout: 80 * time.Millisecond,
		PayloadSize:      packet.LiveDefPayloadSize,
	}
}

func encodeInt32(v int32) []byte {
	buff := make([]byte, 4)
	binary.LittleEndian.PutUint32(buff, uint32(v))
	return buff
}

func decodeInt32(value []byte) int32 {
	return int32(binary.LittleEndian.Uint32(value))
}

func encodeBool(v bool) []byte {
	if v {
		return encodeInt32(1)
	}
	return encodeInt32(0)
}

// SetOption applies an option to the group. Transport-scoped options are
// stored and applied to every later member on attach.
func (g *Group) SetOption(code Option, value []byte) error {
	size, known := optionLen[code]
	if !known {
		return fmt.Errorf("%w: unknown code %d", ErrBadOption, code)
	}
	if len(value) != size {
		return fmt.Errorf("%w: code %d expects %d bytes, got %d", ErrBadOption, code, size, len(value))
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if g.closing {
		return ErrClosed
	}

	v := decodeInt32(value)

	switch code {
	case OptRcvSyn:
		g.opts.SynRecving = v != 0
	case OptSndSyn:
		g.opts.SynSending = v != 0
	case OptRcvTimeout:
		g.opts.RcvTimeout = msOrForever(v)
	case OptSndTimeout:
		g.opts.SndTimeout = msOrForever(v)
	case OptTsbPdMode:
		g.opts.TsbPd = v != 0
	case OptTsbPdDelay:
		g.opts.TsbPdDelay = time.Duration(v) * time.Millisecond
	case OptTlPktDrop:
		g.opts.TlPktDrop = v != 0
	case OptStabilityTimeout:
		g.opts.StabilityTimeout = time.Duration(v) * time.Millisecond
	case OptPayloadSize:
		if v <= 0 || int(v) > packet.LiveMaxPayloadSize {
			return fmt.Errorf("%w: payload size %d out of range", ErrBadOption, v)
		}
		g.opts.PayloadSize = int(v)
	case OptGroupConnect:
		g.opts.GroupConnect = v != 0
	case OptGroupType:
		return fmt.Errorf("%w: group type is read-only", ErrBadOption)
	default:
		// Transport-scoped: keep for later members, replacing an earlier
		// value for the same code.
		g.storeConfig(code, value)
		return nil
	}

	g.storeConfig(code, value)
	return nil
}

// GetOption returns the stored value blob of an option.
func (g *Group) GetOption(code Option) ([]byte, error) {
	if _, known := optionLen[code]; !known {
		return nil, fmt.Errorf("%w: unknown code %d", ErrBadOption, code)
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if code == OptGroupType {
		return encodeInt32(int32(g.groupType)), nil
	}

	for _, ci := range g.config {
		if ci.Code == code {
			value := make([]byte, len(ci.Value))
			copy(value, ci.Value)
			return value, nil
		}
	}

	// Never set explicitly: derive from the live option set.
	switch code {
	case OptRcvSyn:
		return encodeBool(g.opts.SynRecving), nil
	case OptSndSyn:
		return encodeBool(g.opts.SynSending), nil
	case OptRcvTimeout:
		return encodeInt32(foreverOrMs(g.opts.RcvTimeout)), nil
	case OptSndTimeout:
		return encodeInt32(foreverOrMs(g.opts.SndTimeout)), nil
	case OptTsbPdMode:
		return encodeBool(g.opts.TsbPd), nil
	case OptTsbPdDelay:
		return encodeInt32(int32(g.opts.TsbPdDelay / time.Millisecond)), nil
	case OptTlPktDrop:
		return encodeBool(g.opts.TlPktDrop), nil
	case OptStabilityTimeout:
		return encodeInt32(int32(g.opts.StabilityTimeout / time.Millisecond)), nil
	case OptPayloadSize:
		return encodeInt32(int32(g.opts.PayloadSize)), nil
	case OptGroupConnect:
		return encodeBool(g.opts.GroupConnect), nil
	default:
		return nil, fmt.Errorf("%w: code %d was never set", ErrBadOption, code)
	}
}

func (g *Group) storeConfig(code Option, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)

	for i := range g.config {
		if g.config[i].Code == code {
			g.config[i].Value = stored
			return
		}
	}
	g.config = append(g.config, ConfigItem{Code: code, Value: stored})
}

// DeriveSettings copies the group-relevant options from a template option
// set, e.g. when a group is created lazily on the accept path from the
// listener's configuration.
func (g *Group) DeriveSettings(src Options) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.opts = src
}

// CurrentOptions returns a copy of the decoded option set.
func (g *Group) CurrentOptions() Options {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.opts
}

// linkOptionCodes maps the stored transport-scoped options onto the link
// contract's option codes.
var linkOptionCodes = map[Option]int{
	OptLinkMSS:    link.OptMSS,
	OptLinkSndBuf: link.OptSndBuf,
	OptLinkRcvBuf: link.OptRcvBuf,
}

// applyStoredConfig distributes the transport-scoped stored options to one
// member link.
func (g *Group) applyStoredConfig(l link.Link) error {
	for _, ci := range g.config {
		code, ok := linkOptionCodes[ci.Code]
		if !ok {
			continue
		}
		if err := l.SetOption(code, ci.Value); err != nil {
			return err
		}
	}
	return nil
}

// Handshake extension flag layout: the low 6 bits carry the group type, bit
// 6 the message-number synchronization request.
const (
	flagTypeMask  uint32 = 0x3F
	flagMsgNoSync uint32 = 1 << 6
)

// HandshakeSide tells which side of the handshake interprets the flags.
type HandshakeSide int

const (
	HandshakeInitiator HandshakeSide = iota
	HandshakeResponder
)

// ApplyFlags interprets the group handshake extension flags of a peer and
// reports whether the connection is acceptable for this group.
func (g *Group) ApplyFlags(flags uint32, side HandshakeSide) bool {
	peerType := Type(flags & flagTypeMask)

	g.lock.Lock()
	defer g.lock.Unlock()

	if peerType != g.groupType {
		g.logger().WithField("peerType", peerType).Warn("Peer group type mismatch")
		return false
	}

	if side == HandshakeResponder {
		g.syncOnMsgNo = flags&flagMsgNoSync != 0
	}

	return true
}

// PackFlags renders this group's handshake extension flags.
func (g *Group) PackFlags() uint32 {
	g.lock.Lock()
	defer g.lock.Unlock()

	flags := uint32(g.groupType) & flagTypeMask
	if g.syncOnMsgNo {
		flags |= flagMsgNoSync
	}
	return flags
}

// Configure applies an option string of the form "key=value,key=value".
// Recognized keys mirror the option codes; unknown keys are rejected.
func (g *Group) Configure(str string) error {
	if strings.TrimSpace(str) == "" {
		return nil
	}

	for _, kv := range strings.Split(str, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("%w: malformed item %q", ErrBadOption, kv)
		}

		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])

		code, ok := configKeys[key]
		if !ok {
			return fmt.Errorf("%w: unknown key %q", ErrBadOption, key)
		}

		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: value of %q: %v", ErrBadOption, key, err)
		}

		if err := g.SetOption(code, encodeInt32(int32(n))); err != nil {
			return err
		}
	}

	return nil
}

var configKeys = map[string]Option{
	"rcvsyn":      OptRcvSyn,
	"sndsyn":      OptSndSyn,
	"rcvtimeo":    OptRcvTimeout,
	"sndtimeo":    OptSndTimeout,
	"tsbpdmode":   OptTsbPdMode,
	"latency":     OptTsbPdDelay,
	"tlpktdrop":   OptTlPktDrop,
	"stability":   OptStabilityTimeout,
	"payloadsize": OptPayloadSize,
	"mss":         OptLinkMSS,
	"sndbuf":      OptLinkSndBuf,
	"rcvbuf":      OptLinkRcvBuf,
}

func msOrForever(v int32) time.Duration {
	if v < 0 {
		return -1
	}
	return time.Duration(v) * time.Millisecond
}

func foreverOrMs(d time.Duration) int32 {
	if d < 0 {
		return -1
	}
	return int32(d / time.Millisecond)
}
