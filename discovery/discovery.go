// Package discovery publishes a node's member-link endpoints to its network
// through UDP multicast packets and attaches discovered peers to a local
// connection group.
package discovery

import (
	"github.com/ugorji/go/codec"
)

const (
	// Address4 is the default multicast IPv4 address used for discovery.
	Address4 = "224.23.23.23"

	// Address6 is the default multicast IPv6 address used for discovery.
	Address6 = "ff02::23:23:23"

	// Port is the default multicast port used for discovery.
	Port = 35099
)

// LinkType names the transport of an announced endpoint.
type LinkType uint

const (
	// UDP is the datagram link of the udpl package.
	UDP LinkType = 0

	// QUIC is the stream link of the quicl package.
	QUIC LinkType = 1
)

// Announcement is the kind of message used by this peer discovery: one
// reachable member-link endpoint of the announcing group node.
type Announcement struct {
	_struct struct{} `codec:",toarray"`

	Type   LinkType
	Group  int32
	Port   uint
	Weight uint16
}

// UnmarshalAnnouncements creates an Announcement array from its CBOR byte
// string.
func UnmarshalAnnouncements(buff []byte) (as []Announcement, err error) {
	dec := codec.NewDecoderBytes(buff, new(codec.CborHandle))
	err = dec.Decode(&as)

	return
}

// MarshalAnnouncements returns a CBOR byte string representation of this
// array of Announcements.
func MarshalAnnouncements(as []Announcement) (buff []byte, err error) {
	enc := codec.NewEncoderBytes(&buff, new(codec.CborHandle))
	err = enc.Encode(as)

	return
}
