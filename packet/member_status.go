package packet

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// MemberState is the qualification of a member link within its group, held
// separately for the sending and the receiving direction.
type MemberState int

const (
	// MemberPending marks a member whose link is not yet connected.
	MemberPending MemberState = iota

	// MemberIdle marks a connected member not carrying traffic.
	MemberIdle

	// MemberRunning marks a member actively carrying traffic.
	MemberRunning

	// MemberBroken marks a member whose link has failed.
	MemberBroken
)

func (ms MemberState) String() string {
	switch ms {
	case MemberPending:
		return "PENDING"
	case MemberIdle:
		return "IDLE"
	case MemberRunning:
		return "RUNNING"
	case MemberBroken:
		return "BROKEN"
	default:
		return fmt.Sprintf("MemberState(%d)", int(ms))
	}
}

// MemberStatus is one entry of the per-member status array handed back to
// the application, e.g. from the group data query or attached to a received
// message.
type MemberStatus struct {
	SocketID   int32
	GroupID    int32
	Token      int32
	Weight     uint16
	SendState  MemberState
	RecvState  MemberState
	SendResult int
	RecvResult int
	LocalAddr  string
	PeerAddr   string
}

// MarshalCbor writes this MemberStatus as a CBOR array.
func (m *MemberStatus) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(10, w); err != nil {
		return err
	}

	for _, id := range []int32{m.SocketID, m.GroupID, m.Token} {
		if err := cboring.WriteUInt(uint64(uint32(id)), w); err != nil {
			return err
		}
	}

	if err := cboring.WriteUInt(uint64(m.Weight), w); err != nil {
		return err
	}

	for _, st := range []MemberState{m.SendState, m.RecvState} {
		if err := cboring.WriteUInt(uint64(st), w); err != nil {
			return err
		}
	}

	for _, res := range []int{m.SendResult, m.RecvResult} {
		if err := cboring.WriteUInt(uint64(uint32(int32(res))), w); err != nil {
			return err
		}
	}

	for _, addr := range []string{m.LocalAddr, m.PeerAddr} {
		if err := cboring.WriteTextString(addr, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads a MemberStatus from its CBOR array form.
func (m *MemberStatus) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 10 {
		return fmt.Errorf("MemberStatus has %d instead of 10 fields", l)
	}

	ids := []*int32{&m.SocketID, &m.GroupID, &m.Token}
	for _, id := range ids {
		if n, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*id = int32(uint32(n))
		}
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		m.Weight = uint16(n)
	}

	states := []*MemberState{&m.SendState, &m.RecvState}
	for _, st := range states {
		if n, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*st = MemberState(n)
		}
	}

	results := []*int{&m.SendResult, &m.RecvResult}
	for _, res := range results {
		if n, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*res = int(int32(uint32(n)))
		}
	}

	addrs := []*string{&m.LocalAddr, &m.PeerAddr}
	for _, addr := range addrs {
		if s, err := cboring.ReadTextString(r); err != nil {
			return err
		} else {
			*addr = s
		}
	}

	return nil
}

// MarshalMemberStatuses writes a whole status array as CBOR.
func MarshalMemberStatuses(statuses []MemberStatus, w io.Writer) error {
	if err := cboring.WriteArrayLength(uint64(len(statuses)), w); err != nil {
		return err
	}

	for i := range statuses {
		if err := cboring.Marshal(&statuses[i], w); err != nil {
			return fmt.Errorf("marshalling member %d failed: %w", i, err)
		}
	}

	return nil
}

// UnmarshalMemberStatuses reads a status array previously written by
// MarshalMemberStatuses.
func UnmarshalMemberStatuses(r io.Reader) (statuses []MemberStatus, err error) {
	var l uint64
	if l, err = cboring.ReadArrayLength(r); err != nil {
		return
	}

	statuses = make([]MemberStatus, l)
	for i := range statuses {
		if err = cboring.Unmarshal(&statuses[i], r); err != nil {
			err = fmt.Errorf("unmarshalling member %d failed: %w", i, err)
			return
		}
	}

	return
}
