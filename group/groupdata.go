package group

import (
	"bytes"

	"github.com/ngxial02/srt/packet"
)

// copyGroupData renders one member slot into its status record.
func (g *Group) copyGroupData(d *SocketData) packet.MemberStatus {
	status := packet.MemberStatus{
		SocketID:   d.ID,
		GroupID:    g.id,
		Token:      d.Token,
		Weight:     d.Weight,
		SendState:  d.SendState,
		RecvState:  d.RecvState,
		SendResult: d.SendResult,
		RecvResult: d.RecvResult,
	}

	if addr := d.Link.LocalAddr(); addr != nil {
		status.LocalAddr = addr.String()
	}
	if addr := d.Link.RemoteAddr(); addr != nil {
		status.PeerAddr = addr.String()
	}

	return status
}

// GroupData returns the per-member status array in table order.
func (g *Group) GroupData() []packet.MemberStatus {
	g.lock.Lock()
	defer g.lock.Unlock()

	out := make([]packet.MemberStatus, 0, g.members.size())
	for _, d := range g.members.list {
		out = append(out, g.copyGroupData(d))
	}
	return out
}

// fillGroupDataLocked attaches the current member status array to a control
// header handed back from the receive path.
func (g *Group) fillGroupDataLocked(ctrl *packet.MsgCtrl) {
	data := make([]packet.MemberStatus, 0, g.members.size())
	for _, d := range g.members.list {
		data = append(data, g.copyGroupData(d))
	}
	ctrl.GroupData = data
}

// GroupDataCbor returns the CBOR serialization of the status array, e.g.
// for the management surface.
func (g *Group) GroupDataCbor() ([]byte, error) {
	data := g.GroupData()

	var buff bytes.Buffer
	if err := packet.MarshalMemberStatuses(data, &buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}
