package group

import (
	"errors"

	multierror "github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// sendState records one member's outcome within a single send operation.
type sendState struct {
	d    *SocketData
	stat int
	err  error
}

// sendBroadcast sends one message over every active and idle member in one
// call. Idle members are activated for the send and forced onto the group's
// scheduling sequence, so each member emits the same sequence number for
// the same application message.
func (g *Group) sendBroadcast(buf []byte, ctrl *packet.MsgCtrl) (int, error) {
	if len(buf) > g.opts.PayloadSize {
		return 0, ErrPayloadTooLarge
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if g.closing {
		return 0, ErrClosed
	}

	var wipeme, pending []*SocketData
	var states []sendState

	curseq := g.lastSchedSeq
	msgno := g.nextMsgNoLocked(ctrl)

	for _, d := range g.members.list {
		d.LastStatus = d.Link.Status()

		if _, gone := g.checkIdleLocked(d); gone {
			wipeme = append(wipeme, d)
			continue
		}

		switch d.SendState {
		case packet.MemberBroken:
			wipeme = append(wipeme, d)
			continue
		case packet.MemberPending:
			pending = append(pending, d)
			continue
		case packet.MemberIdle:
			// Promote for this send; like every member, it is forced
			// onto the group's scheduled sequence.
			d.SendState = packet.MemberRunning
		case packet.MemberRunning:
		}

		sctrl := *ctrl
		sctrl.PktSeq = curseq
		sctrl.MsgNo = msgno

		d.Link.OverrideSendSeq(curseq)
		stat, err := d.Link.Send(buf, &sctrl)
		d.SendResult = stat

		switch {
		case err == nil:
			g.members.setActive(d)
		case errors.Is(err, link.ErrAgain):
			// Recoverable: park the member as pending; the next send
			// requalifies it while its link stays connected. The pending
			// state has no time limit.
			d.SendState = packet.MemberPending
			pending = append(pending, d)
			err = errWithWouldBlock(err)
		default:
			d.SendState = packet.MemberBroken
			wipeme = append(wipeme, d)
		}

		states = append(states, sendState{d: d, stat: stat, err: err})
	}

	g.checkPendingSocketsLocked(pending, &wipeme)
	g.closeBrokenSocketsLocked(wipeme)

	var sent int
	var nsuccessful int
	var collected *multierror.Error

	for _, st := range states {
		if st.err == nil {
			nsuccessful++
			if st.stat > sent {
				sent = st.stat
			}
		} else {
			collected = multierror.Append(collected, memberError(st.d.ID, st.err))
		}
	}

	if nsuccessful == 0 {
		var werr error
		for _, st := range states {
			werr = worstError(werr, normalizeSendErr(st.err))
		}
		if werr == nil {
			werr = ErrNoLiveLink
		}
		if collected != nil {
			g.logger().WithField("errors", collected.Error()).Debug("Broadcast send failed on all members")
		}
		return 0, werr
	}

	g.lastSchedSeq = seqno.Incr(curseq)
	g.lastSchedMsgNo = msgno

	ctrl.PktSeq = curseq
	ctrl.MsgNo = msgno
	g.countSent(sent)

	if collected != nil {
		g.logger().WithFields(log.Fields{
			"succeeded": nsuccessful,
			"errors":    collected.Error(),
		}).Debug("Broadcast send succeeded partially")
	}

	return sent, nil
}

// nextMsgNoLocked assigns the message number for this send. A preset
// message number in the control header is honored when the group
// synchronizes by message numbers.
func (g *Group) nextMsgNoLocked(ctrl *packet.MsgCtrl) int32 {
	if g.syncOnMsgNo && ctrl.MsgNo > 0 {
		return ctrl.MsgNo
	}
	return seqno.IncrMsg(g.lastSchedMsgNo)
}

// checkIdleLocked inspects a pending or idle member's link. It reports
// whether the member was promoted from pending to idle, and whether the
// link is gone entirely.
func (g *Group) checkIdleLocked(d *SocketData) (promoted, gone bool) {
	switch d.LastStatus {
	case link.StatusConnected:
		if d.SendState == packet.MemberPending {
			d.SendState = packet.MemberIdle
			g.memberConnectedLocked(d)
			return true, false
		}
	case link.StatusConnecting, link.StatusInit:
	default:
		return false, true
	}
	return false, false
}

// checkPendingSocketsLocked requalifies members parked as pending; links
// that died while pending are moved to the wipe list.
func (g *Group) checkPendingSocketsLocked(pending []*SocketData, wipeme *[]*SocketData) {
	for _, d := range pending {
		if !d.Link.Status().Alive() {
			d.SendState = packet.MemberBroken
			*wipeme = append(*wipeme, d)
		}
	}
}

// closeBrokenSocketsLocked closes and discards every member on the wipe
// list and lets the readiness bridge publish the failures.
func (g *Group) closeBrokenSocketsLocked(wipeme []*SocketData) {
	for _, d := range wipeme {
		if err := d.Link.Close(); err != nil {
			g.logger().WithFields(log.Fields{
				"member": d.ID,
				"error":  err,
			}).Debug("Closing broken member link errored")
		}

		_ = g.removeLocked(d.ID)
		g.bridge.updateFailedLink()
	}
}

// normalizeSendErr maps link-level send errors onto the group error
// taxonomy for ranking.
func normalizeSendErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, link.ErrAgain), errors.Is(err, ErrWouldBlock):
		return ErrWouldBlock
	case errors.Is(err, link.ErrClosed), errors.Is(err, link.ErrNotConnected):
		return ErrNoLiveLink
	default:
		return err
	}
}

func errWithWouldBlock(err error) error {
	if errors.Is(err, link.ErrAgain) {
		return ErrWouldBlock
	}
	return err
}
