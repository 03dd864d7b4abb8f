package group

import (
	"errors"
	"sort"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/internal/telemetry"
	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// sendBackup sends one message using the primary-with-hot-standby strategy:
// exactly one running member carries the traffic, idle members are hot
// standbys that get activated when the primary turns unstable or a higher
// weight standby exists.
func (g *Group) sendBackup(buf []byte, ctrl *packet.MsgCtrl) (int, error) {
	if len(buf) > g.opts.PayloadSize {
		return 0, ErrPayloadTooLarge
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if g.closing {
		return 0, ErrClosed
	}

	currtime := time.Now()

	wipeme, idlers, pending, unstable, sendable := g.backupQualifyMemberStates(currtime)

	// Activation walks the standbys from the most preferred down.
	sort.SliceStable(idlers, func(i, j int) bool {
		return idlers[i].Weight > idlers[j].Weight
	})

	msgno := g.nextMsgNoLocked(ctrl)
	curseq := seqno.None

	var parallel []*SocketData
	var maxSendableWeight uint16
	var nsuccessful int
	var sent int
	var collected *multierror.Error

	for _, d := range sendable {
		sctrl := *ctrl
		sctrl.MsgNo = msgno

		if curseq != seqno.None {
			d.Link.OverrideSendSeq(curseq)
		} else {
			d.Link.OverrideSendSeq(g.lastSchedSeq)
		}

		stat, err := d.Link.Send(buf, &sctrl)
		d.SendResult = stat

		ok := g.backupCheckSendStatus(d, stat, err, sctrl.PktSeq,
			&curseq, &parallel, &maxSendableWeight, &nsuccessful, &unstable, &wipeme)
		if ok {
			if stat > sent {
				sent = stat
			}
		} else if err != nil {
			collected = multierror.Append(collected, memberError(d.ID, err))
		}
	}

	// Keep the message for catch-up retransmission on a later activation,
	// no matter whether anything was sent yet.
	bufferSeq := curseq
	if bufferSeq == seqno.None {
		bufferSeq = g.lastSchedSeq
	}
	g.backupBuffering(buf, msgno, bufferSeq)

	needed, reason := g.backupIsActivationNeeded(idlers, unstable, sendable, maxSendableWeight)
	if needed {
		astat, err := g.backupTryActivateIdleLink(idlers, buf, msgno,
			&curseq, &parallel, &wipeme, reason, &nsuccessful)
		if err != nil {
			collected = multierror.Append(collected, err)
		} else if astat > sent {
			sent = astat
		}
	}

	g.checkPendingSocketsLocked(pending, &wipeme)
	g.backupCheckParallelLinks(unstable, parallel)
	g.closeBrokenSocketsLocked(wipeme)

	if nsuccessful == 0 {
		werr := g.backupWorstError(sendable, idlers, collected)
		return 0, werr
	}

	if curseq == seqno.None {
		g.logger().Error("Backup send succeeded without establishing a sequence")
		return 0, ErrInternal
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
		}).Debug("Backup send succeeded with member errors")
	}

	return sent, nil
}

// backupQualifyMemberStates sorts the members into the wipe, idle, pending,
// unstable and sendable buckets. Unstable members are still sendable; they
// only count towards the activation trigger.
func (g *Group) backupQualifyMemberStates(currtime time.Time) (wipeme, idlers, pending, unstable, sendable []*SocketData) {
	for _, d := range g.members.list {
		d.LastStatus = d.Link.Status()

		if _, gone := g.checkIdleLocked(d); gone {
			d.SendState = packet.MemberBroken
			wipeme = append(wipeme, d)
			continue
		}

		switch d.SendState {
		case packet.MemberBroken:
			wipeme = append(wipeme, d)
		case packet.MemberPending:
			pending = append(pending, d)
		case packet.MemberIdle:
			idlers = append(idlers, d)
		case packet.MemberRunning:
			if !g.backupCheckRunningStability(d, currtime) {
				unstable = append(unstable, d)
			}
			sendable = append(sendable, d)
		}
	}
	return
}

// backupCheckRunningStability qualifies a running member: it is stable iff
// the time since the peer's last response is below the stability timeout.
func (g *Group) backupCheckRunningStability(d *SocketData, currtime time.Time) bool {
	last := time.Unix(0, d.lastRspTime)
	stable := currtime.Sub(last) < g.opts.StabilityTimeout

	if !stable {
		g.logger().WithFields(log.Fields{
			"member":  d.ID,
			"silence": currtime.Sub(last),
		}).Debug("Running member exceeded stability timeout")
	}
	return stable
}

// backupCheckSendStatus classifies one member's send outcome. On the first
// success the group's shared sequence is adopted from the used one; later
// successes are already forced onto it. It reports whether the send counted
// as successful.
func (g *Group) backupCheckSendStatus(d *SocketData, stat int, err error, pktseq int32,
	curseq *int32, parallel *[]*SocketData, maxSendableWeight *uint16,
	nsuccessful *int, unstable, wipeme *[]*SocketData) bool {

	switch {
	case err == nil:
		if *curseq == seqno.None {
			*curseq = pktseq
		} else if pktseq != *curseq {
			g.logger().WithFields(log.Fields{
				"member": d.ID,
				"seq":    pktseq,
				"curseq": *curseq,
			}).Error("Member diverged from the group schedule despite override")
		}

		if d.Weight > *maxSendableWeight {
			*maxSendableWeight = d.Weight
		}

		*nsuccessful++
		*parallel = append(*parallel, d)
		g.members.setActive(d)
		return true

	case errors.Is(err, link.ErrAgain):
		// Would-block makes the member unstable for this cycle, but it
		// stays sendable.
		if !containsMember(*unstable, d) {
			*unstable = append(*unstable, d)
		}
		return false

	default:
		d.SendState = packet.MemberBroken
		*wipeme = append(*wipeme, d)
		return false
	}
}

// backupBuffering appends the current message to the retransmission buffer
// under its assigned message number and scheduled sequence.
func (g *Group) backupBuffering(buf []byte, msgno, curseq int32) {
	// A failed send that gets retried by the blocking loop arrives here
	// again under the same scheduled sequence; the tail entry already
	// carries this message then.
	if tail := g.sndBuffer.tailSeq(); tail == curseq {
		return
	}

	bctrl := packet.DefaultMsgCtrl()
	bctrl.MsgNo = msgno
	bctrl.PktSeq = curseq
	bctrl.SrcTime = time.Now()

	g.sndBuffer.append(buf, bctrl)
}

// backupIsActivationNeeded checks the activation conditions: every sendable
// member unstable, an idle standby outweighing every sendable one, or no
// sendable member at all.
func (g *Group) backupIsActivationNeeded(idlers, unstable, sendable []*SocketData,
	maxSendableWeight uint16) (bool, string) {

	if len(sendable) == 0 {
		return true, "no-sendable"
	}

	if len(unstable) >= len(sendable) {
		return true, "unstable"
	}

	for _, d := range idlers {
		if d.Weight > maxSendableWeight {
			return true, "weight"
		}
	}

	return false, ""
}

// backupTryActivateIdleLink walks the idle standbys in descending weight
// order, sends the current message over the first one that takes it, and
// replays the retransmission buffer when the fresh link started behind the
// group sequence. The iteration stops after the first successful
// activation.
func (g *Group) backupTryActivateIdleLink(idlers []*SocketData, buf []byte, msgno int32,
	curseq *int32, parallel *[]*SocketData, wipeme *[]*SocketData,
	reason string, nsuccessful *int) (int, error) {

	var collected *multierror.Error

	for _, d := range idlers {
		d.SendState = packet.MemberRunning
		d.lastRspTime = time.Now().UnixNano()

		target := *curseq
		if target == seqno.None {
			target = g.lastSchedSeq
		}

		lastSent := d.Link.LastSentSeq()
		behind := lastSent == seqno.None || seqno.Cmp(seqno.Incr(lastSent), target) < 0

		sctrl := packet.DefaultMsgCtrl()
		sctrl.MsgNo = msgno

		d.Link.OverrideSendSeq(target)
		stat, err := d.Link.Send(buf, &sctrl)
		d.SendResult = stat

		if err != nil {
			if errors.Is(err, link.ErrAgain) {
				d.SendState = packet.MemberIdle
				collected = multierror.Append(collected, memberError(d.ID, ErrWouldBlock))
				continue
			}
			d.SendState = packet.MemberBroken
			*wipeme = append(*wipeme, d)
			collected = multierror.Append(collected, memberError(d.ID, err))
			continue
		}

		if *curseq == seqno.None {
			*curseq = sctrl.PktSeq
		}

		*nsuccessful++
		*parallel = append(*parallel, d)
		g.members.setActive(d)

		g.logger().WithFields(log.Fields{
			"member": d.ID,
			"weight": d.Weight,
			"reason": reason,
		}).Info("Activated idle backup link")
		telemetry.LinkActivations.WithLabelValues(g.labelID, reason).Inc()

		if g.sndBuffer.len() > 0 && behind {
			if err := g.sendBackupRexmit(d, msgno, lastSent); err != nil {
				g.logger().WithFields(log.Fields{
					"member": d.ID,
					"error":  err,
				}).Warn("Retransmission catch-up on activated link failed")
			}
		}

		return stat, collected.ErrorOrNil()
	}

	return 0, collected.ErrorOrNil()
}

// sendBackupRexmit replays the buffered messages onto a freshly activated
// member, each one forced to its original sequence so the numbering stays
// continuous across the activation. lastSent is the member's last sequence
// before the activation send; the message sent within the current cycle is
// skipped.
func (g *Group) sendBackupRexmit(d *SocketData, currentMsgNo, lastSent int32) error {
	baseline := g.backupRexmitBaseline(lastSent)

	if g.sndBuffer.overflowed && (baseline == seqno.MsgNone ||
		seqno.CmpMsg(seqno.IncrMsg(baseline), g.sndBuffer.oldestMsgNo) < 0) {
		g.logger().WithFields(log.Fields{
			"member": d.ID,
			"oldest": g.sndBuffer.oldestMsgNo,
		}).Error("Retransmission buffer lost messages before activation, peer will observe a gap")
	}

	replayed := 0
	err := g.sndBuffer.iterSince(baseline, func(ctrl packet.MsgCtrl, payload []byte) error {
		if ctrl.MsgNo == currentMsgNo {
			return nil
		}

		d.Link.OverrideSendSeq(ctrl.PktSeq)
		sctrl := ctrl
		if _, err := d.Link.Send(payload, &sctrl); err != nil {
			return err
		}
		replayed++
		return nil
	})

	if replayed > 0 {
		g.logger().WithFields(log.Fields{
			"member":   d.ID,
			"replayed": replayed,
		}).Debug("Replayed buffered messages to activated link")
	}

	return err
}

// backupRexmitBaseline finds the newest buffered message the member already
// carries, by matching its pre-activation last sent sequence against the
// buffer; entries after it are missing on the member. Without a match, the
// acknowledged cursor bounds the replay.
func (g *Group) backupRexmitBaseline(lastSent int32) int32 {
	if lastSent == seqno.None {
		return g.sndBuffer.ackedMsgNo
	}

	baseline := g.sndBuffer.ackedMsgNo
	_ = g.sndBuffer.iterSince(seqno.MsgNone, func(ctrl packet.MsgCtrl, _ []byte) error {
		if seqno.Cmp(ctrl.PktSeq, lastSent) <= 0 {
			if baseline == seqno.MsgNone || seqno.CmpMsg(ctrl.MsgNo, baseline) > 0 {
				baseline = ctrl.MsgNo
			}
		}
		return nil
	})
	return baseline
}

// backupCheckParallelLinks collapses redundantly running members after the
// send: when more than one link survived and at least one of them is
// stable, everything but the highest weight stable link is demoted back to
// idle. Unstable links are left running, they may be all that is left.
func (g *Group) backupCheckParallelLinks(unstable, parallel []*SocketData) {
	if len(parallel) <= 1 {
		return
	}

	var best *SocketData
	for _, d := range parallel {
		if containsMember(unstable, d) {
			continue
		}
		if best == nil || d.Weight > best.Weight {
			best = d
		}
	}

	if best == nil {
		return
	}

	for _, d := range parallel {
		if d == best || containsMember(unstable, d) {
			continue
		}

		d.SendState = packet.MemberIdle
		g.logger().WithFields(log.Fields{
			"member": d.ID,
			"kept":   best.ID,
		}).Debug("Demoted parallel backup link to idle")
	}

	g.members.setActive(best)
}

// backupWorstError derives the group-level error for a send where no member
// succeeded.
func (g *Group) backupWorstError(sendable, idlers []*SocketData, collected *multierror.Error) error {
	var werr error

	if len(sendable) > 0 {
		werr = ErrAllLinksUnstable
	} else {
		werr = ErrNoLiveLink
	}

	if collected != nil {
		for _, err := range collected.Errors {
			werr = worstError(werr, normalizeSendErr(err))
		}
		g.logger().WithField("errors", collected.Error()).Debug("Backup send failed on all members")
	}

	return werr
}

func containsMember(list []*SocketData, d *SocketData) bool {
	for _, e := range list {
		if e == d {
			return true
		}
	}
	return false
}
