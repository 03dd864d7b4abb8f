// Package group implements the connection-group engine: it bonds several
// independent member links into one logical endpoint with a single
// send/receive surface, providing redundancy and failover across the
// members while keeping delivery exactly-once and in order.
package group

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/internal/telemetry"
	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

// Group is one connection group. All mutable state is guarded by the group
// lock; the registry's control lock is strictly outside of it.
type Group struct {
	registry *Registry

	lock sync.Mutex

	id          int32
	peerGroupID int32
	labelID     string
	groupType   Type
	managed     bool
	syncOnMsgNo bool

	opened    bool
	connected bool
	closing   bool
	busy      int

	members memberTable

	opts   Options
	config []ConfigItem

	// lastSchedSeq is the sequence number scheduled for the next message;
	// every running member is forced onto it. lastSchedMsgNo is the last
	// assigned message number.
	lastSchedSeq   int32
	lastSchedMsgNo int32

	// Backup-mode retransmission store.
	sndBuffer *retxBuffer

	rcv receiver

	// rcvNotify and sndNotify wake blocked Recv and Send calls; closed
	// signals group shutdown to all waiters.
	rcvNotify chan struct{}
	sndNotify chan struct{}
	closed    chan struct{}

	startTime     time.Time
	peerStartTime time.Time

	bridge readinessBridge

	stats          Stats
	avgPayloadSize int
}

// newGroup builds a group of the given type. Multicast and balancing are
// placeholders and rejected here.
func newGroup(r *Registry, id int32, t Type) (*Group, error) {
	switch t {
	case TypeBroadcast, TypeBackup:
	default:
		return nil, fmt.Errorf("%w: group type %v not implemented", ErrBadOption, t)
	}

	g := &Group{
		registry:       r,
		id:             id,
		labelID:        strconv.Itoa(int(id)),
		groupType:      t,
		managed:        true,
		members:        newMemberTable(),
		opts:           defaultOptions(),
		lastSchedSeq:   seqno.GenerateISN(),
		lastSchedMsgNo: 0,
		rcv:            newReceiver(),
		rcvNotify:      make(chan struct{}, 1),
		sndNotify:      make(chan struct{}, 1),
		closed:         make(chan struct{}),
	}
	g.sndBuffer = newRetxBuffer(defaultStorage, 1000)
	g.bridge = newReadinessBridge(g)
	g.stats.init()

	return g, nil
}

// ID returns the local group id.
func (g *Group) ID() int32 {
	return g.id
}

// PeerID returns the peer group id once bonded, 0 before.
func (g *Group) PeerID() int32 {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.peerGroupID
}

// SetPeerID records the peer group id learned from the handshake.
func (g *Group) SetPeerID(id int32) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.peerGroupID = id
}

// Type returns the group's bonding strategy.
func (g *Group) Type() Type {
	return g.groupType
}

// IsGroupReceiver reports whether this group type merges received packets.
func (g *Group) IsGroupReceiver() bool {
	return g.groupType == TypeBroadcast
}

// SetOpen marks the group opened. Used on the accept path where the group
// is created lazily right before its first member arrives.
func (g *Group) SetOpen() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.opened = true
}

func (g *Group) logger() *log.Entry {
	return log.WithField("group", g.id)
}

// apiAcquire and apiRelease implement the busy protocol. The caller must
// hold the group lock.
func (g *Group) apiAcquire() { g.busy++ }
func (g *Group) apiRelease() { g.busy-- }

// isStillBusy reports whether the group may not be reclaimed yet.
func (g *Group) isStillBusy() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.busy != 0 || !g.members.empty()
}

// Add bonds a link into the group as a new member. The link's pending
// transport options stored on the group are applied, the group's sequence
// schedule is synchronized, and the group becomes the link's event handler.
// The group time anchors are not touched here; only ApplyGroupTime sets
// them.
func (g *Group) Add(l link.Link, weight uint16) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.closing {
		return ErrClosed
	}

	if g.members.find(l.ID()) != nil {
		return fmt.Errorf("%w: member @%d already bonded", ErrGroupBound, l.ID())
	}

	if err := g.applyStoredConfig(l); err != nil {
		return fmt.Errorf("%w: applying stored options: %v", ErrGroupBound, err)
	}

	d := prepareData(l, weight)
	g.members.add(d)
	g.opened = true

	l.SetHandler((*groupHandler)(g))

	if d.LastStatus == link.StatusConnected {
		g.memberConnectedLocked(d)
	}

	telemetry.MembersActive.WithLabelValues(g.labelID).Set(float64(g.members.size()))

	g.logger().WithFields(log.Fields{
		"member": d.ID,
		"token":  d.Token,
		"weight": d.Weight,
	}).Info("Member link bonded into group")

	return nil
}

// memberConnectedLocked synchronizes the group's sequence schedule with a
// member whose link reached the connected state.
func (g *Group) memberConnectedLocked(d *SocketData) {
	g.connected = true
	if d.SendState == packet.MemberPending {
		d.SendState = packet.MemberIdle
	}
	if d.RecvState == packet.MemberPending {
		d.RecvState = packet.MemberIdle
	}
	d.lastRspTime = time.Now().UnixNano()

	g.applyGroupSequencesLocked(d)
	g.bridge.updateWriteState()
}

// ApplyGroupTime sets the group's time anchors from the first connected
// member and returns derived values for every later one. The boolean result
// reports whether the caller's values were taken as the group time.
func (g *Group) ApplyGroupTime(startTime, peerStartTime *time.Time) bool {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.startTime.IsZero() {
		g.startTime = *startTime
		g.peerStartTime = *peerStartTime
		return true
	}

	if g.peerStartTime.IsZero() {
		g.logger().Error("Group start time set without a peer start time")
		g.peerStartTime = *peerStartTime
	}

	*startTime = g.startTime
	*peerStartTime = g.peerStartTime
	return false
}

// applyGroupSequencesLocked forces a freshly connected member onto the
// group's scheduling sequence so that its first message continues the
// group's numbering.
func (g *Group) applyGroupSequencesLocked(d *SocketData) {
	if g.members.size() > 1 || g.stats.Sent.Total.Packets > 0 {
		d.Link.OverrideSendSeq(g.lastSchedSeq)
		return
	}

	// The first member of a fresh group dictates the schedule instead.
	if isn := d.Link.SndISN(); isn != seqno.None {
		g.lastSchedSeq = isn
	}
}

// Remove detaches a member from the group. The link must already be
// detached from this group's traffic; its read state is erased and, once
// the table drains, the delivery epoch is reset.
func (g *Group) Remove(id int32) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.removeLocked(id)
}

func (g *Group) removeLocked(id int32) error {
	if !g.members.remove(id) {
		return fmt.Errorf("%w: member @%d not found", ErrGroupBound, id)
	}

	g.rcv.erase(id)

	if g.members.empty() {
		// Reset sequence numbers on a drained group so that they are
		// initialized anew with the next alive connection.
		g.lastSchedSeq = seqno.GenerateISN()
		g.rcv.reset()
		g.opened = false
		g.connected = false
		g.bridge.updateEmptyState()
	}

	telemetry.MembersActive.WithLabelValues(g.labelID).Set(float64(g.members.size()))

	g.logger().WithField("member", id).Info("Member link removed from group")
	return nil
}

// GroupCount returns the member count and whether any member is still
// alive.
func (g *Group) GroupCount() (size int, stillAlive bool) {
	g.lock.Lock()
	defer g.lock.Unlock()

	for _, d := range g.members.list {
		if d.Link.Status().Alive() {
			stillAlive = true
		}
	}
	return g.members.size(), stillAlive
}

// Send transmits one message over the group according to its type. In
// blocking mode the call waits up to the send timeout for a member to
// become writable.
func (g *Group) Send(buf []byte, ctrl *packet.MsgCtrl) (int, error) {
	var deadline <-chan time.Time
	var timer *time.Timer

	for {
		var n int
		var err error

		switch g.groupType {
		case TypeBroadcast:
			n, err = g.sendBroadcast(buf, ctrl)
		case TypeBackup:
			n, err = g.sendBackup(buf, ctrl)
		default:
			return 0, fmt.Errorf("%w: sending on group type %v", ErrInternal, g.groupType)
		}

		retry := errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrAllLinksUnstable)

		g.lock.Lock()
		syn := g.opts.SynSending
		timeout := g.opts.SndTimeout
		g.lock.Unlock()

		if err == nil || !syn || !retry {
			return n, err
		}

		if deadline == nil && timeout >= 0 {
			timer = time.NewTimer(timeout)
			deadline = timer.C
			defer timer.Stop()
		}

		select {
		case <-g.sndNotify:
		case <-g.closed:
			return 0, ErrClosed
		case <-deadline:
			return 0, ErrTimeout
		case <-time.After(10 * time.Millisecond):
			// Re-qualify member states even without an event; a pending
			// link may have connected meanwhile.
		}
	}
}

// Recv delivers the next message of the merged stream into buf. In blocking
// mode the call waits up to the receive timeout.
func (g *Group) Recv(buf []byte, ctrl *packet.MsgCtrl) (int, error) {
	var deadline <-chan time.Time
	var timer *time.Timer

	for {
		g.lock.Lock()
		if g.closing {
			g.lock.Unlock()
			return 0, ErrClosed
		}

		n, ok, err := g.extractLocked(buf, ctrl)
		syn := g.opts.SynRecving
		timeout := g.opts.RcvTimeout
		g.lock.Unlock()

		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}
		if !syn {
			return 0, ErrWouldBlock
		}

		if deadline == nil && timeout >= 0 {
			timer = time.NewTimer(timeout)
			deadline = timer.C
			defer timer.Stop()
		}

		select {
		case <-g.rcvNotify:
		case <-g.closed:
			return 0, ErrClosed
		case <-deadline:
			return 0, ErrTimeout
		case <-time.After(g.dropCheckInterval()):
			// Periodic wakeup so a too-late packet drop can fire even
			// without new arrivals.
		}
	}
}

func (g *Group) dropCheckInterval() time.Duration {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.opts.TlPktDrop {
		return g.opts.TsbPdDelay / 2
	}
	return time.Second
}

// extractLocked pulls the next deliverable packet. It returns ok=false when
// nothing is deliverable yet.
func (g *Group) extractLocked(buf []byte, ctrl *packet.MsgCtrl) (int, bool, error) {
	id, pos := g.rcv.checkPacketAhead()

	if pos == nil && g.opts.TlPktDrop {
		staleID, stale := g.rcv.staleCandidate(g.opts.TsbPdDelay)
		if stale != nil {
			skipped := int(seqno.Off(g.rcv.baseSeq, stale.ctrl.PktSeq)) - 1
			if g.rcv.baseSeq == seqno.None {
				skipped = 0
			}
			if skipped > 0 {
				g.countRecvDrop(skipped, skipped*g.avgRcvPacketSize())
				g.logger().WithFields(log.Fields{
					"from":    seqno.Incr(g.rcv.baseSeq),
					"to":      seqno.Decr(stale.ctrl.PktSeq),
					"skipped": skipped,
				}).Warn("Too-late packet drop, advancing delivery base")
			}
			id, pos = staleID, stale
		}
	}

	if pos == nil {
		// A gap with too-late packet drop disabled is a discontinuity
		// only if some member has buffered data beyond the base.
		return 0, false, nil
	}

	if len(buf) < len(pos.payload) {
		return 0, false, fmt.Errorf("%w: buffer of %d bytes for a %d byte message",
			ErrBadOption, len(buf), len(pos.payload))
	}

	n := copy(buf, pos.payload)
	*ctrl = pos.ctrl
	ctrl.SrcMember = id
	g.fillGroupDataLocked(ctrl)

	g.rcv.consume(id, pos)
	g.updateAvgPayloadSize(n)
	g.countRecv(n)
	g.bridge.updateReadState()

	return n, true, nil
}

// notifyRcv wakes one blocked receiver, if any.
func (g *Group) notifyRcv() {
	select {
	case g.rcvNotify <- struct{}{}:
	default:
	}
}

// notifySnd wakes one blocked sender, if any.
func (g *Group) notifySnd() {
	select {
	case g.sndNotify <- struct{}{}:
	default:
	}
}

// Close shuts the group down: all waiters are woken, members are closed and
// removed, and the group is left for the registry's reaper once the busy
// count drains.
func (g *Group) Close() error {
	g.lock.Lock()
	if g.closing {
		g.lock.Unlock()
		return nil
	}
	g.closing = true
	close(g.closed)

	members := make([]*SocketData, len(g.members.list))
	copy(members, g.members.list)
	g.lock.Unlock()

	for _, d := range members {
		if err := d.Link.Close(); err != nil {
			g.logger().WithFields(log.Fields{
				"member": d.ID,
				"error":  err,
			}).Warn("Closing member link failed")
		}
	}

	g.lock.Lock()
	for _, d := range members {
		_ = g.removeLocked(d.ID)
	}
	g.sndBuffer.drop()
	g.bridge.detachAll()
	g.lock.Unlock()

	if g.registry != nil {
		g.registry.groupClosed(g)
	}

	g.logger().Info("Group closed")
	return nil
}

// groupHandler adapts the Group to the link.Handler interface. Kept as a
// separate type so the event entry points do not pollute the public API.
type groupHandler Group

func (h *groupHandler) group() *Group { return (*Group)(h) }

// OnDelivery merges one received in-order packet into the group stream.
func (h *groupHandler) OnDelivery(l link.Link, payload []byte, ctrl packet.MsgCtrl) {
	g := h.group()

	g.lock.Lock()
	d := g.members.find(l.ID())
	if d == nil || g.closing {
		g.lock.Unlock()
		return
	}

	if d.RecvState == packet.MemberPending {
		d.RecvState = packet.MemberIdle
	}
	if d.RecvState == packet.MemberIdle {
		d.RecvState = packet.MemberRunning
	}

	res, bitmap := g.rcv.deliver(d, payload, ctrl)
	switch res {
	case deliverStored:
		// The link guarantees in-order delivery within itself, so the
		// packet is immediately signed off for extraction.
		g.rcv.readyPackets(d, seqno.Incr(ctrl.PktSeq))
		g.bridge.updateReadState()
	case deliverDiscardedOld, deliverDiscardedDup:
		g.countRecvDiscard(len(payload))
	}

	if lost := countLost(bitmap); lost > 0 {
		g.logger().WithFields(log.Fields{
			"member": d.ID,
			"seq":    ctrl.PktSeq,
			"lost":   lost,
		}).Debug("Sequence gap with packets unseen on all members")
	}

	g.lock.Unlock()
	g.notifyRcv()
}

func countLost(bitmap []bool) (lost int) {
	for _, seen := range bitmap {
		if !seen {
			lost++
		}
	}
	return
}

// OnAck records an acknowledgement: the member's response clock is
// refreshed, its packets are signed off for extraction and, for backup
// groups, the retransmission buffer's acknowledged cursor is advanced.
func (h *groupHandler) OnAck(l link.Link, ack int32) {
	g := h.group()

	g.lock.Lock()
	d := g.members.find(l.ID())
	if d == nil || g.closing {
		g.lock.Unlock()
		return
	}

	d.lastRspTime = time.Now().UnixNano()
	d.lastAckSeq = ack

	g.rcv.readyPackets(d, ack)

	if g.groupType == TypeBackup {
		g.ackMessageLocked()
	}

	g.bridge.updateWriteState()
	g.lock.Unlock()

	g.notifySnd()
	g.notifyRcv()
}

// ackMessageLocked recomputes the retransmission buffer's acknowledged
// message cursor as the minimum acknowledgement across sendable members.
func (g *Group) ackMessageLocked() {
	minAck := seqno.None
	for _, d := range g.members.list {
		if d.SendState != packet.MemberRunning {
			continue
		}
		if d.lastAckSeq == seqno.None {
			return
		}
		if minAck == seqno.None || seqno.Cmp(d.lastAckSeq, minAck) < 0 {
			minAck = d.lastAckSeq
		}
	}

	if minAck != seqno.None {
		g.sndBuffer.ackBySeq(minAck)
		g.sndBuffer.trim()
	}
}

// OnKeepalive refreshes the member's response clock. A keepalive on an idle
// backup member keeps it from being misqualified as unstable right after
// activation.
func (h *groupHandler) OnKeepalive(l link.Link) {
	g := h.group()

	g.lock.Lock()
	if d := g.members.find(l.ID()); d != nil {
		d.lastRspTime = time.Now().UnixNano()
	}
	g.lock.Unlock()
}

// OnFailure marks the member broken. The slot stays in the table until the
// next send sweeps it, but readiness subscribers learn immediately.
func (h *groupHandler) OnFailure(l link.Link, reason error) {
	g := h.group()

	g.lock.Lock()
	d := g.members.find(l.ID())
	if d == nil {
		g.lock.Unlock()
		return
	}

	d.SendState = packet.MemberBroken
	d.RecvState = packet.MemberBroken
	d.LastStatus = l.Status()
	d.readyError = true

	g.bridge.updateFailedLink()
	g.lock.Unlock()

	g.logger().WithFields(log.Fields{
		"member": d.ID,
		"error":  reason,
	}).Warn("Member link failed")

	g.notifySnd()
	g.notifyRcv()
}
