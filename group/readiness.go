package group

import (
	"github.com/ngxial02/srt/epoll"
	"github.com/ngxial02/srt/packet"
)

// readinessBridge translates member readiness into group-level events for
// the external poller. All methods expect the group lock to be held.
type readinessBridge struct {
	g *Group

	// pollIDs are the subscribed poller ids.
	pollIDs map[int]struct{}

	// errPublished makes the empty-table error sticky until close.
	errPublished bool
}

func newReadinessBridge(g *Group) readinessBridge {
	return readinessBridge{
		g:       g,
		pollIDs: make(map[int]struct{}),
	}
}

func (rb *readinessBridge) poller() *epoll.Poller {
	if rb.g.registry == nil {
		return nil
	}
	return rb.g.registry.poller
}

// AddEpoll subscribes a poller id to this group's events. The current
// readiness is published immediately.
func (g *Group) AddEpoll(id int) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.bridge.pollIDs[id] = struct{}{}
	g.bridge.updateReadState()
	g.bridge.updateWriteState()
}

// RemoveEpoll drops a poller id's subscription and its pending events.
func (g *Group) RemoveEpoll(id int) {
	g.lock.Lock()
	defer g.lock.Unlock()

	delete(g.bridge.pollIDs, id)
	if p := g.bridge.poller(); p != nil {
		p.Drop(id, g.id)
	}
}

func (rb *readinessBridge) publish(set, clear epoll.EventFlag) {
	p := rb.poller()
	if p == nil {
		return
	}

	for id := range rb.pollIDs {
		_ = p.Update(id, rb.g.id, set, clear)
	}
}

// updateReadState publishes readable whenever the merger holds a packet
// that directly continues the delivery sequence.
func (rb *readinessBridge) updateReadState() {
	if rb.g.rcv.deliverable() {
		rb.publish(epoll.In, 0)
	} else {
		rb.publish(0, epoll.In)
	}
}

// updateWriteState publishes writable when at least one member is idle or
// running on an alive link.
func (rb *readinessBridge) updateWriteState() {
	writable := false
	for _, d := range rb.g.members.list {
		if !d.Link.Status().Alive() {
			continue
		}
		if d.SendState == packet.MemberIdle || d.SendState == packet.MemberRunning {
			writable = true
			break
		}
	}

	if writable {
		rb.publish(epoll.Out, 0)
	} else {
		rb.publish(0, epoll.Out)
	}
}

// updateFailedLink re-evaluates writability after a member failure and
// publishes the sticky error once the whole table is gone.
func (rb *readinessBridge) updateFailedLink() {
	rb.updateWriteState()

	if rb.g.members.empty() && rb.g.opened {
		rb.updateEmptyState()
	}
}

// updateEmptyState publishes the group error once when the member table
// drains while the group is open. The event stays set until close.
func (rb *readinessBridge) updateEmptyState() {
	if rb.errPublished {
		return
	}
	rb.errPublished = true
	rb.publish(epoll.Err, 0)
}

// detachAll removes this group from every subscribed poller id.
func (rb *readinessBridge) detachAll() {
	p := rb.poller()
	for id := range rb.pollIDs {
		if p != nil {
			p.Drop(id, rb.g.id)
		}
		delete(rb.pollIDs, id)
	}
}
