package group

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/epoll"
	"github.com/ngxial02/srt/internal/telemetry"
)

// Registry is the global control: it owns the id spaces, finds groups for
// API calls under the busy protocol and reaps closed groups once they
// drained. Its control lock is strictly outside every group lock.
type Registry struct {
	ctrl sync.Mutex

	groups map[int32]*Group
	closed map[int32]*Group

	nextGroupID  int32
	nextSocketID int32

	poller *epoll.Poller

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewRegistry creates a registry with its own poller and starts the reaper.
func NewRegistry() *Registry {
	r := &Registry{
		groups:       make(map[int32]*Group),
		closed:       make(map[int32]*Group),
		nextGroupID:  1,
		nextSocketID: 100,
		poller:       epoll.New(),
		stopSyn:      make(chan struct{}),
		stopAck:      make(chan struct{}),
	}

	go r.reaper()

	return r
}

// Poller returns the registry's readiness poller.
func (r *Registry) Poller() *epoll.Poller {
	return r.poller
}

// reaper reclaims closed groups whose busy count and member table drained.
func (r *Registry) reaper() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSyn:
			close(r.stopAck)
			return

		case <-ticker.C:
			r.ctrl.Lock()
			for id, g := range r.closed {
				if g.isStillBusy() {
					continue
				}

				delete(r.closed, id)
				log.WithField("group", id).Debug("Reclaimed closed group")
			}
			r.ctrl.Unlock()
		}
	}
}

// Close shuts the registry down, closing every remaining group.
func (r *Registry) Close() {
	r.ctrl.Lock()
	remaining := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		remaining = append(remaining, g)
	}
	r.ctrl.Unlock()

	for _, g := range remaining {
		_ = g.Close()
	}

	close(r.stopSyn)
	<-r.stopAck
}

// NewGroup creates and registers a group of the given type.
func (r *Registry) NewGroup(t Type) (*Group, error) {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()

	id := r.nextGroupID
	r.nextGroupID++

	g, err := newGroup(r, id, t)
	if err != nil {
		return nil, err
	}

	r.groups[id] = g
	telemetry.GroupsActive.Set(float64(len(r.groups)))

	log.WithFields(log.Fields{
		"group": id,
		"type":  t,
	}).Info("Created connection group")

	return g, nil
}

// NextSocketID allocates a socket id for a new member link.
func (r *Registry) NextSocketID() int32 {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()

	id := r.nextSocketID
	r.nextSocketID++
	return id
}

// Keeper pins a group against reclamation for the duration of one API
// call. Release must be called exactly once.
type Keeper struct {
	G *Group

	released bool
}

// Acquire locates a group and marks it busy. The busy flag keeps the
// reaper away until Release.
func (r *Registry) Acquire(id int32) (*Keeper, error) {
	r.ctrl.Lock()
	g, ok := r.groups[id]
	if !ok {
		g, ok = r.closed[id]
	}
	if !ok {
		r.ctrl.Unlock()
		return nil, fmt.Errorf("%w: no group $%d", ErrGroupBound, id)
	}

	g.lock.Lock()
	g.apiAcquire()
	g.lock.Unlock()
	r.ctrl.Unlock()

	return &Keeper{G: g}, nil
}

// Release drops the busy pin.
func (k *Keeper) Release() {
	if k.released {
		return
	}
	k.released = true

	k.G.lock.Lock()
	k.G.apiRelease()
	k.G.lock.Unlock()
}

// groupClosed moves a group from the active to the closed set; the reaper
// frees it once it is no longer busy.
func (r *Registry) groupClosed(g *Group) {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()

	if _, ok := r.groups[g.id]; ok {
		delete(r.groups, g.id)
		r.closed[g.id] = g
		telemetry.GroupsActive.Set(float64(len(r.groups)))
	}
}

// Groups returns a snapshot of the open groups.
func (r *Registry) Groups() []*Group {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()

	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Find returns an open group by id without pinning it.
func (r *Registry) Find(id int32) (*Group, bool) {
	r.ctrl.Lock()
	defer r.ctrl.Unlock()

	g, ok := r.groups[id]
	return g, ok
}
