// Package epoll provides the readiness notifier between connection groups
// and the application. Subscribers register under an id and wait for
// read/write/error events published per group.
package epoll

import (
	"errors"
	"sync"
	"time"
)

// EventFlag is a bit set of readiness conditions.
type EventFlag uint32

const (
	// In signals that a receive would not block.
	In EventFlag = 1 << iota

	// Out signals that a send would not block.
	Out

	// Err signals a group-level failure condition.
	Err
)

var (
	// ErrUnknownID is returned for operations on an unregistered
	// subscriber id.
	ErrUnknownID = errors.New("epoll: unknown subscriber id")

	// ErrTimeout is returned when a wait expired without events.
	ErrTimeout = errors.New("epoll: wait timed out")
)

type subscriber struct {
	events map[int32]EventFlag
	notify chan struct{}
}

// Poller fans readiness events out to its subscribers.
type Poller struct {
	mutex  sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// New creates an empty Poller.
func New() *Poller {
	return &Poller{
		nextID: 1,
		subs:   make(map[int]*subscriber),
	}
}

// Register allocates a new subscriber id.
func (p *Poller) Register() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	id := p.nextID
	p.nextID++

	p.subs[id] = &subscriber{
		events: make(map[int32]EventFlag),
		notify: make(chan struct{}, 1),
	}
	return id
}

// Unregister removes a subscriber id and drops its pending events.
func (p *Poller) Unregister(id int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.subs, id)
}

// Update publishes events of one target towards a subscriber: set bits are
// added, clear bits removed. A target with no remaining bits is dropped
// from the subscriber's event map.
func (p *Poller) Update(id int, target int32, set, clear EventFlag) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	sub, ok := p.subs[id]
	if !ok {
		return ErrUnknownID
	}

	flags := sub.events[target]
	flags |= set
	flags &^= clear

	if flags == 0 {
		delete(sub.events, target)
	} else {
		sub.events[target] = flags
	}

	select {
	case sub.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drop removes every event of a target from a subscriber, e.g. when the
// target closes.
func (p *Poller) Drop(id int, target int32) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if sub, ok := p.subs[id]; ok {
		delete(sub.events, target)
	}
}

// Wait blocks until the subscriber has at least one pending event, then
// returns a copy of the current event map. A negative timeout waits
// forever; a zero timeout polls.
func (p *Poller) Wait(id int, timeout time.Duration) (map[int32]EventFlag, error) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		p.mutex.Lock()
		sub, ok := p.subs[id]
		if !ok {
			p.mutex.Unlock()
			return nil, ErrUnknownID
		}

		if len(sub.events) > 0 {
			events := make(map[int32]EventFlag, len(sub.events))
			for target, flags := range sub.events {
				events[target] = flags
			}
			p.mutex.Unlock()
			return events, nil
		}

		notify := sub.notify
		p.mutex.Unlock()

		select {
		case <-notify:
		case <-deadline:
			return nil, ErrTimeout
		}
	}
}
