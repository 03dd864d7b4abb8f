package group

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ngxial02/srt/epoll"
	"github.com/ngxial02/srt/link/memlink"
	"github.com/ngxial02/srt/packet"
)

func TestRegistryBusyProtocol(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	g, err := r.NewGroup(TypeBroadcast)
	if err != nil {
		t.Fatal(err)
	}

	keeper, err := r.Acquire(g.ID())
	if err != nil {
		t.Fatal(err)
	}

	if !g.isStillBusy() {
		t.Error("group not busy while a keeper holds it")
	}

	keeper.Release()
	keeper.Release() // idempotent

	g.lock.Lock()
	busy := g.busy
	g.lock.Unlock()

	if busy != 0 {
		t.Errorf("busy count is %d after release", busy)
	}

	if _, err := r.Acquire(9999); err == nil {
		t.Error("acquiring an unknown group succeeded")
	}
}

func TestCloseWakesBlockedReceiver(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)

	errChan := make(chan error, 1)
	go func() {
		defer wg.Done()

		buff := make([]byte, 16)
		ctrl := packet.DefaultMsgCtrl()
		_, err := g.Recv(buff, &ctrl)
		errChan <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}

	wg.Wait()
	if err := <-errChan; !errors.Is(err, ErrClosed) {
		t.Errorf("blocked receiver got %v", err)
	}

	// Every API call on the closed group fails the same way.
	ctrl := packet.DefaultMsgCtrl()
	if _, err := g.Send([]byte("x"), &ctrl); !errors.Is(err, ErrClosed) {
		t.Errorf("send on closed group: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)

	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestGroupDataReflectsMembers(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)

	a := memlink.New(101)
	b := memlink.New(102)
	if err := g.Add(a, 7); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(b, 9); err != nil {
		t.Fatal(err)
	}

	data := g.GroupData()
	if len(data) != 2 {
		t.Fatalf("group data has %d entries", len(data))
	}

	if data[0].SocketID != 101 || data[1].SocketID != 102 {
		t.Errorf("member order changed: %d, %d", data[0].SocketID, data[1].SocketID)
	}
	if data[0].Weight != 7 || data[1].Weight != 9 {
		t.Errorf("weights lost: %d, %d", data[0].Weight, data[1].Weight)
	}
	if data[0].SendState != packet.MemberIdle {
		t.Errorf("fresh member in state %v", data[0].SendState)
	}

	// The serialized form reconstructs the same member set.
	raw, err := g.GroupDataCbor()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := packet.UnmarshalMemberStatuses(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 2 || parsed[0].SocketID != 101 || parsed[1].Weight != 9 {
		t.Errorf("serialization changed the member set: %v", parsed)
	}
}

func TestReadinessEvents(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	g, err := r.NewGroup(TypeBroadcast)
	if err != nil {
		t.Fatal(err)
	}
	setBool(t, g, OptRcvSyn, false)

	eid := r.Poller().Register()
	g.AddEpoll(eid)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	// A bonded idle member makes the group writable.
	events, err := r.Poller().Wait(eid, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if events[g.ID()]&epoll.Out == 0 {
		t.Errorf("group not writable: %v", events)
	}

	// A deliverable packet raises the readable event.
	ctrl := packet.DefaultMsgCtrl()
	ctrl.PktSeq = 42
	ctrl.SrcTime = time.Now()
	a.PushDelivery([]byte("x"), ctrl)

	events, err = r.Poller().Wait(eid, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if events[g.ID()]&epoll.In == 0 {
		t.Errorf("group not readable: %v", events)
	}

	// Consuming the packet clears readability.
	buff := make([]byte, 16)
	rctrl := packet.DefaultMsgCtrl()
	if _, err := g.Recv(buff, &rctrl); err != nil {
		t.Fatal(err)
	}

	events, err = r.Poller().Wait(eid, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if events[g.ID()]&epoll.In != 0 {
		t.Errorf("group still readable after drain: %v", events)
	}

	// Losing the last member publishes the sticky error event.
	a.Break(errors.New("peer gone"))

	ctrl = packet.DefaultMsgCtrl()
	setBool(t, g, OptSndSyn, false)
	_, _ = g.Send([]byte("x"), &ctrl)

	events, err = r.Poller().Wait(eid, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if events[g.ID()]&epoll.Err == 0 {
		t.Errorf("empty open group did not publish an error: %v", events)
	}
}

func TestBusyInvariantOverConcurrentSends(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	g, err := r.NewGroup(TypeBroadcast)
	if err != nil {
		t.Fatal(err)
	}

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			keeper, err := r.Acquire(g.ID())
			if err != nil {
				return
			}
			defer keeper.Release()

			ctrl := packet.DefaultMsgCtrl()
			_, _ = keeper.G.Send([]byte("x"), &ctrl)
		}()
	}
	wg.Wait()

	g.lock.Lock()
	defer g.lock.Unlock()
	if g.busy != 0 {
		t.Errorf("busy count is %d after all keepers released", g.busy)
	}
}
