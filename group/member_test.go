package group

import (
	"testing"
	"time"

	"github.com/ngxial02/srt/link/memlink"
	"github.com/ngxial02/srt/packet"
	"github.com/ngxial02/srt/seqno"
)

func timeAnchor(offset int) time.Time {
	return time.Date(2024, time.March, 1, 12, 0, offset, 0, time.UTC)
}

func TestMemberTableCursorReset(t *testing.T) {
	mt := newMemberTable()

	a := prepareData(memlink.New(101), 1)
	b := prepareData(memlink.New(102), 2)
	c := prepareData(memlink.New(103), 3)

	mt.add(a)
	mt.add(b)
	mt.add(c)

	mt.setActive(b)
	if mt.active() != b {
		t.Fatal("cursor does not point at the active member")
	}

	// Erasing the slot the cursor references resets it.
	if !mt.remove(102) {
		t.Fatal("remove of a present member failed")
	}
	if mt.active() != nil {
		t.Error("cursor survived erasing its slot")
	}

	// Erasing a slot before the cursor keeps it on the same member.
	mt.setActive(c)
	if !mt.remove(101) {
		t.Fatal("remove failed")
	}
	if mt.active() != c {
		t.Error("cursor slipped off its member after an unrelated erase")
	}

	if mt.remove(999) {
		t.Error("remove of an absent member reported success")
	}
}

func TestMemberTokensMonotonic(t *testing.T) {
	a := prepareData(memlink.New(101), 0)
	b := prepareData(memlink.New(102), 0)

	if b.Token <= a.Token {
		t.Errorf("tokens not increasing: %d then %d", a.Token, b.Token)
	}
}

func TestRemoveLastMemberResetsGroup(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}

	ctrl := packet.DefaultMsgCtrl()
	if _, err := g.Send([]byte("hello"), &ctrl); err != nil {
		t.Fatal(err)
	}

	g.lock.Lock()
	oldSched := g.lastSchedSeq
	g.lock.Unlock()

	if err := g.Remove(101); err != nil {
		t.Fatal(err)
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if g.opened || g.connected {
		t.Error("group still marked opened/connected after losing its last member")
	}
	if g.rcv.baseSeq != seqno.None {
		t.Error("receive state not reset")
	}
	if g.lastSchedSeq == oldSched {
		t.Error("scheduling sequence not re-anchored on a drained table")
	}
	if len(g.rcv.positions) != 0 {
		t.Error("read positions survived the table drain")
	}
}

func TestAddDuplicateMember(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)

	a := memlink.New(101)
	if err := g.Add(a, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(a, 0); err == nil {
		t.Error("bonding the same link twice succeeded")
	}
}

func TestGroupTimeAnchors(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)

	first := timeAnchor(10)
	firstPeer := timeAnchor(20)
	if !g.ApplyGroupTime(&first, &firstPeer) {
		t.Fatal("first member did not define the group time")
	}

	second := timeAnchor(30)
	secondPeer := timeAnchor(40)
	if g.ApplyGroupTime(&second, &secondPeer) {
		t.Fatal("second member redefined the group time")
	}

	if !second.Equal(first) || !secondPeer.Equal(firstPeer) {
		t.Error("later member did not derive the first member's anchors")
	}
}
