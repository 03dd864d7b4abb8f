package packet

import (
	"bytes"
	"reflect"
	"testing"
)

func TestMemberStatusCbor(t *testing.T) {
	statuses := []MemberStatus{
		{
			SocketID:  101,
			GroupID:   1,
			Token:     7,
			Weight:    20,
			SendState: MemberRunning,
			RecvState: MemberIdle,
			LocalAddr: "127.0.0.1:7001",
			PeerAddr:  "10.0.0.1:7000",
		},
		{
			SocketID:   102,
			GroupID:    1,
			Token:      8,
			Weight:     10,
			SendState:  MemberBroken,
			RecvState:  MemberBroken,
			SendResult: -1,
			RecvResult: -1,
			LocalAddr:  "127.0.0.1:7002",
			PeerAddr:   "10.0.0.2:7000",
		},
	}

	var buff bytes.Buffer
	if err := MarshalMemberStatuses(statuses, &buff); err != nil {
		t.Fatal(err)
	}

	parsed, err := UnmarshalMemberStatuses(&buff)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(statuses, parsed) {
		t.Fatalf("member status array changed over serialization: %v became %v", statuses, parsed)
	}
}

func TestMemberStateString(t *testing.T) {
	tests := map[MemberState]string{
		MemberPending: "PENDING",
		MemberIdle:    "IDLE",
		MemberRunning: "RUNNING",
		MemberBroken:  "BROKEN",
	}

	for state, str := range tests {
		if state.String() != str {
			t.Errorf("%d stringifies to %s, not %s", int(state), state.String(), str)
		}
	}
}
