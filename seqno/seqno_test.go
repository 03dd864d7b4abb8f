package seqno

import "testing"

func TestCmpPlain(t *testing.T) {
	tests := []struct {
		a, b int32
		sign int
	}{
		{100, 50, 1},
		{50, 100, -1},
		{42, 42, 0},
		{0, Max, 1},
		{Max, 0, -1},
		{5, Max - 5, 1},
	}

	for _, tt := range tests {
		c := Cmp(tt.a, tt.b)
		switch {
		case tt.sign > 0 && c <= 0:
			t.Errorf("Cmp(%d, %d) = %d, expected positive", tt.a, tt.b, c)
		case tt.sign < 0 && c >= 0:
			t.Errorf("Cmp(%d, %d) = %d, expected negative", tt.a, tt.b, c)
		case tt.sign == 0 && c != 0:
			t.Errorf("Cmp(%d, %d) = %d, expected zero", tt.a, tt.b, c)
		}
	}
}

func TestIncrDecrWrap(t *testing.T) {
	if s := Incr(Max); s != 0 {
		t.Errorf("Incr(Max) = %d", s)
	}
	if s := Decr(0); s != Max {
		t.Errorf("Decr(0) = %d", s)
	}
	if s := Incr(41); s != 42 {
		t.Errorf("Incr(41) = %d", s)
	}
}

func TestOffAndLength(t *testing.T) {
	if off := Off(10, 15); off != 5 {
		t.Errorf("Off(10, 15) = %d", off)
	}
	if off := Off(15, 10); off != -5 {
		t.Errorf("Off(15, 10) = %d", off)
	}
	if off := Off(Max-1, 3); off != 5 {
		t.Errorf("Off(Max-1, 3) = %d", off)
	}
	if l := Length(10, 15); l != 6 {
		t.Errorf("Length(10, 15) = %d", l)
	}
	if l := Length(Max, 0); l != 2 {
		t.Errorf("Length(Max, 0) = %d", l)
	}
}

func TestMsgNoWrapSkipsControl(t *testing.T) {
	if m := IncrMsg(MaxMsg); m != 1 {
		t.Errorf("IncrMsg(MaxMsg) = %d, the control message number must be skipped", m)
	}
	if m := IncrMsg(1); m != 2 {
		t.Errorf("IncrMsg(1) = %d", m)
	}
	if c := CmpMsg(1, MaxMsg); c <= 0 {
		t.Errorf("CmpMsg(1, MaxMsg) = %d, expected positive after wrap", c)
	}
}

func TestGenerateISNRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		isn := GenerateISN()
		if isn < 0 || isn > Max {
			t.Fatalf("GenerateISN() = %d out of range", isn)
		}
	}
}
