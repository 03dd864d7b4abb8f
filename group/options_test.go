package group

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestOptionRoundTrip(t *testing.T) {
	g := newTestGroup(t, TypeBackup)

	values := map[Option]int32{
		OptRcvSyn:           0,
		OptSndSyn:           1,
		OptRcvTimeout:       1500,
		OptSndTimeout:       2500,
		OptTsbPdMode:        1,
		OptTsbPdDelay:       200,
		OptTlPktDrop:        0,
		OptStabilityTimeout: 120,
		OptPayloadSize:      1316,
		OptGroupConnect:     1,
		OptLinkMSS:          1400,
		OptLinkSndBuf:       65536,
		OptLinkRcvBuf:       65536,
	}

	for code, v := range values {
		blob := encodeInt32(v)
		if err := g.SetOption(code, blob); err != nil {
			t.Fatalf("setting option %d: %v", code, err)
		}

		got, err := g.GetOption(code)
		if err != nil {
			t.Fatalf("getting option %d: %v", code, err)
		}
		if !bytes.Equal(got, blob) {
			t.Errorf("option %d round-tripped %v to %v", code, blob, got)
		}
	}

	// The decoded option set reflects the applied values.
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.opts.SynRecving || !g.opts.SynSending {
		t.Error("blocking flags not applied")
	}
	if g.opts.TsbPdDelay != 200*time.Millisecond {
		t.Errorf("latency is %v", g.opts.TsbPdDelay)
	}
	if g.opts.StabilityTimeout != 120*time.Millisecond {
		t.Errorf("stability timeout is %v", g.opts.StabilityTimeout)
	}
}

func TestOptionErrors(t *testing.T) {
	g := newTestGroup(t, TypeBroadcast)

	if err := g.SetOption(Option(9999), encodeInt32(1)); !errors.Is(err, ErrBadOption) {
		t.Errorf("unknown code: %v", err)
	}
	if err := g.SetOption(OptRcvSyn, []byte{1, 2}); !errors.Is(err, ErrBadOption) {
		t.Errorf("short value: %v", err)
	}
	if err := g.SetOption(OptGroupType, encodeInt32(1)); !errors.Is(err, ErrBadOption) {
		t.Errorf("read-only option: %v", err)
	}
	if err := g.SetOption(OptPayloadSize, encodeInt32(100000)); !errors.Is(err, ErrBadOption) {
		t.Errorf("payload size out of range: %v", err)
	}

	groupType, err := g.GetOption(OptGroupType)
	if err != nil {
		t.Fatal(err)
	}
	if decodeInt32(groupType) != int32(TypeBroadcast) {
		t.Errorf("group type reads as %d", decodeInt32(groupType))
	}
}

func TestConfigureString(t *testing.T) {
	g := newTestGroup(t, TypeBackup)

	if err := g.Configure("latency=250,stability=60,sndsyn=0"); err != nil {
		t.Fatal(err)
	}

	g.lock.Lock()
	latency := g.opts.TsbPdDelay
	stability := g.opts.StabilityTimeout
	sndSyn := g.opts.SynSending
	g.lock.Unlock()

	if latency != 250*time.Millisecond || stability != 60*time.Millisecond || sndSyn {
		t.Errorf("configure string not applied: latency=%v stability=%v sndsyn=%v",
			latency, stability, sndSyn)
	}

	if err := g.Configure("nonsense=1"); !errors.Is(err, ErrBadOption) {
		t.Errorf("unknown key: %v", err)
	}
	if err := g.Configure("latency"); !errors.Is(err, ErrBadOption) {
		t.Errorf("malformed item: %v", err)
	}
	if err := g.Configure(""); err != nil {
		t.Errorf("empty string: %v", err)
	}
}

func TestDeriveSettings(t *testing.T) {
	template := newTestGroup(t, TypeBackup)
	if err := template.Configure("latency=300,rcvsyn=0"); err != nil {
		t.Fatal(err)
	}

	g := newTestGroup(t, TypeBackup)
	g.DeriveSettings(template.CurrentOptions())

	opts := g.CurrentOptions()
	if opts.TsbPdDelay != 300*time.Millisecond || opts.SynRecving {
		t.Errorf("derived options are %+v", opts)
	}
}

func TestApplyFlags(t *testing.T) {
	g := newTestGroup(t, TypeBackup)

	if !g.ApplyFlags(g.PackFlags(), HandshakeResponder) {
		t.Error("own flags rejected")
	}

	wrongType := uint32(TypeBroadcast) & flagTypeMask
	if g.ApplyFlags(wrongType, HandshakeResponder) {
		t.Error("mismatching group type accepted")
	}

	if !g.ApplyFlags(uint32(TypeBackup)|flagMsgNoSync, HandshakeResponder) {
		t.Fatal("flags with msgno sync rejected")
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	if !g.syncOnMsgNo {
		t.Error("message number synchronization flag not taken over")
	}
}
