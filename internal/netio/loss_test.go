package netio

import (
	"net/netip"
	"testing"
)

func TestLossIntervalsDropExactSends(t *testing.T) {
	s, err := ListenUDP(loopback(0))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer s.Close()

	nio := NewIO(nil)
	if err := nio.Loss.Configure("2-3"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var dropped []int
	send := 0
	nio.Dropped = func(int) { dropped = append(dropped, send) }

	// 송신 대상은 아무도 듣지 않아도 되므로 discard 포트(9)를 사용합니다.
	path := Path{Remote: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 9)}
	payload := []byte("0123456789")
	for send = 1; send <= 10; send++ {
		n, err := nio.Send(s, path, payload)
		if err != nil {
			t.Fatalf("send #%d: %v", send, err)
		}
		if n != len(payload) {
			t.Fatalf("send #%d: got %d bytes, want %d", send, n, len(payload))
		}
	}

	if len(dropped) != 2 || dropped[0] != 2 || dropped[1] != 3 {
		t.Fatalf("dropped sends: got %v, want [2 3]", dropped)
	}
}

func TestLossConfigureResetsCounter(t *testing.T) {
	p := NewLossPolicy()
	if err := p.SetIntervals([]LossInterval{{Start: 1, End: 1}}); err != nil {
		t.Fatalf("set intervals: %v", err)
	}
	if !p.Drop() {
		t.Fatalf("first send should drop")
	}
	if p.Drop() {
		t.Fatalf("second send should pass")
	}

	if err := p.SetIntervals([]LossInterval{{Start: 1, End: 1}}); err != nil {
		t.Fatalf("set intervals: %v", err)
	}
	if p.Count() != 0 {
		t.Fatalf("counter not reset: %d", p.Count())
	}
	if !p.Drop() {
		t.Fatalf("first send after reset should drop")
	}
}

func TestLossProbabilityBounds(t *testing.T) {
	p := NewLossPolicy()
	p.Seed(42)

	if err := p.SetProbability(LossProbabilityOne + 1); err == nil {
		t.Fatalf("expected range error")
	}

	if err := p.SetProbability(LossProbabilityOne); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i := 0; i < 100; i++ {
		if !p.Drop() {
			t.Fatalf("probability 65536 must always drop")
		}
	}

	if err := p.Configure("0%"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for i := 0; i < 100; i++ {
		if p.Drop() {
			t.Fatalf("probability 0 must never drop")
		}
	}

	if err := p.Configure("50%"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	drops := 0
	for i := 0; i < 10000; i++ {
		if p.Drop() {
			drops++
		}
	}
	if drops < 4000 || drops > 6000 {
		t.Errorf("50%% loss dropped %d of 10000", drops)
	}
}

func TestParseLossIntervalsLimits(t *testing.T) {
	if _, err := ParseLossIntervals("1,2,3,4,5,6,7,8,9,10,11"); err == nil {
		t.Fatalf("expected error for 11 intervals")
	}
	iv, err := ParseLossIntervals(" 2-3 , 7 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []LossInterval{{2, 3}, {7, 7}}
	if len(iv) != len(want) || iv[0] != want[0] || iv[1] != want[1] {
		t.Fatalf("got %v, want %v", iv, want)
	}
	if err := NewLossPolicy().Configure("5-2"); err == nil {
		t.Fatalf("expected error for reversed interval")
	}
}
