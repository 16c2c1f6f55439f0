package clock

import (
	"testing"
	"time"
)

func TestCeilMillis(t *testing.T) {
	cases := []struct {
		rate uint64
		in   Tick
		want int
	}{
		{1000, 0, 0},
		{1000, 1, 1},
		{1000, 1500, 1500},
		{1024, 1, 1}, // 0.976ms -> 1
		{1024, 1024, 1000},
		{1024, 1025, 1001},
		{3, 1, 334},
	}
	for _, c := range cases {
		if got := CeilMillis(c.rate, c.in); got != c.want {
			t.Errorf("CeilMillis(%d, %d) = %d, want %d", c.rate, c.in, got, c.want)
		}
	}
}

func TestManualAdvance(t *testing.T) {
	m := NewManual(1024)
	if got := m.Advance(2 * time.Second); got != 2048 {
		t.Fatalf("got %d, want 2048", got)
	}
	m.Set(10)
	if got := m.Now(); got != 10 {
		t.Fatalf("got %d, want 10", got)
	}
}
