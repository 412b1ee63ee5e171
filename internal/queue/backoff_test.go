package queue

import (
	"testing"
	"time"
)

func TestBackoffBase(t *testing.T) {
	b := NewBackoff(nil, 0, 0)

	cases := []struct {
		attempt int
		wantMs  int64
	}{
		{1, 1000},
		{2, 5000},
		{3, 15000},
		{4, 15000},
		{10, 15000},
	}
	for _, c := range cases {
		if got := b.Base(c.attempt); got != c.wantMs {
			t.Errorf("Base(%d) = %d, want %d", c.attempt, got, c.wantMs)
		}
	}
}

func TestBackoffJitterRange(t *testing.T) {
	b := NewBackoff([]int64{1000, 5000, 15000}, 20, 1000)

	for i := 0; i < 200; i++ {
		d := b.Delay(2)
		if d < 4*time.Second || d > 6*time.Second {
			t.Fatalf("Delay(2) = %v, want within [4s, 6s]", d)
		}
	}
}

func TestBackoffFloor(t *testing.T) {
	// Force maximum negative jitter; the floor must still hold.
	b := NewBackoff([]int64{1000, 5000, 15000}, 20, 1000)
	b.rng = func() float64 { return 0 }

	if d := b.Delay(1); d != time.Second {
		t.Errorf("Delay(1) = %v, want floor of 1s", d)
	}
}

func TestBackoffDeterministicJitter(t *testing.T) {
	b := NewBackoff([]int64{1000, 5000, 15000}, 20, 1000)

	b.rng = func() float64 { return 1 } // +20%
	if d := b.Delay(2); d != 6*time.Second {
		t.Errorf("Delay(2) with +20%% jitter = %v, want 6s", d)
	}

	b.rng = func() float64 { return 0.5 } // no jitter
	if d := b.Delay(3); d != 15*time.Second {
		t.Errorf("Delay(3) with zero jitter = %v, want 15s", d)
	}
}
