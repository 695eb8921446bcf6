package hlc

import (
	"testing"
	"time"
)

func fixedTime(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestClock_NowIsMonotonic(t *testing.T) {
	clock := New()
	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		next := clock.Now()
		if next <= prev {
			t.Fatalf("clock went backwards: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestClock_FrozenWallClockAdvancesLogical(t *testing.T) {
	clock := New(WithTimeSource(fixedTime(5000)))

	t1 := clock.Now()
	t2 := clock.Now()

	if Physical(t1) != 5000 || Physical(t2) != 5000 {
		t.Fatalf("unexpected physical parts: %d %d", Physical(t1), Physical(t2))
	}
	if Logical(t2) != Logical(t1)+1 {
		t.Fatalf("logical counter not incremented: %d -> %d", Logical(t1), Logical(t2))
	}
}

func TestClock_UpdateFromFuture(t *testing.T) {
	clock := New(WithTimeSource(fixedTime(1000)))
	remote := pack(9000, 7)

	clock.Update(remote)
	now := clock.Now()

	if Compare(now, remote) <= 0 {
		t.Fatalf("local timestamp %d must follow remote %d", now, remote)
	}
	if Physical(now) != 9000 {
		t.Fatalf("physical part = %d, want 9000", Physical(now))
	}
}

func TestClock_LogicalOverflowCarries(t *testing.T) {
	clock := New(WithTimeSource(fixedTime(10)))
	clock.Update(pack(10, logicalMask))

	now := clock.Now()
	if Physical(now) != 11 || Logical(now) != 0 {
		t.Fatalf("overflow not carried: phys=%d logical=%d", Physical(now), Logical(now))
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b int64
		want int
	}{
		{"equal", pack(5, 1), pack(5, 1), 0},
		{"physical wins", pack(6, 0), pack(5, 9), 1},
		{"logical breaks tie", pack(5, 1), pack(5, 2), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}
