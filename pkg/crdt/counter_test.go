package crdt

import (
	"errors"
	"math"
	"testing"
)

func TestCounter_Basic(t *testing.T) {
	c := NewCounter(replica("node1"))

	if c.Int() != 0 {
		t.Fatalf("expected 0, got %d", c.Int())
	}
	c.Increment(10)
	c.Decrement(5)
	c.Increment(-2)
	if c.Int() != 3 {
		t.Fatalf("expected 3, got %d", c.Int())
	}
	if c.Value().(int64) != 3 {
		t.Fatalf("Value() = %v, want 3", c.Value())
	}
}

func TestCounter_ConcurrentIncrementsConverge(t *testing.T) {
	a := NewCounter(replica("a"))
	b := NewCounter(replica("b"))

	a.Increment(3)
	b.Increment(5)
	da := takeDelta(t, a)
	db := takeDelta(t, b)

	mustMerge(t, a, db)
	mustMerge(t, b, da)

	if a.Int() != 8 || b.Int() != 8 {
		t.Fatalf("expected both replicas at 8, got a=%d b=%d", a.Int(), b.Int())
	}
}

func TestCounter_DuplicateDeltaIsIdempotent(t *testing.T) {
	a := NewCounter(replica("a"))
	b := NewCounter(replica("b"))

	a.Increment(4)
	d := takeDelta(t, a)
	for i := 0; i < 3; i++ {
		mustMerge(t, b, d)
	}
	if b.Int() != 4 {
		t.Fatalf("redelivered delta changed the total: %d", b.Int())
	}
}

func TestCounter_ZeroDoesNotProduceDelta(t *testing.T) {
	c := NewCounter(replica("a"))
	c.Increment(0)
	if c.HasDelta() {
		t.Fatal("zero increment should not record a delta")
	}
}

func TestCounter_MinInt64(t *testing.T) {
	c := NewCounter(replica("a"))
	if err := c.Increment(math.MinInt64); err != nil {
		t.Fatalf("Increment(MinInt64) failed: %v", err)
	}
	if c.Int() != math.MinInt64 {
		t.Fatalf("expected MinInt64, got %d", c.Int())
	}

	d := NewCounter(replica("a"))
	if err := d.Increment(-1); err != nil {
		t.Fatalf("Increment(-1) failed: %v", err)
	}
	if err := d.Decrement(math.MinInt64); err != nil {
		t.Fatalf("Decrement(MinInt64) failed: %v", err)
	}
	if d.Int() != math.MaxInt64 {
		t.Fatalf("expected MaxInt64, got %d", d.Int())
	}
}

func TestCounter_OverflowLeavesValueUnchanged(t *testing.T) {
	c := NewCounter(replica("a"))
	if err := c.Increment(math.MaxInt64); err != nil {
		t.Fatalf("Increment(MaxInt64) failed: %v", err)
	}
	c.ResetDelta()

	if err := c.Increment(1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if err := c.Decrement(math.MinInt64); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if c.Int() != math.MaxInt64 {
		t.Fatalf("failed increment changed the total: %d", c.Int())
	}
	if c.HasDelta() {
		t.Fatal("failed increment recorded a delta")
	}

	m := NewCounter(replica("b"))
	if err := m.Decrement(math.MaxInt64); err != nil {
		t.Fatalf("Decrement(MaxInt64) failed: %v", err)
	}
	if err := m.Decrement(2); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow below MinInt64, got %v", err)
	}
}

func TestCounter_MergedTotalSaturates(t *testing.T) {
	a := NewCounter(replica("a"))
	b := NewCounter(replica("b"))
	a.Increment(math.MaxInt64)
	b.Increment(math.MaxInt64)
	mustMerge(t, a, takeDelta(t, b))

	if a.Int() != math.MaxInt64 {
		t.Fatalf("expected the total to saturate at MaxInt64, got %d", a.Int())
	}
	if err := a.Decrement(1); err != nil {
		t.Fatalf("decrement towards range failed: %v", err)
	}
}
