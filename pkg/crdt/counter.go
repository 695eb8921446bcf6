package crdt

import (
	"fmt"
	"maps"
	"math"
	"math/big"
	"math/bits"
)

// Counter is a positive-negative counter. Each replica owns one increment and
// one decrement slot; merge takes the per-slot maximum.
type Counter struct {
	replica Replica
	inc     map[string]uint64
	dec     map[string]uint64
	delta   *Counter
}

// NewCounter creates a zero counter bound to r.
func NewCounter(r Replica) *Counter {
	return &Counter{
		replica: r,
		inc:     make(map[string]uint64),
		dec:     make(map[string]uint64),
	}
}

func (c *Counter) Type() Type { return TypeCounter }

func (c *Counter) Value() any { return c.Int() }

// Int returns the current total, clamped to the int64 range.
func (c *Counter) Int() int64 {
	total := c.total()
	switch {
	case total.IsInt64():
		return total.Int64()
	case total.Sign() > 0:
		return math.MaxInt64
	default:
		return math.MinInt64
	}
}

func (c *Counter) total() *big.Int {
	total := new(big.Int)
	var slot big.Int
	for _, v := range c.inc {
		total.Add(total, slot.SetUint64(v))
	}
	for _, v := range c.dec {
		total.Sub(total, slot.SetUint64(v))
	}
	return total
}

// Increment adds n. A negative n decrements. It fails with ErrOverflow and
// leaves the counter unchanged when the total would leave the int64 range.
func (c *Counter) Increment(n int64) error {
	if n < 0 {
		return c.add(c.dec, magnitude(n), -1)
	}
	return c.add(c.inc, uint64(n), 1)
}

// Decrement subtracts n. A negative n increments.
func (c *Counter) Decrement(n int64) error {
	if n < 0 {
		return c.add(c.inc, magnitude(n), 1)
	}
	return c.add(c.dec, uint64(n), -1)
}

// magnitude returns |n| for a negative n, including math.MinInt64.
func magnitude(n int64) uint64 {
	return uint64(-(n + 1)) + 1
}

var (
	maxTotal = big.NewInt(math.MaxInt64)
	minTotal = big.NewInt(math.MinInt64)
)

func (c *Counter) add(slots map[string]uint64, n uint64, sign int) error {
	if n == 0 {
		return nil
	}
	id := c.replica.ID
	next, carry := bits.Add64(slots[id], n, 0)
	if carry != 0 {
		return fmt.Errorf("%w: slot of replica %q", ErrOverflow, id)
	}
	// Merged slots may already hold a total outside int64, so only the bound
	// the operation moves towards is checked.
	total := c.total()
	step := new(big.Int).SetUint64(n)
	if sign > 0 {
		if total.Add(total, step).Cmp(maxTotal) > 0 {
			return fmt.Errorf("%w: total above %d", ErrOverflow, int64(math.MaxInt64))
		}
	} else if total.Sub(total, step).Cmp(minTotal) < 0 {
		return fmt.Errorf("%w: total below %d", ErrOverflow, int64(math.MinInt64))
	}

	slots[id] = next
	d := c.pending()
	if sign > 0 {
		d.inc[id] = next
	} else {
		d.dec[id] = next
	}
	return nil
}

func (c *Counter) pending() *Counter {
	if c.delta == nil {
		c.delta = NewCounter(c.replica)
	}
	return c.delta
}

func (c *Counter) Merge(other Value) error {
	o, ok := other.(*Counter)
	if !ok {
		return mergeTypeError(c, other)
	}
	mergeMax(c.inc, o.inc)
	mergeMax(c.dec, o.dec)
	return nil
}

func mergeMax(dest, src map[string]uint64) {
	for k, v := range src {
		if dest[k] < v {
			dest[k] = v
		}
	}
}

func (c *Counter) Delta() Value {
	if c.delta == nil {
		return nil
	}
	return c.delta.Clone()
}

func (c *Counter) HasDelta() bool { return c.delta != nil }

func (c *Counter) ResetDelta() { c.delta = nil }

func (c *Counter) Clone() Value {
	return &Counter{
		replica: c.replica,
		inc:     maps.Clone(c.inc),
		dec:     maps.Clone(c.dec),
	}
}

func (c *Counter) bind(r Replica) { c.replica = r }
