package crdt

import (
	"bytes"

	"github.com/mgudmund/cloudstate/pkg/hlc"
)

// Register is a last-writer-wins register.
//
// The write with the greater HLC timestamp wins. Equal timestamps are broken
// by the lexicographically greater writer replica id, and a write from the
// same writer at the same timestamp by the smaller value bytes. Every replica
// therefore picks the same winner regardless of merge order.
type Register struct {
	replica   Replica
	value     []byte
	timestamp int64
	writer    string
	dirty     bool
}

// NewRegister creates an empty register bound to r.
func NewRegister(r Replica) *Register {
	return &Register{replica: r}
}

func (g *Register) Type() Type { return TypeRegister }

func (g *Register) Value() any { return g.Bytes() }

// Bytes returns a copy of the current value, or nil if never written.
func (g *Register) Bytes() []byte {
	if g.value == nil {
		return nil
	}
	return bytes.Clone(g.value)
}

// Timestamp returns the HLC timestamp of the winning write.
func (g *Register) Timestamp() int64 { return g.timestamp }

// Writer returns the replica id of the winning write.
func (g *Register) Writer() string { return g.writer }

// Set writes value stamped with the replica clock.
func (g *Register) Set(value []byte) {
	g.value = bytes.Clone(value)
	if g.value == nil {
		g.value = []byte{}
	}
	g.timestamp = g.replica.clock().Now()
	g.writer = g.replica.ID
	g.dirty = true
}

func (g *Register) Merge(other Value) error {
	o, ok := other.(*Register)
	if !ok {
		return mergeTypeError(g, other)
	}
	if o.timestamp == 0 {
		return nil
	}
	g.replica.clock().Update(o.timestamp)
	if g.timestamp == 0 || registerWins(o, g) {
		g.value = bytes.Clone(o.value)
		g.timestamp = o.timestamp
		g.writer = o.writer
	}
	return nil
}

// registerWins reports whether a beats b.
func registerWins(a, b *Register) bool {
	if c := hlc.Compare(a.timestamp, b.timestamp); c != 0 {
		return c > 0
	}
	if a.writer != b.writer {
		return a.writer > b.writer
	}
	return bytes.Compare(a.value, b.value) < 0
}

func (g *Register) Delta() Value {
	if !g.dirty {
		return nil
	}
	return g.Clone()
}

func (g *Register) HasDelta() bool { return g.dirty }

func (g *Register) ResetDelta() { g.dirty = false }

func (g *Register) Clone() Value {
	return &Register{
		replica:   g.replica,
		value:     bytes.Clone(g.value),
		timestamp: g.timestamp,
		writer:    g.writer,
	}
}

func (g *Register) bind(r Replica) { g.replica = r }
