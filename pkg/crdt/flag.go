package crdt

// Flag is a boolean that can only go from false to true.
type Flag struct {
	replica Replica
	enabled bool
	dirty   bool
}

// NewFlag creates a disabled flag bound to r.
func NewFlag(r Replica) *Flag {
	return &Flag{replica: r}
}

func (f *Flag) Type() Type { return TypeFlag }

func (f *Flag) Value() any { return f.enabled }

// Enabled reports whether the flag has been enabled on any replica.
func (f *Flag) Enabled() bool { return f.enabled }

// Enable sets the flag.
func (f *Flag) Enable() {
	if f.enabled {
		return
	}
	f.enabled = true
	f.dirty = true
}

func (f *Flag) Merge(other Value) error {
	o, ok := other.(*Flag)
	if !ok {
		return mergeTypeError(f, other)
	}
	f.enabled = f.enabled || o.enabled
	return nil
}

func (f *Flag) Delta() Value {
	if !f.dirty {
		return nil
	}
	return &Flag{replica: f.replica, enabled: true}
}

func (f *Flag) HasDelta() bool { return f.dirty }

func (f *Flag) ResetDelta() { f.dirty = false }

func (f *Flag) Clone() Value {
	return &Flag{replica: f.replica, enabled: f.enabled}
}

func (f *Flag) bind(r Replica) { f.replica = r }
