package crdt

import (
	"testing"

	"github.com/mgudmund/cloudstate/pkg/hlc"
)

func replica(id string) Replica {
	return Replica{ID: id, Clock: hlc.New()}
}

func mustMerge(t *testing.T, dst, src Value) {
	t.Helper()
	if err := dst.Merge(src); err != nil {
		t.Fatalf("merge %s failed: %v", src.Type(), err)
	}
}

// takeDelta returns the pending delta and resets it, the way a sealed command
// hands its changes to replication.
func takeDelta(t *testing.T, v Value) Value {
	t.Helper()
	d := v.Delta()
	if d == nil {
		t.Fatalf("expected a pending delta on %s", v.Type())
	}
	v.ResetDelta()
	return d
}
