package crdt

import (
	"errors"
	"slices"
	"testing"
)

func TestORMap_NestedValuesReplicate(t *testing.T) {
	a := NewORMap(replica("a"))
	b := NewORMap(replica("b"))

	v, err := a.GetOrCreate("apples", TypeCounter)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	v.(*Counter).Increment(2)

	w, err := b.GetOrCreate("apples", TypeCounter)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	w.(*Counter).Increment(5)

	da, db := takeDelta(t, a), takeDelta(t, b)
	mustMerge(t, a, db)
	mustMerge(t, b, da)

	for name, m := range map[string]*ORMap{"a": a, "b": b} {
		got, ok := m.Get("apples")
		if !ok {
			t.Fatalf("%s: key apples missing", name)
		}
		if got.(*Counter).Int() != 7 {
			t.Fatalf("%s: expected 7 apples, got %d", name, got.(*Counter).Int())
		}
	}
	if !Equal(a, b) {
		t.Fatal("maps did not converge")
	}
}

func TestORMap_BootstrapFromDelta(t *testing.T) {
	a := NewORMap(replica("a"))
	s, _ := a.GetOrCreate("tags", TypeORSet)
	s.(*ORSet).Add("red")

	fresh, err := FromDelta(takeDelta(t, a), replica("b"))
	if err != nil {
		t.Fatalf("FromDelta failed: %v", err)
	}
	m := fresh.(*ORMap)
	got, ok := m.Get("tags")
	if !ok {
		t.Fatal("bootstrapped map lost key")
	}
	if !slices.Equal(got.(*ORSet).Elements(), []string{"red"}) {
		t.Fatalf("unexpected nested value %v", got.Value())
	}
}

func TestORMap_RemoveHidesKey(t *testing.T) {
	a := NewORMap(replica("a"))
	b := NewORMap(replica("b"))

	a.GetOrCreate("k", TypeFlag)
	mustMerge(t, b, takeDelta(t, a))

	if !b.Remove("k") {
		t.Fatal("Remove should report presence")
	}
	mustMerge(t, a, takeDelta(t, b))

	if a.Has("k") || b.Has("k") {
		t.Fatal("removed key still visible")
	}
	if !slices.Equal(a.Keys(), []string{}) {
		t.Fatalf("expected no keys, got %v", a.Keys())
	}
}

func TestORMap_ConcurrentUpdateAndRemoveConverge(t *testing.T) {
	a := NewORMap(replica("a"))
	b := NewORMap(replica("b"))

	c, _ := a.GetOrCreate("k", TypeCounter)
	c.(*Counter).Increment(1)
	mustMerge(t, b, takeDelta(t, a))

	b.Remove("k")
	removal := takeDelta(t, b)

	c, _ = a.GetOrCreate("k", TypeCounter)
	c.(*Counter).Increment(1)
	update := takeDelta(t, a)

	mustMerge(t, a, removal)
	mustMerge(t, b, update)

	if !Equal(a, b) {
		t.Fatal("maps did not converge")
	}
	if a.Has("k") || b.Has("k") {
		t.Fatal("an update of an observed key does not re-add it")
	}

	// The update was made under the removed tag, so a re-add starts empty.
	c, _ = b.GetOrCreate("k", TypeCounter)
	if c.(*Counter).Int() != 0 {
		t.Fatalf("expected a fresh counter, got %d", c.(*Counter).Int())
	}
}

func TestORMap_ReAddStartsEmpty(t *testing.T) {
	a := NewORMap(replica("a"))
	b := NewORMap(replica("b"))

	c, _ := a.GetOrCreate("apple", TypeCounter)
	c.(*Counter).Increment(5)
	mustMerge(t, b, takeDelta(t, a))

	a.Remove("apple")
	c, _ = a.GetOrCreate("apple", TypeCounter)
	c.(*Counter).Increment(1)
	mustMerge(t, b, takeDelta(t, a))

	for name, m := range map[string]*ORMap{"a": a, "b": b} {
		got, ok := m.Get("apple")
		if !ok {
			t.Fatalf("%s: key apple missing", name)
		}
		if got.(*Counter).Int() != 1 {
			t.Fatalf("%s: expected 1 apple after re-add, got %d", name, got.(*Counter).Int())
		}
	}
	if !Equal(a, b) {
		t.Fatal("maps did not converge")
	}
}

func TestORMap_ConcurrentAddsKeepEveryUpdate(t *testing.T) {
	a := NewORMap(replica("a"))
	b := NewORMap(replica("b"))

	ca, _ := a.GetOrCreate("k", TypeCounter)
	ca.(*Counter).Increment(2)
	cb, _ := b.GetOrCreate("k", TypeCounter)
	cb.(*Counter).Increment(3)
	da, db := takeDelta(t, a), takeDelta(t, b)
	mustMerge(t, a, db)
	mustMerge(t, b, da)

	// a writes through the folded value while b keeps writing under its own
	// tag; neither update may be lost.
	ca, _ = a.GetOrCreate("k", TypeCounter)
	if ca.(*Counter).Int() != 5 {
		t.Fatalf("expected folded count 5, got %d", ca.(*Counter).Int())
	}
	ca.(*Counter).Increment(10)
	cb, _ = b.GetOrCreate("k", TypeCounter)
	cb.(*Counter).Increment(100)
	da, db = takeDelta(t, a), takeDelta(t, b)
	mustMerge(t, a, db)
	mustMerge(t, b, da)

	for name, m := range map[string]*ORMap{"a": a, "b": b} {
		got, _ := m.Get("k")
		if got.(*Counter).Int() != 115 {
			t.Fatalf("%s: expected 115, got %d", name, got.(*Counter).Int())
		}
	}
	if !Equal(a, b) {
		t.Fatal("maps did not converge")
	}
}

func TestORMap_RemoveKeepsUnobservedAdd(t *testing.T) {
	a := NewORMap(replica("a"))
	b := NewORMap(replica("b"))

	c, _ := a.GetOrCreate("k", TypeCounter)
	c.(*Counter).Increment(1)
	mustMerge(t, b, takeDelta(t, a))

	// b removes what it saw while a concurrently re-adds under a new tag.
	b.Remove("k")
	a.Remove("k")
	c, _ = a.GetOrCreate("k", TypeCounter)
	c.(*Counter).Increment(4)

	da, db := takeDelta(t, a), takeDelta(t, b)
	mustMerge(t, a, db)
	mustMerge(t, b, da)

	for name, m := range map[string]*ORMap{"a": a, "b": b} {
		got, ok := m.Get("k")
		if !ok || got.(*Counter).Int() != 4 {
			t.Fatalf("%s: expected the unobserved add to survive with 4, got %v", name, got)
		}
	}
}

func TestORMap_TypeMismatch(t *testing.T) {
	a := NewORMap(replica("a"))
	if _, err := a.GetOrCreate("k", TypeFlag); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	_, err := a.GetOrCreate("k", TypeCounter)
	if !errors.Is(err, ErrUnmergeable) {
		t.Fatalf("expected ErrUnmergeable, got %v", err)
	}

	b := NewORMap(replica("b"))
	b.GetOrCreate("k", TypeCounter)
	before, _ := Encode(a)
	if err := a.Merge(b); !errors.Is(err, ErrUnmergeable) {
		t.Fatalf("expected ErrUnmergeable on nested mismatch, got %v", err)
	}
	after, _ := Encode(a)
	if string(before) != string(after) {
		t.Fatal("failed merge must leave the map untouched")
	}
}

func TestORMap_Update(t *testing.T) {
	m := NewORMap(replica("a"))

	err := m.Update("tags", TypeORSet, func(v Value) error {
		v.(*ORSet).Add("red")
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	v, ok := m.Get("tags")
	if !ok || !v.(*ORSet).Contains("red") {
		t.Fatal("expected tags to contain red")
	}

	err = m.Update("tags", TypeCounter, func(Value) error { return nil })
	if !errors.Is(err, ErrUnmergeable) {
		t.Fatalf("expected ErrUnmergeable, got %v", err)
	}
}
