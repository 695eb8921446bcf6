package crdt

import (
	"errors"
	"testing"
)

func populated(t *testing.T, r Replica) []Value {
	t.Helper()

	c := NewCounter(r)
	c.Increment(7)
	c.Decrement(2)

	f := NewFlag(r)
	f.Enable()

	g := NewRegister(r)
	g.Set([]byte("hello"))

	s := NewORSet(r)
	s.Add("a")
	s.Add("b")
	s.Remove("a")

	m := NewORMap(r)
	nested, err := m.GetOrCreate("votes", TypeVote)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	nested.(*Vote).Cast(true)
	m.GetOrCreate("gone", TypeFlag)
	m.Remove("gone")

	v := NewVote(r)
	v.Cast(true)

	return []Value{c, f, g, s, m, v}
}

func TestCodec_StateSurvivesEncoding(t *testing.T) {
	for _, v := range populated(t, replica("a")) {
		t.Run(v.Type().String(), func(t *testing.T) {
			data, err := Encode(v)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(data, replica("b"))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.Type() != v.Type() {
				t.Fatalf("type = %s, want %s", got.Type(), v.Type())
			}
			if !Equal(got, v) {
				t.Fatalf("decoded state differs: %v vs %v", got.Value(), v.Value())
			}
		})
	}
}

func TestCodec_EncodingIsDeterministic(t *testing.T) {
	m := NewORMap(replica("a"))
	for _, k := range []string{"z", "y", "x", "w"} {
		s, _ := m.GetOrCreate(k, TypeORSet)
		s.(*ORSet).Add(k)
	}
	first, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Encode(m.Clone())
		if string(again) != string(first) {
			t.Fatal("encoding of equal states differs")
		}
	}
}

func TestCodec_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"garbage", []byte{0xc1, 0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, replica("a"))
			if !errors.Is(err, ErrInvalidData) {
				t.Fatalf("expected ErrInvalidData, got %v", err)
			}
		})
	}

	if _, err := Encode(nil); !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("Encode(nil) should fail with ErrInvalidOp, got %v", err)
	}
}
