package crdt

import (
	"errors"
	"testing"
)

func TestInvalidDataError(t *testing.T) {
	tests := []struct {
		name        string
		crdtType    Type
		reason      string
		dataLength  int
		wantMessage string
	}{
		{
			name:        "empty data",
			crdtType:    TypeRegister,
			reason:      "empty input",
			dataLength:  0,
			wantMessage: "invalid CRDT data: type 3, reason: empty input, length: 0",
		},
		{
			name:        "unknown length",
			crdtType:    TypeORSet,
			reason:      "truncated",
			dataLength:  -1,
			wantMessage: "invalid CRDT data: type 4, reason: truncated",
		},
		{
			name:        "no reason",
			crdtType:    TypeCounter,
			dataLength:  12,
			wantMessage: "invalid CRDT data: type 1, length: 12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &InvalidDataError{CRDTType: tt.crdtType, Reason: tt.reason, DataLength: tt.dataLength}

			if got := err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
			if !errors.Is(err, ErrInvalidData) {
				t.Error("errors.Is(err, ErrInvalidData) should be true")
			}
		})
	}
}

func TestMerge_WrongVariant(t *testing.T) {
	r := replica("a")
	values := []Value{NewCounter(r), NewFlag(r), NewRegister(r), NewORSet(r), NewORMap(r), NewVote(r)}

	for i, v := range values {
		other := values[(i+1)%len(values)]
		t.Run(v.Type().String(), func(t *testing.T) {
			err := v.Merge(other)
			if !errors.Is(err, ErrUnmergeable) {
				t.Fatalf("expected ErrUnmergeable, got %v", err)
			}
			var ue *UnmergeableError
			if !errors.As(err, &ue) || ue.Local != v.Type() || ue.Remote != other.Type() {
				t.Fatalf("unexpected error detail: %v", err)
			}

			if err := v.Merge(nil); !errors.Is(err, ErrInvalidOp) {
				t.Fatalf("merging nil should fail with ErrInvalidOp, got %v", err)
			}
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(Type(0x7f), replica("a")); !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("expected ErrInvalidOp, got %v", err)
	}
}
