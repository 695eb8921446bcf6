package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire forms keep every collection as a sorted slice so that equal states
// always encode to equal bytes.

type envelope struct {
	Type Type   `msgpack:"t"`
	Data []byte `msgpack:"d"`
}

type slotWire struct {
	Replica string `msgpack:"r"`
	N       uint64 `msgpack:"n"`
}

type counterWire struct {
	Inc []slotWire `msgpack:"i"`
	Dec []slotWire `msgpack:"d"`
}

type flagWire struct {
	Enabled bool `msgpack:"e"`
}

type registerWire struct {
	Value     []byte `msgpack:"v"`
	Timestamp int64  `msgpack:"ts"`
	Writer    string `msgpack:"w"`
}

type tagsWire struct {
	Key  string   `msgpack:"k"`
	Tags []string `msgpack:"t"`
}

type orsetWire struct {
	Adds    []tagsWire `msgpack:"a"`
	Removed []string   `msgpack:"r"`
}

type entryWire struct {
	Key   string `msgpack:"k"`
	Tag   string `msgpack:"t"`
	Value []byte `msgpack:"v"`
}

type ormapWire struct {
	Entries []entryWire `msgpack:"e"`
	Removed []string    `msgpack:"r"`
}

type ballotWire struct {
	Replica string `msgpack:"r"`
	Vote    bool   `msgpack:"b"`
	Version uint64 `msgpack:"n"`
}

type voteWire struct {
	Ballots []ballotWire `msgpack:"b"`
}

// Encode serializes a value or delta. The replica binding is not encoded.
func Encode(v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: cannot encode nil value", ErrInvalidOp)
	}
	body, err := encodeBody(v)
	if err != nil {
		return nil, err
	}
	return marshal(envelope{Type: v.Type(), Data: body})
}

func encodeBody(v Value) ([]byte, error) {
	switch c := v.(type) {
	case *Counter:
		return marshal(counterWire{Inc: slots(c.inc), Dec: slots(c.dec)})
	case *Flag:
		return marshal(flagWire{Enabled: c.enabled})
	case *Register:
		return marshal(registerWire{Value: c.value, Timestamp: c.timestamp, Writer: c.writer})
	case *ORSet:
		return marshal(orsetWire{Adds: tagLists(c.adds), Removed: c.removed.sorted()})
	case *ORMap:
		w := ormapWire{Removed: c.removed.sorted()}
		for _, k := range sortedKeys(c.entries) {
			tags := c.entries[k]
			for _, tag := range sortedKeys(tags) {
				b, err := Encode(tags[tag])
				if err != nil {
					return nil, fmt.Errorf("encode key %q: %w", k, err)
				}
				w.Entries = append(w.Entries, entryWire{Key: k, Tag: tag, Value: b})
			}
		}
		return marshal(w)
	case *Vote:
		w := voteWire{}
		for _, id := range sortedKeys(c.ballots) {
			b := c.ballots[id]
			w.Ballots = append(w.Ballots, ballotWire{Replica: id, Vote: b.Vote, Version: b.Version})
		}
		return marshal(w)
	default:
		return nil, fmt.Errorf("%w: unsupported value %T", ErrInvalidOp, v)
	}
}

// Decode restores a value or delta and binds it to r.
func Decode(data []byte, r Replica) (Value, error) {
	if len(data) == 0 {
		return nil, &InvalidDataError{Reason: "empty input", DataLength: 0}
	}
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, &InvalidDataError{Reason: err.Error(), DataLength: len(data)}
	}
	v, err := decodeBody(env.Type, env.Data, r)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeBody(t Type, data []byte, r Replica) (Value, error) {
	invalid := func(err error) error {
		return &InvalidDataError{CRDTType: t, Reason: err.Error(), DataLength: len(data)}
	}

	switch t {
	case TypeCounter:
		var w counterWire
		if err := msgpack.Unmarshal(data, &w); err != nil {
			return nil, invalid(err)
		}
		c := NewCounter(r)
		for _, s := range w.Inc {
			c.inc[s.Replica] = s.N
		}
		for _, s := range w.Dec {
			c.dec[s.Replica] = s.N
		}
		return c, nil
	case TypeFlag:
		var w flagWire
		if err := msgpack.Unmarshal(data, &w); err != nil {
			return nil, invalid(err)
		}
		f := NewFlag(r)
		f.enabled = w.Enabled
		return f, nil
	case TypeRegister:
		var w registerWire
		if err := msgpack.Unmarshal(data, &w); err != nil {
			return nil, invalid(err)
		}
		g := NewRegister(r)
		g.value, g.timestamp, g.writer = w.Value, w.Timestamp, w.Writer
		if g.timestamp != 0 && g.value == nil {
			g.value = []byte{}
		}
		return g, nil
	case TypeORSet:
		var w orsetWire
		if err := msgpack.Unmarshal(data, &w); err != nil {
			return nil, invalid(err)
		}
		s := NewORSet(r)
		s.adds = fromTagLists(w.Adds)
		s.removed = fromTags(w.Removed)
		return s, nil
	case TypeORMap:
		var w ormapWire
		if err := msgpack.Unmarshal(data, &w); err != nil {
			return nil, invalid(err)
		}
		m := NewORMap(r)
		m.removed = fromTags(w.Removed)
		for _, e := range w.Entries {
			if e.Key == "" || e.Tag == "" {
				return nil, invalid(errors.New("map entry without key or tag"))
			}
			v, err := Decode(e.Value, r)
			if err != nil {
				return nil, fmt.Errorf("decode key %q: %w", e.Key, err)
			}
			m.put(e.Key, e.Tag, v)
		}
		return m, nil
	case TypeVote:
		var w voteWire
		if err := msgpack.Unmarshal(data, &w); err != nil {
			return nil, invalid(err)
		}
		v := NewVote(r)
		for _, b := range w.Ballots {
			v.ballots[b.Replica] = ballot{Vote: b.Vote, Version: b.Version}
		}
		return v, nil
	default:
		return nil, &InvalidDataError{CRDTType: t, Reason: "unknown CRDT type", DataLength: len(data)}
	}
}

// Equal reports whether a and b hold the same replicated state.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, err := Encode(a)
	if err != nil {
		return false
	}
	bb, err := Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func slots(m map[string]uint64) []slotWire {
	out := make([]slotWire, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, slotWire{Replica: k, N: m[k]})
	}
	return out
}

func tagLists(m map[string]tagSet) []tagsWire {
	out := make([]tagsWire, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, tagsWire{Key: k, Tags: m[k].sorted()})
	}
	return out
}

func fromTagLists(in []tagsWire) map[string]tagSet {
	out := make(map[string]tagSet, len(in))
	for _, w := range in {
		out[w.Key] = fromTags(w.Tags)
	}
	return out
}

func fromTags(tags []string) tagSet {
	out := make(tagSet, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}
