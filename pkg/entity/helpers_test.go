package entity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/entity"
	"github.com/mgudmund/cloudstate/pkg/logging"
	"github.com/mgudmund/cloudstate/pkg/protocol"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
)

// cartHandlers is a small shopping cart over an ORSet.
func cartHandlers() entity.Handlers {
	return entity.Handlers{
		"add": func(cc *entity.CommandContext, item []byte) error {
			set, err := cart(cc)
			if err != nil {
				return err
			}
			set.Add(string(item))
			return cc.NoReply()
		},
		"remove": func(cc *entity.CommandContext, item []byte) error {
			v, err := cc.State()
			if err != nil {
				return err
			}
			v.(*crdt.ORSet).Remove(string(item))
			return cc.NoReply()
		},
		"count": func(cc *entity.CommandContext, _ []byte) error {
			v, err := cc.State()
			if err != nil {
				return err
			}
			return cc.Reply([]byte{byte(v.(*crdt.ORSet).Len())})
		},
		"checkout": func(cc *entity.CommandContext, _ []byte) error {
			if err := cc.Delete(); err != nil {
				return err
			}
			return cc.NoReply()
		},
	}
}

func cart(cc *entity.CommandContext) (*crdt.ORSet, error) {
	if v, ok := cc.Current(); ok {
		return v.(*crdt.ORSet), nil
	}
	return cc.NewORSet()
}

type fixture struct {
	table  *entity.Table
	ledger *tombstone.MemoryLedger
	rt     *entity.Runtime
}

func newFixture(t *testing.T, handlers entity.Handlers, opts ...entity.Option) *fixture {
	t.Helper()
	ledger := tombstone.NewMemoryLedger()
	table := entity.NewTable(crdt.Replica{ID: "node-a"}, ledger)
	opts = append([]entity.Option{entity.WithLogger(logging.Discard())}, opts...)
	rt := entity.NewRuntime(table, handlers, opts...)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return &fixture{table: table, ledger: ledger, rt: rt}
}

func (f *fixture) send(t *testing.T, id, name string, payload []byte) (*protocol.CommandResult, error) {
	t.Helper()
	return f.rt.Handle(context.Background(), protocol.Command{
		EntityID:  id,
		CommandID: 1,
		Name:      name,
		Payload:   payload,
	})
}

func (f *fixture) mustSend(t *testing.T, id, name string, payload []byte) *protocol.CommandResult {
	t.Helper()
	res, err := f.send(t, id, name, payload)
	require.NoError(t, err)
	return res
}

func (f *fixture) value(t *testing.T, id string) crdt.Value {
	t.Helper()
	e, err := f.table.Get(context.Background(), id)
	require.NoError(t, err)
	v, _, _ := e.Snapshot()
	return v
}

// recorder captures everything the runtime hands to its collaborators.
type recorder struct {
	mu      sync.Mutex
	deltas  []published
	deletes []tombstone.Tombstone
	batches [][]protocol.Effect
	seen    chan struct{}
}

type published struct {
	entityID string
	version  uint64
	delta    crdt.Value
	full     crdt.Value
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 64)}
}

func (r *recorder) PublishDelta(_ context.Context, id string, version uint64, delta, full crdt.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, published{entityID: id, version: version, delta: delta, full: full})
	return nil
}

func (r *recorder) PublishDeleted(_ context.Context, ts tombstone.Tombstone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, ts)
	return nil
}

func (r *recorder) Dispatch(_ context.Context, _ string, effects []protocol.Effect) error {
	r.mu.Lock()
	r.batches = append(r.batches, effects)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recorder) published() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.deltas...)
}

func (r *recorder) effectBatches() [][]protocol.Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]protocol.Effect(nil), r.batches...)
}

var errBoom = errors.New("boom")
