package entity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/entity"
	"github.com/mgudmund/cloudstate/pkg/logging"
	"github.com/mgudmund/cloudstate/pkg/protocol"
	"github.com/mgudmund/cloudstate/pkg/store"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
)

func openNode(t *testing.T, dir string) (*entity.Runtime, store.Store) {
	t.Helper()
	s, err := store.NewBadgerStore(dir)
	require.NoError(t, err)

	ledger, err := tombstone.NewStoreLedger(s)
	require.NoError(t, err)

	table := entity.NewTable(crdt.Replica{ID: "node-a"}, ledger,
		entity.WithStateStore(entity.NewStoreStateStore(s)))
	return entity.NewRuntime(table, cartHandlers(), entity.WithLogger(logging.Discard())), s
}

func TestTable_SnapshotsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	rt, s := openNode(t, dir)
	for _, item := range []string{"a", "b"} {
		_, err := rt.Handle(ctx, protocol.Command{EntityID: "cart-1", Name: "add", Payload: []byte(item)})
		require.NoError(t, err)
	}
	_, err := rt.Handle(ctx, protocol.Command{EntityID: "cart-2", Name: "add", Payload: []byte("c")})
	require.NoError(t, err)
	_, err = rt.Handle(ctx, protocol.Command{EntityID: "cart-2", Name: "checkout"})
	require.NoError(t, err)
	require.NoError(t, rt.Close(ctx))
	require.NoError(t, s.Close())

	rt, s = openNode(t, dir)
	defer s.Close()
	defer rt.Close(ctx)

	n, err := rt.Table().Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := rt.Table().Get(ctx, "cart-1")
	require.NoError(t, err)
	v, version, deleted := e.Snapshot()
	require.NotNil(t, v)
	assert.False(t, deleted)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, []string{"a", "b"}, v.(*crdt.ORSet).Elements())

	_, err = rt.Handle(ctx, protocol.Command{EntityID: "cart-2", Name: "add", Payload: []byte("again")})
	require.ErrorIs(t, err, entity.ErrEntityDeleted)
}

// blockingStates holds Load for one entity until released.
type blockingStates struct {
	entity.StateStore
	slow    string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStates) Load(ctx context.Context, id string) (entity.Snapshot, bool, error) {
	if id == b.slow {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.StateStore.Load(ctx, id)
}

func TestTable_SlowLoadDoesNotBlockOtherEntities(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewBadgerStore("", store.WithInMemory())
	require.NoError(t, err)
	defer s.Close()

	states := &blockingStates{
		StateStore: entity.NewStoreStateStore(s),
		slow:       "slow",
		entered:    make(chan struct{}, 2),
		release:    make(chan struct{}),
	}
	table := entity.NewTable(crdt.Replica{ID: "node-a"}, tombstone.NewMemoryLedger(), entity.WithStateStore(states))

	got := make(chan *entity.Entity, 2)
	for range 2 {
		go func() {
			e, err := table.Get(ctx, "slow")
			assert.NoError(t, err)
			got <- e
		}()
	}
	<-states.entered

	fast := make(chan error, 1)
	go func() {
		_, err := table.Get(ctx, "fast")
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loading one entity blocked another")
	}

	close(states.release)
	first, second := <-got, <-got
	assert.Same(t, first, second, "concurrent loads must share one entity")
}

func TestStoreStateStore_KeepsNewestVersion(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewBadgerStore("", store.WithInMemory())
	require.NoError(t, err)
	defer s.Close()

	ss := entity.NewStoreStateStore(s)
	require.NoError(t, ss.Save(ctx, entity.Snapshot{EntityID: "e", Version: 5, State: []byte{5}}))
	require.NoError(t, ss.Save(ctx, entity.Snapshot{EntityID: "e", Version: 3, State: []byte{3}}))

	snap, ok, err := ss.Load(ctx, "e")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), snap.Version)
	assert.Equal(t, []byte{5}, snap.State)

	require.NoError(t, ss.Delete(ctx, "e"))
	_, ok, err = ss.Load(ctx, "e")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntity_ApplyRemote(t *testing.T) {
	ctx := context.Background()
	table := entity.NewTable(crdt.Replica{ID: "node-a"}, tombstone.NewMemoryLedger())

	e, err := table.Get(ctx, "counter")
	require.NoError(t, err)

	remote := crdt.NewCounter(crdt.Replica{ID: "node-b"})
	remote.Increment(5)
	applied, err := e.ApplyRemote(remote.Delta())
	require.NoError(t, err)
	require.True(t, applied)

	// Redelivery changes nothing.
	applied, err = e.ApplyRemote(remote.Delta())
	require.NoError(t, err)
	require.True(t, applied)
	v, _, _ := e.Snapshot()
	assert.Equal(t, int64(5), v.(*crdt.Counter).Int())

	_, err = e.ApplyRemote(crdt.NewFlag(crdt.Replica{ID: "node-b"}))
	require.ErrorIs(t, err, crdt.ErrUnmergeable)
	v, _, _ = e.Snapshot()
	assert.Equal(t, int64(5), v.(*crdt.Counter).Int())

	_, _, err = table.Finalize(ctx, tombstone.Tombstone{EntityID: "counter", ReplicaID: "node-b"})
	require.NoError(t, err)
	applied, err = e.ApplyRemote(remote.Delta())
	require.NoError(t, err)
	assert.False(t, applied, "deleted entity drops deltas")
}
