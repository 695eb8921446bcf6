package tombstone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgudmund/cloudstate/pkg/store"
)

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()
	s, err := store.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sl, err := NewStoreLedger(s)
	require.NoError(t, err)
	return map[string]Ledger{"memory": NewMemoryLedger(), "store": sl}
}

func TestLedger_RecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			deleted, err := l.IsDeleted(ctx, "session-42")
			require.NoError(t, err)
			assert.False(t, deleted)

			require.NoError(t, l.Record(ctx, Tombstone{EntityID: "session-42", Marker: 10, ReplicaID: "a"}))
			require.NoError(t, l.Record(ctx, Tombstone{EntityID: "session-42", Marker: 20, ReplicaID: "b"}))

			deleted, err = l.IsDeleted(ctx, "session-42")
			require.NoError(t, err)
			assert.True(t, deleted)

			got, ok, err := l.Get(ctx, "session-42")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(10), got.Marker, "first marker is kept")

			all, err := l.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestLedger_RejectsEmptyID(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			err := l.Record(context.Background(), Tombstone{})
			assert.True(t, errors.Is(err, ErrEmptyEntityID))
		})
	}
}

func TestLedger_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, l.Record(ctx, Tombstone{EntityID: fmt.Sprintf("e-%d", i%10)}))
				}(i)
			}
			wg.Wait()

			all, err := l.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 10)
			assert.Equal(t, "e-0", all[0].EntityID)
		})
	}
}

func TestStoreLedger_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.NewBadgerStore(dir)
	require.NoError(t, err)
	l, err := NewStoreLedger(s)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, Tombstone{EntityID: "cart-1", Marker: 1}))
	require.NoError(t, s.Close())

	s, err = store.NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()
	l, err = NewStoreLedger(s)
	require.NoError(t, err)

	deleted, err := l.IsDeleted(ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, deleted)
}
