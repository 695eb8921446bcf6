package entity

import (
	"context"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/protocol"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
)

// Handler runs one command against an entity.
type Handler func(cc *CommandContext, payload []byte) error

// Handlers maps command names to handlers.
type Handlers map[string]Handler

// Replicator propagates sealed changes to other replicas.
type Replicator interface {
	// PublishDelta announces a new version of an entity. delta is nil when
	// the value was just created; full is the complete value.
	PublishDelta(ctx context.Context, entityID string, version uint64, delta, full crdt.Value) error

	PublishDeleted(ctx context.Context, t tombstone.Tombstone) error
}

// EffectDispatcher delivers the effects of a completed command, in order.
type EffectDispatcher interface {
	Dispatch(ctx context.Context, source string, effects []protocol.Effect) error
}

// LocalDispatcher delivers effects as commands on a local runtime.
type LocalDispatcher struct {
	Runtime *Runtime
}

// dispatchingKey marks commands issued by a LocalDispatcher. They do not wait
// for their own synchronous effects, which queue behind the running batch.
type dispatchingKey struct{}

func dispatching(ctx context.Context) bool {
	_, ok := ctx.Value(dispatchingKey{}).(bool)
	return ok
}

func (d LocalDispatcher) Dispatch(ctx context.Context, _ string, effects []protocol.Effect) error {
	ctx = context.WithValue(ctx, dispatchingKey{}, true)
	for _, eff := range effects {
		_, err := d.Runtime.Handle(ctx, protocol.Command{
			EntityID:  eff.Target,
			CommandID: d.Runtime.nextCommandID(),
			Name:      eff.Command,
			Payload:   eff.Payload,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
