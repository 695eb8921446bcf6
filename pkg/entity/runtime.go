// Package entity runs commands against CRDT entities.
//
// Every entity has a mailbox goroutine that executes its commands one at a
// time; commands for different entities run concurrently, bounded by a
// worker semaphore. A handler works on a copy of the entity's value through
// a CommandContext. When it returns the context is sealed: on success the
// change is merged into the entity, persisted and handed to the Replicator,
// on failure it is discarded along with the recorded effects.
//
//	rt := entity.NewRuntime(table, entity.Handlers{
//		"add": func(cc *entity.CommandContext, item []byte) error {
//			set, ok := cc.Current()
//			if !ok {
//				...
//			}
//			set.(*crdt.ORSet).Add(string(item))
//			return cc.NoReply()
//		},
//	}, entity.WithReplicator(engine))
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/logging"
	"github.com/mgudmund/cloudstate/pkg/protocol"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
)

const (
	defaultMailboxSize = 64
	defaultIdleTimeout = time.Minute
)

// Runtime executes commands for the entities of one Table.
type Runtime struct {
	table      *Table
	handlers   Handlers
	replicator Replicator
	dispatcher EffectDispatcher
	logger     *slog.Logger
	tracer     trace.Tracer

	workers     int64
	sem         *semaphore.Weighted
	mailboxSize int
	idleTimeout time.Duration

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
	quit      chan struct{}
	wg        sync.WaitGroup

	effects   *effectQueue
	commandID atomic.Int64
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithReplicator publishes sealed changes through rep.
func WithReplicator(rep Replicator) Option {
	return func(r *Runtime) {
		r.replicator = rep
	}
}

// WithEffectDispatcher delivers effects through d. Without one, effects are
// only returned in the CommandResult.
func WithEffectDispatcher(d EffectDispatcher) Option {
	return func(r *Runtime) {
		r.dispatcher = d
	}
}

// WithLocalEffects delivers effects as commands on the runtime itself.
func WithLocalEffects() Option {
	return func(r *Runtime) {
		r.dispatcher = LocalDispatcher{Runtime: r}
	}
}

// WithWorkers bounds the number of commands executing at once. n <= 0 keeps
// the default of runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.workers = int64(n)
		}
	}
}

// WithMailboxSize bounds the commands queued per entity.
func WithMailboxSize(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

// WithIdleTimeout sets how long an idle mailbox goroutine lives.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// NewRuntime creates a runtime dispatching commands to handlers.
func NewRuntime(table *Table, handlers Handlers, opts ...Option) *Runtime {
	r := &Runtime{
		table:       table,
		handlers:    handlers,
		workers:     int64(runtime.GOMAXPROCS(0)),
		mailboxSize: defaultMailboxSize,
		idleTimeout: defaultIdleTimeout,
		mailboxes:   make(map[string]*mailbox),
		quit:        make(chan struct{}),
		tracer:      otel.Tracer("github.com/mgudmund/cloudstate/pkg/entity"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "entity")
	r.sem = semaphore.NewWeighted(r.workers)
	if r.dispatcher != nil {
		r.effects = newEffectQueue(r.dispatcher, r.logger)
	}
	return r
}

func (r *Runtime) Table() *Table { return r.table }

func (r *Runtime) nextCommandID() int64 { return r.commandID.Add(1) }

// Init returns the entity's current state, or none.
func (r *Runtime) Init(ctx context.Context, id string) (*protocol.InitReply, error) {
	if id == "" {
		return nil, errors.New("entity: empty entity id")
	}
	e, err := r.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v, version, deleted := e.Snapshot()
	reply := &protocol.InitReply{EntityID: id, Version: version, Deleted: deleted}
	if v != nil {
		if reply.State, err = crdt.Encode(v); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// Handle queues cmd on its entity and waits for the result. When ctx ends
// first Handle returns ctx.Err(); a command that already started still
// seals. Command failures are returned as *CommandError. A command with
// synchronous effects returns once they are dispatched, or an *EffectError
// when dispatch fails; its change is committed either way.
func (r *Runtime) Handle(ctx context.Context, cmd protocol.Command) (*protocol.CommandResult, error) {
	if cmd.EntityID == "" {
		return nil, &CommandError{CommandID: cmd.CommandID, Command: cmd.Name, Err: errors.New("empty entity id")}
	}

	j := &job{ctx: ctx, cmd: cmd, done: make(chan outcome, 1)}
	if err := r.enqueue(j); err != nil {
		return nil, err
	}

	var out outcome
	select {
	case out = <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.err != nil || out.synced == nil || dispatching(ctx) {
		return out.result, out.err
	}

	// The reply is held until the synchronous effects have run.
	select {
	case err := <-out.synced:
		if err != nil {
			return nil, &EffectError{EntityID: cmd.EntityID, CommandID: cmd.CommandID, Err: err}
		}
		return out.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting commands, lets queued commands finish and flushes
// pending effects.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.quit)

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.effects != nil {
		return r.effects.close(ctx)
	}
	return nil
}

// execute runs cmd and returns its result. The channel is non-nil when the
// command recorded synchronous effects; it yields their dispatch error.
func (r *Runtime) execute(ctx context.Context, cmd protocol.Command) (*protocol.CommandResult, <-chan error, error) {
	ctx, span := r.tracer.Start(ctx, "entity.command",
		trace.WithAttributes(
			attribute.String("entity.id", cmd.EntityID),
			attribute.String("command.name", cmd.Name),
			attribute.Int64("command.id", cmd.CommandID),
		),
	)
	defer span.End()
	ctx = logging.WithLogger(ctx, r.logger.With(
		slog.String("entity_id", cmd.EntityID),
		slog.String("command", cmd.Name),
		slog.Int64("command_id", cmd.CommandID),
	))

	start := time.Now()
	res, synced, err := r.handle(ctx, cmd)
	commandDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		commandsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug("command failed",
			slog.String("entity_id", cmd.EntityID),
			slog.String("command", cmd.Name),
			slog.Int64("command_id", cmd.CommandID),
			slog.Any("error", err),
		)
		return nil, nil, &CommandError{EntityID: cmd.EntityID, CommandID: cmd.CommandID, Command: cmd.Name, Err: err}
	}
	commandsTotal.WithLabelValues("success").Inc()
	span.SetAttributes(attribute.String("command.action", res.Action.Kind.String()))
	return res, synced, nil
}

func (r *Runtime) handle(ctx context.Context, cmd protocol.Command) (*protocol.CommandResult, <-chan error, error) {
	h, ok := r.handlers[cmd.Name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}

	e, err := r.table.Get(ctx, cmd.EntityID)
	if err != nil {
		return nil, nil, err
	}
	if e.Deleted() {
		return nil, nil, ErrEntityDeleted
	}

	cc := newCommandContext(ctx, e, cmd, r.table)
	err = invoke(h, cc, cmd.Payload)
	cc.seal()
	if err != nil {
		return nil, nil, err
	}
	return r.commit(ctx, e, cc)
}

func invoke(h Handler, cc *CommandContext, payload []byte) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	return h(cc, payload)
}

// commit applies a successful command and releases its outputs.
func (r *Runtime) commit(ctx context.Context, e *Entity, cc *CommandContext) (*protocol.CommandResult, <-chan error, error) {
	action, resolved := cc.clientAction()
	res := &protocol.CommandResult{
		EntityID:  e.id,
		CommandID: cc.commandID,
		Action:    action,
	}

	switch {
	case cc.deleted:
		ts := tombstone.Tombstone{
			EntityID:  e.id,
			Marker:    r.table.replica.Clock.Now(),
			ReplicaID: r.table.replica.ID,
		}
		if _, _, err := r.table.Finalize(ctx, ts); err != nil {
			return nil, nil, err
		}
		entitiesDeleted.Inc()
		r.persist(ctx, e)
		res.Deleted = true
		res.Version = e.Version()
		if r.replicator != nil {
			if err := r.replicator.PublishDeleted(ctx, ts); err != nil {
				r.logger.Warn("publishing delete failed", slog.String("entity_id", e.id), slog.Any("error", err))
			}
		}

	case cc.created || (cc.value != nil && cc.value.HasDelta()):
		var created, delta crdt.Value
		if cc.created {
			created = cc.value
		} else {
			delta = cc.value.Delta()
		}
		full, version, err := e.commit(created, delta)
		if err != nil {
			return nil, nil, err
		}
		r.persist(ctx, e)
		res.Version = version
		if created != nil {
			res.FullState, err = crdt.Encode(full)
		} else {
			res.StateDelta, err = crdt.Encode(delta)
		}
		if err != nil {
			return nil, nil, err
		}
		if r.replicator != nil {
			if err := r.replicator.PublishDelta(ctx, e.id, version, delta, full); err != nil {
				r.logger.Warn("publishing delta failed", slog.String("entity_id", e.id), slog.Any("error", err))
			}
		}

	default:
		res.Version = e.Version()
	}

	// Effects are released only together with a resolved client action.
	var synced chan error
	if resolved && len(cc.effects) > 0 {
		res.Effects = cc.effects
		if r.effects != nil {
			b := effectBatch{ctx: ctx, source: e.id, effects: cc.effects}
			if slices.ContainsFunc(cc.effects, func(eff protocol.Effect) bool { return eff.Synchronous }) {
				synced = make(chan error, 1)
				b.done = synced
			}
			r.effects.push(b)
		}
	}
	if synced == nil {
		return res, nil, nil
	}
	return res, synced, nil
}

func (r *Runtime) persist(ctx context.Context, e *Entity) {
	if err := r.table.Persist(ctx, e); err != nil {
		r.logger.Error("persisting entity failed", slog.String("entity_id", e.id), slog.Any("error", err))
	}
}
