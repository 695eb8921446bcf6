// Package replication propagates entity changes between nodes and merges
// what peers send back.
//
// Outbound, a sealed change is queued and sent to every peer from the
// engine's own goroutine: as a delta when the peer is known to hold the
// entity and the delta is smaller than the full value, and as a full snapshot
// otherwise. A failed send forgets what the peer holds, so the next change
// repairs it with a snapshot. Inbound, deltas and snapshots
// are merged; an uncreated entity is bootstrapped and a tombstoned one drops
// the message. Merge is idempotent and order-insensitive, so duplicated or
// reordered traffic converges.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/entity"
	"github.com/mgudmund/cloudstate/pkg/logging"
	"github.com/mgudmund/cloudstate/pkg/protocol"
	"github.com/mgudmund/cloudstate/pkg/tombstone"
)

// ErrUnexpectedMessage is returned for envelopes that are not replication
// traffic.
var ErrUnexpectedMessage = errors.New("replication: unexpected message")

const (
	defaultSendTimeout = 5 * time.Second
	maxParallelSends   = 16
)

// Engine replicates the entities of one Table. It implements
// entity.Replicator and Receiver.
type Engine struct {
	name      string
	table     *entity.Table
	ledger    tombstone.Ledger
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration

	outbox *outbox

	mu    sync.Mutex
	known map[string]map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the name peers use to reach this node. It is sent with every
// envelope so that receivers can answer sync requests.
func WithName(name string) Option {
	return func(e *Engine) {
		e.name = name
	}
}

// WithSendTimeout bounds each send to a peer.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine for table sending through transport.
func New(table *entity.Table, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		name:      table.Replica().ID,
		table:     table,
		ledger:    table.Ledger(),
		transport: transport,
		timeout:   defaultSendTimeout,
		known:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Component(e.logger, "replication")
	e.outbox = newOutbox()
	return e
}

func (e *Engine) Name() string { return e.name }

// Flush waits until every change published before the call has been sent,
// or has failed, to every peer.
func (e *Engine) Flush(ctx context.Context) error {
	return e.outbox.flush(ctx)
}

// Close sends what is still queued and stops the outbound goroutine.
func (e *Engine) Close(ctx context.Context) error {
	return e.outbox.close(ctx)
}

// PublishDelta queues a sealed change for every peer. Only encoding and
// shutdown errors are returned; send failures are logged and repaired later.
func (e *Engine) PublishDelta(ctx context.Context, id string, version uint64, delta, full crdt.Value) error {
	fullBytes, err := crdt.Encode(full)
	if err != nil {
		return fmt.Errorf("encode %q: %w", id, err)
	}
	var deltaBytes []byte
	if delta != nil {
		if deltaBytes, err = crdt.Encode(delta); err != nil {
			return fmt.Errorf("encode delta %q: %w", id, err)
		}
	}
	// Deltas smaller than the state are preferred; otherwise the state is as
	// cheap and also repairs anything the peer missed.
	deltaUseful := delta != nil && len(deltaBytes) < len(fullBytes)

	ctx = context.WithoutCancel(ctx)
	return e.outbox.push(func() {
		if err := e.sendVersion(ctx, id, version, deltaUseful, deltaBytes, fullBytes); err != nil {
			e.logger.Warn("publishing delta failed", slog.String("entity_id", id), slog.Uint64("version", version), slog.Any("error", err))
		}
	})
}

func (e *Engine) sendVersion(ctx context.Context, id string, version uint64, deltaUseful bool, deltaBytes, fullBytes []byte) error {
	replicaID := e.table.Replica().ID
	return e.fanout(func(peer string) error {
		if deltaUseful && e.holds(peer, id) {
			payloadBytes.WithLabelValues(protocol.KindDeltaUpdate.String()).Observe(float64(len(deltaBytes)))
			err := e.send(ctx, peer, protocol.DeltaUpdate{
				EntityID:  id,
				Version:   version,
				Delta:     deltaBytes,
				ReplicaID: replicaID,
			})
			if err != nil {
				e.forget(peer, id)
			}
			return err
		}

		payloadBytes.WithLabelValues(protocol.KindStateSnapshot.String()).Observe(float64(len(fullBytes)))
		err := e.send(ctx, peer, protocol.StateSnapshot{
			EntityID:  id,
			Version:   version,
			State:     fullBytes,
			ReplicaID: replicaID,
		})
		if err != nil {
			e.forget(peer, id)
			return err
		}
		e.remember(peer, id)
		return nil
	})
}

// PublishDeleted queues a tombstone for every peer.
func (e *Engine) PublishDeleted(ctx context.Context, ts tombstone.Tombstone) error {
	msg := protocol.Deleted{EntityID: ts.EntityID, Marker: ts.Marker, ReplicaID: ts.ReplicaID}
	ctx = context.WithoutCancel(ctx)
	return e.outbox.push(func() {
		err := e.fanout(func(peer string) error {
			e.forget(peer, ts.EntityID)
			return e.send(ctx, peer, msg)
		})
		if err != nil {
			e.logger.Warn("publishing delete failed", slog.String("entity_id", ts.EntityID), slog.Any("error", err))
		}
	})
}

// RequestSync asks every peer for a full reconciliation. A node that starts
// without prior state calls it once.
func (e *Engine) RequestSync(ctx context.Context) error {
	msg := protocol.SyncRequest{From: e.name, ReplicaID: e.table.Replica().ID}
	return e.fanout(func(peer string) error {
		return e.send(ctx, peer, msg)
	})
}

// Reconcile sends the full state of every live entity and every tombstone to
// peer.
func (e *Engine) Reconcile(ctx context.Context, peer string) error {
	if peer == "" {
		return errors.New("replication: reconcile needs a peer name")
	}
	e.mu.Lock()
	delete(e.known, peer)
	e.mu.Unlock()

	replicaID := e.table.Replica().ID
	var errs []error
	sent := 0
	for _, ent := range e.table.Entities() {
		v, version, deleted := ent.Snapshot()
		if deleted || v == nil {
			continue
		}
		state, err := crdt.Encode(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %q: %w", ent.ID(), err))
			continue
		}
		err = e.send(ctx, peer, protocol.StateSnapshot{
			EntityID:  ent.ID(),
			Version:   version,
			State:     state,
			ReplicaID: replicaID,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.remember(peer, ent.ID())
		sent++
	}

	tombs, err := e.ledger.List(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list tombstones: %w", err))
	}
	for _, ts := range tombs {
		msg := protocol.Deleted{EntityID: ts.EntityID, Marker: ts.Marker, ReplicaID: ts.ReplicaID}
		if err := e.send(ctx, peer, msg); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info("reconciled peer",
		slog.String("peer", peer),
		slog.Int("snapshots", sent),
		slog.Int("tombstones", len(tombs)),
		slog.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// Handle applies one inbound envelope. A bad message affects only itself.
func (e *Engine) Handle(ctx context.Context, env protocol.Envelope) error {
	msg, err := env.Open()
	if err != nil {
		messagesReceived.WithLabelValues(env.Kind.String(), "error").Inc()
		deltasDropped.WithLabelValues("invalid").Inc()
		e.logger.Warn("dropping undecodable message",
			slog.String("kind", env.Kind.String()),
			slog.String("from", env.From),
			slog.Any("error", err),
		)
		return err
	}

	switch m := msg.(type) {
	case protocol.DeltaUpdate:
		return e.HandleDelta(ctx, env.From, m)
	case protocol.StateSnapshot:
		return e.HandleSnapshot(ctx, env.From, m)
	case protocol.Deleted:
		return e.HandleDeleted(ctx, m)
	case protocol.SyncRequest:
		messagesReceived.WithLabelValues(protocol.KindSyncRequest.String(), "applied").Inc()
		return e.Reconcile(ctx, m.From)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, env.Kind)
	}
}

// HandleDelta merges a delta from peer.
func (e *Engine) HandleDelta(ctx context.Context, from string, m protocol.DeltaUpdate) error {
	return e.merge(ctx, from, protocol.KindDeltaUpdate, m.EntityID, m.Delta)
}

// HandleSnapshot merges a full state from peer.
func (e *Engine) HandleSnapshot(ctx context.Context, from string, m protocol.StateSnapshot) error {
	return e.merge(ctx, from, protocol.KindStateSnapshot, m.EntityID, m.State)
}

func (e *Engine) merge(ctx context.Context, from string, kind protocol.Kind, id string, payload []byte) error {
	label := kind.String()
	if id == "" {
		messagesReceived.WithLabelValues(label, "error").Inc()
		return fmt.Errorf("replication: %s without entity id", label)
	}

	gone, err := e.ledger.IsDeleted(ctx, id)
	if err != nil {
		messagesReceived.WithLabelValues(label, "error").Inc()
		return fmt.Errorf("check tombstone %q: %w", id, err)
	}
	if gone {
		e.dropped(label, "tombstoned")
		return nil
	}

	v, err := crdt.Decode(payload, e.table.Replica())
	if err != nil {
		e.dropped(label, "invalid")
		e.logger.Warn("dropping undecodable payload",
			slog.String("entity_id", id),
			slog.String("from", from),
			slog.Any("error", err),
		)
		return err
	}

	ent, err := e.table.Get(ctx, id)
	if err != nil {
		messagesReceived.WithLabelValues(label, "error").Inc()
		return err
	}
	bootstrap := !ent.Created()
	applied, err := ent.ApplyRemote(v)
	switch {
	case errors.Is(err, crdt.ErrUnmergeable):
		e.dropped(label, "unmergeable")
		e.logger.Warn("dropping unmergeable delta",
			slog.String("entity_id", id),
			slog.String("from", from),
			slog.Any("error", err),
		)
		return err
	case err != nil:
		messagesReceived.WithLabelValues(label, "error").Inc()
		return err
	case !applied:
		e.dropped(label, "tombstoned")
		return nil
	}

	result := "applied"
	if bootstrap {
		result = "bootstrapped"
	}
	messagesReceived.WithLabelValues(label, result).Inc()

	if err := e.table.Persist(ctx, ent); err != nil {
		e.logger.Error("persisting replicated state failed", slog.String("entity_id", id), slog.Any("error", err))
	}
	if from != "" {
		e.remember(from, id)
	}
	return nil
}

// HandleDeleted records a replicated tombstone. Duplicates are no-ops.
func (e *Engine) HandleDeleted(ctx context.Context, m protocol.Deleted) error {
	if m.EntityID == "" {
		return errors.New("replication: deleted without entity id")
	}
	ent, changed, err := e.table.Finalize(ctx, tombstone.Tombstone{
		EntityID:  m.EntityID,
		Marker:    m.Marker,
		ReplicaID: m.ReplicaID,
	})
	if err != nil {
		messagesReceived.WithLabelValues(protocol.KindDeleted.String(), "error").Inc()
		return err
	}
	if err := e.table.Persist(ctx, ent); err != nil {
		e.logger.Error("persisting replicated delete failed", slog.String("entity_id", m.EntityID), slog.Any("error", err))
	}

	e.mu.Lock()
	for _, ids := range e.known {
		delete(ids, m.EntityID)
	}
	e.mu.Unlock()

	result := "dropped"
	if changed {
		result = "applied"
		e.logger.Debug("entity deleted by peer", slog.String("entity_id", m.EntityID), slog.String("replica", m.ReplicaID))
	}
	messagesReceived.WithLabelValues(protocol.KindDeleted.String(), result).Inc()
	return nil
}

func (e *Engine) dropped(label, reason string) {
	messagesReceived.WithLabelValues(label, "dropped").Inc()
	deltasDropped.WithLabelValues(reason).Inc()
}

// fanout runs fn for every peer concurrently and joins the errors.
func (e *Engine) fanout(fn func(peer string) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxParallelSends)
	for _, peer := range e.transport.Peers() {
		g.Go(func() error {
			if err := fn(peer); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) send(ctx context.Context, peer string, msg protocol.Message) error {
	kind := msg.Kind().String()
	env, err := protocol.Wrap(e.name, msg)
	if err != nil {
		messagesSent.WithLabelValues(kind, "error").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.transport.Send(ctx, peer, env); err != nil {
		messagesSent.WithLabelValues(kind, "error").Inc()
		e.logger.Debug("send failed", slog.String("peer", peer), slog.String("kind", kind), slog.Any("error", err))
		return fmt.Errorf("send %s to %s: %w", kind, peer, err)
	}
	messagesSent.WithLabelValues(kind, "success").Inc()
	return nil
}

func (e *Engine) holds(peer, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.known[peer][id]
	return ok
}

func (e *Engine) remember(peer, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids, ok := e.known[peer]
	if !ok {
		ids = make(map[string]struct{})
		e.known[peer] = ids
	}
	ids[id] = struct{}{}
}

func (e *Engine) forget(peer, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.known[peer], id)
}
