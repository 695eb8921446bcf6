package entity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mgudmund/cloudstate/pkg/protocol"
)

type effectBatch struct {
	ctx     context.Context
	source  string
	effects []protocol.Effect
	// done, when set, receives the dispatch result.
	done chan<- error
}

// effectQueue hands effect batches to the dispatcher in submission order
// without ever blocking the submitting mailbox.
type effectQueue struct {
	dispatcher EffectDispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	pending []effectBatch
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newEffectQueue(d EffectDispatcher, logger *slog.Logger) *effectQueue {
	q := &effectQueue{
		dispatcher: d,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *effectQueue) push(b effectBatch) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("dropping effects after shutdown", slog.String("entity_id", b.source))
		if b.done != nil {
			b.done <- ErrRuntimeClosed
		}
		return
	}
	q.pending = append(q.pending, b)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *effectQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batches := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, b := range batches {
			err := q.dispatcher.Dispatch(b.ctx, b.source, b.effects)
			if b.done != nil {
				b.done <- err
			}
			if err != nil {
				effectsDispatched.WithLabelValues("error").Inc()
				q.logger.Warn("effect dispatch failed",
					slog.String("entity_id", b.source),
					slog.Int("effects", len(b.effects)),
					slog.Any("error", err),
				)
				continue
			}
			effectsDispatched.WithLabelValues("success").Inc()
		}

		if closed && len(batches) == 0 {
			return
		}
		if len(batches) == 0 {
			<-q.wake
		}
	}
}

// close stops accepting batches and waits until the queued ones are
// dispatched or ctx ends.
func (q *effectQueue) close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
