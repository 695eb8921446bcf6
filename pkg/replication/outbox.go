package replication

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when publishing through a closed engine.
var ErrClosed = errors.New("replication: engine closed")

// outbox runs outbound sends on one goroutine in submission order, so a slow
// peer delays replication but never the command that produced the change.
type outbox struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newOutbox() *outbox {
	o := &outbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *outbox) push(job func()) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.pending = append(o.pending, job)
	outboxDepth.Set(float64(len(o.pending)))
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) loop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		jobs := o.pending
		o.pending = nil
		closed := o.closed
		o.mu.Unlock()

		for i, job := range jobs {
			job()
			outboxDepth.Set(float64(o.depth() + len(jobs) - i - 1))
		}

		if closed && len(jobs) == 0 {
			return
		}
		if len(jobs) == 0 {
			<-o.wake
		}
	}
}

func (o *outbox) depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// flush waits until every job queued before the call has run.
func (o *outbox) flush(ctx context.Context) error {
	reached := make(chan struct{})
	if err := o.push(func() { close(reached) }); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting jobs and waits until the queued ones have run or ctx
// ends.
func (o *outbox) close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
