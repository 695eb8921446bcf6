package entity

import (
	"context"
	"errors"
	"time"

	"github.com/mgudmund/cloudstate/pkg/protocol"
)

// ErrMailboxFull is returned when an entity already has the maximum number
// of queued commands.
var ErrMailboxFull = errors.New("entity: mailbox full")

type outcome struct {
	result *protocol.CommandResult
	synced <-chan error
	err    error
}

type job struct {
	ctx  context.Context
	cmd  protocol.Command
	done chan outcome
}

// mailbox serializes the commands of one entity. Its queue is guarded by
// Runtime.mu.
type mailbox struct {
	id    string
	queue []*job
	wake  chan struct{}
}

func (mb *mailbox) signal() {
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

// Mailboxes returns the number of entities with a running mailbox.
func (r *Runtime) Mailboxes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mailboxes)
}

// enqueue adds j to the entity's mailbox, starting the mailbox goroutine if
// needed.
func (r *Runtime) enqueue(j *job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRuntimeClosed
	}
	mb, ok := r.mailboxes[j.cmd.EntityID]
	if !ok {
		mb = &mailbox{id: j.cmd.EntityID, wake: make(chan struct{}, 1)}
		r.mailboxes[mb.id] = mb
		mailboxesActive.Inc()
		r.wg.Add(1)
		go r.serve(mb)
	}
	if len(mb.queue) >= r.mailboxSize {
		return ErrMailboxFull
	}
	mb.queue = append(mb.queue, j)
	mb.signal()
	return nil
}

// next pops the next job. When the queue is empty and the runtime is closed
// or exit is set, the mailbox is removed and ok is false.
func (r *Runtime) next(mb *mailbox, exit bool) (j *job, ok, stop bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(mb.queue) > 0 {
		j = mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		return j, true, false
	}
	if r.closed || exit {
		delete(r.mailboxes, mb.id)
		mailboxesActive.Dec()
		return nil, false, true
	}
	return nil, false, false
}

// serve is the single writer of one entity.
func (r *Runtime) serve(mb *mailbox) {
	defer r.wg.Done()

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	exit := false
	for {
		j, ok, stop := r.next(mb, exit)
		if stop {
			return
		}
		if ok {
			exit = false
			r.run(j)
			continue
		}

		idle.Reset(r.idleTimeout)
		select {
		case <-mb.wake:
		case <-r.quit:
		case <-idle.C:
			exit = true
		}
	}
}

func (r *Runtime) run(j *job) {
	// A command whose caller gave up before it started never reaches the
	// handler. Once started it always seals.
	if err := j.ctx.Err(); err != nil {
		j.done <- outcome{err: err}
		return
	}

	_ = r.sem.Acquire(context.Background(), 1)
	defer r.sem.Release(1)

	res, synced, err := r.execute(context.WithoutCancel(j.ctx), j.cmd)
	j.done <- outcome{result: res, synced: synced, err: err}
}
