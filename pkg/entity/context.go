package entity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mgudmund/cloudstate/pkg/crdt"
	"github.com/mgudmund/cloudstate/pkg/logging"
	"github.com/mgudmund/cloudstate/pkg/protocol"
)

// CommandContext scopes one command. Handlers read and mutate a working copy
// of the entity's value through it; the copy is folded into the entity only
// after the handler returns without error. A context is sealed when the
// handler returns and must not be kept.
type CommandContext struct {
	Factory

	commandID int64
	name      string

	effects []protocol.Effect
	action  *protocol.ClientAction
}

func newCommandContext(ctx context.Context, e *Entity, cmd protocol.Command, t *Table) *CommandContext {
	value, _, _ := e.Snapshot()
	return &CommandContext{
		Factory: Factory{
			ctx:      ctx,
			entityID: e.id,
			replica:  t.replica,
			ledger:   t.ledger,
			value:    value,
		},
		commandID: cmd.CommandID,
		name:      cmd.Name,
	}
}

func (c *CommandContext) CommandID() int64 { return c.commandID }

func (c *CommandContext) CommandName() string { return c.name }

func (c *CommandContext) EntityID() string { return c.entityID }

// Context returns the context the command runs under.
func (c *CommandContext) Context() context.Context { return c.ctx }

// Logger returns the runtime's logger tagged with the entity and command.
func (c *CommandContext) Logger() *slog.Logger { return logging.FromContext(c.ctx) }

// State returns the entity's value. It fails with ErrEntityDeleted after
// Delete and with ErrNotCreated before the value exists.
func (c *CommandContext) State() (crdt.Value, error) {
	switch {
	case c.sealed:
		return nil, ErrContextSealed
	case c.deleted:
		return nil, ErrEntityDeleted
	case c.value == nil:
		return nil, ErrNotCreated
	}
	return c.value, nil
}

// Effect records a command for another entity. Effects are dispatched in
// the order recorded, after the command completes with a resolved client
// action.
func (c *CommandContext) Effect(e protocol.Effect) error {
	if c.sealed {
		return ErrContextSealed
	}
	if e.Target == "" || e.Command == "" {
		return errors.New("entity: effect needs a target and a command")
	}
	c.effects = append(c.effects, e)
	return nil
}

// SideEffect records an asynchronous effect.
func (c *CommandContext) SideEffect(target, command string, payload []byte) error {
	return c.Effect(protocol.Effect{Target: target, Command: command, Payload: payload})
}

// SyncEffect records an effect the client's reply waits for.
func (c *CommandContext) SyncEffect(target, command string, payload []byte) error {
	return c.Effect(protocol.Effect{Target: target, Command: command, Payload: payload, Synchronous: true})
}

// Reply resolves the client action to a reply carrying payload.
func (c *CommandContext) Reply(payload []byte) error {
	return c.resolve(protocol.ClientAction{Kind: protocol.ActionReply, Payload: payload})
}

// Forward resolves the client action to a forward of the command to another
// entity.
func (c *CommandContext) Forward(target, command string, payload []byte) error {
	if target == "" || command == "" {
		return errors.New("entity: forward needs a target and a command")
	}
	return c.resolve(protocol.ClientAction{
		Kind:    protocol.ActionForward,
		Payload: payload,
		Target:  target,
		Command: command,
	})
}

// NoReply resolves the client action to an explicit empty reply.
func (c *CommandContext) NoReply() error {
	return c.resolve(protocol.ClientAction{Kind: protocol.ActionNoReply})
}

func (c *CommandContext) resolve(a protocol.ClientAction) error {
	if c.sealed {
		return ErrContextSealed
	}
	if c.action != nil {
		return ErrConflictingAction
	}
	c.action = &a
	return nil
}

// Delete deletes the entity when the command completes. The value and its
// pending changes are discarded and later access in this command fails with
// ErrEntityDeleted. Only an entity with a value can be deleted.
func (c *CommandContext) Delete() error {
	switch {
	case c.sealed:
		return ErrContextSealed
	case c.deleted:
		return ErrEntityDeleted
	case c.value == nil:
		return ErrNotCreated
	}
	c.deleted = true
	c.value = nil
	c.created = false
	return nil
}

func (c *CommandContext) seal() { c.sealed = true }

// clientAction returns the resolved action; ok is false when the handler
// never resolved one.
func (c *CommandContext) clientAction() (protocol.ClientAction, bool) {
	if c.action == nil {
		return protocol.ClientAction{Kind: protocol.ActionNone}, false
	}
	return *c.action, true
}
