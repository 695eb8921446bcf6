package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyCreated is returned when a value is created for an entity that
	// already has one, including a value bootstrapped by replication.
	ErrAlreadyCreated = errors.New("entity: value already created")

	// ErrEntityDeleted is returned for any access to a deleted entity.
	ErrEntityDeleted = errors.New("entity: deleted")

	// ErrConflictingAction is returned when a command resolves its client
	// action twice.
	ErrConflictingAction = errors.New("entity: client action already set")

	// ErrNotCreated is returned when reading or deleting an entity that has
	// no value.
	ErrNotCreated = errors.New("entity: value not created")

	ErrUnknownCommand = errors.New("entity: unknown command")
	ErrContextSealed  = errors.New("entity: command context sealed")
	ErrRuntimeClosed  = errors.New("entity: runtime closed")
)

// CommandError reports a failed command. The entity's stored value is
// unchanged when a command fails.
type CommandError struct {
	EntityID  string
	CommandID int64
	Command   string
	Err       error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("entity %q command %s#%d: %v", e.EntityID, e.Command, e.CommandID, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// EffectError reports that the synchronous effects of a committed command
// could not be dispatched.
type EffectError struct {
	EntityID  string
	CommandID int64
	Err       error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("entity %q command #%d: synchronous effect: %v", e.EntityID, e.CommandID, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }
