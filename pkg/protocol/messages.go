// Package protocol defines the transport-agnostic messages exchanged with an
// entity node: commands from clients and replication traffic between nodes.
//
// CRDT payloads travel as bytes produced by crdt.Encode; this package never
// looks inside them.
package protocol

// Kind tags a message inside an Envelope.
type Kind uint8

const (
	KindInit Kind = iota + 1
	KindInitReply
	KindCommand
	KindCommandResult
	KindDeltaUpdate
	KindStateSnapshot
	KindDeleted
	KindSyncRequest
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindInitReply:
		return "init_reply"
	case KindCommand:
		return "command"
	case KindCommandResult:
		return "command_result"
	case KindDeltaUpdate:
		return "delta_update"
	case KindStateSnapshot:
		return "state_snapshot"
	case KindDeleted:
		return "deleted"
	case KindSyncRequest:
		return "sync_request"
	default:
		return "unknown"
	}
}

// Message is implemented by every protocol message.
type Message interface {
	Kind() Kind
}

// Init establishes an entity worker.
type Init struct {
	EntityID string `msgpack:"id"`
}

// InitReply carries the entity's current state, if it was created locally.
type InitReply struct {
	EntityID string `msgpack:"id"`
	Version  uint64 `msgpack:"v"`
	// State is nil when the entity has no value.
	State   []byte `msgpack:"s,omitempty"`
	Deleted bool   `msgpack:"d,omitempty"`
}

// Command asks the entity to run the handler registered for Name.
type Command struct {
	EntityID  string `msgpack:"id"`
	CommandID int64  `msgpack:"cid"`
	Name      string `msgpack:"n"`
	Payload   []byte `msgpack:"p,omitempty"`
}

// ActionKind is the client-facing outcome of a command.
type ActionKind uint8

const (
	// ActionNone means the handler never resolved an action.
	ActionNone ActionKind = iota
	ActionReply
	ActionForward
	ActionNoReply
)

func (a ActionKind) String() string {
	switch a {
	case ActionReply:
		return "reply"
	case ActionForward:
		return "forward"
	case ActionNoReply:
		return "no_reply"
	default:
		return "none"
	}
}

// ClientAction is the terminal decision for a command. Target and Command
// are set for forwards only.
type ClientAction struct {
	Kind    ActionKind `msgpack:"k"`
	Payload []byte     `msgpack:"p,omitempty"`
	Target  string     `msgpack:"t,omitempty"`
	Command string     `msgpack:"c,omitempty"`
}

// Effect is a command sent to another entity once this command completes.
type Effect struct {
	Target      string `msgpack:"t"`
	Command     string `msgpack:"c"`
	Payload     []byte `msgpack:"p,omitempty"`
	Synchronous bool   `msgpack:"s,omitempty"`
}

// CommandResult is the outcome of a successful command. At most one of
// StateDelta, FullState and Deleted is set.
type CommandResult struct {
	EntityID   string       `msgpack:"id"`
	CommandID  int64        `msgpack:"cid"`
	Action     ClientAction `msgpack:"a"`
	Effects    []Effect     `msgpack:"e,omitempty"`
	Version    uint64       `msgpack:"v"`
	StateDelta []byte       `msgpack:"sd,omitempty"`
	FullState  []byte       `msgpack:"fs,omitempty"`
	Deleted    bool         `msgpack:"d,omitempty"`
}

// DeltaUpdate carries an incremental change between replicas.
type DeltaUpdate struct {
	EntityID  string `msgpack:"id"`
	Version   uint64 `msgpack:"v"`
	Delta     []byte `msgpack:"d"`
	ReplicaID string `msgpack:"r"`
}

// StateSnapshot carries a full value for reconciliation.
type StateSnapshot struct {
	EntityID  string `msgpack:"id"`
	Version   uint64 `msgpack:"v"`
	State     []byte `msgpack:"s"`
	ReplicaID string `msgpack:"r"`
}

// Deleted propagates a tombstone. Receiving it twice is harmless.
type Deleted struct {
	EntityID  string `msgpack:"id"`
	Marker    int64  `msgpack:"m"`
	ReplicaID string `msgpack:"r"`
}

// SyncRequest tells a peer that the sender holds no prior state and wants a
// full reconciliation. From is the name under which the receiver reaches the
// sender.
type SyncRequest struct {
	From      string `msgpack:"f"`
	ReplicaID string `msgpack:"r"`
}

func (Init) Kind() Kind          { return KindInit }
func (InitReply) Kind() Kind     { return KindInitReply }
func (Command) Kind() Kind       { return KindCommand }
func (CommandResult) Kind() Kind { return KindCommandResult }
func (DeltaUpdate) Kind() Kind   { return KindDeltaUpdate }
func (StateSnapshot) Kind() Kind { return KindStateSnapshot }
func (Deleted) Kind() Kind       { return KindDeleted }
func (SyncRequest) Kind() Kind   { return KindSyncRequest }
