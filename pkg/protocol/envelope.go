package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownKind is returned when an envelope carries an unsupported tag.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// Envelope is the tagged wire form of a Message.
type Envelope struct {
	Kind Kind `msgpack:"k"`
	// From names the sending node, when known.
	From string             `msgpack:"f,omitempty"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// Wrap encodes msg into an envelope.
func Wrap(from string, msg Message) (Envelope, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s: %w", msg.Kind(), err)
	}
	return Envelope{Kind: msg.Kind(), From: from, Body: body}, nil
}

// Open decodes the message carried by e.
func (e Envelope) Open() (Message, error) {
	var (
		msg Message
		err error
	)
	switch e.Kind {
	case KindInit:
		msg, err = decode[Init](e.Body)
	case KindInitReply:
		msg, err = decode[InitReply](e.Body)
	case KindCommand:
		msg, err = decode[Command](e.Body)
	case KindCommandResult:
		msg, err = decode[CommandResult](e.Body)
	case KindDeltaUpdate:
		msg, err = decode[DeltaUpdate](e.Body)
	case KindStateSnapshot:
		msg, err = decode[StateSnapshot](e.Body)
	case KindDeleted:
		msg, err = decode[Deleted](e.Body)
	case KindSyncRequest:
		msg, err = decode[SyncRequest](e.Body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", e.Kind, err)
	}
	return msg, nil
}

func decode[T Message](body []byte) (Message, error) {
	var m T
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(e Envelope) ([]byte, error) {
	return msgpack.Marshal(&e)
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return e, nil
}

// Encode wraps msg and marshals the envelope in one step.
func Encode(from string, msg Message) ([]byte, error) {
	e, err := Wrap(from, msg)
	if err != nil {
		return nil, err
	}
	return Marshal(e)
}

// Decode unmarshals an envelope and opens its message.
func Decode(data []byte) (Envelope, Message, error) {
	e, err := Unmarshal(data)
	if err != nil {
		return Envelope{}, nil, err
	}
	msg, err := e.Open()
	if err != nil {
		return e, nil, err
	}
	return e, msg, nil
}
