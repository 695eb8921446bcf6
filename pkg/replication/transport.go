package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mgudmund/cloudstate/pkg/protocol"
)

// ErrPeerUnreachable is returned by transports that cannot reach a peer.
var ErrPeerUnreachable = errors.New("replication: peer unreachable")

// Transport moves envelopes between nodes. Delivery is at least once at
// best; ordering and deduplication are not required.
type Transport interface {
	// Peers returns the names of the nodes to replicate to.
	Peers() []string

	Send(ctx context.Context, peer string, env protocol.Envelope) error
}

// Receiver consumes envelopes delivered by a transport.
type Receiver interface {
	Handle(ctx context.Context, env protocol.Envelope) error
}

// LoopbackHub connects engines in one process. Every envelope goes through
// the wire encoding so tests exercise the same bytes a network would carry.
type LoopbackHub struct {
	mu    sync.RWMutex
	nodes map[string]Receiver
	down  map[string]bool
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{
		nodes: make(map[string]Receiver),
		down:  make(map[string]bool),
	}
}

// Transport returns the transport used by the node called name.
func (h *LoopbackHub) Transport(name string) Transport {
	return &loopback{hub: h, self: name}
}

// Register attaches a receiver under name.
func (h *LoopbackHub) Register(name string, r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[name] = r
}

// SetDown makes name unreachable (true) or reachable again (false).
func (h *LoopbackHub) SetDown(name string, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[name] = down
}

type loopback struct {
	hub  *LoopbackHub
	self string
}

func (l *loopback) Peers() []string {
	l.hub.mu.RLock()
	defer l.hub.mu.RUnlock()
	peers := make([]string, 0, len(l.hub.nodes))
	for name := range l.hub.nodes {
		if name != l.self {
			peers = append(peers, name)
		}
	}
	slices.Sort(peers)
	return peers
}

func (l *loopback) Send(ctx context.Context, peer string, env protocol.Envelope) error {
	l.hub.mu.RLock()
	r, ok := l.hub.nodes[peer]
	down := l.hub.down[peer] || l.hub.down[l.self]
	l.hub.mu.RUnlock()
	if !ok || down {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peer)
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	wire, err := protocol.Unmarshal(data)
	if err != nil {
		return err
	}
	return r.Handle(ctx, wire)
}
