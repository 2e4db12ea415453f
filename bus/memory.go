package bus

import (
	"context"
	"encoding/json"
	"sync"

	"golemmarket/crypto"
	"golemmarket/market/errkind"
)

// Network is a shared in-process switchboard that MemoryBus instances attach
// to. Tests construct one Network and a MemoryBus per simulated node, giving
// the same bind/call/broadcast/subscribe semantics real nodes see without a
// socket — this is the harness SPEC_FULL §A's multi-node scenario tests
// (three-node gossip convergence, partitioned unsubscribe propagation) run
// against.
type Network struct {
	mu    sync.RWMutex
	nodes map[crypto.NodeID]*MemoryBus
}

// NewNetwork creates an empty switchboard.
func NewNetwork() *Network {
	return &Network{nodes: make(map[crypto.NodeID]*MemoryBus)}
}

// NewBus attaches a new node to the network and returns its Bus handle.
func (n *Network) NewBus(node crypto.NodeID) *MemoryBus {
	b := &MemoryBus{
		network: n,
		node:    node,
		binds:   make(map[Address]Handler),
		subs:    make(map[Address][]*subscription),
	}
	n.mu.Lock()
	n.nodes[node] = b
	n.mu.Unlock()
	return b
}

// Partition disconnects a from b in both directions, simulating a
// network split: calls and broadcasts between them are dropped as
// unreachable until Heal is called. Used by the unsubscribe-through-partition
// scenario.
func (n *Network) Partition(a, b crypto.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if bus, ok := n.nodes[a]; ok {
		bus.partitioned(b, true)
	}
	if bus, ok := n.nodes[b]; ok {
		bus.partitioned(a, true)
	}
}

// Heal reconnects a and b after a prior Partition.
func (n *Network) Heal(a, b crypto.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if bus, ok := n.nodes[a]; ok {
		bus.partitioned(b, false)
	}
	if bus, ok := n.nodes[b]; ok {
		bus.partitioned(a, false)
	}
}

func (n *Network) lookup(node crypto.NodeID) (*MemoryBus, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	b, ok := n.nodes[node]
	return b, ok
}

func (n *Network) peers() []*MemoryBus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryBus, 0, len(n.nodes))
	for _, b := range n.nodes {
		out = append(out, b)
	}
	return out
}

type subscription struct {
	id      uint64
	handler TopicHandler
}

// MemoryBus is an in-process Bus implementation attached to a Network.
type MemoryBus struct {
	network *Network
	node    crypto.NodeID

	mu       sync.RWMutex
	binds    map[Address]Handler
	subs     map[Address][]*subscription
	cut      map[crypto.NodeID]bool
	nextSubID uint64
	closed   bool
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) partitioned(peer crypto.NodeID, cut bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cut == nil {
		b.cut = make(map[crypto.NodeID]bool)
	}
	if cut {
		b.cut[peer] = true
	} else {
		delete(b.cut, peer)
	}
}

func (b *MemoryBus) isCutFrom(peer crypto.NodeID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cut[peer]
}

// Bind implements Bus.
func (b *MemoryBus) Bind(addr Address, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds[addr] = handler
	return nil
}

// Call implements Bus.
func (b *MemoryBus) Call(ctx context.Context, to crypto.NodeID, addr Address, payload any) (json.RawMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	peer, ok := b.network.lookup(to)
	if !ok || peer.isCutFrom(b.node) || b.isCutFrom(to) {
		return nil, errPeerUnreachable
	}
	peer.mu.RLock()
	handler, bound := peer.binds[addr]
	closed := peer.closed
	peer.mu.RUnlock()
	if closed {
		return nil, errPeerUnreachable
	}
	if !bound {
		return nil, errNotBound
	}

	ctx, cancel := callTimeout(ctx)
	defer cancel()

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := handler(ctx, Envelope{From: b.node, To: to, Addr: addr, Payload: raw})
		done <- result{reply, err}
	}()
	select {
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.Transport, errkind.CodeTimeout, ctx.Err(), "bus: call to "+string(addr)+" timed out")
	case r := <-done:
		return r.reply, r.err
	}
}

// Broadcast implements Bus.
func (b *MemoryBus) Broadcast(ctx context.Context, topic Address, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	for _, peer := range b.network.peers() {
		if peer.node == b.node {
			continue
		}
		if peer.isCutFrom(b.node) || b.isCutFrom(peer.node) {
			continue
		}
		peer.mu.RLock()
		handlers := append([]*subscription(nil), peer.subs[topic]...)
		peer.mu.RUnlock()
		for _, sub := range handlers {
			go sub.handler(b.node, topic, raw)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(topic Address, handler TopicHandler) (Unsubscribe, error) {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	sub := &subscription{id: id, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}, nil
}

// Close implements Bus. A closed MemoryBus no longer receives calls or
// broadcasts, but remains registered in the network so Call correctly
// reports it unreachable rather than unknown.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.binds = make(map[Address]Handler)
	b.subs = make(map[Address][]*subscription)
	return nil
}
