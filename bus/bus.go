// Package bus defines the transport bus contract the core market consumes
// from its environment: bind/call/broadcast/subscribe over hierarchical
// addresses (see spec.md §6). The core itself never dials a socket; it only
// ever talks to a bus.Bus. Two concrete adapters are provided: an in-memory
// Network for tests and multi-node scenario harnesses, and a websocket
// adapter for real networking.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golemmarket/crypto"
	"golemmarket/market/errkind"
)

// Address is a hierarchical bus address such as "/public/negotiation/propose"
// or "/private/supervisor/watch". Addresses under /public/ are reachable from
// other nodes; addresses under /private/ are local-process only.
type Address string

// IsPublic reports whether addr is reachable from remote nodes.
func (a Address) IsPublic() bool {
	return strings.HasPrefix(string(a), "/public/")
}

// IsPrivate reports whether addr is local-process only.
func (a Address) IsPrivate() bool {
	return strings.HasPrefix(string(a), "/private/")
}

// DefaultCallTimeout is the protocol default applied when a caller does not
// supply a context deadline of its own (spec.md §6's "protocol default of
// 30s for peer scans").
const DefaultCallTimeout = 30 * time.Second

// Envelope is the payload a bound Handler receives for a point-to-point call.
type Envelope struct {
	From    crypto.NodeID
	To      crypto.NodeID
	Addr    Address
	Payload json.RawMessage
}

// Handler answers a bound address's incoming calls.
type Handler func(ctx context.Context, env Envelope) (json.RawMessage, error)

// TopicHandler receives broadcasts on a subscribed topic.
type TopicHandler func(from crypto.NodeID, topic Address, payload json.RawMessage)

// Unsubscribe removes a topic subscription previously registered by
// Bus.Subscribe.
type Unsubscribe func()

// Bus is the abstract transport contract spec.md §6 names: bind, call,
// broadcast, subscribe.
type Bus interface {
	// Bind registers handler as the responder for addr on this node. Binding
	// the same address twice replaces the previous handler.
	Bind(addr Address, handler Handler) error

	// Call sends payload to the node "to" at addr and waits for a reply or
	// ctx's deadline, whichever comes first. If ctx carries no deadline,
	// DefaultCallTimeout applies.
	Call(ctx context.Context, to crypto.NodeID, addr Address, payload any) (json.RawMessage, error)

	// Broadcast publishes payload to every current subscriber of topic.
	// Broadcast does not wait for subscribers to finish handling the
	// message; delivery is best-effort and unordered across peers.
	Broadcast(ctx context.Context, topic Address, payload any) error

	// Subscribe registers handler to receive every future Broadcast on
	// topic. The returned Unsubscribe removes the registration.
	Subscribe(topic Address, handler TopicHandler) (Unsubscribe, error)

	// Close releases any resources held by the bus (sockets, goroutines).
	Close() error
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, errkind.CodeMalformed, err, "bus: encode payload")
	}
	return data, nil
}

func callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}

var errNotBound = errkind.New(errkind.Transport, errkind.CodeNotBound, "bus: address not bound")
var errPeerUnreachable = errkind.New(errkind.Transport, errkind.CodeUnreachable, "bus: peer unreachable")
