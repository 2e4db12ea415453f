package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"golemmarket/crypto"
	"golemmarket/market/errkind"
)

var requestSeq atomic.Uint64

func nextRequestSeq() uint64 {
	return requestSeq.Add(1)
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

const (
	wsWriteTimeout  = 10 * time.Second
	wsHandshakeWait = 10 * time.Second
	wsOutboundDepth = 256
)

type frameKind string

const (
	frameHello     frameKind = "hello"
	frameCall      frameKind = "call"
	frameReply     frameKind = "reply"
	frameBroadcast frameKind = "broadcast"
)

// wireFrame is the single JSON envelope every websocket bus connection
// exchanges, the same "one struct, multiple kinds" framing p2p/server.go
// uses for its gossip messages rather than separate message types per
// primitive.
type wireFrame struct {
	Kind    frameKind       `json:"kind"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	Addr    Address         `json:"addr,omitempty"`
	Topic   Address         `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *errkind.Wire   `json:"error,omitempty"`
	Nonce   string          `json:"nonce,omitempty"`
	Sig     []byte          `json:"sig,omitempty"`
}

type wsPeer struct {
	node     crypto.NodeID
	conn     *websocket.Conn
	outbound chan wireFrame
	ctx      context.Context
	cancel   context.CancelFunc
	closeOne sync.Once
}

func (p *wsPeer) enqueue(f wireFrame) error {
	select {
	case p.outbound <- f:
		return nil
	default:
		return errkind.TransportError(errkind.CodeUnreachable, "bus: outbound queue full for peer %s", p.node)
	}
}

func (p *wsPeer) close() {
	p.closeOne.Do(func() {
		p.cancel()
		_ = p.conn.Close(websocket.StatusNormalClosure, "bus closed")
	})
}

// WebSocketBus is the real-networking Bus adapter: one long-lived websocket
// connection per peer, JSON-framed, grounded on p2p/server.go's Peer
// lifecycle (per-peer outbound channel, reader/writer goroutine pair) and
// rpc/ws.go's use of nhooyr.io/websocket for framing.
type WebSocketBus struct {
	self    crypto.NodeID
	priv    *crypto.PrivateKey
	server  *http.Server

	mu      sync.RWMutex
	binds   map[Address]Handler
	subs    map[Address][]*subscription
	peers   map[crypto.NodeID]*wsPeer
	pending map[string]chan wireFrame
	nextSub uint64
	closed  bool
}

var _ Bus = (*WebSocketBus)(nil)

// NewWebSocketBus constructs a bus bound to the given node identity. Callers
// must still invoke Listen (to accept inbound peers) and/or Connect (to dial
// outbound ones) before Call/Broadcast can reach anyone.
func NewWebSocketBus(self crypto.NodeID, priv *crypto.PrivateKey) *WebSocketBus {
	return &WebSocketBus{
		self:    self,
		priv:    priv,
		binds:   make(map[Address]Handler),
		subs:    make(map[Address][]*subscription),
		peers:   make(map[crypto.NodeID]*wsPeer),
		pending: make(map[string]chan wireFrame),
	}
}

// Listen starts accepting inbound peer connections at listenAddr, serving a
// single websocket endpoint at "/bus".
func (b *WebSocketBus) Listen(listenAddr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/bus", b.acceptPeer)
	b.server = &http.Server{Addr: listenAddr, Handler: mux}
	ln, err := newListener(listenAddr)
	if err != nil {
		return errkind.Wrap(errkind.Transport, errkind.CodeUnreachable, err, "bus: listen")
	}
	go func() {
		_ = b.server.Serve(ln)
	}()
	return nil
}

func (b *WebSocketBus) acceptPeer(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), wsHandshakeWait)
	peerNode, err := b.awaitHello(ctx, conn)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad handshake")
		return
	}
	if err := b.sendHello(r.Context(), conn); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake reply failed")
		return
	}
	b.registerPeer(peerNode, conn)
}

// Connect dials a remote bus endpoint and performs the identity handshake.
func (b *WebSocketBus) Connect(ctx context.Context, url string, expect crypto.NodeID) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return errkind.Wrap(errkind.Transport, errkind.CodeUnreachable, err, "bus: dial "+url)
	}
	if err := b.sendHello(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return err
	}
	hsCtx, cancel := context.WithTimeout(ctx, wsHandshakeWait)
	peerNode, err := b.awaitHello(hsCtx, conn)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad handshake")
		return err
	}
	if peerNode != expect {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected peer identity")
		return errkind.TransportError(errkind.CodeUnreachable, "bus: dialed %s, got identity %s", expect, peerNode)
	}
	b.registerPeer(peerNode, conn)
	return nil
}

func (b *WebSocketBus) sendHello(ctx context.Context, conn *websocket.Conn) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return errkind.InternalError(err, "bus: generate handshake nonce")
	}
	nonceHex := hex.EncodeToString(nonce)
	sig, err := b.priv.Sign([]byte(nonceHex))
	if err != nil {
		return errkind.InternalError(err, "bus: sign handshake")
	}
	frame := wireFrame{Kind: frameHello, From: b.self.String(), Nonce: nonceHex, Sig: sig}
	data, err := json.Marshal(frame)
	if err != nil {
		return errkind.InternalError(err, "bus: encode handshake")
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (b *WebSocketBus) awaitHello(ctx context.Context, conn *websocket.Conn) (crypto.NodeID, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return crypto.NodeID{}, errkind.Wrap(errkind.Transport, errkind.CodeUnreachable, err, "bus: read handshake")
	}
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return crypto.NodeID{}, errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "bus: decode handshake")
	}
	if frame.Kind != frameHello {
		return crypto.NodeID{}, errkind.ValidationError(errkind.CodeMalformed, "bus: expected hello frame, got %s", frame.Kind)
	}
	peerNode, err := crypto.ParseNodeID(frame.From)
	if err != nil {
		return crypto.NodeID{}, errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "bus: bad handshake identity")
	}
	ok, err := crypto.Verify(peerNode, []byte(frame.Nonce), frame.Sig)
	if err != nil || !ok {
		return crypto.NodeID{}, errkind.ValidationError(errkind.CodeMalformed, "bus: handshake signature invalid for %s", peerNode)
	}
	return peerNode, nil
}

func (b *WebSocketBus) registerPeer(node crypto.NodeID, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	peer := &wsPeer{node: node, conn: conn, outbound: make(chan wireFrame, wsOutboundDepth), ctx: ctx, cancel: cancel}

	b.mu.Lock()
	if existing, ok := b.peers[node]; ok {
		existing.close()
	}
	b.peers[node] = peer
	b.mu.Unlock()

	go b.readLoop(peer)
	go b.writeLoop(peer)
}

func (b *WebSocketBus) readLoop(peer *wsPeer) {
	defer func() {
		peer.close()
		b.mu.Lock()
		if b.peers[peer.node] == peer {
			delete(b.peers, peer.node)
		}
		b.mu.Unlock()
	}()
	for {
		_, data, err := peer.conn.Read(peer.ctx)
		if err != nil {
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		b.dispatch(peer, frame)
	}
}

func (b *WebSocketBus) dispatch(peer *wsPeer, frame wireFrame) {
	switch frame.Kind {
	case frameCall:
		b.serveCall(peer, frame)
	case frameReply:
		b.mu.RLock()
		ch, ok := b.pending[frame.ID]
		b.mu.RUnlock()
		if ok {
			select {
			case ch <- frame:
			default:
			}
		}
	case frameBroadcast:
		b.mu.RLock()
		handlers := append([]*subscription(nil), b.subs[frame.Topic]...)
		b.mu.RUnlock()
		for _, sub := range handlers {
			go sub.handler(peer.node, frame.Topic, frame.Payload)
		}
	}
}

func (b *WebSocketBus) serveCall(peer *wsPeer, frame wireFrame) {
	b.mu.RLock()
	handler, bound := b.binds[frame.Addr]
	b.mu.RUnlock()

	reply := wireFrame{Kind: frameReply, ID: frame.ID}
	if !bound {
		wire := errNotBound.ToWire()
		reply.Error = &wire
	} else {
		ctx, cancel := context.WithTimeout(peer.ctx, DefaultCallTimeout)
		result, err := handler(ctx, Envelope{From: peer.node, To: b.self, Addr: frame.Addr, Payload: frame.Payload})
		cancel()
		if err != nil {
			var typed *errkind.Error
			if e, ok := err.(*errkind.Error); ok {
				typed = e
			} else {
				typed = errkind.InternalError(err, "%s", err.Error())
			}
			wire := typed.ToWire()
			reply.Error = &wire
		} else {
			reply.Payload = result
		}
	}
	_ = peer.enqueue(reply)
}

func (b *WebSocketBus) writeLoop(peer *wsPeer) {
	for {
		select {
		case <-peer.ctx.Done():
			return
		case frame := <-peer.outbound:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(peer.ctx, wsWriteTimeout)
			err = peer.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				peer.close()
				return
			}
		}
	}
}

// Bind implements Bus.
func (b *WebSocketBus) Bind(addr Address, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds[addr] = handler
	return nil
}

// Call implements Bus.
func (b *WebSocketBus) Call(ctx context.Context, to crypto.NodeID, addr Address, payload any) (json.RawMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	peer, ok := b.peers[to]
	b.mu.RUnlock()
	if !ok {
		return nil, errPeerUnreachable
	}

	id := fmt.Sprintf("%s-%d", b.self.String(), nextRequestSeq())
	replyCh := make(chan wireFrame, 1)
	b.mu.Lock()
	b.pending[id] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := peer.enqueue(wireFrame{Kind: frameCall, ID: id, From: b.self.String(), Addr: addr, Payload: raw}); err != nil {
		return nil, err
	}

	ctx, cancel := callTimeout(ctx)
	defer cancel()
	select {
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.Transport, errkind.CodeTimeout, ctx.Err(), "bus: call to "+string(addr)+" timed out")
	case frame := <-replyCh:
		if frame.Error != nil {
			return nil, errkind.FromWire(*frame.Error)
		}
		return frame.Payload, nil
	}
}

// Broadcast implements Bus.
func (b *WebSocketBus) Broadcast(ctx context.Context, topic Address, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	frame := wireFrame{Kind: frameBroadcast, From: b.self.String(), Topic: topic, Payload: raw}
	b.mu.RLock()
	peers := make([]*wsPeer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()
	for _, peer := range peers {
		_ = peer.enqueue(frame)
	}
	return nil
}

// Subscribe implements Bus.
func (b *WebSocketBus) Subscribe(topic Address, handler TopicHandler) (Unsubscribe, error) {
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[topic] = append(b.subs[topic], &subscription{id: id, handler: handler})
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

// Close implements Bus, tearing down every peer connection and the listener.
func (b *WebSocketBus) Close() error {
	b.mu.Lock()
	b.closed = true
	peers := make([]*wsPeer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[crypto.NodeID]*wsPeer)
	b.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}
