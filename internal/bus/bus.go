// Package bus maintains one logical duplex channel per connected agent
// and routes inbound messages to type-keyed handlers.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// AgentKind distinguishes the two edge-agent roles.
type AgentKind string

const (
	Newt AgentKind = "newt"
	Olm  AgentKind = "olm"
)

// SendResult reports the outcome of a non-blocking Send.
type SendResult string

const (
	SendOK      SendResult = "ok"
	SendDropped SendResult = "dropped"
)

// Message is the envelope exchanged with agents: {type, data}.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler processes one inbound message. agentId and agentKind identify
// the sender; payload is the message's `data` field, still undecoded.
type Handler func(agentID string, kind AgentKind, payload json.RawMessage)

// ConnectFunc fires once per agent (re)connect.
type ConnectFunc func(kind AgentKind, agentID string)

// Conn is the minimal send-side contract a transport adapter (e.g. the
// websocket adapter in this package) must satisfy. WriteMessage must be
// safe to call only from the single writer goroutine the bus already
// serializes sends through — callers never call it concurrently for the
// same Conn.
type Conn interface {
	WriteMessage(v Message) error
	Close() error
}

// queueDepth bounds each agent's outbound queue. A full queue means the
// agent is not draining fast enough or is wedged; we drop rather than
// block the caller, per the at-most-once advisory contract.
const queueDepth = 64

type agentConn struct {
	kind    AgentKind
	conn    Conn
	outbox  chan Message
	closeCh chan struct{}
	once    sync.Once
}

// Bus is the C2 agent bus: a registry of connected agents plus inbound
// message dispatch. The zero value is not usable; construct with New.
type Bus struct {
	log *logrus.Entry

	mu     sync.RWMutex
	agents map[string]*agentConn

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	onConnectMu sync.RWMutex
	onConnect   []ConnectFunc
}

func New(log *logrus.Entry) *Bus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bus{
		log:      log,
		agents:   make(map[string]*agentConn),
		handlers: make(map[string]Handler),
	}
}

// Register binds an inbound message type to a handler.
func (b *Bus) Register(msgType string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[msgType] = h
}

// OnConnect registers a callback fired once per (re)connect, used by the sync/bootstrap path.
func (b *Bus) OnConnect(fn ConnectFunc) {
	b.onConnectMu.Lock()
	defer b.onConnectMu.Unlock()
	b.onConnect = append(b.onConnect, fn)
}

// Attach registers a freshly connected agent's transport, starts its
// writer loop, and fires every OnConnect callback. Replaces any prior
// connection for the same agentID (a reconnect supersedes the old one).
func (b *Bus) Attach(agentID string, kind AgentKind, conn Conn) {
	ac := &agentConn{
		kind:    kind,
		conn:    conn,
		outbox:  make(chan Message, queueDepth),
		closeCh: make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.agents[agentID]; ok {
		old.detach()
	}
	b.agents[agentID] = ac
	b.mu.Unlock()

	go b.writeLoop(agentID, ac)

	b.onConnectMu.RLock()
	callbacks := append([]ConnectFunc(nil), b.onConnect...)
	b.onConnectMu.RUnlock()
	for _, fn := range callbacks {
		fn(kind, agentID)
	}
}

// Detach removes agentID from the connection table, e.g. on socket
// close. Subsequent Send calls for agentID return SendDropped.
func (b *Bus) Detach(agentID string) {
	b.mu.Lock()
	ac, ok := b.agents[agentID]
	if ok {
		delete(b.agents, agentID)
	}
	b.mu.Unlock()
	if ok {
		ac.detach()
	}
}

func (ac *agentConn) detach() {
	ac.once.Do(func() {
		close(ac.closeCh)
		ac.conn.Close()
	})
}

// writeLoop is the sole goroutine permitted to call conn.WriteMessage,
// serializing concurrent Sends to the same agent into its per-connection
// queue.
func (b *Bus) writeLoop(agentID string, ac *agentConn) {
	for {
		select {
		case <-ac.closeCh:
			return
		case msg := <-ac.outbox:
			if err := ac.conn.WriteMessage(msg); err != nil {
				b.log.WithFields(logrus.Fields{"agentId": agentID, "type": msg.Type}).
					WithError(err).Warn("agent write failed, detaching")
				b.Detach(agentID)
				return
			}
		}
	}
}

// Send delivers msg to agentID without blocking on network I/O.
// Returns SendDropped if the agent is not connected or its outbound
// queue is full.
func (b *Bus) Send(agentID string, msg Message) SendResult {
	b.mu.RLock()
	ac, ok := b.agents[agentID]
	b.mu.RUnlock()
	if !ok {
		b.log.WithFields(logrus.Fields{"agentId": agentID, "type": msg.Type}).
			Warn("send to disconnected agent dropped")
		return SendDropped
	}

	select {
	case ac.outbox <- msg:
		return SendOK
	default:
		b.log.WithFields(logrus.Fields{"agentId": agentID, "type": msg.Type}).
			Warn("agent outbound queue full, message dropped")
		return SendDropped
	}
}

// Connected reports whether agentID currently has a live connection.
func (b *Bus) Connected(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[agentID]
	return ok
}

// Dispatch routes one decoded inbound envelope to its registered
// handler. Unknown types and malformed payloads are logged and dropped
// without closing the connection.
func (b *Bus) Dispatch(agentID string, kind AgentKind, raw []byte) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		b.log.WithField("agentId", agentID).WithError(err).Warn("malformed inbound message, dropped")
		return
	}
	if envelope.Type == "" {
		b.log.WithField("agentId", agentID).Warn("inbound message missing type, dropped")
		return
	}

	b.handlersMu.RLock()
	h, ok := b.handlers[envelope.Type]
	b.handlersMu.RUnlock()
	if !ok {
		b.log.WithFields(logrus.Fields{"agentId": agentID, "type": envelope.Type}).
			Warn("no handler for inbound message type, dropped")
		return
	}
	h(agentID, kind, envelope.Data)
}

// DecodePayload is a convenience for handlers decoding a typed payload
// out of the raw `data` field Dispatch hands them.
func DecodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
