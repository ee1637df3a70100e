package transport

import (
	"net"
	"sync"
	"time"
)

// Handler signatures for the three session events.
type (
	MessageHandler    func(payload []byte, sender net.Addr)
	ConnectHandler    func(peer net.Addr, at time.Time)
	DisconnectHandler func(peer net.Addr, at time.Time, reason string)
)

// Events is an observer registry shared by clients and servers. Any number
// of handlers can subscribe to each event; emission order follows
// registration order. Registration is safe for concurrent use, but handlers
// themselves run on the session's receive goroutine and must not block it.
type Events struct {
	mu           sync.RWMutex
	message      []MessageHandler
	connected    []ConnectHandler
	disconnected []DisconnectHandler
}

func NewEvents() *Events { return &Events{} }

// OnMessage subscribes to received payloads. The payload slice is owned by
// the handler; the transport never reuses it.
func (e *Events) OnMessage(h MessageHandler) {
	e.mu.Lock()
	e.message = append(e.message, h)
	e.mu.Unlock()
}

// OnConnected subscribes to session establishment.
func (e *Events) OnConnected(h ConnectHandler) {
	e.mu.Lock()
	e.connected = append(e.connected, h)
	e.mu.Unlock()
}

// OnDisconnected subscribes to session teardown. Fired exactly once per
// session, with a human-readable reason.
func (e *Events) OnDisconnected(h DisconnectHandler) {
	e.mu.Lock()
	e.disconnected = append(e.disconnected, h)
	e.mu.Unlock()
}

// EmitMessage is invoked by transport implementations.
func (e *Events) EmitMessage(payload []byte, sender net.Addr) {
	e.mu.RLock()
	hs := e.message
	e.mu.RUnlock()
	for _, h := range hs {
		h(payload, sender)
	}
}

func (e *Events) EmitConnected(peer net.Addr, at time.Time) {
	e.mu.RLock()
	hs := e.connected
	e.mu.RUnlock()
	for _, h := range hs {
		h(peer, at)
	}
}

func (e *Events) EmitDisconnected(peer net.Addr, at time.Time, reason string) {
	e.mu.RLock()
	hs := e.disconnected
	e.mu.RUnlock()
	for _, h := range hs {
		h(peer, at, reason)
	}
}
