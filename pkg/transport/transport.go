// Package transport defines the shared surface of the framewire transports:
// link kinds, client/server contracts, callback registration, per-socket
// options, and the session registry used by the listening side.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"framewire/pkg/protocol"
)

// Kind identifies the link type of a client or server.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindUDP
	KindQUIC
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// Sequenced reports whether frames on this link carry a sequence number.
func (k Kind) Sequenced() bool { return k == KindUDP }

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP, nil
	case "udp":
		return KindUDP, nil
	case "quic":
		return KindQUIC, nil
	default:
		return KindUnknown, fmt.Errorf("unknown transport kind: %q", s)
	}
}

// Caller-misuse errors, surfaced synchronously.
var (
	ErrNotConnected = errors.New("session not connected")
	ErrClosed       = errors.New("session closed")
)

// Greeting is the payload of the implicit stream handshake: the listener
// frames and writes it on accept, and a connecting client discards one read
// before flipping to the connected state.
var Greeting = []byte("framewire/1 welcome")

// Options tunes one client or server. The zero value selects all defaults.
type Options struct {
	// ReadBufferSize bounds a single decoded frame and sizes pooled receive
	// buffers. Default 16 KiB.
	ReadBufferSize int
	// SendBufferSize is the ceiling on a fully framed outbound message.
	// Oversized sends are rejected before any byte is written. Default 8 KiB.
	SendBufferSize int
	// HandshakeTimeout bounds the greeting wait of a stream client.
	// Default 10s.
	HandshakeTimeout time.Duration
	// PeerIdleTTL lets a datagram listener forget peers idle for this long.
	// Zero keeps the default behavior: a registered peer is never evicted.
	PeerIdleTTL time.Duration
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = protocol.DefaultReadLimit
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = protocol.DefaultSendLimit
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Codec builds the frame codec matching these options for the given kind.
func (o Options) Codec(k Kind) protocol.Codec {
	o = o.WithDefaults()
	return protocol.NewCodec(k.Sequenced(), o.ReadBufferSize, o.SendBufferSize)
}

// Client is one outbound session.
type Client interface {
	// Connect dials the remote and, on stream links, completes the greeting
	// handshake. Cancelling ctx tears the session down.
	Connect(ctx context.Context) error
	// Send frames and writes one payload. It fails with ErrNotConnected
	// before Connect or after close, and with *protocol.OversizeError when
	// the framed size exceeds the send ceiling.
	Send(payload []byte) error
	// SendContext is the context-aware variant of Send.
	SendContext(ctx context.Context, payload []byte) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Disconnect closes the session. ErrNotConnected when already closed.
	Disconnect() error
}

// Server is one listening endpoint fanning out to registered peers. Peers
// are addressed by their remote address string.
type Server interface {
	// StartListening binds the socket and serves until ctx is cancelled or
	// Close is called. It returns once the listener is running.
	StartListening(ctx context.Context) error
	Addr() net.Addr
	SendTo(peer string, payload []byte) error
	SendToContext(ctx context.Context, peer string, payload []byte) error
	SendToAll(payload []byte) error
	SendToAllContext(ctx context.Context, payload []byte) error
	SendToAllExcept(payload []byte, except ...string) error
	SendToAllExceptContext(ctx context.Context, payload []byte, except ...string) error
	// Peers returns a snapshot of registered peer addresses.
	Peers() []string
	Close() error
}
