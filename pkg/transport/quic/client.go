// Package quic implements the stream transport over a QUIC bidirectional
// stream. Framing and session semantics match the TCP transport, including
// the greeting handshake; TLS runs with an ephemeral self-signed certificate
// and is transport plumbing, not peer authentication.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"framewire/pkg/bufpool"
	"framewire/pkg/protocol"
	"framewire/pkg/transport"
)

const alpnProtocol = "framewire"

// Client is one outbound QUIC session. The listener opens the control stream
// by writing the greeting, so the connected callback fires once that first
// read has been consumed and discarded.
type Client struct {
	remote string
	opts   transport.Options
	ev     *transport.Events
	codec  protocol.Codec
	pool   *bufpool.Pool

	mu        sync.Mutex
	conn      quicgo.Connection
	stream    quicgo.Stream
	connected bool
	closed    bool

	wmu      sync.Mutex
	discOnce sync.Once
}

var _ transport.Client = (*Client)(nil)

func NewClient(remote string, ev *transport.Events, opts transport.Options) *Client {
	opts = opts.WithDefaults()
	return &Client{
		remote: remote,
		opts:   opts,
		ev:     ev,
		codec:  opts.Codec(transport.KindQUIC),
		pool:   bufpool.New(opts.ReadBufferSize),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.mu.Unlock()

	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // identity is out of scope at this layer
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, c.remote, tlsConf, &quicgo.Config{})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.finish("canceled")
	}()
	go c.handshakeAndReceive(ctx)
	return nil
}

func (c *Client) handshakeAndReceive(ctx context.Context) {
	// The listener's greeting write opens the control stream.
	hsCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	stream, err := c.conn.AcceptStream(hsCtx)
	cancel()
	if err != nil {
		c.finish("handshake failed: " + err.Error())
		return
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	lease := c.pool.Acquire()
	_ = stream.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	n, err := stream.Read(lease.Bytes())
	lease.Release()
	if err != nil || n == 0 {
		c.finish("handshake failed: greeting not received")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.ev.EmitConnected(c.conn.RemoteAddr(), time.Now())

	reasm := protocol.NewReassembler(c.codec)
	for {
		lease := c.pool.Acquire()
		n, err := stream.Read(lease.Bytes())
		if err != nil || n == 0 {
			lease.Release()
			c.finish(streamReason(ctx, err))
			return
		}
		reasm.Feed(lease.Bytes()[:n], func(f protocol.Frame) {
			msg := append([]byte(nil), f.Payload...)
			c.ev.EmitMessage(msg, c.conn.RemoteAddr())
		})
		lease.Release()
	}
}

func (c *Client) finish(reason string) {
	c.discOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.connected = false
		c.closed = true
		c.mu.Unlock()
		var remote net.Addr
		if conn != nil {
			remote = conn.RemoteAddr()
			_ = conn.CloseWithError(0, "")
		}
		zap.L().Info("session closed", zap.String("transport", "quic"), zap.String("reason", reason))
		c.ev.EmitDisconnected(remote, time.Now(), reason)
	})
}

func (c *Client) Send(payload []byte) error {
	return c.SendContext(context.Background(), payload)
}

func (c *Client) SendContext(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	connected, closed, stream, conn := c.connected, c.closed, c.stream, c.conn
	c.mu.Unlock()
	if !connected {
		if !closed && conn != nil {
			return nil // handshake window: send swallowed
		}
		return transport.ErrNotConnected
	}
	frame, err := c.codec.Encode(payload, 0)
	if err != nil {
		return err
	}
	return writeStreamFrame(ctx, stream, &c.wmu, frame)
}

func (c *Client) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	active := c.conn != nil && !c.closed
	c.mu.Unlock()
	if !active {
		return transport.ErrNotConnected
	}
	c.finish("local disconnect")
	return nil
}

// writeStreamFrame performs one serialized, deadline-aware write on a QUIC
// stream.
func writeStreamFrame(ctx context.Context, stream quicgo.Stream, wmu *sync.Mutex, frame []byte) error {
	wmu.Lock()
	defer wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(dl)
		defer func() { _ = stream.SetWriteDeadline(time.Time{}) }()
	}
	_, err := stream.Write(frame)
	return err
}

func streamReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "canceled"
	case err == nil, errors.Is(err, io.EOF):
		return "remote closed"
	default:
		return "read error: " + err.Error()
	}
}
