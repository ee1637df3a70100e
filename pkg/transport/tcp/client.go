// Package tcp implements the stream transport over TCP: a connecting client
// with the greeting handshake and a capacity-bounded multi-client listener.
package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"framewire/pkg/bufpool"
	"framewire/pkg/protocol"
	"framewire/pkg/transport"
)

type clientState int32

const (
	stateIdle clientState = iota
	stateConnecting
	stateAwaitingHandshake
	stateConnected
	stateClosed
)

// Client is one outbound TCP session. After Connect it waits for the
// listener's greeting before flipping to connected; sends issued during that
// window are swallowed, so callers should wait for the connected callback.
type Client struct {
	remote string
	opts   transport.Options
	ev     *transport.Events
	codec  protocol.Codec
	pool   *bufpool.Pool

	mu   sync.Mutex
	st   clientState
	conn net.Conn

	wmu      sync.Mutex // serializes frame writes
	discOnce sync.Once
}

var _ transport.Client = (*Client)(nil)

// NewClient builds a client for the given remote address. Handlers on ev
// fire from the session's receive goroutine.
func NewClient(remote string, ev *transport.Events, opts transport.Options) *Client {
	opts = opts.WithDefaults()
	return &Client{
		remote: remote,
		opts:   opts,
		ev:     ev,
		codec:  opts.Codec(transport.KindTCP),
		pool:   bufpool.New(opts.ReadBufferSize),
	}
}

// Connect dials the remote and starts the receive loop. It returns once the
// connection is open; the connected callback fires after the greeting is
// consumed. Cancelling ctx tears the session down.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.st != stateIdle {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.st = stateConnecting
	c.mu.Unlock()

	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.remote)
	if err != nil {
		c.mu.Lock()
		c.st = stateIdle
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.st != stateConnecting { // disconnected while dialing
		c.mu.Unlock()
		_ = conn.Close()
		return transport.ErrClosed
	}
	c.conn = conn
	c.st = stateAwaitingHandshake
	c.mu.Unlock()

	// Bound the greeting wait so a silent listener cannot park the session
	// in the handshake state forever.
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))

	go c.watchCancel(ctx)
	go c.receiveLoop(ctx)
	return nil
}

func (c *Client) watchCancel(ctx context.Context) {
	<-ctx.Done()
	c.mu.Lock()
	conn, st := c.conn, c.st
	c.mu.Unlock()
	if st != stateClosed && conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	reasm := protocol.NewReassembler(c.codec)
	for {
		lease := c.pool.Acquire()
		n, err := c.conn.Read(lease.Bytes())
		if err != nil || n == 0 {
			lease.Release()
			c.finish(readReason(ctx, err))
			return
		}

		c.mu.Lock()
		awaiting := c.st == stateAwaitingHandshake
		if awaiting {
			c.st = stateConnected
		}
		c.mu.Unlock()
		if awaiting {
			// The greeting read is discarded wholesale; it carries no
			// application payload.
			lease.Release()
			_ = c.conn.SetReadDeadline(time.Time{})
			c.ev.EmitConnected(c.conn.RemoteAddr(), time.Now())
			continue
		}

		reasm.Feed(lease.Bytes()[:n], func(f protocol.Frame) {
			// Callbacks may retain the payload; copy it out of pooled memory.
			msg := append([]byte(nil), f.Payload...)
			c.ev.EmitMessage(msg, c.conn.RemoteAddr())
		})
		lease.Release()
	}
}

// finish tears the session down and fires the disconnected callback exactly
// once, whatever the trigger.
func (c *Client) finish(reason string) {
	c.discOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.st = stateClosed
		c.mu.Unlock()
		var remote net.Addr
		if conn != nil {
			remote = conn.RemoteAddr()
			_ = conn.Close()
		}
		zap.L().Info("session closed", zap.String("transport", "tcp"), zap.String("reason", reason))
		c.ev.EmitDisconnected(remote, time.Now(), reason)
	})
}

// Send frames and writes one payload. See SendContext.
func (c *Client) Send(payload []byte) error {
	return c.SendContext(context.Background(), payload)
}

// SendContext frames and writes one payload. During the handshake window the
// send is silently swallowed; before Connect or after close it fails with
// ErrNotConnected.
func (c *Client) SendContext(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	st, conn := c.st, c.conn
	c.mu.Unlock()
	switch st {
	case stateConnected:
	case stateAwaitingHandshake:
		return nil
	default:
		return transport.ErrNotConnected
	}
	frame, err := c.codec.Encode(payload, 0)
	if err != nil {
		return err
	}
	return writeFrame(ctx, conn, &c.wmu, frame)
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

// Disconnect closes the session without waiting for a final read.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()
	if st == stateIdle || st == stateClosed {
		return transport.ErrNotConnected
	}
	c.finish("local disconnect")
	return nil
}

// writeFrame performs one serialized, deadline-aware frame write.
func writeFrame(ctx context.Context, conn net.Conn, wmu *sync.Mutex, frame []byte) error {
	wmu.Lock()
	defer wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	_, err := conn.Write(frame)
	return err
}

// readReason classifies why a receive loop stopped.
func readReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "canceled"
	case err == nil, errors.Is(err, io.EOF):
		return "remote closed"
	case errors.Is(err, net.ErrClosed):
		return "socket closed"
	default:
		return "read error: " + err.Error()
	}
}
