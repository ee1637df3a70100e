// Package udp implements the datagram transport: sequenced frames with loss
// detection, a connecting client, and a shared-socket listener that
// demultiplexes peers by source address.
package udp

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"framewire/pkg/bufpool"
	"framewire/pkg/protocol"
	"framewire/pkg/transport"
)

// Client is one outbound UDP session. There is no transport-level handshake:
// the session is connected as soon as the socket is bound, and the connected
// callback fires from Connect.
type Client struct {
	remote string
	opts   transport.Options
	ev     *transport.Events
	codec  protocol.Codec
	pool   *bufpool.Pool

	mu        sync.Mutex
	conn      *net.UDPConn
	connected bool
	closed    bool

	wmu      sync.Mutex
	txSeq    protocol.SeqCounter
	discOnce sync.Once
}

var _ transport.Client = (*Client)(nil)

func NewClient(remote string, ev *transport.Events, opts transport.Options) *Client {
	opts = opts.WithDefaults()
	return &Client{
		remote: remote,
		opts:   opts,
		ev:     ev,
		codec:  opts.Codec(transport.KindUDP),
		pool:   bufpool.New(opts.ReadBufferSize),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", c.remote)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return transport.ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.finish("canceled")
	}()
	go c.receiveLoop(ctx)
	c.ev.EmitConnected(conn.RemoteAddr(), time.Now())
	return nil
}

func (c *Client) receiveLoop(ctx context.Context) {
	reasm := protocol.NewReassembler(c.codec)
	var tracker protocol.SeqTracker
	for {
		lease := c.pool.Acquire()
		n, err := c.conn.Read(lease.Bytes())
		if err != nil {
			lease.Release()
			c.finish(readReason(ctx, err))
			return
		}
		reasm.Feed(lease.Bytes()[:n], func(f protocol.Frame) {
			if !tracker.Accept(f.Seq) {
				return // loss or reorder, frame dropped
			}
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
			_ = conn.Close()
		}
		zap.L().Info("session closed", zap.String("transport", "udp"), zap.String("reason", reason))
		c.ev.EmitDisconnected(remote, time.Now(), reason)
	})
}

func (c *Client) Send(payload []byte) error {
	return c.SendContext(context.Background(), payload)
}

// SendContext frames payload with the next sequence number and writes one
// datagram. Delivery is fire-and-forget; loss is only ever detected by the
// receiver.
func (c *Client) SendContext(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	ok, conn := c.connected, c.conn
	c.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}
	if err := c.codec.CheckSize(len(payload)); err != nil {
		return err // rejected before a sequence number is consumed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	frame, err := c.codec.Encode(payload, c.txSeq.Next())
	if err != nil {
		return err
	}
	if dl, hasDL := ctx.Deadline(); hasDL {
		_ = conn.SetWriteDeadline(dl)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	_, err = conn.Write(frame)
	return err
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
	ok := c.connected
	c.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}
	c.finish("local disconnect")
	return nil
}

func readReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "canceled"
	case err == nil:
		return "remote closed"
	default:
		return "read error: " + err.Error()
	}
}
