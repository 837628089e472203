// Package transporttest provides an in-memory transport for exercising the pool without a network.
package transporttest

import (
	"context"
	"sync"

	"github.com/fushengyk/marketstream/internal/transport"
)

// Conn is a scripted transport.Conn. Connect succeeds synchronously unless ConnectErr is set.
// Events are never emitted while the connection's own lock is held.
type Conn struct {
	URL string

	handler transport.Handler

	mu         sync.Mutex
	connected  bool
	closed     bool
	sent       [][]byte
	connects   int
	ConnectErr error
	SendErr    error
}

// NewConn returns a fake connection for url.
func NewConn(url string, h transport.Handler) *Conn {
	if h == nil {
		h = func(transport.Event) {}
	}
	return &Conn{URL: url, handler: h}
}

func (c *Conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	err := c.ConnectErr
	c.mu.Unlock()

	c.handler(transport.Event{Kind: transport.EventConnecting})
	if err != nil {
		c.handler(transport.Event{Kind: transport.EventError, Err: err})
		return err
	}
	c.setConnected(true)
	c.handler(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	if v {
		c.connects++
	}
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	c.handler(transport.Event{Kind: transport.EventClosing})
	c.handler(transport.Event{Kind: transport.EventClosed})
	return nil
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if !c.connected {
		return transport.ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Drop simulates the remote side hanging up.
func (c *Conn) Drop() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()
	c.handler(transport.Event{Kind: transport.EventDisconnected})
}

// Restore simulates the transport reconnecting on its own after Drop.
func (c *Conn) Restore() {
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.handler(transport.Event{Kind: transport.EventConnecting})
	c.setConnected(true)
	c.handler(transport.Event{Kind: transport.EventConnected})
}

// Deliver injects an inbound frame.
func (c *Conn) Deliver(data []byte) {
	c.handler(transport.Event{Kind: transport.EventMessage, Data: data})
}

// Sent returns a copy of every payload written so far as strings.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

// Connects counts successful sessions.
func (c *Conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer records every connection built through its Factory.
type Dialer struct {
	// Prepare, when set, runs on each new connection before it is returned.
	Prepare func(*Conn)

	mu    sync.Mutex
	conns []*Conn
}

func (d *Dialer) Factory() transport.Factory {
	return func(url string, h transport.Handler) transport.Conn {
		c := NewConn(url, h)
		if d.Prepare != nil {
			d.Prepare(c)
		}
		d.mu.Lock()
		d.conns = append(d.conns, c)
		d.mu.Unlock()
		return c
	}
}

// Conns returns the connections created so far in creation order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Conn returns the i-th connection, or nil.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}
