package listener

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"procmesh/codec"
	"procmesh/message"
	"procmesh/protocol"
)

// Message is one decoded frame together with the connection it arrived on
// and its position in the subject's handler chain.
type Message struct {
	Subject string
	ID      string
	Data    json.RawMessage

	conn   *Conn
	chain  []HandlerFunc
	cursor int
}

// NewMessage builds a message outside of a listener, for handlers that are
// invoked directly (tests, in-process dispatch).
func NewMessage(subject, id string, data json.RawMessage, conn *Conn, chain ...HandlerFunc) *Message {
	return &Message{Subject: subject, ID: id, Data: data, conn: conn, chain: chain}
}

// Next advances the cursor and runs the next handler with data. It reports
// false, doing nothing, when the chain is exhausted or the subject has no
// handlers.
func (m *Message) Next(data any) bool {
	if m.cursor >= len(m.chain) {
		return false
	}
	h := m.chain[m.cursor]
	m.cursor++
	h(m, data)
	return true
}

// Reply writes {id, data: payload} back on the originating connection.
func (m *Message) Reply(payload any) error {
	if m.conn == nil {
		return net.ErrClosed
	}
	return m.conn.Reply(m.ID, payload)
}

// Conn is the connection the message arrived on. It is a non-owning
// reference, valid only to reply and to close.
func (m *Message) Conn() *Conn {
	return m.conn
}

// Conn wraps an accepted connection with a write lock, so replies produced
// by different goroutines never interleave on the wire.
type Conn struct {
	nc     net.Conn
	id     uint64
	codec  codec.Codec
	mu     sync.Mutex
	closed atomic.Bool
}

func newConn(nc net.Conn, id uint64, c codec.Codec) *Conn {
	return &Conn{nc: nc, id: id, codec: c}
}

// ID is the listener-local connection number.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr is the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Reply frames and writes a reply document.
func (c *Conn) Reply(id string, payload any) error {
	data, err := codec.Raw(c.codec, payload)
	if err != nil {
		return err
	}
	body, err := c.codec.Encode(&message.Reply{ID: id, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	return protocol.Encode(c.nc, body)
}

// Close destroys the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.nc.Close()
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}
