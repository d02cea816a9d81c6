package engine

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/observability/log"
)

// ChannelRole marks which listening socket accepted a connection.
type ChannelRole int

const (
	// ReceiveChannel carries inbound requests from the system under test.
	ReceiveChannel ChannelRole = iota
	// SendChannel carries responses and proactive notifications outbound.
	SendChannel
)

func (r ChannelRole) String() string {
	if r == ReceiveChannel {
		return "receive"
	}
	return "send"
}

// Connection is one accepted socket, exclusively owned by the engine. Its
// identity is learned from the first inbound message's routing field and is
// write-once.
type Connection struct {
	id      string
	role    ChannelRole
	conn    net.Conn
	decoder *iso8583.StreamDecoder
	logger  log.Log

	writeMu      sync.Mutex
	writeTimeout time.Duration

	identityMu sync.RWMutex
	identity   string

	lastActivity atomic.Int64
	closed       atomic.Bool
}

func newConnection(conn net.Conn, role ChannelRole, codec *iso8583.Codec, writeTimeout time.Duration, logger log.Log) *Connection {
	c := &Connection{
		id:           uuid.NewString(),
		role:         role,
		conn:         conn,
		decoder:      iso8583.NewStreamDecoder(codec),
		writeTimeout: writeTimeout,
	}
	c.logger = logger.With(
		log.String("conn_id", c.id),
		log.String("channel", role.String()),
		log.String("remote", conn.RemoteAddr().String()),
	)
	c.touch()
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string {
	return c.id
}

// Role returns which channel accepted this connection.
func (c *Connection) Role() ChannelRole {
	return c.role
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Identity returns the bound business identity, or "" before binding.
func (c *Connection) Identity() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

// bindIdentity records the identity on first sight and reports whether this
// call was the one that bound it.
func (c *Connection) bindIdentity(identity string) bool {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	if c.identity != "" {
		return false
	}
	c.identity = identity
	return true
}

// LastActivity returns the time of the most recent read or write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IsClosed reports whether teardown has run.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// write sends one encoded frame. Serialized so two goroutines never
// interleave partial frames on the socket.
func (c *Connection) write(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	c.touch()
	return nil
}

// close shuts the socket down once; later calls are no-ops.
func (c *Connection) close() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = c.conn.Close()
	return true
}
