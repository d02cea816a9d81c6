package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/core/rules"
	"github.com/finsim/finsim/internal/observability/log"
)

// inbound is one decoded request travelling from a connection's read loop to
// the passive pipeline.
type inbound struct {
	msg  *iso8583.Message
	conn *Connection
}

// Engine is one simulator instance: two listening channels, a routing table,
// a correlation table and counters, all owned by the instance so multiple
// engines coexist in a process.
type Engine struct {
	config    Config
	codec     *iso8583.Codec
	responder *rules.Responder
	logger    log.Log

	recvListener net.Listener
	sendListener net.Listener

	routes  *routingTable
	pending *pendingTable
	stans   *stanSource
	stats   *Stats

	inboundQueue chan inbound

	connsMu sync.Mutex
	conns   map[string]*Connection

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine from the configuration. Nothing is bound until Start.
func New(config Config, logger log.Log) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	codec, err := iso8583.NewCodec(config.Specs, config.Header)
	if err != nil {
		return nil, fmt.Errorf("engine codec: %w", err)
	}

	return &Engine{
		config:       config,
		codec:        codec,
		responder:    rules.NewResponder(config.ResponseRules),
		logger:       logger.With(log.String("component", "engine")),
		routes:       newRoutingTable(),
		pending:      newPendingTable(),
		stans:        &stanSource{},
		stats:        &Stats{},
		inboundQueue: make(chan inbound, config.QueueSize),
		conns:        make(map[string]*Connection),
	}, nil
}

// Start binds both channel listeners and begins accepting. A bind failure on
// either port is fatal: the engine is not considered running.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return ErrEngineRunning
	}

	recvAddr := fmt.Sprintf("%s:%d", e.config.Host, e.config.ReceivePort)
	sendAddr := fmt.Sprintf("%s:%d", e.config.Host, e.config.SendPort)

	var err error
	e.recvListener, err = net.Listen("tcp", recvAddr)
	if err != nil {
		atomic.StoreInt32(&e.running, 0)
		return fmt.Errorf("%w: receive channel %s: %v", ErrBindFailed, recvAddr, err)
	}
	e.sendListener, err = net.Listen("tcp", sendAddr)
	if err != nil {
		_ = e.recvListener.Close()
		atomic.StoreInt32(&e.running, 0)
		return fmt.Errorf("%w: send channel %s: %v", ErrBindFailed, sendAddr, err)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.acceptLoop(e.recvListener, ReceiveChannel)
	go e.acceptLoop(e.sendListener, SendChannel)

	e.logger.Info("engine started",
		log.String("receive_addr", recvAddr),
		log.String("send_addr", sendAddr),
		log.String("mode", e.config.Mode.String()))
	return nil
}

// IsRunning reports whether Start succeeded and Shutdown has not completed.
func (e *Engine) IsRunning() bool {
	return atomic.LoadInt32(&e.running) == 1
}

// Shutdown closes both listeners and every connection, then waits for the
// accept and read loops to drain.
func (e *Engine) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 0) {
		return ErrEngineStopped
	}

	e.cancel()
	_ = e.recvListener.Close()
	_ = e.sendListener.Close()

	e.connsMu.Lock()
	open := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		open = append(open, c)
	}
	e.connsMu.Unlock()
	for _, c := range open {
		e.teardown(c, io.EOF)
	}

	e.wg.Wait()
	e.logger.Info("engine stopped",
		log.Uint64("messages_sent", e.stats.messagesSent.Load()),
		log.Uint64("messages_received", e.stats.messagesReceived.Load()))
	return nil
}

// Stats returns the live counters.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// BoundIdentities returns the identities currently routed on the send
// channel.
func (e *Engine) BoundIdentities() []string {
	return e.routes.Identities()
}

func (e *Engine) acceptLoop(listener net.Listener, role ChannelRole) {
	defer e.wg.Done()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.logger.Warn("accept failed", log.String("channel", role.String()), log.Error(err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		conn := newConnection(netConn, role, e.codec, e.config.WriteTimeout, e.logger)
		e.connsMu.Lock()
		e.conns[conn.id] = conn
		e.connsMu.Unlock()
		e.stats.connectionOpened(role)
		conn.logger.Info("connection accepted")

		e.wg.Add(1)
		go e.readLoop(conn)
	}
}

// readLoop feeds the connection's bytes through the resumable decoder and
// dispatches complete frames. A frame error is connection-fatal.
func (e *Engine) readLoop(conn *Connection) {
	defer e.wg.Done()

	buf := make([]byte, e.config.ReadBufferSize)
	for {
		n, err := conn.conn.Read(buf)
		if n > 0 {
			conn.touch()
			conn.decoder.Feed(buf[:n])
			for {
				msg, decErr := conn.decoder.Next()
				if decErr != nil {
					conn.logger.Error("frame error, tearing down", log.Error(decErr))
					e.teardown(conn, decErr)
					return
				}
				if msg == nil {
					break
				}
				e.handleFrame(conn, msg)
			}
		}
		if err != nil {
			e.teardown(conn, err)
			return
		}
	}
}

// handleFrame runs once per decoded inbound message: counters, identity
// learning, correlation, then the passive queue.
func (e *Engine) handleFrame(conn *Connection, msg *iso8583.Message) {
	e.stats.messageReceived()
	stan, _ := msg.GetString(e.config.StanField)
	e.stats.recordRequest(msg.MTI(), stan)

	if identity, err := msg.GetString(e.config.RoutingField); err == nil && identity != "" {
		if conn.bindIdentity(identity) && conn.role == SendChannel {
			e.registerIdentity(conn, identity)
		}
	}

	// A frame matching an outstanding request is its response; it never
	// enters the request pipeline.
	if stan != "" && e.pending.resolve(stan, msg) {
		conn.logger.Debug("response correlated", log.String("stan", stan))
		return
	}

	select {
	case e.inboundQueue <- inbound{msg: msg, conn: conn}:
	default:
		conn.logger.Warn("inbound queue full, dropping message",
			log.String("mti", msg.MTI()), log.String("stan", stan))
	}
}

// registerIdentity binds a SEND connection into the routing table,
// last-registered-wins.
func (e *Engine) registerIdentity(conn *Connection, identity string) {
	displaced := e.routes.Register(identity, conn)
	if displaced != nil {
		conn.logger.Info("identity rebound",
			log.String("identity", identity),
			log.String("displaced_conn", displaced.id))
	} else {
		conn.logger.Info("identity bound", log.String("identity", identity))
	}
}

// teardown destroys a connection: socket close, routing eviction and
// fail-fast resolution of its outstanding requests, all synchronous so no
// dangling route survives the connection.
func (e *Engine) teardown(conn *Connection, cause error) {
	if !conn.close() {
		return
	}

	e.connsMu.Lock()
	delete(e.conns, conn.id)
	e.connsMu.Unlock()
	e.stats.connectionClosed(conn.role)

	if identity := conn.Identity(); identity != "" && conn.role == SendChannel {
		e.routes.Evict(identity, conn)
	}
	if failed := e.pending.failConnection(conn.id); failed > 0 {
		conn.logger.Warn("failed outstanding requests on close", log.Int("count", failed))
	}

	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		conn.logger.Warn("connection closed", log.Error(cause))
	} else {
		conn.logger.Info("connection closed")
	}
}

// SendTo encodes the message once and writes it to the connection bound to
// the identity. It returns false when no binding exists or the write fails;
// a failed write also tears the connection down.
func (e *Engine) SendTo(identity string, msg *iso8583.Message) bool {
	conn, ok := e.routes.RouteTo(identity)
	if !ok {
		e.logger.Warn("no route for identity", log.String("identity", identity))
		return false
	}

	frame, err := e.codec.Encode(msg)
	if err != nil {
		e.logger.Error("encode failed", log.String("identity", identity), log.Error(err))
		return false
	}
	if err := conn.write(frame); err != nil {
		conn.logger.Warn("write failed, evicting route", log.Error(err))
		e.teardown(conn, err)
		return false
	}
	e.stats.messageSent()
	return true
}

// Broadcast encodes the message once and writes it to every bound SEND
// connection concurrently. A failure on one connection is isolated: it tears
// that connection down and the rest still receive the message. Returns the
// successful-delivery count.
func (e *Engine) Broadcast(msg *iso8583.Message) int {
	frame, err := e.codec.Encode(msg)
	if err != nil {
		e.logger.Error("broadcast encode failed", log.Error(err))
		return 0
	}

	conns := e.routes.Bound()
	var delivered atomic.Int64
	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			if err := conn.write(frame); err != nil {
				conn.logger.Warn("broadcast write failed", log.Error(err))
				e.teardown(conn, err)
				return nil // isolated; never aborts the others
			}
			delivered.Add(1)
			e.stats.messageSent()
			return nil
		})
	}
	_ = g.Wait()

	e.stats.broadcast()
	return int(delivered.Load())
}

// Request sends a message to the identity and waits for the correlated
// response. A missing STAN is filled from the engine's wrapping counter.
func (e *Engine) Request(ctx context.Context, identity string, msg *iso8583.Message, timeout time.Duration) (*iso8583.Message, error) {
	stan, err := msg.GetString(e.config.StanField)
	if err != nil || stan == "" {
		stan = e.stans.Next()
		if err := msg.SetField(e.config.StanField, stan); err != nil {
			return nil, err
		}
	}

	conn, ok := e.routes.RouteTo(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRouteNotFound, identity)
	}

	// Register before writing so a fast response cannot slip past the
	// correlation table.
	entry, err := e.pending.register(stan, conn.id)
	if err != nil {
		return nil, err
	}

	frame, err := e.codec.Encode(msg)
	if err != nil {
		e.pending.remove(stan, entry)
		return nil, err
	}
	if err := conn.write(frame); err != nil {
		e.pending.remove(stan, entry)
		e.teardown(conn, err)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	e.stats.messageSent()

	return e.pending.await(ctx, stan, entry, timeout)
}

// NextStan exposes the correlation id generator to callers building their
// own requests.
func (e *Engine) NextStan() string {
	return e.stans.Next()
}
