// Package client provides a high-level endpoint client SDK for the
// simulator's dual-channel interface. It dials both channels, binds an
// identity on the send channel and correlates responses to requests by
// trace number.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/finsim/finsim/internal/core/iso8583"
	"github.com/finsim/finsim/internal/observability/log"
	"github.com/finsim/finsim/pkg/retry"
)

// MessageHandler handles an unsolicited message pushed by the simulator,
// keyed by MTI. Returning an error only logs it; delivery is best effort.
type MessageHandler func(msg *iso8583.Message) error

// Config holds configuration for the client.
type Config struct {
	// ReceiveAddr is the simulator's request-accepting channel; requests
	// are written there. SendAddr is the channel the simulator pushes
	// responses and notifications through.
	ReceiveAddr string
	SendAddr    string

	// Identity is bound on the send channel at sign-on and must match the
	// routing field of every request.
	Identity string

	Header iso8583.HeaderConfig
	Specs  iso8583.FieldSpecs

	RoutingField int
	StanField    int

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// SignOnTimeout bounds the wait for the sign-on acknowledgement.
	// Zero sends the sign-on without waiting for it.
	SignOnTimeout time.Duration

	ReadBufferSize int

	// Retry applies to RequestWithRetry.
	Retry retry.Policy

	LogLevel log.Level
}

// DefaultConfig returns the usual client settings. Addresses and the
// identity must still be set.
func DefaultConfig() Config {
	return Config{
		Header:         iso8583.DefaultHeaderConfig(),
		RoutingField:   32,
		StanField:      11,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 10 * time.Second,
		ReadBufferSize: 4096,
		Retry:          retry.DefaultPolicy(),
		LogLevel:       log.LevelInfo,
	}
}

func (c Config) validate() error {
	if c.ReceiveAddr == "" || c.SendAddr == "" {
		return fmt.Errorf("%w: both channel addresses are required", ErrInvalidConfig)
	}
	if c.Identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidConfig)
	}
	if c.RoutingField < 2 || c.StanField < 2 {
		return fmt.Errorf("%w: field numbers out of range", ErrInvalidConfig)
	}
	return nil
}

// Client is one endpoint identity connected to a simulator instance.
type Client struct {
	config Config
	codec  *iso8583.Codec
	logger log.Log

	requestConn net.Conn // towards the simulator's receive channel
	pushConn    net.Conn // the simulator's send channel
	writeMu     sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *iso8583.Message

	handlerMu sync.RWMutex
	handlers  map[string][]MessageHandler

	stans atomic.Uint64

	connected int32
	closed    int32
	done      chan struct{}
	workers   sync.WaitGroup
}

// New creates a client. Nothing is dialed until Connect.
func New(config Config) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	codec, err := iso8583.NewCodec(config.Specs, config.Header)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:   config,
		codec:    codec,
		logger:   log.New(config.LogLevel).With(log.String("component", "sdk-client"), log.String("identity", config.Identity)),
		pending:  make(map[string]chan *iso8583.Message),
		handlers: make(map[string][]MessageHandler),
		done:     make(chan struct{}),
	}, nil
}

// Connect dials both channels and signs the identity on. With a
// SignOnTimeout configured it waits for the 0810 acknowledgement.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	push, err := dialer.DialContext(ctx, "tcp", c.config.SendAddr)
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return fmt.Errorf("dialing send channel: %w", err)
	}
	request, err := dialer.DialContext(ctx, "tcp", c.config.ReceiveAddr)
	if err != nil {
		_ = push.Close()
		atomic.StoreInt32(&c.connected, 0)
		return fmt.Errorf("dialing receive channel: %w", err)
	}
	c.pushConn = push
	c.requestConn = request

	c.workers.Add(1)
	go c.readLoop()

	if err := c.signOn(ctx); err != nil {
		_ = c.Close()
		return err
	}

	c.logger.Info("connected",
		log.String("receive_addr", c.config.ReceiveAddr),
		log.String("send_addr", c.config.SendAddr))
	return nil
}

// signOn binds the identity by sending an 0800 sign-on over the send
// channel. The simulator learns the identity from the routing field of the
// first frame it sees on that socket.
func (c *Client) signOn(ctx context.Context) error {
	msg := iso8583.NewMessage("0800")
	stan := c.nextStan()
	if err := msg.SetField(c.config.StanField, stan); err != nil {
		return err
	}
	if err := msg.SetField(c.config.RoutingField, c.config.Identity); err != nil {
		return err
	}
	if err := msg.SetField(70, "001"); err != nil {
		return err
	}

	if c.config.SignOnTimeout <= 0 {
		return c.write(c.pushConn, msg)
	}

	ch := make(chan *iso8583.Message, 1)
	c.pendingMu.Lock()
	c.pending[stan] = ch
	c.pendingMu.Unlock()
	defer c.unregister(stan)

	if err := c.write(c.pushConn, msg); err != nil {
		return err
	}

	timer := time.NewTimer(c.config.SignOnTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if code, err := ack.GetString(39); err == nil && code != "00" {
			return fmt.Errorf("%w: response code %s", ErrSignOnFailed, code)
		}
		return nil
	case <-timer.C:
		return ErrSignOnFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request submits a request over the receive channel and waits for the
// correlated response on the send channel. A missing trace number is
// filled in; the routing field is always stamped with the client identity.
func (c *Client) Request(ctx context.Context, msg *iso8583.Message) (*iso8583.Message, error) {
	if atomic.LoadInt32(&c.connected) == 0 {
		return nil, ErrNotConnected
	}

	stan, err := msg.GetString(c.config.StanField)
	if err != nil || stan == "" {
		stan = c.nextStan()
		if err := msg.SetField(c.config.StanField, stan); err != nil {
			return nil, err
		}
	}
	if err := msg.SetField(c.config.RoutingField, c.config.Identity); err != nil {
		return nil, err
	}

	ch := make(chan *iso8583.Message, 1)
	c.pendingMu.Lock()
	if _, exists := c.pending[stan]; exists {
		c.pendingMu.Unlock()
		return nil, ErrDuplicateStan
	}
	c.pending[stan] = ch
	c.pendingMu.Unlock()
	defer c.unregister(stan)

	if err := c.write(c.requestConn, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// codedResponse adapts a message to the retry layer's response contract.
type codedResponse struct {
	msg *iso8583.Message
}

func (r codedResponse) ResponseCode() string {
	code, err := r.msg.GetString(39)
	if err != nil {
		return ""
	}
	return code
}

// RequestWithRetry drives Request through the configured retry policy,
// re-submitting on transient response codes and timeouts. Each attempt
// gets a fresh trace number so the simulator never sees a duplicate.
func (c *Client) RequestWithRetry(ctx context.Context, msg *iso8583.Message, listeners ...retry.Listener) (*iso8583.Message, error) {
	policy := c.config.Retry
	if policy.RetryableError == nil {
		policy.RetryableError = func(err error) bool {
			return errors.Is(err, ErrRequestTimeout)
		}
	}

	resp, err := retry.Do(ctx, msg,
		func(ctx context.Context, req *iso8583.Message) (codedResponse, error) {
			attempt := req.Clone()
			attempt.Unset(c.config.StanField)
			got, err := c.Request(ctx, attempt)
			return codedResponse{msg: got}, err
		},
		policy, listeners...)
	if err != nil {
		return nil, err
	}
	return resp.msg, nil
}

// Handle registers a handler for simulator-originated messages with the
// given MTI, echo probes for example.
func (c *Client) Handle(mti string, handler MessageHandler) {
	c.handlerMu.Lock()
	c.handlers[mti] = append(c.handlers[mti], handler)
	c.handlerMu.Unlock()
}

// Reply answers a simulator-originated request over the send channel.
func (c *Client) Reply(msg *iso8583.Message) error {
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}
	return c.write(c.pushConn, msg)
}

// NextStan returns a fresh trace number, for callers prefilling requests.
func (c *Client) NextStan() string {
	return c.nextStan()
}

// Close tears both channels down and stops the read loop.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return ErrClientClosed
	}
	atomic.StoreInt32(&c.connected, 0)
	close(c.done)
	if c.pushConn != nil {
		_ = c.pushConn.Close()
	}
	if c.requestConn != nil {
		_ = c.requestConn.Close()
	}
	c.workers.Wait()
	c.logger.Info("closed")
	return nil
}

func (c *Client) nextStan() string {
	return fmt.Sprintf("%06d", c.stans.Add(1)%1000000)
}

func (c *Client) write(conn net.Conn, msg *iso8583.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = conn.Write(frame)
	return err
}

func (c *Client) unregister(stan string) {
	c.pendingMu.Lock()
	delete(c.pending, stan)
	c.pendingMu.Unlock()
}

// readLoop drains the send channel: correlated responses wake their
// waiters, everything else goes to the registered handlers.
func (c *Client) readLoop() {
	defer c.workers.Done()

	decoder := iso8583.NewStreamDecoder(c.codec)
	buf := make([]byte, c.config.ReadBufferSize)
	for {
		n, err := c.pushConn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				msg, decErr := decoder.Next()
				if decErr != nil {
					c.logger.Error("frame error on send channel", log.Error(decErr))
					return
				}
				if msg == nil {
					break
				}
				c.dispatch(msg)
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("send channel closed", log.Error(err))
			}
			return
		}
	}
}

func (c *Client) dispatch(msg *iso8583.Message) {
	if stan, err := msg.GetString(c.config.StanField); err == nil && stan != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[stan]
		if ok {
			delete(c.pending, stan)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	c.handlerMu.RLock()
	handlers := c.handlers[msg.MTI()]
	c.handlerMu.RUnlock()
	if len(handlers) == 0 {
		c.logger.Debug("unhandled push message", log.String("mti", msg.MTI()))
		return
	}
	for _, handler := range handlers {
		if err := handler(msg); err != nil {
			c.logger.Warn("message handler failed", log.String("mti", msg.MTI()), log.Error(err))
		}
	}
}
