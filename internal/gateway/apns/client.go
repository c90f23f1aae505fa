// Package apns implements the binary-protocol client for Apple's push
// gateway: a persistent TLS connection writing enhanced-format frames, a read
// loop for the out-of-band error responses, and the separate feedback channel
// that streams back unregistered tokens.
//
// Apple never acknowledges success. A send is considered delivered when no
// error frame names its request id within the ack timeout, and every send
// still pending when the gateway drops the connection is considered
// delivered too.
package apns

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/postal-io/postal/internal/gateway"
	"github.com/postal-io/postal/internal/message"
)

const (
	defaultAckTimeout       = time.Second
	defaultDialTimeout      = 60 * time.Second
	defaultFeedbackInterval = 10 * time.Minute
	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectMax     = time.Minute

	removalsBuffer = 256
)

// DialFunc opens one connection to a gateway. Injected in tests.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config holds the client settings. Zero durations fall back to defaults.
type Config struct {
	GatewayAddr  string
	FeedbackAddr string
	CertFile     string
	KeyFile      string

	// AckTimeout is the positive-acknowledgement-by-timeout window per send.
	AckTimeout time.Duration
	// FeedbackInterval is how often the feedback channel is drained.
	FeedbackInterval time.Duration
	DialTimeout      time.Duration

	// Reconnects back off exponentially (with jitter) between these bounds.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.FeedbackInterval <= 0 {
		cfg.FeedbackInterval = defaultFeedbackInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = defaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
}

type pendingSend struct {
	token    string
	done     chan error
	timer    *time.Timer
	resolved chan struct{}
}

// Client speaks the binary protocol to one gateway. All connection state and
// the pending-send map are owned by a single event loop; Deliver and the
// background readers communicate with it through the ops channel.
type Client struct {
	cfg          Config
	dial         DialFunc
	dialFeedback DialFunc
	log          *slog.Logger
	certErr      error

	requestID uint32 // last assigned id; loop-owned

	ops      chan func()
	done     chan struct{}
	removals chan string

	closeOnce sync.Once

	// Loop-owned state. Never touched outside the event loop.
	conn        net.Conn
	connecting  bool
	disposed    bool
	queue       [][]byte
	pending     map[uint32]*pendingSend
	backoff     *backoff.ExponentialBackOff
	backoffNext time.Time
}

// New creates a client for the configured gateway. A certificate that fails
// to load does not fail construction: it surfaces on every Deliver as
// ErrTLSNotAvailable, matching the fatal-at-first-use contract.
func New(cfg Config, logger *slog.Logger) *Client {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		c := newClient(cfg, nil, nil, logger)
		c.certErr = fmt.Errorf("%w: %v", ErrTLSNotAvailable, err)
		logger.Error("APNs certificate unavailable, deliveries will fail", "err", err)
		return c
	}

	gatewayDial := tlsDial(cfg.GatewayAddr, cert)
	feedbackDial := tlsDial(cfg.FeedbackAddr, cert)
	return newClient(cfg, gatewayDial, feedbackDial, logger)
}

// newClient wires the event loop; tests inject their own dial functions.
func newClient(cfg Config, dial, dialFeedback DialFunc, logger *slog.Logger) *Client {
	cfg.applyDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectInitial
	bo.MaxInterval = cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	c := &Client{
		cfg:          cfg,
		dial:         dial,
		dialFeedback: dialFeedback,
		log:          logger.With("component", "APNSClient"),
		requestID:    randomUint32(),
		ops:          make(chan func()),
		done:         make(chan struct{}),
		removals:     make(chan string, removalsBuffer),
		pending:      make(map[uint32]*pendingSend),
		backoff:      bo,
	}
	go c.run()
	go c.feedbackLoop()
	return c
}

func tlsDial(addr string, cert tls.Certificate) DialFunc {
	host, _, _ := net.SplitHostPort(addr)
	tlsCfg := &tls.Config{
		ServerName:   host,
		Certificates: []tls.Certificate{cert},
	}
	return func(ctx context.Context) (net.Conn, error) {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{KeepAlive: 10 * time.Second},
			Config:    tlsCfg,
		}
		return dialer.DialContext(ctx, "tcp", addr)
	}
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// Removals implements gateway.Client.
func (c *Client) Removals() <-chan string {
	return c.removals
}

// Deliver encodes one frame for the token and enqueues it. The returned
// channel resolves with nil after the ack timeout, or with the mapped error
// kind if the gateway rejects the request id first.
func (c *Client) Deliver(ctx context.Context, identity string, msg *message.Bundle) <-chan error {
	done := make(chan error, 1)

	if c.certErr != nil {
		done <- c.certErr
		return done
	}
	if msg == nil || msg.APNS == nil {
		done <- gateway.ErrMissingPayload
		return done
	}
	token, err := decodeToken(identity)
	if err != nil {
		done <- err
		return done
	}
	payload, err := msg.APNS.Payload()
	if err != nil {
		done <- err
		return done
	}
	if len(payload) > maxPayloadLength {
		done <- ErrInvalidPayloadSize
		return done
	}

	var expiry uint32
	if t, ok := msg.APNS.Expiry(); ok {
		expiry = uint32(t.Unix())
	}

	op := func() {
		c.enqueue(ctx, identity, expiry, token, payload, done)
	}
	select {
	case c.ops <- op:
	case <-c.done:
		done <- gateway.ErrCancelled
	case <-ctx.Done():
		done <- gateway.ErrCancelled
	}
	return done
}

// Close disposes the client: the gateway connection is dropped, every
// outstanding completion fails with ErrCancelled and the feedback schedule
// stops. A disposed client is terminal.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		disposed := make(chan struct{})
		select {
		case c.ops <- func() { c.dispose(disposed) }:
			<-disposed
		case <-c.done:
		}
	})
	return nil
}

// run is the event loop. Every mutation of connection state and the pending
// map happens here.
func (c *Client) run() {
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.done:
			return
		}
	}
}

// post hands work to the event loop from a background goroutine. It reports
// false when the client is already disposed.
func (c *Client) post(op func()) bool {
	select {
	case c.ops <- op:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) nextRequestID() uint32 {
	c.requestID++ // wrap-around allowed
	return c.requestID
}

func (c *Client) enqueue(ctx context.Context, identity string, expiry uint32, token, payload []byte, done chan error) {
	if c.disposed {
		done <- gateway.ErrCancelled
		return
	}

	id := c.nextRequestID()
	frame := encodeFrame(id, expiry, token, payload)

	p := &pendingSend{
		token:    identity,
		done:     done,
		resolved: make(chan struct{}),
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.cfg.AckTimeout, func() {
		// No error frame named this id in time: infer success.
		c.post(func() { c.complete(id, nil) })
	})

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.post(func() { c.complete(id, gateway.ErrCancelled) })
			case <-p.resolved:
			}
		}()
	}

	if c.conn != nil {
		c.write(frame)
		return
	}
	c.queue = append(c.queue, frame)
	c.maybeConnect()
}

// complete resolves a pending send. Races between the ack timer and an error
// frame are settled here: whoever finds the id still in the map wins.
func (c *Client) complete(id uint32, err error) {
	p, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	p.timer.Stop()
	close(p.resolved)
	p.done <- err
}

func (c *Client) write(frame []byte) {
	if _, err := c.conn.Write(frame); err != nil {
		c.log.Warn("gateway write failed", "err", err)
		c.dropConn()
	}
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) maybeConnect() {
	if c.connecting || c.conn != nil || c.disposed || c.dial == nil {
		return
	}
	if !time.Now().After(c.backoffNext) {
		// Rate-limited; the next Deliver retries once the window passes.
		return
	}
	c.connecting = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		defer cancel()
		conn, err := c.dial(ctx)
		if !c.post(func() { c.connected(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) connected(conn net.Conn, err error) {
	c.connecting = false
	if c.disposed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		wait := c.backoff.NextBackOff()
		c.backoffNext = time.Now().Add(wait)
		c.log.Warn("gateway connect failed", "err", err, "retry_after", wait)
		return
	}

	c.log.Info("connected to gateway", "addr", c.cfg.GatewayAddr)
	c.backoff.Reset()
	c.backoffNext = time.Time{}
	c.conn = conn
	go c.readLoop(conn)

	// Drain frames enqueued while connecting, in order.
	queued := c.queue
	c.queue = nil
	for _, frame := range queued {
		if c.conn == nil {
			c.queue = append(c.queue, frame)
			continue
		}
		c.write(frame)
	}
}

// readLoop consumes the gateway's only traffic: 6-byte error frames. Any read
// failure means the peer closed the connection.
func (c *Client) readLoop(conn net.Conn) {
	buf := make([]byte, errorFrameLength)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			c.post(func() { c.handleEOF(conn) })
			return
		}
		command := buf[0]
		status := buf[1]
		id := binary.BigEndian.Uint32(buf[2:errorFrameLength])
		c.post(func() { c.handleErrorFrame(command, status, id) })
	}
}

func (c *Client) handleErrorFrame(command, status byte, id uint32) {
	if command != commandError {
		c.log.Warn("unrecognized gateway frame", "command", command)
		return
	}
	err := statusError(status)
	p, ok := c.pending[id]
	if !ok {
		c.log.Warn("error frame for unknown request", "request_id", id, "err", err)
		return
	}
	c.log.Warn("gateway rejected send", "request_id", id, "err", err)
	if status == statusInvalidToken {
		c.emitRemoval(p.token)
	}
	c.complete(id, err)
}

// handleEOF runs when the gateway closes the connection. Everything still
// pending is inferred successful; a new connection is established on the
// next Deliver.
func (c *Client) handleEOF(conn net.Conn) {
	if c.conn != conn {
		return // stale read loop from a connection already replaced
	}
	c.log.Info("gateway closed connection", "pending", len(c.pending))
	c.dropConn()
	for id := range c.pending {
		c.complete(id, nil)
	}
}

func (c *Client) dispose(disposed chan struct{}) {
	c.disposed = true
	c.dropConn()
	c.queue = nil
	for id := range c.pending {
		c.complete(id, gateway.ErrCancelled)
	}
	close(c.done)
	close(disposed)
}

func (c *Client) emitRemoval(token string) {
	select {
	case c.removals <- token:
	default:
		c.log.Warn("removal channel full, dropping event", "token", token)
	}
}

// feedbackLoop drains the feedback channel on a fixed schedule. Each tick
// opens a fresh connection, streams records until EOF and closes.
func (c *Client) feedbackLoop() {
	if c.dialFeedback == nil {
		return
	}
	ticker := time.NewTicker(c.cfg.FeedbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.checkFeedback(); err != nil {
				c.log.Warn("feedback check failed", "err", err)
			}
		case <-c.done:
			return
		}
	}
}

// checkFeedback reads fixed 38-byte records: timestamp, token length (always
// 32) and the raw token. Every record raises a removal for the lowercase hex
// encoding of the token.
func (c *Client) checkFeedback() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	conn, err := c.dialFeedback(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	buf := make([]byte, feedbackRecordLength)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		length := binary.BigEndian.Uint16(buf[4:6])
		if length != tokenLength {
			return fmt.Errorf("apns: feedback record with token length %d", length)
		}
		token := hex.EncodeToString(buf[6:feedbackRecordLength])
		select {
		case c.removals <- token:
		case <-c.done:
			return nil
		}
	}
}
