package signal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"secops_dashboard/camstream/internal/domain"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

const (
	DefaultConnectTimeout       = 5 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultPingInterval         = 15 * time.Second
)

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a signaling channel.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	d *websocket.Dialer
}

func (w wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := w.d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configures a Client. Zero durations and counts take the defaults.
type Options struct {
	URL    string
	Dialer Dialer
	Logger logging.LeveledLogger

	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration

	// Hello is written first on every successful connect.
	Hello *domain.Envelope
}

type subscriber struct {
	id int
	fn func(domain.Envelope)
}

// Client manages the WebSocket connection to the signaling relay.
type Client struct {
	url    string
	dialer Dialer
	log    logging.LeveledLogger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes frame writes on the current conn.
	writeMu sync.Mutex

	mu          sync.Mutex
	conn        Conn
	status      domain.TransportStatus
	subs        []subscriber
	nextSubID   int
	statusFns   []func(domain.TransportStatus)
	reconnectFn []func()

	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewClient creates a signaling client. Nothing is dialed until Connect.
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultLoggerFactory().NewLogger("signal")
	}
	if opts.Dialer == nil {
		opts.Dialer = wsDialer{d: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.ConnectTimeout,
		}}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:    opts.URL,
		dialer: opts.Dialer,
		log:    opts.Logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		status: domain.TransportDisconnected,
	}
}

// Connect dials the relay and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return &domain.TransportError{Op: "connect", Err: domain.ErrTransportClosed}
	}

	c.mu.Lock()
	switch c.status {
	case domain.TransportConnected, domain.TransportConnecting:
		status := c.status
		c.mu.Unlock()
		c.log.Debugf("connect ignored: channel already %s", status)
		return nil
	}
	c.status = domain.TransportConnecting
	c.mu.Unlock()
	c.notify(domain.TransportConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Errorf("connect %s: %v", c.url, err)
		c.setStatus(domain.TransportFailed)
		return &domain.TransportError{Op: "connect", Err: err}
	}

	c.attach(conn)
	return nil
}

// Close shuts down the connection. It is safe to call more than once and
// never triggers a reconnect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			err = conn.Close()
		}

		c.setStatus(domain.TransportDisconnected)
		c.log.Infof("closed")
	})
	return err
}

// Send writes one envelope. Envelopes sent while not connected are dropped
// and counted; the caller decides whether to retry.
func (c *Client) Send(env domain.Envelope) error {
	c.mu.Lock()
	conn, status := c.conn, c.status
	c.mu.Unlock()

	if status != domain.TransportConnected || conn == nil {
		n := c.dropped.Add(1)
		c.log.Warnf("dropping %s for camera %q: channel %s (%d dropped)", env.Type, env.CameraID, status, n)
		return &domain.TransportError{Op: "send", Err: domain.ErrNotConnected}
	}

	return c.write(conn, env)
}

// Subscribe registers fn for every inbound envelope. The returned func removes it.
func (c *Client) Subscribe(fn func(domain.Envelope)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// OnStatus registers a listener for channel status changes.
func (c *Client) OnStatus(fn func(domain.TransportStatus)) {
	c.mu.Lock()
	c.statusFns = append(c.statusFns, fn)
	c.mu.Unlock()
}

// OnReconnect registers fn to run after each successful reconnect. The relay
// forgets negotiations across connections, so owners restart them here.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.reconnectFn = append(c.reconnectFn, fn)
	c.mu.Unlock()
}

// Status returns the current channel status.
func (c *Client) Status() domain.TransportStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Dropped returns how many envelopes were dropped on send.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.log.Infof("connecting to %s", c.url)
	return c.dialer.DialContext(dctx, c.url)
}

func (c *Client) attach(conn Conn) {
	// Hello is the first frame on every conn, so it goes out before Send can
	// see the conn.
	if c.opts.Hello != nil {
		if err := c.write(conn, *c.opts.Hello); err != nil {
			c.log.Warnf("send hello: %v", err)
		}
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.status = domain.TransportConnected
	c.mu.Unlock()

	c.log.Infof("connected")
	c.notify(domain.TransportConnected)

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
}

func (c *Client) write(conn Conn, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Errorf("marshal error: %v", err)
		return &domain.TransportError{Op: "encode", Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.log.Tracef(">>> %s", string(data))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.dropped.Add(1)
		c.log.Warnf("write error: %v", err)
		return &domain.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Client) readLoop(conn Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(done)
			c.handleReadError(conn, err)
			return
		}

		c.log.Tracef("<<< %s", string(data))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnf("unmarshal error: %v", err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.log.Warnf("dropping envelope: %v", err)
			continue
		}

		c.deliver(env)
	}
}

func (c *Client) deliver(env domain.Envelope) {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(env)
	}
}

func (c *Client) handleReadError(conn Conn, err error) {
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.log.Infof("relay closed the channel")
		c.setStatus(domain.TransportDisconnected)
		return
	}

	c.log.Warnf("read error: %v", err)
	c.setStatus(domain.TransportDisconnected)
	c.reconnect()
}

func (c *Client) reconnect() {
	limit := c.opts.MaxReconnectAttempts
	if limit < 1 {
		c.setStatus(domain.TransportFailed)
		return
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if limit > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.ReconnectDelay), uint64(limit-1))
	}
	policy = backoff.WithContext(policy, c.ctx)

	attempt := 0
	var conn Conn
	op := func() error {
		attempt++
		c.log.Infof("reconnect attempt %d/%d", attempt, limit)
		c.setStatus(domain.TransportConnecting)

		var err error
		conn, err = c.dial(c.ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		c.log.Warnf("reconnect failed: %v, retrying in %s", err, next)
	}

	// The first attempt waits the same delay as the others.
	timer := time.NewTimer(c.opts.ReconnectDelay)
	select {
	case <-c.ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.log.Errorf("giving up after %d reconnect attempts: %v", attempt, err)
		c.setStatus(domain.TransportFailed)
		return
	}

	c.attach(conn)

	c.mu.Lock()
	fns := append([]func(){}, c.reconnectFn...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) pingLoop(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			if err != nil {
				c.log.Debugf("ping error: %v", err)
				return
			}
		}
	}
}

func (c *Client) setStatus(s domain.TransportStatus) {
	c.mu.Lock()
	// A closed client only ever reports disconnected.
	if c.status == s || (c.ctx.Err() != nil && s != domain.TransportDisconnected) {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.notify(s)
}

func (c *Client) notify(s domain.TransportStatus) {
	c.mu.Lock()
	fns := append([]func(domain.TransportStatus){}, c.statusFns...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
