// Package push maintains the connection to the backend's push channel.
//
// The channel has no replay: an envelope published while the client is
// disconnected is lost. The client therefore reports connectivity changes
// so the engine can re-pull on reconnect.
package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/pathwatch/internal/decode"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/logging"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// Conn is an open push connection yielding raw frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Options configures a Client.
type Options struct {
	URL        string
	Dialer     Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *logging.Logger
	// Raw, when set, sees every frame before decoding (journal recording).
	Raw func(frame []byte)
}

// Client reads envelopes from the push channel and reconnects with
// exponential backoff.
type Client struct {
	url        string
	dialer     Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *logging.Logger
	raw        func([]byte)

	mu          sync.RWMutex
	connected   bool
	latest      model.Envelope
	hasLatest   bool
	onEnvelope  []func(model.Envelope)
	onConnected []func(bool)
}

// NewClient creates a Client. Run starts it.
func NewClient(opts Options) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Client{
		url:        opts.URL,
		dialer:     opts.Dialer,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger.WithComponent("push"),
		raw:        opts.Raw,
	}
}

// OnEnvelope registers fn for every decoded envelope. Handlers run on the
// client's read goroutine and must not block.
func (c *Client) OnEnvelope(fn func(model.Envelope)) {
	c.mu.Lock()
	c.onEnvelope = append(c.onEnvelope, fn)
	c.mu.Unlock()
}

// OnConnectivity registers fn for connectivity changes.
func (c *Client) OnConnectivity(fn func(connected bool)) {
	c.mu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.mu.Unlock()
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Latest returns the most recently received envelope.
func (c *Client) Latest() (model.Envelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.hasLatest
}

// Run connects and reads until ctx is done. Connection failures are
// retried forever; once ctx is done Run returns an error matching both
// errors.ErrChannelClosed and ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	if c.dialer == nil {
		return errors.NewTransportError("push client has no dialer", errors.ErrNotConnected)
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setConnected(false)
			return closed(ctx)
		}

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			attempt++
			terr := errors.NewTransportError("dial push channel", err).WithURL(c.url).WithAttempt(attempt)
			c.logger.Warn("push connect failed", "error", terr.Error())
			if wait(ctx, c.backoff(attempt)) != nil {
				c.setConnected(false)
				return closed(ctx)
			}
			continue
		}

		attempt = 0
		c.logger.Info("push connected", "url", c.url)
		c.setConnected(true)
		err = c.readLoop(ctx, conn)
		_ = conn.Close()
		c.setConnected(false)

		if ctx.Err() != nil {
			return closed(ctx)
		}
		attempt++
		terr := errors.NewTransportError("push connection lost", err).WithURL(c.url).WithAttempt(attempt)
		c.logger.Warn("push disconnected", "error", terr.Error())
		if wait(ctx, c.backoff(attempt)) != nil {
			return closed(ctx)
		}
	}
}

func closed(ctx context.Context) error {
	return fmt.Errorf("%w: %w", errors.ErrChannelClosed, ctx.Err())
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if c.raw != nil {
			c.raw(frame)
		}
		env, err := decode.Envelope(frame)
		if err != nil {
			c.logger.Debug("dropping push frame", "error", err.Error(), "bytes", len(frame))
			continue
		}
		c.deliver(env)
	}
}

// Inject delivers env as if it had been read from the channel.
func (c *Client) Inject(env model.Envelope) {
	c.deliver(env)
}

func (c *Client) deliver(env model.Envelope) {
	c.mu.Lock()
	c.latest = env
	c.hasLatest = true
	handlers := append([]func(model.Envelope){}, c.onEnvelope...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	if c.connected == v {
		c.mu.Unlock()
		return
	}
	c.connected = v
	handlers := append([]func(bool){}, c.onConnected...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(v)
	}
}

// backoff returns the delay before reconnect attempt n (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.minBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	return delay
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
