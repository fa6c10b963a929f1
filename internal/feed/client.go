package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("feed not connected")

// Client is a reconnecting market-data websocket. Every inbound frame counts as a
// heartbeat so a watchdog can detect a stalled feed.
type Client struct {
	name           string
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
	onMessage      func(name string)

	mu          sync.Mutex
	conn        *websocket.Conn
	subs        []any
	lastMessage time.Time
	reconnects  int
}

type Options struct {
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	// OnMessage runs after every frame read, outside the client lock.
	OnMessage func(name string)
}

func New(name, url string, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	return &Client{
		name:           name,
		url:            url,
		reconnectDelay: opts.ReconnectDelay,
		pingInterval:   opts.PingInterval,
		log:            log.With(zap.String("feed", name)),
		onMessage:      opts.OnMessage,
	}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Subscribe records sub for replay on reconnect and sends it when connected.
func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeJSON(ctx, conn, sub)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// LastMessage is zero until the first frame arrives.
func (c *Client) LastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Healthy reports a live connection that produced a frame within maxSilence.
func (c *Client) Healthy(maxSilence time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	if maxSilence <= 0 || c.lastMessage.IsZero() {
		return true
	}
	return time.Since(c.lastMessage) <= maxSilence
}

// Run reads until ctx is done, reconnecting after read errors.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("feed connect failed", zap.Error(err))
			if !c.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			c.resetConn()
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
		if !c.wait(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Client) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.reconnectDelay):
		return true
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			c.resetConn()
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastMessage = time.Now()
		c.mu.Unlock()
		if c.onMessage != nil {
			c.onMessage(c.name)
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("feed read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("feed read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("feed read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

// Close drops the connection. A running Run loop reconnects unless its context is done.
func (c *Client) Close() {
	c.resetConn()
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
