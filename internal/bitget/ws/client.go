package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bg-perp-connector/internal/bitget"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	loginTimeout  = 10 * time.Second
	readLimit     = 4 << 20
	defaultIdle   = 20 * time.Second
	defaultMissed = 2
)

var (
	errNotConnected = errors.New("ws not connected")
	errStale        = errors.New("ws connection stale")
)

type Options struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// IdleTimeout is how long the stream may be silent before a ping probe is sent.
	IdleTimeout    time.Duration
	MaxMissedPongs int
	// Login builds the login argument; nil for public streams.
	Login func() map[string]any
}

type Client struct {
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	subs        []map[string]any
	onReconnect func(ctx context.Context)
	connected   atomic.Bool
	connects    atomic.Uint64
}

func New(opts Options, log *zap.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdle
	}
	if opts.MaxMissedPongs <= 0 {
		opts.MaxMissedPongs = defaultMissed
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{opts: opts, log: log}
}

// Subscribe records the channel so it is replayed on every reconnect.
func (c *Client) Subscribe(ctx context.Context, args ...map[string]any) error {
	if len(args) == 0 {
		return nil
	}
	c.mu.Lock()
	c.subs = append(c.subs, args...)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, subscribeMessage(args))
}

// OnReconnect registers a hook run after every successful reconnect, not the first connect.
func (c *Client) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Reconnects counts connections after the first one.
func (c *Client) Reconnects() uint64 {
	n := c.connects.Load()
	if n == 0 {
		return 0
	}
	return n - 1
}

// Run keeps the stream alive and hands every data message to handler until ctx is done.
func (c *Client) Run(ctx context.Context, handler func([]byte)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectDelay
	bo.MaxInterval = c.opts.MaxReconnectDelay
	for {
		err := c.connect(ctx)
		if err == nil {
			bo.Reset()
			err = c.readLoop(ctx, handler)
		}
		c.connected.Store(false)
		c.resetConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.opts.MaxReconnectDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)
	if c.opts.Login != nil {
		if err := login(ctx, conn, c.opts.Login()); err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "login failed")
			return err
		}
	}
	c.mu.Lock()
	subs := append([]map[string]any(nil), c.subs...)
	hook := c.onReconnect
	c.mu.Unlock()
	if len(subs) > 0 {
		if err := writeJSON(ctx, conn, subscribeMessage(subs)); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return err
		}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	if c.connects.Add(1) > 1 && hook != nil {
		go hook(ctx)
	}
	return nil
}

func login(ctx context.Context, conn *websocket.Conn, args map[string]any) error {
	if err := writeJSON(ctx, conn, map[string]any{"op": "login", "args": []any{args}}); err != nil {
		return err
	}
	loginCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	for {
		_, data, err := conn.Read(loginCtx)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if isPong(data) {
			continue
		}
		payload, err := bitget.Decode(data)
		if err != nil {
			continue
		}
		msg, ok := bitget.ToMap(payload)
		if !ok {
			continue
		}
		switch bitget.StringFromMap(msg, "event") {
		case "login":
			if code := bitget.StringFromMap(msg, "code"); code != "" && code != "0" {
				return fmt.Errorf("login rejected: code %s: %s", code, bitget.StringFromMap(msg, "msg"))
			}
			return nil
		case "error":
			return fmt.Errorf("login rejected: code %s: %s", bitget.StringFromMap(msg, "code"), bitget.StringFromMap(msg, "msg"))
		}
	}
}

func (c *Client) readLoop(ctx context.Context, handler func([]byte)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-readCtx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(c.opts.IdleTimeout)
	defer idle.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case data := <-msgs:
			missed = 0
			resetTimer(idle, c.opts.IdleTimeout)
			if isPong(data) {
				continue
			}
			if handler != nil {
				handler(data)
			}
		case <-idle.C:
			missed++
			if missed > c.opts.MaxMissedPongs {
				return errStale
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
				return err
			}
			idle.Reset(c.opts.IdleTimeout)
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if err == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.String("url", c.opts.URL), zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	c.log.Warn("ws read loop ended", zap.String("url", c.opts.URL), zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func subscribeMessage(args []map[string]any) map[string]any {
	list := make([]any, 0, len(args))
	for _, arg := range args {
		list = append(list, arg)
	}
	return map[string]any{"op": "subscribe", "args": list}
}

func isPong(data []byte) bool {
	return string(data) == "pong"
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
