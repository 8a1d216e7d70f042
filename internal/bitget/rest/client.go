package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"bg-perp-connector/internal/bitget"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
	creds   bitget.Credentials
	limiter *rate.Limiter
	now     func() time.Time

	offsetMS     atomic.Int64
	needsResync  atomic.Bool
	timeResyncs  atomic.Uint64
	onTimeResync func()
}

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

func New(opts Options, creds bitget.Credentials, log *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = bitget.DefaultRESTURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http: &http.Client{
			Timeout: opts.Timeout,
		},
		log:     log,
		creds:   creds,
		limiter: rate.NewLimiter(limit, opts.Burst),
		now:     time.Now,
	}
}

// OnTimeResync registers a hook run after each clock resynchronization.
func (c *Client) OnTimeResync(fn func()) {
	c.onTimeResync = fn
}

// Get issues a GET and returns the envelope's data field.
func (c *Client) Get(ctx context.Context, path string, params url.Values, auth bool) (any, error) {
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	return c.do(ctx, http.MethodGet, path, query, nil, auth)
}

// Post issues a JSON POST and returns the envelope's data field.
func (c *Client) Post(ctx context.Context, path string, body map[string]any, auth bool) (any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, "", payload, auth)
}

// SyncTime measures the offset between the venue clock and the local clock.
func (c *Client) SyncTime(ctx context.Context) error {
	before := c.now()
	data, err := c.do(ctx, http.MethodGet, bitget.PathServerTime, "", nil, false)
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	after := c.now()
	m, _ := bitget.ToMap(data)
	server := bitget.TimeFromMillis(m, "serverTime")
	if server.IsZero() {
		return errors.New("server time missing from response")
	}
	local := before.Add(after.Sub(before) / 2)
	offset := server.Sub(local).Milliseconds()
	c.offsetMS.Store(offset)
	c.needsResync.Store(false)
	c.timeResyncs.Add(1)
	c.log.Info("server time synced", zap.Int64("offset_ms", offset))
	if c.onTimeResync != nil {
		c.onTimeResync()
	}
	return nil
}

func (c *Client) TimeResyncs() uint64 {
	return c.timeResyncs.Load()
}

func (c *Client) Offset() time.Duration {
	return time.Duration(c.offsetMS.Load()) * time.Millisecond
}

// ServerNow is the local clock corrected by the last measured offset.
func (c *Client) ServerNow() time.Time {
	return c.now().Add(c.Offset())
}

func (c *Client) do(ctx context.Context, method, path, query string, body []byte, auth bool) (any, error) {
	if auth {
		if !c.creds.Valid() {
			return nil, ErrMissingCredentials
		}
		if c.needsResync.Load() {
			if err := c.SyncTime(ctx); err != nil {
				c.log.Warn("clock resync failed", zap.Error(err))
			}
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	target := c.baseURL + path
	if query != "" {
		target += "?" + query
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	if auth {
		ts := c.ServerNow().UnixMilli()
		sign := bitget.Sign(c.creds.SecretKey, bitget.RESTPrehash(ts, method, path, query, string(body)))
		req.Header.Set("ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("ACCESS-SIGN", sign)
		req.Header.Set("ACCESS-TIMESTAMP", fmt.Sprintf("%d", ts))
		req.Header.Set("ACCESS-PASSPHRASE", c.creds.Passphrase)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	data, err := c.decodeEnvelope(resp.StatusCode, raw)
	if err != nil && IsTimestampError(err) {
		c.needsResync.Store(true)
	}
	return data, err
}

func (c *Client) decodeEnvelope(status int, raw []byte) (any, error) {
	payload, decodeErr := bitget.Decode(raw)
	envelope, ok := bitget.ToMap(payload)
	if decodeErr != nil || !ok {
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("http %d: %s", status, truncate(raw, 2048))
		}
		return nil, fmt.Errorf("decode response: %w", errors.Join(decodeErr, errors.New("unexpected response shape")))
	}
	code := bitget.StringFromMap(envelope, "code")
	if status < 200 || status >= 300 || (code != "" && code != bitget.SuccessCode) {
		return nil, &APIError{
			HTTPStatus: status,
			Code:       code,
			Msg:        bitget.StringFromMap(envelope, "msg", "message"),
		}
	}
	return envelope["data"], nil
}

func truncate(raw []byte, n int) string {
	if len(raw) > n {
		raw = raw[:n]
	}
	return strings.TrimSpace(string(raw))
}
