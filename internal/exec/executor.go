package exec

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bg-perp-connector/internal/state"

	"github.com/cenkalti/backoff/v5"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const placementKeyPrefix = "cloid:"

// ErrUnconfirmed marks a failed placement the venue may still have accepted.
var ErrUnconfirmed = errors.New("placement unconfirmed")

// Order is a venue-ready placement request. Amounts are already formatted.
type Order struct {
	ClientOrderID string
	Symbol        string
	ProductType   string
	MarginCoin    string
	MarginMode    string
	Side          string
	TradeSide     string
	OrderType     string
	Size          string
	Price         string
	Force         string
	ReduceOnly    bool
}

type CancelRequest struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	ProductType     string
	MarginCoin      string
}

type RestClient interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	CancelOrder(ctx context.Context, req CancelRequest) error
}

// OrderLookup is implemented by clients that can find a placement by its client order id.
// The executor uses it before resubmitting after an unconfirmed attempt.
type OrderLookup interface {
	LookupOrder(ctx context.Context, order Order) (string, bool, error)
}

// Placement is what the store remembers about an accepted order.
type Placement struct {
	ClientOrderID   string `msgpack:"c"`
	ExchangeOrderID string `msgpack:"e"`
	Symbol          string `msgpack:"s"`
	PlacedAtMS      int64  `msgpack:"t"`
}

type Options struct {
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// Unconfirmed reports errors after which the order may exist on the venue anyway.
	Unconfirmed func(error) bool
}

type Executor struct {
	rest  RestClient
	store state.Store
	log   *zap.Logger
	opts  Options

	mu    sync.Mutex
	cache map[string]Placement
}

func New(rest RestClient, store state.Store, opts Options, log *zap.Logger) *Executor {
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		rest:  rest,
		store: store,
		log:   log,
		opts:  opts,
		cache: make(map[string]Placement),
	}
}

// PlaceOrder submits once per client order id. A repeated id returns the remembered exchange id.
func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	if order.ClientOrderID == "" {
		return "", errors.New("client order id is required")
	}
	if p, ok, err := e.lookup(ctx, order.ClientOrderID); err != nil {
		return "", err
	} else if ok {
		e.log.Debug("order already placed", zap.String("client_order_id", order.ClientOrderID), zap.String("exchange_order_id", p.ExchangeOrderID))
		return p.ExchangeOrderID, nil
	}
	finder, _ := e.rest.(OrderLookup)
	unconfirmed := false
	orderID, err := retry(ctx, e.opts, func() (string, error) {
		if unconfirmed && finder != nil {
			id, found, err := finder.LookupOrder(ctx, order)
			if err != nil {
				return "", err
			}
			if found {
				e.log.Info("earlier placement attempt reached the venue",
					zap.String("client_order_id", order.ClientOrderID),
					zap.String("exchange_order_id", id),
				)
				return id, nil
			}
		}
		id, err := e.rest.PlaceOrder(ctx, order)
		if err != nil && e.opts.Unconfirmed != nil && e.opts.Unconfirmed(err) {
			unconfirmed = true
		}
		return id, err
	})
	if err != nil {
		if unconfirmed {
			return "", fmt.Errorf("%w: %w", ErrUnconfirmed, err)
		}
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	p := Placement{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: orderID,
		Symbol:          order.Symbol,
		PlacedAtMS:      time.Now().UnixMilli(),
	}
	e.remember(ctx, p)
	return orderID, nil
}

// Confirm records a placement resolved outside PlaceOrder, such as one found after an unconfirmed submit.
func (e *Executor) Confirm(ctx context.Context, clientOrderID, exchangeOrderID, symbol string) {
	if clientOrderID == "" || exchangeOrderID == "" {
		return
	}
	e.remember(ctx, Placement{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: exchangeOrderID,
		Symbol:          symbol,
		PlacedAtMS:      time.Now().UnixMilli(),
	})
}

func (e *Executor) CancelOrder(ctx context.Context, req CancelRequest) error {
	_, err := retry(ctx, e.opts, func() (struct{}, error) {
		return struct{}{}, e.rest.CancelOrder(ctx, req)
	})
	return err
}

// Forget drops the placement record once the order is terminal.
func (e *Executor) Forget(ctx context.Context, clientOrderID string) {
	e.mu.Lock()
	delete(e.cache, clientOrderID)
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.Delete(ctx, placementKeyPrefix+clientOrderID); err != nil {
		e.log.Warn("failed to delete placement", zap.String("client_order_id", clientOrderID), zap.Error(err))
	}
}

// Pending lists placements persisted by this or a previous run that were never forgotten.
func (e *Executor) Pending(ctx context.Context) ([]Placement, error) {
	if e.store == nil {
		return nil, nil
	}
	entries, err := e.store.List(ctx, placementKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Placement, 0, len(entries))
	for key, raw := range entries {
		p, err := decodePlacement(raw)
		if err != nil {
			e.log.Warn("dropping unreadable placement", zap.String("key", key), zap.Error(err))
			_ = e.store.Delete(ctx, key)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAtMS < out[j].PlacedAtMS })
	return out, nil
}

func (e *Executor) lookup(ctx context.Context, clientOrderID string) (Placement, bool, error) {
	e.mu.Lock()
	p, ok := e.cache[clientOrderID]
	e.mu.Unlock()
	if ok {
		return p, true, nil
	}
	if e.store == nil {
		return Placement{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, placementKeyPrefix+clientOrderID)
	if err != nil || !ok {
		return Placement{}, false, err
	}
	p, err = decodePlacement(raw)
	if err != nil {
		return Placement{}, false, fmt.Errorf("decode placement %s: %w", clientOrderID, err)
	}
	e.mu.Lock()
	e.cache[clientOrderID] = p
	e.mu.Unlock()
	return p, true, nil
}

func (e *Executor) remember(ctx context.Context, p Placement) {
	e.mu.Lock()
	e.cache[p.ClientOrderID] = p
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	raw, err := encodePlacement(p)
	if err != nil {
		e.log.Warn("failed to encode placement", zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, placementKeyPrefix+p.ClientOrderID, raw); err != nil {
		e.log.Warn("failed to persist order id", zap.Error(err))
	}
}

func retry[T any](ctx context.Context, opts Options, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxInterval = opts.MaxBackoff
	return backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err != nil && opts.Retryable != nil && !opts.Retryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(opts.MaxTries))
}

func encodePlacement(p Placement) (string, error) {
	raw, err := msgpack.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePlacement(value string) (Placement, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return Placement{}, err
	}
	var p Placement
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return Placement{}, err
	}
	return p, nil
}
