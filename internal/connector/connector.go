package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"bg-perp-connector/internal/balance"
	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/bitget/rest"
	"bg-perp-connector/internal/exec"
	"bg-perp-connector/internal/funding"
	"bg-perp-connector/internal/metrics"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	defaultPollInterval           = 5 * time.Second
	defaultFundingPollInterval    = 30 * time.Second
	defaultFundingPaymentInterval = time.Minute
)

// RESTClient returns the data field of a venue envelope. Venue errors come back as *rest.APIError.
type RESTClient interface {
	Get(ctx context.Context, path string, params url.Values, auth bool) (any, error)
	Post(ctx context.Context, path string, body map[string]any, auth bool) (any, error)
}

type Stream interface {
	Subscribe(ctx context.Context, args ...map[string]any) error
	OnReconnect(fn func(ctx context.Context))
	Run(ctx context.Context, handler func([]byte)) error
	Connected() bool
}

type clockSyncer interface {
	SyncTime(ctx context.Context) error
}

type Config struct {
	TradingPairs           []string
	PollInterval           time.Duration
	FundingPollInterval    time.Duration
	FundingPaymentInterval time.Duration
	NotFoundLimit          int
	CacheTTL               time.Duration
	CacheSize              int
	PositionMode           positions.Mode
	MarginMode             positions.MarginMode
	// Leverage is applied to every trading pair at start when positive.
	Leverage int
}

type Deps struct {
	REST     RESTClient
	Executor *exec.Executor
	Private  Stream
	Public   Stream
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Status struct {
	Ready         bool
	PrivateStream bool
	PublicStream  bool
	TrackedOrders int
	Positions     int
	LastPoll      time.Time
	LastPollError string
}

// Connector keeps orders, positions, balances and funding state for Bitget perpetuals.
type Connector struct {
	cfg      Config
	rest     RESTClient
	exec     *exec.Executor
	private  Stream
	public   Stream
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
	statuses orders.StatusMap

	tracker *orders.Tracker
	book    *positions.Book
	ledger  *balance.Ledger
	funding *funding.Stream
	symbols *bitget.SymbolMap

	mu              sync.Mutex
	ready           bool
	lastPoll        time.Time
	lastPollErr     error
	lastPayment     map[string]time.Time
	unconfirmed     map[string]struct{}
	paymentHandlers []func(funding.Payment)
}

func New(cfg Config, deps Deps, log *zap.Logger) (*Connector, error) {
	if deps.REST == nil {
		return nil, errors.New("rest client is required")
	}
	statuses, err := bitget.OrderStatuses()
	if err != nil {
		return nil, fmt.Errorf("order status table: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FundingPollInterval <= 0 {
		cfg.FundingPollInterval = defaultFundingPollInterval
	}
	if cfg.FundingPaymentInterval <= 0 {
		cfg.FundingPaymentInterval = defaultFundingPaymentInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Executor == nil {
		deps.Executor = exec.New(NewOrderAPI(deps.REST), nil, exec.Options{
			Retryable:   rest.IsRetryable,
			Unconfirmed: rest.IsUnconfirmed,
		}, log)
	}
	c := &Connector{
		cfg:         cfg,
		rest:        deps.REST,
		exec:        deps.Executor,
		private:     deps.Private,
		public:      deps.Public,
		metrics:     deps.Metrics,
		log:         log,
		now:         deps.Now,
		statuses:    statuses,
		book:        positions.NewBook(cfg.PositionMode, cfg.MarginMode, log),
		ledger:      balance.NewLedger(log),
		symbols:     bitget.NewSymbolMap(),
		lastPayment: make(map[string]time.Time),
		unconfirmed: make(map[string]struct{}),
	}
	c.tracker = orders.NewTracker(orders.Config{
		CacheTTL:      cfg.CacheTTL,
		CacheSize:     cfg.CacheSize,
		NotFoundLimit: cfg.NotFoundLimit,
		Now:           deps.Now,
	}, log)
	c.tracker.AddListener(orders.ListenerFunc(c.onOrderEvent))
	c.funding = funding.NewStream(c, cfg.FundingPollInterval, log)
	return c, nil
}

// AddListener registers an order event sink.
func (c *Connector) AddListener(l orders.Listener) {
	c.tracker.AddListener(l)
}

// OnFundingPayment registers a sink for newly observed funding payments.
func (c *Connector) OnFundingPayment(fn func(funding.Payment)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.paymentHandlers = append(c.paymentHandlers, fn)
	c.mu.Unlock()
}

// Start loads trading rules, applies account modes, restores persisted orders, takes the first snapshot
// and fetches funding info for every pair.
func (c *Connector) Start(ctx context.Context) error {
	if syncer, ok := c.rest.(clockSyncer); ok {
		if err := syncer.SyncTime(ctx); err != nil {
			c.log.Warn("initial server time sync failed", zap.Error(err))
		}
	}
	if err := c.loadTradingRules(ctx); err != nil {
		return err
	}
	c.applyAccountModes(ctx)
	if err := c.restorePending(ctx); err != nil {
		c.log.Warn("restore pending orders failed", zap.Error(err))
	}
	if err := c.Poll(ctx); err != nil {
		c.log.Warn("initial poll incomplete", zap.Error(err))
	}
	for _, pair := range c.TradingPairs() {
		if _, err := c.funding.Ensure(ctx, pair); err != nil {
			c.log.Warn("initial funding info fetch failed", zap.String("trading_pair", pair), zap.Error(err))
		}
	}
	if err := c.subscribe(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Refresh loads trading rules, takes one REST snapshot and fetches funding info for every pair.
// Unlike Start it changes nothing on the account and opens no streams.
func (c *Connector) Refresh(ctx context.Context) error {
	if syncer, ok := c.rest.(clockSyncer); ok {
		if err := syncer.SyncTime(ctx); err != nil {
			c.log.Warn("server time sync failed", zap.Error(err))
		}
	}
	if err := c.loadTradingRules(ctx); err != nil {
		return err
	}
	var errs []error
	if err := c.Poll(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, pair := range c.TradingPairs() {
		if _, err := c.funding.Ensure(ctx, pair); err != nil {
			errs = append(errs, fmt.Errorf("funding %s: %w", pair, err))
		}
	}
	return errors.Join(errs...)
}

// Run drives the polling loop, both streams, the funding stream and the funding payment poll until ctx ends.
func (c *Connector) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(c.runPolling)
	p.Go(c.runFundingPayments)
	p.Go(func(ctx context.Context) error {
		return c.funding.Run(ctx, c.TradingPairs(), nil)
	})
	if c.private != nil {
		p.Go(func(ctx context.Context) error {
			return c.private.Run(ctx, c.handlePrivate)
		})
	}
	if c.public != nil {
		p.Go(func(ctx context.Context) error {
			return c.public.Run(ctx, c.handlePublic)
		})
	}
	err := p.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Connector) TradingPairs() []string {
	if len(c.cfg.TradingPairs) > 0 {
		return append([]string(nil), c.cfg.TradingPairs...)
	}
	return c.symbols.Pairs()
}

func (c *Connector) Orders() []orders.Order {
	return c.tracker.Active()
}

// Order finds a tracked order, falling back to the recently completed cache.
func (c *Connector) Order(clientOrderID string) (orders.Order, bool) {
	if o, ok := c.tracker.Get(clientOrderID); ok {
		return o, true
	}
	return c.tracker.Cached(clientOrderID)
}

func (c *Connector) Positions() []positions.Position {
	return c.book.All()
}

func (c *Connector) Balances() []balance.Balance {
	return c.ledger.All()
}

func (c *Connector) AvailableBalance(asset string) string {
	return c.ledger.Available(asset).String()
}

func (c *Connector) FundingInfo(pair string) (funding.Info, bool) {
	return c.funding.Get(pair)
}

func (c *Connector) FundingInfos() []funding.Info {
	return c.funding.All()
}

func (c *Connector) TradingRule(pair string) (bitget.TradingRule, bool) {
	return c.symbols.Rule(pair)
}

func (c *Connector) PositionMode() positions.Mode {
	return c.book.Mode()
}

func (c *Connector) Status() Status {
	c.mu.Lock()
	st := Status{
		Ready:    c.ready,
		LastPoll: c.lastPoll,
	}
	if c.lastPollErr != nil {
		st.LastPollError = c.lastPollErr.Error()
	}
	c.mu.Unlock()
	if c.private != nil {
		st.PrivateStream = c.private.Connected()
	}
	if c.public != nil {
		st.PublicStream = c.public.Connected()
	}
	st.TrackedOrders = len(c.tracker.Active())
	st.Positions = len(c.book.All())
	return st
}

func (c *Connector) loadTradingRules(ctx context.Context) error {
	for _, productType := range c.productTypes() {
		data, err := c.rest.Get(ctx, bitget.PathContracts, url.Values{"productType": {productType}}, false)
		if err != nil {
			return fmt.Errorf("contracts %s: %w", productType, err)
		}
		rules, err := bitget.ParseContracts(data, productType)
		if err != nil {
			return fmt.Errorf("contracts %s: %w", productType, err)
		}
		for _, rule := range rules {
			c.symbols.Add(rule)
			if rule.Collateral != "" {
				c.ledger.SetCollateral(rule.TradingPair, rule.Collateral)
			}
		}
	}
	for _, pair := range c.cfg.TradingPairs {
		if _, err := c.symbols.ExchangeSymbol(pair); err != nil {
			return fmt.Errorf("trading pair %s: %w", pair, err)
		}
	}
	c.log.Info("trading rules loaded", zap.Int("symbols", c.symbols.Len()))
	return nil
}

func (c *Connector) applyAccountModes(ctx context.Context) {
	if c.cfg.PositionMode != "" {
		if ok, reason := c.SetPositionMode(ctx, c.cfg.PositionMode); !ok {
			c.log.Warn("position mode not applied", zap.String("mode", string(c.cfg.PositionMode)), zap.String("reason", reason))
		}
	}
	if c.cfg.MarginMode != "" {
		if ok, reason := c.SetMarginMode(ctx, c.cfg.MarginMode); !ok {
			c.log.Warn("margin mode not applied", zap.String("mode", string(c.cfg.MarginMode)), zap.String("reason", reason))
		}
	}
	if c.cfg.Leverage > 0 {
		for _, pair := range c.cfg.TradingPairs {
			if ok, reason := c.SetLeverage(ctx, pair, c.cfg.Leverage); !ok {
				c.log.Warn("leverage not applied", zap.String("trading_pair", pair), zap.String("reason", reason))
			}
		}
	}
}

func (c *Connector) subscribe(ctx context.Context) error {
	productTypes := c.productTypes()
	if c.private != nil {
		var args []map[string]any
		for _, productType := range productTypes {
			args = append(args,
				map[string]any{"instType": productType, "channel": bitget.WSChannelOrders, "instId": "default"},
				map[string]any{"instType": productType, "channel": bitget.WSChannelPositions, "instId": "default"},
				map[string]any{"instType": productType, "channel": bitget.WSChannelAccount, "coin": bitget.DefaultWSAccountCoin},
			)
		}
		if err := c.private.Subscribe(ctx, args...); err != nil {
			return fmt.Errorf("subscribe private: %w", err)
		}
		c.private.OnReconnect(func(ctx context.Context) {
			c.log.Info("private stream reconnected, reconciling")
			c.metrics.WSReconnects.Inc()
			if err := c.Poll(ctx); err != nil {
				c.log.Warn("reconnect reconciliation incomplete", zap.Error(err))
			}
		})
	}
	if c.public != nil {
		var args []map[string]any
		for _, pair := range c.TradingPairs() {
			rule, ok := c.symbols.Rule(pair)
			if !ok {
				continue
			}
			args = append(args, map[string]any{"instType": rule.ProductType, "channel": bitget.WSChannelTicker, "instId": rule.Symbol})
		}
		if err := c.public.Subscribe(ctx, args...); err != nil {
			return fmt.Errorf("subscribe public: %w", err)
		}
		c.public.OnReconnect(func(context.Context) {
			c.metrics.WSReconnects.Inc()
		})
	}
	return nil
}

// productTypes covers the configured pairs, or every product family when none are configured.
func (c *Connector) productTypes() []string {
	if len(c.cfg.TradingPairs) == 0 {
		return append([]string(nil), bitget.ProductTypes...)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, pair := range c.cfg.TradingPairs {
		productType := c.productType(pair)
		if _, ok := seen[productType]; ok {
			continue
		}
		seen[productType] = struct{}{}
		out = append(out, productType)
	}
	sort.Strings(out)
	return out
}

func (c *Connector) productType(pair string) string {
	if rule, ok := c.symbols.Rule(pair); ok && rule.ProductType != "" {
		return rule.ProductType
	}
	return bitget.ProductTypeFor(pair)
}

func (c *Connector) onOrderEvent(ev orders.Event) {
	id := ev.Order.ClientOrderID
	switch ev.Kind {
	case orders.EventCreated:
		if ev.Order.Action == orders.ActionClose {
			return
		}
		margin := balance.Margin(ev.Order.Amount, ev.Order.Price, ev.Order.Leverage)
		c.ledger.Reserve(id, c.ledger.CollateralFor(ev.Order.TradingPair), margin)
	case orders.EventFilled:
		c.metrics.FillsApplied.Inc()
	case orders.EventCanceled:
		c.ledger.Release(id)
		c.exec.Forget(context.Background(), id)
	case orders.EventFailed:
		c.ledger.Release(id)
		c.exec.Forget(context.Background(), id)
		c.metrics.OrdersFailed.Inc()
		if ev.Reason == orders.ReasonLost {
			c.metrics.OrdersLost.Inc()
		}
	case orders.EventCompleted:
		c.ledger.Forget(id)
		c.exec.Forget(context.Background(), id)
	}
}
