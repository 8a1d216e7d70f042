package orders

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL      = 30 * time.Second
	defaultCacheSize     = 1000
	defaultNotFoundLimit = 3
)

// ReasonLost is the failure reason of an order dropped after repeated not-found responses.
const ReasonLost = "order lost"

type Config struct {
	CacheTTL      time.Duration
	CacheSize     int
	NotFoundLimit int
	Now           func() time.Time
}

type entry struct {
	order  Order
	trades map[string]struct{}
	// terminal by status but executed < amount
	awaitingFills bool
}

type cachedEntry struct {
	entry     *entry
	expiresAt time.Time
	elem      *list.Element
}

// Tracker is the source of truth for submitted orders that are not confirmed terminal.
type Tracker struct {
	log *zap.Logger
	cfg Config

	mu         sync.Mutex
	active     map[string]*entry
	byExchange map[string]string
	cached     map[string]*cachedEntry
	cacheOrder *list.List
	notFound   map[string]int
	listeners  []Listener
}

func NewTracker(cfg Config, log *zap.Logger) *Tracker {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.NotFoundLimit <= 0 {
		cfg.NotFoundLimit = defaultNotFoundLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		log:        log,
		cfg:        cfg,
		active:     make(map[string]*entry),
		byExchange: make(map[string]string),
		cached:     make(map[string]*cachedEntry),
		cacheOrder: list.New(),
		notFound:   make(map[string]int),
	}
}

func (t *Tracker) AddListener(l Listener) {
	if l == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// StartTracking inserts a PENDING_CREATE order. It returns false when the client id is already known.
func (t *Tracker) StartTracking(req NewOrder) bool {
	if req.ClientOrderID == "" {
		t.log.Warn("start tracking without client order id")
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneCacheLocked()
	if _, ok := t.active[req.ClientOrderID]; ok {
		t.log.Debug("order already tracked", zap.String("client_order_id", req.ClientOrderID))
		return false
	}
	if _, ok := t.cached[req.ClientOrderID]; ok {
		t.log.Debug("order recently completed", zap.String("client_order_id", req.ClientOrderID))
		return false
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = t.cfg.Now()
	}
	action := req.Action
	if action == "" {
		action = ActionNil
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	t.active[req.ClientOrderID] = &entry{
		order: Order{
			ClientOrderID: req.ClientOrderID,
			TradingPair:   req.TradingPair,
			Type:          req.Type,
			Side:          req.Side,
			Price:         req.Price,
			Amount:        req.Amount,
			Action:        action,
			Leverage:      leverage,
			State:         StatePendingCreate,
			CreatedAt:     created,
			UpdatedAt:     created,
			ExecutedBase:  decimal.Zero,
			ExecutedQuote: decimal.Zero,
			Fees:          map[string]decimal.Decimal{},
		},
		trades: make(map[string]struct{}),
	}
	return true
}

// ProcessOrderUpdate applies a venue status. Updates for unknown or recently completed orders are dropped.
func (t *Tracker) ProcessOrderUpdate(update OrderUpdate) bool {
	t.mu.Lock()
	e := t.lookupActiveLocked(update.ClientOrderID, update.ExchangeOrderID)
	if e == nil {
		t.mu.Unlock()
		t.log.Debug("order update for untracked order",
			zap.String("client_order_id", update.ClientOrderID),
			zap.String("exchange_order_id", update.ExchangeOrderID),
			zap.Stringer("state", update.State),
		)
		return false
	}
	delete(t.notFound, e.order.ClientOrderID)
	now := update.Time
	if now.IsZero() {
		now = t.cfg.Now()
	}
	t.bindExchangeIDLocked(e, update.ExchangeOrderID)
	prev := e.order.State
	if !acceptTransition(prev, update.State) {
		t.mu.Unlock()
		return false
	}
	e.order.State = update.State
	e.order.UpdatedAt = now
	events := []Event{{Kind: EventStateChanged, Order: e.order.clone(), Previous: prev, Time: now}}
	if prev == StatePendingCreate && (update.State == StateOpen || update.State == StatePartiallyFilled) {
		events = append(events, Event{Kind: EventCreated, Order: e.order.clone(), Previous: prev, Time: now})
	}
	switch update.State {
	case StateFilled:
		if e.order.IsFullyFilled() {
			events = append(events, t.completeLocked(e, now))
		} else {
			e.awaitingFills = true
		}
	case StateCanceled:
		events = append(events, Event{Kind: EventCanceled, Order: e.order.clone(), Previous: prev, Time: now})
		t.moveToCacheLocked(e)
	case StateFailed:
		events = append(events, Event{Kind: EventFailed, Order: e.order.clone(), Previous: prev, Time: now})
		t.moveToCacheLocked(e)
	}
	t.mu.Unlock()
	t.dispatch(events)
	return true
}

// ProcessTradeUpdate applies one fill at most once per trade id.
func (t *Tracker) ProcessTradeUpdate(trade TradeUpdate) bool {
	if trade.TradeID == "" {
		t.log.Warn("trade update without trade id", zap.String("client_order_id", trade.ClientOrderID))
		return false
	}
	if !trade.FillBase.IsPositive() {
		t.log.Debug("skipping non-positive fill", zap.String("trade_id", trade.TradeID))
		return false
	}
	t.mu.Lock()
	e, cached := t.lookupAnyLocked(trade.ClientOrderID, trade.ExchangeOrderID)
	if e == nil {
		t.mu.Unlock()
		t.log.Debug("trade for untracked order",
			zap.String("trade_id", trade.TradeID),
			zap.String("client_order_id", trade.ClientOrderID),
			zap.String("exchange_order_id", trade.ExchangeOrderID),
		)
		return false
	}
	if _, seen := e.trades[trade.TradeID]; seen {
		t.mu.Unlock()
		return false
	}
	e.trades[trade.TradeID] = struct{}{}
	if !cached {
		t.bindExchangeIDLocked(e, trade.ExchangeOrderID)
	}
	remaining := e.order.Remaining()
	if !remaining.IsPositive() {
		t.mu.Unlock()
		t.log.Warn("fill exceeds order amount",
			zap.String("trade_id", trade.TradeID),
			zap.String("client_order_id", e.order.ClientOrderID),
		)
		return false
	}
	applied := capFill(trade, remaining)
	now := trade.FillTime
	if now.IsZero() {
		now = t.cfg.Now()
	}
	e.order.ExecutedBase = e.order.ExecutedBase.Add(applied.FillBase)
	e.order.ExecutedQuote = e.order.ExecutedQuote.Add(applied.FillQuote)
	for _, fee := range applied.Fee.Amounts {
		e.order.Fees[fee.Asset] = e.order.Fees[fee.Asset].Add(fee.Amount)
	}
	e.order.UpdatedAt = now

	var events []Event
	prev := e.order.State
	if !cached && !prev.IsTerminal() && prev != StatePendingCancel && !e.order.IsFullyFilled() && prev != StatePartiallyFilled {
		e.order.State = StatePartiallyFilled
		events = append(events, Event{Kind: EventStateChanged, Order: e.order.clone(), Previous: prev, Time: now})
		if prev == StatePendingCreate {
			events = append(events, Event{Kind: EventCreated, Order: e.order.clone(), Previous: prev, Time: now})
		}
	}
	events = append(events, Event{Kind: EventFilled, Order: e.order.clone(), Previous: prev, Trade: &applied, Time: now})
	if !cached && e.order.IsFullyFilled() {
		if !prev.IsTerminal() {
			e.order.State = StateFilled
			events = append(events, Event{Kind: EventStateChanged, Order: e.order.clone(), Previous: prev, Time: now})
			if prev == StatePendingCreate {
				events = append(events, Event{Kind: EventCreated, Order: e.order.clone(), Previous: prev, Time: now})
			}
		}
		if e.order.State == StateFilled {
			events = append(events, t.completeLocked(e, now))
		}
	}
	t.mu.Unlock()
	t.dispatch(events)
	return true
}

// FinalizeFills completes a FILLED order whose fills could not all be observed.
func (t *Tracker) FinalizeFills(clientOrderID string) bool {
	t.mu.Lock()
	e, ok := t.active[clientOrderID]
	if !ok || !e.awaitingFills {
		t.mu.Unlock()
		return false
	}
	ev := t.completeLocked(e, t.cfg.Now())
	t.mu.Unlock()
	t.dispatch([]Event{ev})
	return true
}

// ProcessOrderNotFound counts a not-found response. Reaching the limit marks the order lost.
func (t *Tracker) ProcessOrderNotFound(clientOrderID string) bool {
	t.mu.Lock()
	e, ok := t.active[clientOrderID]
	if !ok || e.order.State.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	t.notFound[clientOrderID]++
	count := t.notFound[clientOrderID]
	if count < t.cfg.NotFoundLimit {
		t.mu.Unlock()
		t.log.Debug("order not found",
			zap.String("client_order_id", clientOrderID),
			zap.Int("count", count),
			zap.Int("limit", t.cfg.NotFoundLimit),
		)
		return false
	}
	now := t.cfg.Now()
	prev := e.order.State
	e.order.State = StateFailed
	e.order.FailureReason = ReasonLost
	e.order.UpdatedAt = now
	events := []Event{
		{Kind: EventStateChanged, Order: e.order.clone(), Previous: prev, Time: now},
		{Kind: EventFailed, Order: e.order.clone(), Previous: prev, Reason: ReasonLost, Time: now},
	}
	t.moveToCacheLocked(e)
	t.mu.Unlock()
	t.log.Warn("order lost after repeated not-found responses",
		zap.String("client_order_id", clientOrderID),
		zap.Int("count", count),
	)
	t.dispatch(events)
	return true
}

// Fail marks a submission that the venue rejected.
func (t *Tracker) Fail(clientOrderID, reason string) bool {
	t.mu.Lock()
	e, ok := t.active[clientOrderID]
	if !ok || e.order.State.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	now := t.cfg.Now()
	prev := e.order.State
	e.order.State = StateFailed
	e.order.FailureReason = reason
	e.order.UpdatedAt = now
	events := []Event{
		{Kind: EventStateChanged, Order: e.order.clone(), Previous: prev, Time: now},
		{Kind: EventFailed, Order: e.order.clone(), Previous: prev, Reason: reason, Time: now},
	}
	t.moveToCacheLocked(e)
	t.mu.Unlock()
	t.dispatch(events)
	return true
}

func (t *Tracker) Get(clientOrderID string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.active[clientOrderID]; ok {
		return e.order.clone(), true
	}
	return Order{}, false
}

func (t *Tracker) GetByExchangeID(exchangeOrderID string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clientID, ok := t.byExchange[exchangeOrderID]
	if !ok {
		return Order{}, false
	}
	if e, ok := t.active[clientID]; ok {
		return e.order.clone(), true
	}
	return Order{}, false
}

// Cached returns a recently completed order.
func (t *Tracker) Cached(clientOrderID string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneCacheLocked()
	if c, ok := t.cached[clientOrderID]; ok {
		return c.entry.order.clone(), true
	}
	return Order{}, false
}

// Active lists every order still in the tracked table.
func (t *Tracker) Active() []Order {
	return t.filter(func(*entry) bool { return true })
}

// Updatable lists non-terminal orders the venue has acknowledged.
func (t *Tracker) Updatable() []Order {
	return t.filter(func(e *entry) bool {
		return !e.order.State.IsTerminal() && e.order.ExchangeOrderID != ""
	})
}

// Fillable lists non-terminal orders.
func (t *Tracker) Fillable() []Order {
	return t.filter(func(e *entry) bool { return !e.order.State.IsTerminal() })
}

// AwaitingFills lists orders reported FILLED whose fills have not all been applied.
func (t *Tracker) AwaitingFills() []Order {
	return t.filter(func(e *entry) bool { return e.awaitingFills })
}

func (t *Tracker) filter(keep func(*entry) bool) []Order {
	t.mu.Lock()
	out := make([]Order, 0, len(t.active))
	for _, e := range t.active {
		if keep(e) {
			out = append(out, e.order.clone())
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Tracker) lookupActiveLocked(clientID, exchangeID string) *entry {
	if clientID != "" {
		if e, ok := t.active[clientID]; ok {
			return e
		}
	}
	if exchangeID != "" {
		if id, ok := t.byExchange[exchangeID]; ok {
			if e, ok := t.active[id]; ok {
				return e
			}
		}
	}
	return nil
}

func (t *Tracker) lookupAnyLocked(clientID, exchangeID string) (*entry, bool) {
	if e := t.lookupActiveLocked(clientID, exchangeID); e != nil {
		return e, false
	}
	t.pruneCacheLocked()
	if clientID != "" {
		if c, ok := t.cached[clientID]; ok {
			return c.entry, true
		}
	}
	if exchangeID != "" {
		if id, ok := t.byExchange[exchangeID]; ok {
			if c, ok := t.cached[id]; ok {
				return c.entry, true
			}
		}
	}
	return nil, false
}

func (t *Tracker) bindExchangeIDLocked(e *entry, exchangeID string) {
	if exchangeID == "" {
		return
	}
	if e.order.ExchangeOrderID == "" {
		e.order.ExchangeOrderID = exchangeID
		t.byExchange[exchangeID] = e.order.ClientOrderID
		return
	}
	if e.order.ExchangeOrderID != exchangeID {
		t.log.Warn("ignoring conflicting exchange order id",
			zap.String("client_order_id", e.order.ClientOrderID),
			zap.String("bound", e.order.ExchangeOrderID),
			zap.String("received", exchangeID),
		)
	}
}

func (t *Tracker) completeLocked(e *entry, now time.Time) Event {
	e.awaitingFills = false
	ev := Event{Kind: EventCompleted, Order: e.order.clone(), Previous: e.order.State, Time: now}
	t.moveToCacheLocked(e)
	return ev
}

func (t *Tracker) moveToCacheLocked(e *entry) {
	id := e.order.ClientOrderID
	delete(t.active, id)
	delete(t.notFound, id)
	e.awaitingFills = false
	c := &cachedEntry{entry: e, expiresAt: t.cfg.Now().Add(t.cfg.CacheTTL)}
	c.elem = t.cacheOrder.PushFront(id)
	t.cached[id] = c
	t.pruneCacheLocked()
}

func (t *Tracker) pruneCacheLocked() {
	now := t.cfg.Now()
	for {
		back := t.cacheOrder.Back()
		if back == nil {
			return
		}
		id := back.Value.(string)
		c := t.cached[id]
		if c != nil && t.cacheOrder.Len() <= t.cfg.CacheSize && now.Before(c.expiresAt) {
			return
		}
		t.cacheOrder.Remove(back)
		delete(t.cached, id)
		if c != nil && c.entry.order.ExchangeOrderID != "" {
			if t.byExchange[c.entry.order.ExchangeOrderID] == id {
				delete(t.byExchange, c.entry.order.ExchangeOrderID)
			}
		}
	}
}

func (t *Tracker) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()
	for _, ev := range events {
		for _, l := range listeners {
			l.OnOrderEvent(ev)
		}
	}
}

// acceptTransition orders states so that stale statuses never move an order backwards.
func acceptTransition(from, to State) bool {
	if from.IsTerminal() || from == to || !to.valid() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	switch to {
	case StatePendingCreate:
		return false
	case StateOpen, StatePartiallyFilled:
		return from != StatePendingCancel
	case StatePendingCancel:
		return true
	}
	return false
}

func capFill(trade TradeUpdate, remaining decimal.Decimal) TradeUpdate {
	out := trade
	if out.FillQuote.IsZero() {
		out.FillQuote = out.FillPrice.Mul(out.FillBase)
	}
	if out.FillBase.LessThanOrEqual(remaining) {
		return out
	}
	ratio := remaining.Div(out.FillBase)
	out.FillBase = remaining
	out.FillQuote = out.FillQuote.Mul(ratio)
	out.Fee = out.Fee.scaled(ratio)
	return out
}
