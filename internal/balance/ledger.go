package balance

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

type reservation struct {
	asset  string
	amount decimal.Decimal
}

// Ledger mirrors venue balances and applies speculative margin reservations between polls.
type Ledger struct {
	log *zap.Logger

	mu           sync.RWMutex
	balances     map[string]Balance
	reservations map[string]reservation
	collateral   map[string]string
}

func NewLedger(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		log:          log,
		balances:     make(map[string]Balance),
		reservations: make(map[string]reservation),
		collateral:   make(map[string]string),
	}
}

// ApplyPoll replaces one asset. Both values zero removes the asset.
func (l *Ledger) ApplyPoll(asset string, total, available decimal.Decimal) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if total.IsZero() && available.IsZero() {
		delete(l.balances, asset)
		return
	}
	l.balances[asset] = Balance{Asset: asset, Total: total, Available: available}
}

// ReplaceAll applies a complete poll. Assets missing from it are dropped.
func (l *Ledger) ReplaceAll(balances []Balance) {
	next := make(map[string]Balance, len(balances))
	for _, b := range balances {
		asset := strings.ToUpper(strings.TrimSpace(b.Asset))
		if asset == "" || (b.Total.IsZero() && b.Available.IsZero()) {
			continue
		}
		b.Asset = asset
		next[asset] = b
	}
	l.mu.Lock()
	for asset := range l.balances {
		if _, ok := next[asset]; !ok {
			l.log.Debug("balance asset removed", zap.String("asset", asset))
		}
	}
	l.balances = next
	l.mu.Unlock()
}

// Reserve debits available balance once per order id.
func (l *Ledger) Reserve(orderID, asset string, amount decimal.Decimal) bool {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if orderID == "" || asset == "" || !amount.IsPositive() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reservations[orderID]; ok {
		return false
	}
	b, ok := l.balances[asset]
	if !ok {
		l.log.Debug("reservation for unknown asset", zap.String("order_id", orderID), zap.String("asset", asset))
		l.reservations[orderID] = reservation{asset: asset, amount: decimal.Zero}
		return false
	}
	b.Available = b.Available.Sub(amount)
	l.balances[asset] = b
	l.reservations[orderID] = reservation{asset: asset, amount: amount}
	return true
}

// Release credits back a reservation, for canceled or failed orders.
func (l *Ledger) Release(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[orderID]
	if !ok {
		return false
	}
	delete(l.reservations, orderID)
	if res.amount.IsZero() {
		return false
	}
	b, ok := l.balances[res.asset]
	if !ok {
		return false
	}
	b.Available = b.Available.Add(res.amount)
	l.balances[res.asset] = b
	return true
}

// Forget drops a reservation without crediting it, for orders that consumed their margin.
func (l *Ledger) Forget(orderID string) {
	l.mu.Lock()
	delete(l.reservations, orderID)
	l.mu.Unlock()
}

func (l *Ledger) Get(asset string) (Balance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.balances[strings.ToUpper(asset)]
	return b, ok
}

func (l *Ledger) Available(asset string) decimal.Decimal {
	b, _ := l.Get(asset)
	return b.Available
}

func (l *Ledger) All() []Balance {
	l.mu.RLock()
	out := make([]Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, b)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// SetCollateral records the venue-declared collateral asset for a pair.
func (l *Ledger) SetCollateral(pair, asset string) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if pair == "" || asset == "" {
		return
	}
	l.mu.Lock()
	l.collateral[pair] = asset
	l.mu.Unlock()
}

// CollateralFor resolves the margin asset: quote for linear pairs, base for inverse "-USD" pairs.
func (l *Ledger) CollateralFor(pair string) string {
	l.mu.RLock()
	asset, ok := l.collateral[pair]
	l.mu.RUnlock()
	if ok {
		return asset
	}
	asset = deriveCollateral(pair)
	if asset != "" {
		l.SetCollateral(pair, asset)
	}
	return asset
}

func deriveCollateral(pair string) string {
	base, quote, ok := strings.Cut(strings.ToUpper(pair), "-")
	if !ok || base == "" || quote == "" {
		return ""
	}
	if quote == "USD" {
		return base
	}
	return quote
}

// Margin estimates the collateral an order reserves.
func Margin(amount, price decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return amount.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
}
