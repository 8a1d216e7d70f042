package positions

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrActivePositions rejects mode and leverage changes while exposure is open.
var ErrActivePositions = errors.New("active positions exist")

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideBoth  Side = "BOTH"
)

type Mode string

const (
	ModeOneWay Mode = "ONEWAY"
	ModeHedge  Mode = "HEDGE"
)

type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

type Key struct {
	TradingPair string
	Side        Side
}

// Position amount is signed: negative for shorts.
type Position struct {
	TradingPair   string
	Side          Side
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
	Scope         string
	UpdatedAt     time.Time
}

func (p Position) Key() Key {
	return Key{TradingPair: p.TradingPair, Side: p.Side}
}

// Book holds open positions keyed by (pair, side) along with the account modes.
type Book struct {
	log *zap.Logger

	mu         sync.RWMutex
	positions  map[Key]Position
	mode       Mode
	marginMode MarginMode
	leverage   map[string]int
}

func NewBook(mode Mode, marginMode MarginMode, log *zap.Logger) *Book {
	if mode == "" {
		mode = ModeOneWay
	}
	if marginMode == "" {
		marginMode = MarginCross
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Book{
		log:        log,
		positions:  make(map[Key]Position),
		mode:       mode,
		marginMode: marginMode,
		leverage:   make(map[string]int),
	}
}

// ApplySnapshot replaces every position in scope. Tracked keys in scope that the snapshot omits are closed.
func (b *Book) ApplySnapshot(scope string, snapshot []Position) []Key {
	present := make(map[Key]Position, len(snapshot))
	for _, p := range snapshot {
		if p.TradingPair == "" {
			continue
		}
		p.Scope = scope
		if p.Amount.IsZero() {
			continue
		}
		present[p.Key()] = p
	}
	b.mu.Lock()
	var removed []Key
	for key, existing := range b.positions {
		if existing.Scope != scope {
			continue
		}
		if _, ok := present[key]; !ok {
			delete(b.positions, key)
			removed = append(removed, key)
		}
	}
	for key, p := range present {
		b.positions[key] = p
		if p.Leverage > 0 {
			b.leverage[p.TradingPair] = p.Leverage
		}
	}
	b.mu.Unlock()
	for _, key := range removed {
		b.log.Info("position closed by snapshot",
			zap.String("scope", scope),
			zap.String("trading_pair", key.TradingPair),
			zap.String("side", string(key.Side)),
		)
	}
	return removed
}

// Apply updates one position. A zero amount removes it; the return reports removal.
func (b *Book) Apply(p Position) bool {
	if p.TradingPair == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := p.Key()
	if p.Amount.IsZero() {
		_, existed := b.positions[key]
		delete(b.positions, key)
		return existed
	}
	if p.Scope == "" {
		if existing, ok := b.positions[key]; ok {
			p.Scope = existing.Scope
		}
	}
	b.positions[key] = p
	if p.Leverage > 0 {
		b.leverage[p.TradingPair] = p.Leverage
	}
	return false
}

func (b *Book) Get(key Key) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[key]
	return p, ok
}

func (b *Book) All() []Position {
	b.mu.RLock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TradingPair == out[j].TradingPair {
			return out[i].Side < out[j].Side
		}
		return out[i].TradingPair < out[j].TradingPair
	})
	return out
}

func (b *Book) HasOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.positions {
		if !p.Amount.IsZero() {
			return true
		}
	}
	return false
}

// CanChangeMode must pass before any position mode, margin mode, or leverage request is sent.
func (b *Book) CanChangeMode() error {
	if b.HasOpen() {
		return ErrActivePositions
	}
	return nil
}

func (b *Book) Mode() Mode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mode
}

func (b *Book) SetMode(mode Mode) {
	b.mu.Lock()
	b.mode = mode
	b.mu.Unlock()
}

func (b *Book) MarginMode() MarginMode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.marginMode
}

func (b *Book) SetMarginMode(mode MarginMode) {
	b.mu.Lock()
	b.marginMode = mode
	b.mu.Unlock()
}

// Leverage defaults to 1 for pairs never configured.
func (b *Book) Leverage(pair string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lev, ok := b.leverage[pair]; ok && lev > 0 {
		return lev
	}
	return 1
}

func (b *Book) SetLeverage(pair string, leverage int) {
	if leverage <= 0 {
		return
	}
	b.mu.Lock()
	b.leverage[pair] = leverage
	b.mu.Unlock()
}
