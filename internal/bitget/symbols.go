package bitget

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

type TradingRule struct {
	TradingPair       string
	Symbol            string
	ProductType       string
	MinOrderSize      decimal.Decimal
	MaxOrderSize      decimal.Decimal
	MinPriceIncrement decimal.Decimal
	MinBaseIncrement  decimal.Decimal
	MinNotional       decimal.Decimal
	Collateral        string
	MakerFeeRate      decimal.Decimal
	TakerFeeRate      decimal.Decimal
}

// SymbolMap translates venue symbols (BTCUSDT) to trading pairs (BTC-USDT) and back.
type SymbolMap struct {
	mu       sync.RWMutex
	toPair   map[string]string
	toSymbol map[string]string
	rules    map[string]TradingRule
}

func NewSymbolMap() *SymbolMap {
	return &SymbolMap{
		toPair:   make(map[string]string),
		toSymbol: make(map[string]string),
		rules:    make(map[string]TradingRule),
	}
}

func (s *SymbolMap) Add(rule TradingRule) {
	if rule.Symbol == "" || rule.TradingPair == "" {
		return
	}
	s.mu.Lock()
	s.toPair[rule.Symbol] = rule.TradingPair
	s.toSymbol[rule.TradingPair] = rule.Symbol
	s.rules[rule.TradingPair] = rule
	s.mu.Unlock()
}

func (s *SymbolMap) ExchangeSymbol(pair string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym, ok := s.toSymbol[pair]
	if !ok {
		return "", fmt.Errorf("no exchange symbol for %s", pair)
	}
	return sym, nil
}

func (s *SymbolMap) TradingPair(symbol string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.toPair[strings.ToUpper(symbol)]
	if !ok {
		return "", fmt.Errorf("no trading pair for %s", symbol)
	}
	return pair, nil
}

func (s *SymbolMap) Rule(pair string) (TradingRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[pair]
	return r, ok
}

func (s *SymbolMap) Pairs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.toSymbol))
	for pair := range s.toSymbol {
		out = append(out, pair)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *SymbolMap) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.toSymbol)
}

// ParseContracts reads the contracts endpoint. Contracts that are not trading are skipped.
func ParseContracts(payload any, productType string) ([]TradingRule, error) {
	entries := Maps(payload)
	if len(entries) == 0 {
		return nil, errors.New("contracts payload is empty")
	}
	out := make([]TradingRule, 0, len(entries))
	for _, c := range entries {
		if status := StringFromMap(c, "symbolStatus"); status != "" && status != "normal" {
			continue
		}
		symbol := strings.ToUpper(StringFromMap(c, "symbol"))
		base := strings.ToUpper(StringFromMap(c, "baseCoin"))
		quote := strings.ToUpper(StringFromMap(c, "quoteCoin"))
		if symbol == "" || base == "" || quote == "" {
			continue
		}
		rule := TradingRule{
			TradingPair:      base + "-" + quote,
			Symbol:           symbol,
			ProductType:      productType,
			MinOrderSize:     DecimalFromMap(c, "minTradeNum"),
			MaxOrderSize:     DecimalFromMap(c, "maxOrderQty", "maxMarketOrderQty"),
			MinBaseIncrement: DecimalFromMap(c, "sizeMultiplier"),
			MinNotional:      DecimalFromMap(c, "minTradeUSDT"),
			MakerFeeRate:     DecimalFromMap(c, "makerFeeRate"),
			TakerFeeRate:     DecimalFromMap(c, "takerFeeRate"),
		}
		if places := IntFromMap(c, -1, "pricePlace"); places >= 0 {
			rule.MinPriceIncrement = decimal.New(1, int32(-places))
		}
		if coins, ok := ToSlice(c["supportMarginCoins"]); ok && len(coins) > 0 {
			rule.Collateral = strings.ToUpper(StringFromAny(coins[0]))
		}
		if rule.ProductType == "" {
			rule.ProductType = ProductTypeFor(rule.TradingPair)
		}
		out = append(out, rule)
	}
	return out, nil
}
