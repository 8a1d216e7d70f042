package connector

import (
	"context"
	"fmt"
	"strconv"

	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/positions"

	"go.uber.org/zap"
)

const activeLeverageError = "Cannot change leverage because active positions exist"

// SetPositionMode switches one-way/hedge for every product type in use. Open positions reject the change.
func (c *Connector) SetPositionMode(ctx context.Context, mode positions.Mode) (bool, string) {
	if err := c.book.CanChangeMode(); err != nil {
		return false, bitget.ActivePositionsError
	}
	for _, productType := range c.productTypes() {
		_, err := c.rest.Post(ctx, bitget.PathSetPositionMode, map[string]any{
			"productType": productType,
			"posMode":     bitget.PositionModeValue(mode),
		}, true)
		if err != nil {
			return false, fmt.Sprintf("There was an error changing the position mode (%v)", err)
		}
	}
	c.book.SetMode(mode)
	c.log.Info("position mode set", zap.String("mode", string(mode)))
	return true, ""
}

func (c *Connector) SetLeverage(ctx context.Context, pair string, leverage int) (bool, string) {
	if leverage <= 0 {
		return false, "leverage must be positive"
	}
	if err := c.book.CanChangeMode(); err != nil {
		return false, activeLeverageError
	}
	symbol, err := c.symbols.ExchangeSymbol(pair)
	if err != nil {
		return false, err.Error()
	}
	_, err = c.rest.Post(ctx, bitget.PathSetLeverage, map[string]any{
		"symbol":      symbol,
		"productType": c.productType(pair),
		"marginCoin":  c.ledger.CollateralFor(pair),
		"leverage":    strconv.Itoa(leverage),
	}, true)
	if err != nil {
		return false, fmt.Sprintf("There was an error setting the leverage for %s (%v)", pair, err)
	}
	c.book.SetLeverage(pair, leverage)
	return true, ""
}

// SetMarginMode applies cross/isolated to every configured trading pair.
func (c *Connector) SetMarginMode(ctx context.Context, mode positions.MarginMode) (bool, string) {
	if err := c.book.CanChangeMode(); err != nil {
		return false, bitget.ActivePositionsError
	}
	for _, pair := range c.TradingPairs() {
		symbol, err := c.symbols.ExchangeSymbol(pair)
		if err != nil {
			return false, err.Error()
		}
		_, err = c.rest.Post(ctx, bitget.PathSetMarginMode, map[string]any{
			"symbol":      symbol,
			"productType": c.productType(pair),
			"marginMode":  bitget.MarginModeValue(mode),
			"marginCoin":  c.ledger.CollateralFor(pair),
		}, true)
		if err != nil {
			return false, fmt.Sprintf("There was an error changing the margin mode (%v)", err)
		}
	}
	c.book.SetMarginMode(mode)
	c.log.Info("margin mode set", zap.String("mode", string(mode)))
	return true, ""
}
