package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/funding"

	"go.uber.org/zap"
)

// FetchFundingInfo assembles a funding record from the rate, price and funding time endpoints.
func (c *Connector) FetchFundingInfo(ctx context.Context, pair string) (funding.Info, error) {
	symbol, err := c.symbols.ExchangeSymbol(pair)
	if err != nil {
		return funding.Info{}, err
	}
	params := url.Values{"symbol": {symbol}, "productType": {c.productType(pair)}}
	first := func(path string) (map[string]any, error) {
		data, err := c.rest.Get(ctx, path, params, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		entries := bitget.Maps(data)
		if len(entries) == 0 {
			return nil, fmt.Errorf("%s: empty response", path)
		}
		return entries[0], nil
	}
	rate, err := first(bitget.PathCurrentFundRate)
	if err != nil {
		return funding.Info{}, err
	}
	prices, err := first(bitget.PathSymbolPrice)
	if err != nil {
		return funding.Info{}, err
	}
	next, err := first(bitget.PathFundingTime)
	if err != nil {
		return funding.Info{}, err
	}
	return funding.Info{
		TradingPair: pair,
		IndexPrice:  bitget.DecimalFromMap(prices, "indexPrice"),
		MarkPrice:   bitget.DecimalFromMap(prices, "markPrice", "price"),
		Rate:        bitget.DecimalFromMap(rate, "fundingRate"),
		NextFunding: bitget.TimeFromMillis(next, "nextFundingTime"),
	}, nil
}

func (c *Connector) runFundingPayments(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.FundingPaymentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.PollFundingPayments(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("funding payment poll failed", zap.Error(err))
			}
		}
	}
}

// PollFundingPayments reads settled funding bills and returns the latest unseen payment per pair.
func (c *Connector) PollFundingPayments(ctx context.Context) ([]funding.Payment, error) {
	var (
		out  []funding.Payment
		errs []error
	)
	for _, productType := range c.productTypes() {
		data, err := c.rest.Get(ctx, bitget.PathAccountBill, url.Values{
			"productType":  {productType},
			"businessType": {bitget.BillFundingFeeType},
		}, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("bills %s: %w", productType, err))
			continue
		}
		m, _ := bitget.ToMap(data)
		latest := make(map[string]funding.Payment)
		for _, bill := range bitget.Maps(m["bills"]) {
			pair, err := c.symbols.TradingPair(bitget.StringFromMap(bill, "symbol"))
			if err != nil {
				continue
			}
			at := bitget.TimeFromMillis(bill, "cTime")
			if prev, ok := latest[pair]; ok && !at.After(prev.Time) {
				continue
			}
			payment := funding.Payment{
				TradingPair: pair,
				Time:        at,
				Amount:      bitget.DecimalFromMap(bill, "amount"),
			}
			if info, ok := c.funding.Get(pair); ok {
				payment.Rate = info.Rate
			}
			latest[pair] = payment
		}
		for _, payment := range latest {
			if c.recordPayment(payment) {
				out = append(out, payment)
			}
		}
	}
	return out, errors.Join(errs...)
}

func (c *Connector) recordPayment(payment funding.Payment) bool {
	c.mu.Lock()
	if last, ok := c.lastPayment[payment.TradingPair]; ok && !payment.Time.After(last) {
		c.mu.Unlock()
		return false
	}
	c.lastPayment[payment.TradingPair] = payment.Time
	handlers := append([]func(funding.Payment){}, c.paymentHandlers...)
	c.mu.Unlock()
	c.metrics.FundingPayments.Inc()
	c.log.Info("funding payment",
		zap.String("trading_pair", payment.TradingPair),
		zap.String("amount", payment.Amount.String()),
		zap.String("rate", payment.Rate.String()),
		zap.Time("time", payment.Time),
	)
	for _, fn := range handlers {
		fn(payment)
	}
	return true
}
