package orders

import "github.com/shopspring/decimal"

type FeeType string

const (
	FeeBilledSeparately    FeeType = "billed_separately"
	FeeDeductedFromReturns FeeType = "deducted_from_returns"
)

type TokenAmount struct {
	Asset  string
	Amount decimal.Decimal
}

// Fee is always expressed as token amounts. Percent fees are converted at construction.
type Fee struct {
	Type    FeeType
	Amounts []TokenAmount
}

func FlatFee(feeType FeeType, amounts ...TokenAmount) Fee {
	if feeType == "" {
		feeType = FeeBilledSeparately
	}
	out := Fee{Type: feeType}
	for _, amt := range amounts {
		if amt.Asset == "" || amt.Amount.IsZero() {
			continue
		}
		out.Amounts = append(out.Amounts, TokenAmount{Asset: amt.Asset, Amount: amt.Amount.Abs()})
	}
	return out
}

// PercentFee charges percent of notional in asset. A percent of 0.0006 is 6 bps.
func PercentFee(feeType FeeType, percent decimal.Decimal, asset string, notional decimal.Decimal) Fee {
	return FlatFee(feeType, TokenAmount{Asset: asset, Amount: notional.Abs().Mul(percent)})
}

func (f Fee) AmountIn(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, amt := range f.Amounts {
		if amt.Asset == asset {
			total = total.Add(amt.Amount)
		}
	}
	return total
}

func (f Fee) IsZero() bool {
	return len(f.Amounts) == 0
}

func (f Fee) scaled(ratio decimal.Decimal) Fee {
	out := Fee{Type: f.Type}
	for _, amt := range f.Amounts {
		out.Amounts = append(out.Amounts, TokenAmount{Asset: amt.Asset, Amount: amt.Amount.Mul(ratio)})
	}
	return out
}
