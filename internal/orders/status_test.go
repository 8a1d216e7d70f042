package orders

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewStatusMapRejectsMissingStatus(t *testing.T) {
	_, err := NewStatusMap(map[string]State{"live": StateOpen}, "live", "filled")
	if err == nil {
		t.Fatalf("expected error for unmapped status")
	}
}

func TestNewStatusMapRejectsInvalidState(t *testing.T) {
	_, err := NewStatusMap(map[string]State{"live": State(42)})
	if err == nil {
		t.Fatalf("expected error for invalid state")
	}
}

func TestStatusMapLookup(t *testing.T) {
	m, err := NewStatusMap(map[string]State{"live": StateOpen, "Filled": StateFilled}, "live", "filled")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st, err := m.Lookup(" FILLED "); err != nil || st != StateFilled {
		t.Fatalf("expected FILLED, got %s (%v)", st, err)
	}
	if _, err := m.Lookup("expired"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestPercentFeeNormalizesToTokenAmount(t *testing.T) {
	fee := PercentFee(FeeDeductedFromReturns, decimal.RequireFromString("0.0006"), "USDT", decimal.RequireFromString("-10000"))
	if fee.Type != FeeDeductedFromReturns {
		t.Fatalf("expected fee type preserved, got %s", fee.Type)
	}
	if got := fee.AmountIn("USDT"); !got.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("expected 6 USDT, got %s", got)
	}
}

func TestFlatFeeDropsEmptyAmounts(t *testing.T) {
	fee := FlatFee("", TokenAmount{Asset: "USDT", Amount: decimal.Zero}, TokenAmount{Asset: "BGB", Amount: decimal.RequireFromString("-0.1")})
	if fee.Type != FeeBilledSeparately {
		t.Fatalf("expected default fee type, got %s", fee.Type)
	}
	if len(fee.Amounts) != 1 || !fee.AmountIn("BGB").Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected fee amounts: %+v", fee.Amounts)
	}
}
