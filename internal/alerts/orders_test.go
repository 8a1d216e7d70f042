package alerts

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"bg-perp-connector/internal/orders"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	sent chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan struct{}, 8)}
}

func (r *recordingSender) Send(ctx context.Context, message string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, message)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return nil
}

func failedEvent(reason string) orders.Event {
	return orders.Event{
		Kind: orders.EventFailed,
		Order: orders.Order{
			ClientOrderID:   "bgp-1",
			ExchangeOrderID: "E1",
			TradingPair:     "BTC-USDT",
			Side:            orders.SideBuy,
			Amount:          decimal.RequireFromString("0.01"),
		},
		Reason: reason,
	}
}

func TestNotifierSendsFailures(t *testing.T) {
	sender := newRecordingSender()
	n := NewNotifier(sender, 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.OnOrderEvent(orders.Event{Kind: orders.EventFilled})
	n.OnOrderEvent(failedEvent(orders.ReasonLost))

	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for alert")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("expected only the failure to be sent, got %v", sender.msgs)
	}
	if !strings.HasPrefix(sender.msgs[0], "Order lost") {
		t.Fatalf("unexpected message %q", sender.msgs[0])
	}
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	n := NewNotifier(newRecordingSender(), 1, zap.NewNop())
	n.Notify("first")
	n.Notify("second")
	if n.Dropped() != 1 {
		t.Fatalf("expected 1 dropped message, got %d", n.Dropped())
	}
}

func TestFormatFailureIncludesReason(t *testing.T) {
	msg := FormatFailure(failedEvent("insufficient margin"))
	for _, want := range []string{"Order failed", "BTC-USDT", "BUY", "0.01", "bgp-1", "E1", "insufficient margin"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}
