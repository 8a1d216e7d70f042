package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"bg-perp-connector/internal/orders"

	"go.uber.org/zap"
)

const defaultQueueSize = 64

type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier turns order failures and connectivity changes into chat messages.
// OnOrderEvent never blocks; messages are delivered by Run and dropped when the queue is full.
type Notifier struct {
	sender  Sender
	log     *zap.Logger
	queue   chan string
	dropped atomic.Uint64
}

func NewNotifier(sender Sender, queueSize int, log *zap.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: sender, log: log, queue: make(chan string, queueSize)}
}

func (n *Notifier) OnOrderEvent(ev orders.Event) {
	if ev.Kind != orders.EventFailed {
		return
	}
	n.Notify(FormatFailure(ev))
}

// Notify queues a free-form message.
func (n *Notifier) Notify(message string) {
	select {
	case n.queue <- message:
	default:
		if n.dropped.Add(1) == 1 {
			n.log.Warn("alert queue full, dropping messages")
		}
	}
}

func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-n.queue:
			if err := n.sender.Send(ctx, msg); err != nil {
				n.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

func FormatFailure(ev orders.Event) string {
	o := ev.Order
	var b strings.Builder
	if ev.Reason == orders.ReasonLost {
		b.WriteString("Order lost")
	} else {
		b.WriteString("Order failed")
	}
	fmt.Fprintf(&b, ": %s %s %s %s", o.TradingPair, o.Side, o.Amount.String(), o.ClientOrderID)
	if o.ExchangeOrderID != "" {
		fmt.Fprintf(&b, " (exchange id %s)", o.ExchangeOrderID)
	}
	if ev.Reason != "" && ev.Reason != orders.ReasonLost {
		fmt.Fprintf(&b, ": %s", ev.Reason)
	}
	return b.String()
}
