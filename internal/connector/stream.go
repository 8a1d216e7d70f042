package connector

import (
	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/orders"

	"go.uber.org/zap"
)

type pushMessage struct {
	event    string
	channel  string
	instType string
	entries  []map[string]any
}

func decodePush(data []byte) (pushMessage, bool) {
	payload, err := bitget.Decode(data)
	if err != nil {
		return pushMessage{}, false
	}
	m, ok := bitget.ToMap(payload)
	if !ok {
		return pushMessage{}, false
	}
	arg, _ := bitget.ToMap(m["arg"])
	return pushMessage{
		event:    bitget.StringFromMap(m, "event"),
		channel:  bitget.StringFromMap(arg, "channel"),
		instType: bitget.StringFromMap(arg, "instType"),
		entries:  bitget.Maps(m["data"]),
	}, true
}

func (c *Connector) handlePrivate(data []byte) {
	msg, ok := decodePush(data)
	if !ok {
		c.log.Debug("unreadable private message", zap.ByteString("data", data))
		return
	}
	if msg.event != "" {
		c.logEvent("private", msg, data)
		return
	}
	switch msg.channel {
	case bitget.WSChannelOrders:
		for _, entry := range msg.entries {
			c.applyOrderPush(entry)
		}
	case bitget.WSChannelPositions:
		if msg.instType == "" {
			c.log.Warn("position push without product type")
			return
		}
		c.applyPositionSnapshot(msg.instType, msg.entries)
	case bitget.WSChannelAccount:
		for _, entry := range msg.entries {
			c.ledger.ApplyPoll(
				bitget.StringFromMap(entry, "marginCoin"),
				bitget.DecimalFromMap(entry, "equity"),
				bitget.DecimalFromMap(entry, "maxOpenPosAvailable"),
			)
		}
	}
}

func (c *Connector) handlePublic(data []byte) {
	msg, ok := decodePush(data)
	if !ok {
		return
	}
	if msg.event != "" {
		c.logEvent("public", msg, data)
		return
	}
	if msg.channel != bitget.WSChannelTicker {
		return
	}
	for _, entry := range msg.entries {
		info, err := parseTicker(entry, c.symbols)
		if err != nil {
			c.log.Debug("skipping ticker entry", zap.Error(err))
			continue
		}
		c.funding.Apply(info)
	}
}

// applyOrderPush applies the fill first so a FILLED status finds the order complete.
func (c *Connector) applyOrderPush(entry map[string]any) {
	clientID := bitget.StringFromMap(entry, "clientOid")
	exchangeID := bitget.StringFromMap(entry, "orderId")
	pair := c.pairForOrder(clientID, bitget.StringFromMap(entry, "instId", "symbol"))
	if trade, ok := tradeFromOrderPush(entry, pair); ok {
		c.applyTrade(trade)
	}
	state, err := c.statuses.Lookup(bitget.StringFromMap(entry, "status", "state"))
	if err != nil {
		c.log.Warn("unmapped order status", zap.String("client_order_id", clientID), zap.Error(err))
		return
	}
	c.tracker.ProcessOrderUpdate(orders.OrderUpdate{
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     pair,
		State:           state,
		Time:            bitget.TimeFromMillis(entry, "uTime"),
	})
}

func (c *Connector) pairForOrder(clientOrderID, symbol string) string {
	if o, ok := c.Order(clientOrderID); ok {
		return o.TradingPair
	}
	pair, _ := c.symbols.TradingPair(symbol)
	return pair
}

func (c *Connector) logEvent(stream string, msg pushMessage, data []byte) {
	if msg.event == "error" {
		c.log.Warn("stream error event", zap.String("stream", stream), zap.ByteString("data", data))
		return
	}
	c.log.Debug("stream event", zap.String("stream", stream), zap.String("event", msg.event), zap.String("channel", msg.channel))
}
