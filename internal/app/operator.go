package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bg-perp-connector/internal/alerts"
	"bg-perp-connector/internal/balance"
	"bg-perp-connector/internal/config"
	"bg-perp-connector/internal/connector"
	"bg-perp-connector/internal/funding"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/positions"
	"bg-perp-connector/internal/state"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	operatorOffsetKey   = "telegram:operator:last_update_id"
	operatorAuditPrefix = "ops:audit:"
)

type operatorBot interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
	Send(ctx context.Context, message string) error
}

// connectorView is the slice of the connector the operator reads and acts on.
type connectorView interface {
	Status() connector.Status
	Orders() []orders.Order
	Positions() []positions.Position
	Balances() []balance.Balance
	FundingInfos() []funding.Info
	CancelOrder(ctx context.Context, clientOrderID string) error
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID      int64     `json:"update_id"`
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Command       string    `json:"command"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Operator answers read-only queries and cancel requests sent to the bot chat.
type Operator struct {
	bot          operatorBot
	conn         connectorView
	store        state.Store
	log          *zap.Logger
	chatID       int64
	allowedUsers map[int64]struct{}
	pollInterval time.Duration
	now          func() time.Time
	warned       bool
}

// NewOperator returns nil when the operator is disabled or misconfigured.
func NewOperator(cfg config.TelegramConfig, bot operatorBot, conn connectorView, store state.Store, log *zap.Logger) *Operator {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled || !cfg.OperatorEnabled || bot == nil || conn == nil {
		return nil
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return nil
	}
	pollInterval := cfg.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowed := make(map[int64]struct{}, len(cfg.OperatorAllowedUserIDs))
	for _, id := range cfg.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Operator{
		bot:          bot,
		conn:         conn,
		store:        store,
		log:          log.Named("operator"),
		chatID:       chatID,
		allowedUsers: allowed,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func (o *Operator) Run(ctx context.Context) error {
	if o == nil {
		return nil
	}
	offset := o.loadOffset(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := o.bot.GetUpdates(ctx, offset, o.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logError(err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.pollInterval):
			}
			continue
		}
		if o.warned {
			o.log.Info("telegram operator recovered")
			o.warned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				o.saveOffset(ctx, offset)
			}
			o.handleUpdate(ctx, upd)
		}
	}
}

func (o *Operator) handleUpdate(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != o.chatID {
		return
	}
	if len(o.allowedUsers) > 0 {
		if _, ok := o.allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := o.handleCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := o.bot.Send(ctx, resp); err != nil {
		o.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (o *Operator) handleCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return formatStatus(o.conn.Status()), nil
	case "orders":
		return formatOrders(o.conn.Orders()), nil
	case "positions":
		return formatPositions(o.conn.Positions()), nil
	case "balances":
		return formatBalances(o.conn.Balances()), nil
	case "funding":
		return formatFunding(o.conn.FundingInfos()), nil
	case "cancel":
		return o.cancel(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (o *Operator) cancel(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /cancel <client_order_id>")
	}
	id := args[0]
	err := o.conn.CancelOrder(ctx, id)
	event := operatorAuditEvent{
		UpdateID:      meta.UpdateID,
		Time:          o.now().UTC(),
		Action:        "cancel",
		Command:       meta.Raw,
		UserID:        meta.UserID,
		Username:      meta.Username,
		ChatID:        meta.ChatID,
		ClientOrderID: id,
	}
	if err != nil {
		event.Error = err.Error()
	}
	o.audit(ctx, event)
	if err != nil {
		return "", err
	}
	return "cancel requested for " + id, nil
}

func formatStatus(st connector.Status) string {
	lastPoll := "n/a"
	if !st.LastPoll.IsZero() {
		lastPoll = st.LastPoll.UTC().Format(time.RFC3339)
	}
	lines := []string{
		fmt.Sprintf("ready: %t", st.Ready),
		fmt.Sprintf("private_stream: %s", upDown(st.PrivateStream)),
		fmt.Sprintf("public_stream: %s", upDown(st.PublicStream)),
		fmt.Sprintf("tracked_orders: %d", st.TrackedOrders),
		fmt.Sprintf("positions: %d", st.Positions),
		fmt.Sprintf("last_poll: %s", lastPoll),
	}
	if st.LastPollError != "" {
		lines = append(lines, "last_poll_error: "+st.LastPollError)
	}
	return strings.Join(lines, "\n")
}

func formatOrders(list []orders.Order) string {
	if len(list) == 0 {
		return "no active orders"
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	lines := make([]string, 0, len(list))
	for _, o := range list {
		lines = append(lines, fmt.Sprintf("%s %s %s %s/%s @ %s [%s]",
			o.ClientOrderID, o.TradingPair, o.Side,
			o.ExecutedBase.String(), o.Amount.String(), o.Price.String(), o.State))
	}
	return strings.Join(lines, "\n")
}

func formatPositions(list []positions.Position) string {
	if len(list) == 0 {
		return "no open positions"
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].TradingPair != list[j].TradingPair {
			return list[i].TradingPair < list[j].TradingPair
		}
		return list[i].Side < list[j].Side
	})
	lines := make([]string, 0, len(list))
	for _, p := range list {
		lines = append(lines, fmt.Sprintf("%s %s %s @ %s upnl=%s lev=%dx",
			p.TradingPair, p.Side, p.Amount.String(), p.EntryPrice.String(), p.UnrealizedPnL.String(), p.Leverage))
	}
	return strings.Join(lines, "\n")
}

func formatBalances(list []balance.Balance) string {
	if len(list) == 0 {
		return "no balances"
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Asset < list[j].Asset })
	lines := make([]string, 0, len(list))
	for _, b := range list {
		lines = append(lines, fmt.Sprintf("%s total=%s available=%s", b.Asset, b.Total.String(), b.Available.String()))
	}
	return strings.Join(lines, "\n")
}

func formatFunding(list []funding.Info) string {
	if len(list) == 0 {
		return "no funding info"
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TradingPair < list[j].TradingPair })
	lines := make([]string, 0, len(list))
	for _, f := range list {
		next := "n/a"
		if !f.NextFunding.IsZero() {
			next = f.NextFunding.UTC().Format(time.RFC3339)
		}
		lines = append(lines, fmt.Sprintf("%s rate=%s mark=%s index=%s next=%s",
			f.TradingPair, f.Rate.String(), f.MarkPrice.String(), f.IndexPrice.String(), next))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - connector readiness and stream health",
		"/orders - active orders",
		"/positions - open positions",
		"/balances - collateral balances",
		"/funding - funding rates per pair",
		"/cancel <client_order_id> - cancel an active order",
	}, "\n")
}

func (o *Operator) logError(err error) {
	if o.warned {
		return
	}
	o.warned = true
	o.log.Warn("telegram operator failed", zap.Error(err))
}

func (o *Operator) loadOffset(ctx context.Context) int64 {
	if o.store == nil {
		return 0
	}
	raw, ok, err := o.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (o *Operator) saveOffset(ctx context.Context, offset int64) {
	if o.store == nil {
		return
	}
	if err := o.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		o.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (o *Operator) audit(ctx context.Context, event operatorAuditEvent) {
	if o.store == nil {
		return
	}
	key := fmt.Sprintf("%s%d:%d", operatorAuditPrefix, event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := o.store.Set(ctx, key, string(payload)); err != nil {
		o.log.Warn("operator audit failed", zap.Error(err))
	}
}
