package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bg-perp-connector/internal/config"
	"bg-perp-connector/internal/funding"
	"bg-perp-connector/internal/orders"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Fill struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            string
	Action          string
	Time            time.Time
	Price           string
	Base            string
	Quote           string
	FeeType         string
	FeeAsset        string
	FeeAmount       string
	Source          string
}

type FundingSnapshot struct {
	Time        time.Time
	TradingPair string
	Rate        string
	MarkPrice   string
	IndexPrice  string
	NextFunding time.Time
}

// Writer appends fills and funding data to Timescale. A nil *Writer is a valid no-op.
type Writer struct {
	db       *sql.DB
	log      *zap.Logger
	schema   string
	fills    chan Fill
	funding  chan FundingSnapshot
	payments chan funding.Payment
	started  atomic.Bool
	dropped  atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		fills:    make(chan Fill, queueSize),
		funding:  make(chan FundingSnapshot, queueSize),
		payments: make(chan funding.Payment, queueSize),
	}
}

// Run drains the queues until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("history writer already running")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill := <-w.fills:
			w.writeFill(ctx, fill)
		case snap := <-w.funding:
			w.writeFunding(ctx, snap)
		case p := <-w.payments:
			w.writePayment(ctx, p)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// OnOrderEvent records every applied fill.
func (w *Writer) OnOrderEvent(ev orders.Event) {
	if w == nil || ev.Kind != orders.EventFilled || ev.Trade == nil {
		return
	}
	w.EnqueueFill(FillFromEvent(ev))
}

func (w *Writer) EnqueueFill(fill Fill) {
	if w == nil {
		return
	}
	select {
	case w.fills <- fill:
	default:
		w.drop("fill")
	}
}

func (w *Writer) EnqueueFunding(info funding.Info, at time.Time) {
	if w == nil {
		return
	}
	snap := FundingSnapshot{
		Time:        at.UTC(),
		TradingPair: info.TradingPair,
		Rate:        info.Rate.String(),
		MarkPrice:   info.MarkPrice.String(),
		IndexPrice:  info.IndexPrice.String(),
		NextFunding: info.NextFunding.UTC(),
	}
	select {
	case w.funding <- snap:
	default:
		w.drop("funding")
	}
}

func (w *Writer) EnqueuePayment(p funding.Payment) {
	if w == nil {
		return
	}
	select {
	case w.payments <- p:
	default:
		w.drop("funding payment")
	}
}

func (w *Writer) drop(kind string) {
	if w.dropped.Add(1) == 1 {
		w.log.Warn("history queue full", zap.String("kind", kind))
	}
}

func FillFromEvent(ev orders.Event) Fill {
	tr := ev.Trade
	fill := Fill{
		TradeID:         tr.TradeID,
		ClientOrderID:   ev.Order.ClientOrderID,
		ExchangeOrderID: tr.ExchangeOrderID,
		TradingPair:     tr.TradingPair,
		Side:            string(ev.Order.Side),
		Action:          string(tr.Action),
		Time:            tr.FillTime.UTC(),
		Price:           tr.FillPrice.String(),
		Base:            tr.FillBase.String(),
		Quote:           tr.FillQuote.String(),
		FeeType:         string(tr.Fee.Type),
		Source:          string(tr.Source),
	}
	if fill.ExchangeOrderID == "" {
		fill.ExchangeOrderID = ev.Order.ExchangeOrderID
	}
	if len(tr.Fee.Amounts) > 0 {
		fill.FeeAsset = tr.Fee.Amounts[0].Asset
		fill.FeeAmount = tr.Fee.Amounts[0].Amount.String()
	}
	return fill
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		trade_id TEXT NOT NULL,
		trading_pair TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL,
		side TEXT NOT NULL,
		position_action TEXT NOT NULL,
		price NUMERIC NOT NULL,
		base_amount NUMERIC NOT NULL,
		quote_amount NUMERIC NOT NULL,
		fee_type TEXT NOT NULL,
		fee_asset TEXT NOT NULL DEFAULT '',
		fee_amount NUMERIC,
		source TEXT NOT NULL,
		PRIMARY KEY (ts, trading_pair, trade_id)
	)`, w.table("fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		trading_pair TEXT NOT NULL,
		rate NUMERIC NOT NULL,
		mark_price NUMERIC NOT NULL,
		index_price NUMERIC NOT NULL,
		next_funding TIMESTAMPTZ,
		PRIMARY KEY (ts, trading_pair)
	)`, w.table("funding_rates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		trading_pair TEXT NOT NULL,
		rate NUMERIC NOT NULL,
		amount NUMERIC NOT NULL,
		PRIMARY KEY (ts, trading_pair)
	)`, w.table("funding_payments"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"fills", "funding_rates", "funding_payments"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeFill(ctx context.Context, fill Fill) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var feeAmount any
	if fill.FeeAmount != "" {
		feeAmount = fill.FeeAmount
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, trade_id, trading_pair, client_order_id, exchange_order_id, side, position_action,
		price, base_amount, quote_amount, fee_type, fee_asset, fee_amount, source
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	)
	ON CONFLICT (ts, trading_pair, trade_id) DO NOTHING`, w.table("fills"))
	if _, err := w.db.ExecContext(ctx, query,
		fill.Time,
		fill.TradeID,
		fill.TradingPair,
		fill.ClientOrderID,
		fill.ExchangeOrderID,
		fill.Side,
		fill.Action,
		fill.Price,
		fill.Base,
		fill.Quote,
		fill.FeeType,
		fill.FeeAsset,
		feeAmount,
		fill.Source,
	); err != nil {
		w.log.Warn("timescale fill insert failed", zap.String("trade_id", fill.TradeID), zap.Error(err))
	}
}

func (w *Writer) writeFunding(ctx context.Context, snap FundingSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var next any
	if !snap.NextFunding.IsZero() && snap.NextFunding.Unix() > 0 {
		next = snap.NextFunding
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, trading_pair, rate, mark_price, index_price, next_funding
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (ts, trading_pair) DO NOTHING`, w.table("funding_rates"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.TradingPair,
		snap.Rate,
		snap.MarkPrice,
		snap.IndexPrice,
		next,
	); err != nil {
		w.log.Warn("timescale funding insert failed", zap.Error(err))
	}
}

func (w *Writer) writePayment(ctx context.Context, p funding.Payment) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, trading_pair, rate, amount
	) VALUES ($1,$2,$3,$4)
	ON CONFLICT (ts, trading_pair) DO NOTHING`, w.table("funding_payments"))
	if _, err := w.db.ExecContext(ctx, query,
		p.Time.UTC(),
		p.TradingPair,
		p.Rate.String(),
		p.Amount.String(),
	); err != nil {
		w.log.Warn("timescale funding payment insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
