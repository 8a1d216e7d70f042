package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bg-perp-connector/internal/alerts"
	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/bitget/rest"
	"bg-perp-connector/internal/bitget/ws"
	"bg-perp-connector/internal/config"
	"bg-perp-connector/internal/connector"
	"bg-perp-connector/internal/exec"
	"bg-perp-connector/internal/funding"
	"bg-perp-connector/internal/history"
	"bg-perp-connector/internal/metrics"
	"bg-perp-connector/internal/orders"
	"bg-perp-connector/internal/state/sqlite"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	shutdownTimeout      = 5 * time.Second
	readHeaderTimeout    = 5 * time.Second
	connectivityInterval = 10 * time.Second
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	rest      *rest.Client
	private   *ws.Client
	public    *ws.Client
	prom      *metrics.Prometheus
	connector *connector.Connector
	notifier  *alerts.Notifier
	operator  *Operator
	history   *history.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Credentials.Complete() {
		return nil, errors.New("BITGET_API_KEY, BITGET_SECRET_KEY and BITGET_PASSPHRASE are required")
	}
	positionMode, ok := bitget.ParsePositionMode(cfg.Connector.PositionMode)
	if !ok {
		return nil, fmt.Errorf("unknown position mode %q", cfg.Connector.PositionMode)
	}
	marginMode, ok := bitget.ParseMarginMode(cfg.Connector.MarginMode)
	if !ok {
		return nil, fmt.Errorf("unknown margin mode %q", cfg.Connector.MarginMode)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	historyWriter, err := history.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("history writer: %w", err)
	}

	prom := metrics.NewPrometheus()
	creds := bitget.Credentials{
		APIKey:     cfg.Credentials.APIKey,
		SecretKey:  cfg.Credentials.SecretKey,
		Passphrase: cfg.Credentials.Passphrase,
	}
	restClient := rest.New(rest.Options{
		BaseURL:   cfg.REST.BaseURL,
		Timeout:   cfg.REST.Timeout,
		RateLimit: cfg.REST.RateLimit,
		Burst:     cfg.REST.Burst,
	}, creds, log)
	restClient.OnTimeResync(prom.Metrics.ClockResyncs.Inc)

	wsOpts := ws.Options{
		ReconnectDelay:    cfg.WS.ReconnectDelay,
		MaxReconnectDelay: cfg.WS.MaxReconnectDelay,
		IdleTimeout:       cfg.WS.IdleTimeout,
		MaxMissedPongs:    cfg.WS.MaxMissedPongs,
	}
	privateOpts := wsOpts
	privateOpts.URL = cfg.WS.PrivateURL
	privateOpts.Login = func() map[string]any {
		return creds.LoginArgs(restClient.ServerNow())
	}
	publicOpts := wsOpts
	publicOpts.URL = cfg.WS.PublicURL
	privateWS := ws.New(privateOpts, log.Named("ws_private"))
	publicWS := ws.New(publicOpts, log.Named("ws_public"))

	executor := exec.New(connector.NewOrderAPI(restClient), store, exec.Options{
		Retryable:   rest.IsRetryable,
		Unconfirmed: rest.IsUnconfirmed,
	}, log)
	conn, err := connector.New(connector.Config{
		TradingPairs:           cfg.Connector.TradingPairs,
		PollInterval:           cfg.Connector.PollInterval,
		FundingPollInterval:    cfg.Connector.FundingPollInterval,
		FundingPaymentInterval: cfg.Connector.FundingPaymentInterval,
		NotFoundLimit:          cfg.Connector.NotFoundLimit,
		CacheTTL:               cfg.Connector.CacheTTL,
		CacheSize:              cfg.Connector.CacheSize,
		PositionMode:           positionMode,
		MarginMode:             marginMode,
		Leverage:               cfg.Connector.Leverage,
	}, connector.Deps{
		REST:     restClient,
		Executor: executor,
		Private:  privateWS,
		Public:   publicWS,
		Metrics:  prom.Metrics,
	}, log)
	if err != nil {
		_ = store.Close()
		_ = historyWriter.Close()
		return nil, err
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	notifier := alerts.NewNotifier(telegram, 0, log)
	wire(conn, notifier, historyWriter, log)
	operator := NewOperator(cfg.Telegram, telegram, conn, store, log)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		private:   privateWS,
		public:    publicWS,
		prom:      prom,
		connector: conn,
		notifier:  notifier,
		operator:  operator,
		history:   historyWriter,
	}, nil
}

// wire attaches the event sinks to the connector.
func wire(conn *connector.Connector, notifier *alerts.Notifier, writer *history.Writer, log *zap.Logger) {
	conn.AddListener(orders.ListenerFunc(func(ev orders.Event) {
		logEvent(log, ev)
	}))
	conn.AddListener(notifier)
	if writer != nil {
		conn.AddListener(writer)
	}
	conn.OnFundingPayment(func(p funding.Payment) {
		writer.EnqueuePayment(p)
	})
}

func (a *App) Connector() *connector.Connector {
	return a.connector
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.connector.Start(ctx); err != nil {
		return fmt.Errorf("connector start: %w", err)
	}
	a.log.Info("connector ready",
		zap.Strings("trading_pairs", a.connector.TradingPairs()),
		zap.String("position_mode", string(a.connector.PositionMode())),
		zap.Int("tracked_orders", len(a.connector.Orders())),
		zap.Int("positions", len(a.connector.Positions())),
	)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(a.connector.Run)
	p.Go(a.notifier.Run)
	p.Go(a.operator.Run)
	p.Go(a.history.Run)
	p.Go(a.sampleFunding)
	p.Go(a.watchConnectivity)
	if a.cfg.Metrics.EnabledValue() {
		p.Go(a.serveHTTP)
	}
	err := p.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) close() {
	if err := a.history.Close(); err != nil {
		a.log.Warn("history close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
}

// sampleFunding records every pair's funding record on a fixed interval.
func (a *App) sampleFunding(ctx context.Context) error {
	if a.history == nil {
		return nil
	}
	ticker := time.NewTicker(a.cfg.Timescale.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, info := range a.connector.FundingInfos() {
				a.history.EnqueueFunding(info, now)
			}
		}
	}
}

// watchConnectivity alerts when a stream goes down or the REST poll starts failing, and when it recovers.
func (a *App) watchConnectivity(ctx context.Context) error {
	ticker := time.NewTicker(connectivityInterval)
	defer ticker.Stop()
	prev := a.connector.Status()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cur := a.connector.Status()
			for _, msg := range connectivityChanges(prev, cur) {
				a.log.Warn("connectivity changed", zap.String("change", msg))
				a.notifier.Notify(msg)
			}
			prev = cur
		}
	}
}

func connectivityChanges(prev, cur connector.Status) []string {
	var out []string
	if prev.PrivateStream != cur.PrivateStream {
		out = append(out, "Private stream "+upDown(cur.PrivateStream))
	}
	if prev.PublicStream != cur.PublicStream {
		out = append(out, "Public stream "+upDown(cur.PublicStream))
	}
	if (prev.LastPollError == "") != (cur.LastPollError == "") {
		if cur.LastPollError != "" {
			out = append(out, "REST poll failing: "+cur.LastPollError)
		} else {
			out = append(out, "REST poll recovered")
		}
	}
	return out
}

func upDown(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           a.mux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics server listening", zap.String("address", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("metrics server shutdown failed", zap.Error(err))
	}
	return ctx.Err()
}

func (a *App) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := a.connector.Status()
		resp := map[string]any{
			"ready":           status.Ready,
			"private_stream":  status.PrivateStream,
			"public_stream":   status.PublicStream,
			"tracked_orders":  status.TrackedOrders,
			"positions":       status.Positions,
			"last_poll_unix":  unixOrZero(status.LastPoll),
			"ws_reconnects":   a.private.Reconnects() + a.public.Reconnects(),
			"clock_offset_ms": a.rest.Offset().Milliseconds(),
		}
		if status.LastPollError != "" {
			resp["last_poll_error"] = status.LastPollError
		}
		w.Header().Set("Content-Type", "application/json")
		if !status.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func logEvent(log *zap.Logger, ev orders.Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("client_order_id", ev.Order.ClientOrderID),
		zap.String("exchange_order_id", ev.Order.ExchangeOrderID),
		zap.String("trading_pair", ev.Order.TradingPair),
		zap.Stringer("state", ev.Order.State),
	}
	if ev.Kind == orders.EventStateChanged {
		fields = append(fields, zap.Stringer("previous", ev.Previous))
	}
	if ev.Trade != nil {
		fields = append(fields,
			zap.String("trade_id", ev.Trade.TradeID),
			zap.String("fill_base", ev.Trade.FillBase.String()),
			zap.String("fill_price", ev.Trade.FillPrice.String()),
		)
	}
	switch ev.Kind {
	case orders.EventFailed:
		log.Warn("order event", append(fields, zap.String("reason", strings.TrimSpace(ev.Reason)))...)
	case orders.EventStateChanged:
		log.Debug("order event", fields...)
	default:
		log.Info("order event", fields...)
	}
}
