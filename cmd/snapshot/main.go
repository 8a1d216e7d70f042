// Command snapshot prints the account as the connector sees it over REST. It places, cancels and changes nothing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bg-perp-connector/internal/balance"
	"bg-perp-connector/internal/bitget"
	"bg-perp-connector/internal/bitget/rest"
	"bg-perp-connector/internal/config"
	"bg-perp-connector/internal/connector"
	"bg-perp-connector/internal/funding"
	"bg-perp-connector/internal/logging"
	"bg-perp-connector/internal/positions"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultRESTTimeout = 10 * time.Second
	defaultEnvFile     = ".env"
)

type report struct {
	TakenAt         time.Time            `json:"taken_at"`
	TradingRules    []bitget.TradingRule `json:"trading_rules"`
	Balances        []balance.Balance    `json:"balances"`
	Positions       []positions.Position `json:"positions"`
	Funding         []funding.Info       `json:"funding"`
	FundingPayments []funding.Payment    `json:"funding_payments,omitempty"`
	Errors          []string             `json:"errors,omitempty"`
	Status          connector.Status     `json:"status"`
}

func main() {
	configPath := flag.String("config", "", "optional config path for REST settings and trading pairs")
	pairsFlag := flag.String("pairs", "", "comma separated trading pairs, overrides the config")
	withPayments := flag.Bool("funding-payments", false, "also fetch the last funding payment per pair")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}

	logCfg := config.LoggingConfig{Level: "warn", Encoding: "console"}
	restOpts := rest.Options{BaseURL: bitget.DefaultRESTURL, Timeout: defaultRESTTimeout}
	var pairs []string
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		restOpts = rest.Options{BaseURL: cfg.REST.BaseURL, Timeout: cfg.REST.Timeout, RateLimit: cfg.REST.RateLimit, Burst: cfg.REST.Burst}
		pairs = cfg.Connector.TradingPairs
	}
	if *pairsFlag != "" {
		pairs = splitPairs(*pairsFlag)
	}
	if len(pairs) == 0 {
		fatal(errors.New("no trading pairs: pass -pairs or -config"))
	}

	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()

	creds := bitget.Credentials{
		APIKey:     strings.TrimSpace(os.Getenv("BITGET_API_KEY")),
		SecretKey:  strings.TrimSpace(os.Getenv("BITGET_SECRET_KEY")),
		Passphrase: strings.TrimSpace(os.Getenv("BITGET_PASSPHRASE")),
	}
	if !creds.Valid() {
		fatal(errors.New("BITGET_API_KEY, BITGET_SECRET_KEY and BITGET_PASSPHRASE are required"))
	}
	client := rest.New(restOpts, creds, log)
	conn, err := connector.New(connector.Config{TradingPairs: pairs}, connector.Deps{REST: client}, log)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out := report{TakenAt: time.Now().UTC()}
	if err := conn.Refresh(ctx); err != nil {
		log.Warn("snapshot incomplete", zap.Error(err))
		out.Errors = append(out.Errors, err.Error())
	}
	for _, pair := range pairs {
		if rule, ok := conn.TradingRule(pair); ok {
			out.TradingRules = append(out.TradingRules, rule)
		}
	}
	out.Balances = conn.Balances()
	out.Positions = conn.Positions()
	out.Funding = conn.FundingInfos()
	if *withPayments {
		payments, err := conn.PollFundingPayments(ctx)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("funding payments: %v", err))
		}
		out.FundingPayments = payments
	}
	out.Status = conn.Status()

	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
	if len(out.Errors) > 0 {
		os.Exit(1)
	}
}

func splitPairs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
	os.Exit(1)
}
