package funding

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultRetryInterval = 30 * time.Second

type Info struct {
	TradingPair string
	IndexPrice  decimal.Decimal
	MarkPrice   decimal.Decimal
	Rate        decimal.Decimal
	NextFunding time.Time
}

// Payment is one settled funding charge or credit.
type Payment struct {
	TradingPair string
	Time        time.Time
	Rate        decimal.Decimal
	Amount      decimal.Decimal
}

type Fetcher interface {
	FetchFundingInfo(ctx context.Context, pair string) (Info, error)
}

// Stream keeps one funding record per pair. Records are replaced wholesale, never merged.
type Stream struct {
	fetcher  Fetcher
	interval time.Duration
	log      *zap.Logger

	mu    sync.RWMutex
	infos map[string]Info
}

func NewStream(fetcher Fetcher, retryInterval time.Duration, log *zap.Logger) *Stream {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{fetcher: fetcher, interval: retryInterval, log: log, infos: make(map[string]Info)}
}

func (s *Stream) Get(pair string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[pair]
	return info, ok
}

func (s *Stream) All() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TradingPair < out[j].TradingPair })
	return out
}

// Ensure fetches the record over REST when none exists yet.
func (s *Stream) Ensure(ctx context.Context, pair string) (Info, error) {
	if info, ok := s.Get(pair); ok {
		return info, nil
	}
	if s.fetcher == nil {
		return Info{}, errors.New("funding fetcher is required")
	}
	info, err := s.fetcher.FetchFundingInfo(ctx, pair)
	if err != nil {
		return Info{}, err
	}
	info.TradingPair = pair
	s.mu.Lock()
	// a push that raced the fetch is newer
	if existing, ok := s.infos[pair]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.infos[pair] = info
	s.mu.Unlock()
	return info, nil
}

// Apply replaces the whole record for the pair.
func (s *Stream) Apply(info Info) bool {
	if info.TradingPair == "" {
		return false
	}
	s.mu.Lock()
	s.infos[info.TradingPair] = info
	s.mu.Unlock()
	return true
}

// Run initializes every pair, then applies pushed updates and retries missing pairs until ctx ends.
func (s *Stream) Run(ctx context.Context, pairs []string, updates <-chan Info) error {
	s.ensureAll(ctx, pairs)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case info, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.Apply(info)
		case <-ticker.C:
			s.ensureAll(ctx, pairs)
		}
	}
}

func (s *Stream) ensureAll(ctx context.Context, pairs []string) {
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Ensure(ctx, pair); err != nil {
			s.log.Warn("funding info init failed", zap.String("trading_pair", pair), zap.Error(err))
		}
	}
}
