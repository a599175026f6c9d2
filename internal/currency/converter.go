// Package currency converts order prices to roubles with per-date rate memoization.
package currency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"supply-notifier/internal/fetcher"
	"supply-notifier/internal/storage"
)

// Converter turns USD prices into RUB using the rate of a calendar date.
// A date resolved once is never fetched again for the lifetime of the Converter.
type Converter struct {
	provider fetcher.RateProvider
	shared   SharedCache
	logger   zerolog.Logger

	mu    sync.Mutex
	rates map[string]decimal.Decimal
}

// NewConverter builds a converter. shared may be nil.
func NewConverter(provider fetcher.RateProvider, shared SharedCache, logger zerolog.Logger) *Converter {
	return &Converter{
		provider: provider,
		shared:   shared,
		logger:   logger.With().Str("component", "converter").Logger(),
		rates:    make(map[string]decimal.Decimal),
	}
}

// Rate resolves the rate for asOf's calendar date.
func (c *Converter) Rate(ctx context.Context, asOf time.Time) (decimal.Decimal, error) {
	day := storage.DateOf(asOf)
	key := day.Format(storage.DateLayout)

	// held across the fetch so concurrent callers for one date share a single request
	c.mu.Lock()
	defer c.mu.Unlock()

	if rate, ok := c.rates[key]; ok {
		return rate, nil
	}

	if c.shared != nil {
		rate, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("date", key).Msg("shared rate cache read failed")
		} else if ok {
			c.rates[key] = rate
			return rate, nil
		}
	}

	rate, err := c.provider.FetchRate(ctx, day)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch rate for %s: %w", key, err)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("rate for %s is not positive: %s", key, rate)
	}

	c.rates[key] = rate
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, rate); err != nil {
			c.logger.Warn().Err(err).Str("date", key).Msg("shared rate cache write failed")
		}
	}

	c.logger.Info().Str("date", key).Str("rate", rate.String()).Msg("rate resolved")
	return rate, nil
}

// RubPrice returns usd * rate(asOf) rounded half-up to kopecks.
func (c *Converter) RubPrice(ctx context.Context, usd decimal.Decimal, asOf time.Time) (decimal.Decimal, error) {
	rate, err := c.Rate(ctx, asOf)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return storage.RoundMoney(usd.Mul(rate)), nil
}
