package currency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	mu    sync.Mutex
	calls map[string]int
	rate  decimal.Decimal
	err   error
}

func (p *countingProvider) FetchRate(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[date.Format("2006-01-02")]++
	return p.rate, p.err
}

type mapCache struct {
	values map[string]decimal.Decimal
	setErr error
}

func (m *mapCache) Get(ctx context.Context, date string) (decimal.Decimal, bool, error) {
	v, ok := m.values[date]
	return v, ok, nil
}

func (m *mapCache) Set(ctx context.Context, date string, rate decimal.Decimal) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.values[date] = rate
	return nil
}

func TestRubPriceRoundsHalfUp(t *testing.T) {
	provider := &countingProvider{rate: decimal.RequireFromString("81.5032")}
	conv := NewConverter(provider, nil, zerolog.Nop())

	// 10.05 * 81.5032 = 819.05716
	got, err := conv.RubPrice(context.Background(), decimal.RequireFromString("10.05"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "819.06", got.StringFixed(2))

	// 0.5 * 0.01 = 0.005 -> 0.01
	provider.rate = decimal.RequireFromString("0.01")
	conv = NewConverter(provider, nil, zerolog.Nop())
	got, err = conv.RubPrice(context.Background(), decimal.RequireFromString("0.5"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "0.01", got.StringFixed(2))
}

func TestRateMemoizedPerDate(t *testing.T) {
	provider := &countingProvider{rate: decimal.NewFromInt(90)}
	conv := NewConverter(provider, nil, zerolog.Nop())
	ctx := context.Background()

	morning := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)
	nextDay := time.Date(2026, 10, 20, 1, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{morning, evening, morning, nextDay, morning} {
		_, err := conv.Rate(ctx, at)
		require.NoError(t, err)
	}

	assert.Equal(t, map[string]int{"2026-10-19": 1, "2026-10-20": 1}, provider.calls)
}

func TestRateConcurrentCallersShareFetch(t *testing.T) {
	provider := &countingProvider{rate: decimal.NewFromInt(90)}
	conv := NewConverter(provider, nil, zerolog.Nop())
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = conv.Rate(context.Background(), at)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, provider.calls["2026-10-19"])
}

func TestRateErrorsPropagateAndAreNotCached(t *testing.T) {
	provider := &countingProvider{err: errors.New("cbr down")}
	conv := NewConverter(provider, nil, zerolog.Nop())
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	_, err := conv.RubPrice(context.Background(), decimal.NewFromInt(1), at)
	require.Error(t, err)

	provider.err = nil
	provider.rate = decimal.NewFromInt(80)
	got, err := conv.RubPrice(context.Background(), decimal.NewFromInt(1), at)
	require.NoError(t, err)
	assert.Equal(t, "80.00", got.StringFixed(2))
	assert.Equal(t, 2, provider.calls["2026-10-19"])
}

func TestRateRejectsNonPositive(t *testing.T) {
	conv := NewConverter(&countingProvider{rate: decimal.Zero}, nil, zerolog.Nop())
	_, err := conv.Rate(context.Background(), time.Now())
	require.Error(t, err)
}

func TestRateUsesSharedCache(t *testing.T) {
	provider := &countingProvider{rate: decimal.NewFromInt(90)}
	shared := &mapCache{values: map[string]decimal.Decimal{"2026-10-19": decimal.NewFromInt(77)}}
	conv := NewConverter(provider, shared, zerolog.Nop())

	rate, err := conv.Rate(context.Background(), time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(77)))
	assert.Zero(t, provider.calls["2026-10-19"])

	rate, err = conv.Rate(context.Background(), time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(90)))
	assert.True(t, shared.values["2026-10-20"].Equal(decimal.NewFromInt(90)))
}

func TestRateIgnoresSharedCacheWriteFailure(t *testing.T) {
	provider := &countingProvider{rate: decimal.NewFromInt(90)}
	shared := &mapCache{values: map[string]decimal.Decimal{}, setErr: errors.New("readonly")}
	conv := NewConverter(provider, shared, zerolog.Nop())

	_, err := conv.Rate(context.Background(), time.Now())
	require.NoError(t, err)
}
