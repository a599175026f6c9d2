package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RateProvider returns how many roubles one unit of the tracked currency costs on a date.
type RateProvider interface {
	FetchRate(ctx context.Context, date time.Time) (decimal.Decimal, error)
}

// OrderSource extracts the raw order rows of one refresh cycle.
type OrderSource interface {
	FetchRows(ctx context.Context) ([][]string, error)
}
