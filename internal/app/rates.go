package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"supply-notifier/internal/storage"
)

// maxRateDays caps one rates run; the feed is queried once per day.
const maxRateDays = 366

type rateResolver interface {
	Rate(ctx context.Context, asOf time.Time) (decimal.Decimal, error)
}

// Rates resolves the central bank rate for every day in [From, To] and prints it.
// With a shared cache configured this also warms it for the refresher.
func (a *App) Rates(ctx context.Context, opts RatesOptions) error {
	from, to := storage.DateOf(opts.From), storage.DateOf(opts.To)
	if to.Before(from) {
		return errors.New("--from must not be after --to")
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > maxRateDays {
		return fmt.Errorf("range covers %d days; at most %d allowed", days, maxRateDays)
	}

	conv, closeCache, err := a.newConverter(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	return a.writeRates(ctx, os.Stdout, conv, from, to)
}

func (a *App) writeRates(ctx context.Context, out io.Writer, rates rateResolver, from, to time.Time) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tRUB per USD")

	failed := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}

		rate, err := rates.Rate(ctx, day)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("date", day.Format(storage.DateLayout)).Msg("rate lookup failed")
			fmt.Fprintf(writer, "%s\t-\n", day.Format(storage.DateLayout))
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\n", day.Format(storage.DateLayout), rate.StringFixed(4))
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d rate lookups failed", failed)
	}
	return nil
}
