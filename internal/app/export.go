package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"supply-notifier/internal/storage"
)

// Export writes the order set as CSV and/or a PNG chart of rouble value per supply date.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	orders, err := store.ListOrders(ctx, opts.MaxRows)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		a.Logger.Info().Msg("no orders to export")
		return nil
	}
	a.Logger.Info().Int("orders", len(orders)).Msg("exporting orders")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeOrdersCSV(w, orders) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		totals := dailyTotals(orders)
		if len(totals) < 2 {
			a.Logger.Warn().Int("dates", len(totals)).Msg("chart needs at least two supply dates; skipping png")
			return nil
		}
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderTotalsPNG(w, totals) }); err != nil {
			return err
		}
	}

	return nil
}

func writeOrdersCSV(w io.Writer, orders []storage.Order) error {
	writer := csv.NewWriter(w)

	header := []string{"table_id", "order_id", "price_usd", "price_rub", "supply_date"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range orders {
		record := []string{
			strconv.FormatInt(o.TableID, 10),
			strconv.FormatInt(o.OrderID, 10),
			o.PriceUSD.StringFixed(2),
			o.PriceRUB.StringFixed(2),
			o.SupplyDate.Format(storage.DateLayout),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

type dailyTotal struct {
	Date   time.Time
	RUB    decimal.Decimal
	Orders int
}

// dailyTotals sums rouble value per supply date, oldest first.
func dailyTotals(orders []storage.Order) []dailyTotal {
	byDate := make(map[time.Time]*dailyTotal)
	for _, o := range orders {
		day := storage.DateOf(o.SupplyDate)
		t, ok := byDate[day]
		if !ok {
			t = &dailyTotal{Date: day}
			byDate[day] = t
		}
		t.RUB = t.RUB.Add(o.PriceRUB)
		t.Orders++
	}

	totals := make([]dailyTotal, 0, len(byDate))
	for _, t := range byDate {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Date.Before(totals[j].Date) })
	return totals
}

func renderTotalsPNG(w io.Writer, totals []dailyTotal) error {
	x := make([]time.Time, len(totals))
	rub := make([]float64, len(totals))
	peak := 0.0
	for i, t := range totals {
		x[i] = t.Date
		rub[i] = t.RUB.InexactFloat64()
		if rub[i] > peak {
			peak = rub[i]
		}
	}
	if peak <= 0 {
		peak = 1
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:           "Supply date",
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Value (RUB)",
			// pinned so a flat series still has a non-zero range
			Range: &chart.ContinuousRange{Min: 0, Max: peak * 1.1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Value (RUB)",
				XValues: x,
				YValues: rub,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
