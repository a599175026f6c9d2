package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supply-notifier/internal/config"
	"supply-notifier/internal/notifier"
	"supply-notifier/internal/scheduler"
	"supply-notifier/internal/storage"
)

const cbrDaily = `<?xml version="1.0" encoding="utf-8"?>
<ValCurs Date="19.10.2026" name="Foreign Currency Market">
  <Valute ID="R01235"><NumCode>840</NumCode><CharCode>USD</CharCode><Nominal>1</Nominal><Name>US Dollar</Name><Value>80,0000</Value></Valute>
</ValCurs>`

var pinnedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type telegramStub struct {
	mu   sync.Mutex
	sent []map[string]any
}

func (s *telegramStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.sent = append(s.sent, body)
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
}

func (s *telegramStub) messages() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.sent...)
}

type fixture struct {
	app      *App
	csvPath  string
	telegram *telegramStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cbr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "19/10/2026", r.URL.Query().Get("date_req"))
		_, _ = w.Write([]byte(cbrDaily))
	}))
	t.Cleanup(cbr.Close)

	tg := &telegramStub{}
	tgSrv := httptest.NewServer(tg)
	t.Cleanup(tgSrv.Close)

	csvPath := filepath.Join(dir, "orders.csv")
	cfg := &config.Config{
		App:      config.AppConfig{Name: "supply-notifier", Timezone: "UTC"},
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, DSN: filepath.Join(dir, "app.db"), ApplySchema: true},
		Scheduler: config.SchedulerConfig{
			Refresh:     config.CycleConfig{Interval: time.Second},
			Notify:      config.CycleConfig{Interval: time.Second},
			ListenRetry: time.Millisecond,
		},
		Source:   config.SourceConfig{Kind: config.SourceFile, FilePath: csvPath, HeaderRows: 1},
		Rates:    config.RatesConfig{BaseURL: cbr.URL, CurrencyID: "R01235", RequestTimeout: time.Second},
		Telegram: config.TelegramConfig{Enabled: true, BotToken: "t", APIBase: tgSrv.URL, RequestTimeout: time.Second, ParseMode: "HTML"},
		Export:   config.ExportConfig{MaxRows: 100},
	}

	a := NewApp(cfg, zerolog.Nop())
	a.Now = func() time.Time { return pinnedNow }
	return &fixture{app: a, csvPath: csvPath, telegram: tg}
}

func (f *fixture) writeSheet(t *testing.T, rows ...string) {
	t.Helper()
	content := "№,заказ №,стоимость $,срок поставки\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(f.csvPath, []byte(content), 0o644))
}

func (f *fixture) register(t *testing.T, addresses ...string) {
	t.Helper()
	ctx := context.Background()
	store, closeStore, err := f.app.openStore(ctx)
	require.NoError(t, err)
	defer closeStore()

	reg := notifier.NewRegistrar(store, zerolog.Nop())
	for _, addr := range addresses {
		require.NoError(t, reg.OnInboundContact(ctx, storage.ChannelTelegram, addr))
	}
}

func (f *fixture) orders(t *testing.T) []storage.Order {
	t.Helper()
	store, closeStore, err := f.app.openStore(context.Background())
	require.NoError(t, err)
	defer closeStore()

	orders, err := store.ListOrders(context.Background(), 0)
	require.NoError(t, err)
	return orders
}

func TestRefreshThenNotifyEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSheet(t,
		`1,1249708,675,19.10.2026`,
		`2,1182407,"214,5",13.10.2026`,
		`3,1120833,10,25.10.2026`,
		`4,broken,1,19.10.2026`,
	)
	f.register(t, "111", "222")

	require.NoError(t, f.app.RunRefresh(ctx, true))

	orders := f.orders(t)
	require.Len(t, orders, 3)
	assert.Equal(t, "54000.00", orders[0].PriceRUB.StringFixed(2))
	assert.Equal(t, "17160.00", orders[1].PriceRUB.StringFixed(2))

	require.NoError(t, f.app.RunNotify(ctx, true))
	msgs := f.telegram.messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "HTML", m["parse_mode"])
		assert.Equal(t,
			"Supplies expected today for orders:\n<code>1249708</code>\nSupply date has passed for orders:\n<code>1182407</code> (13.10.2026)",
			m["text"])
	}

	require.NoError(t, f.app.RunNotify(ctx, true))
	assert.Len(t, f.telegram.messages(), 2, "no duplicate notifications")

	// moving a due-today order to next week re-arms it; the overdue one stays quiet
	f.writeSheet(t,
		`1,1249708,675,26.10.2026`,
		`2,1182407,"214,5",20.10.2026`,
		`3,1120833,10,19.10.2026`,
	)
	require.NoError(t, f.app.RunRefresh(ctx, true))
	require.NoError(t, f.app.RunNotify(ctx, true))

	msgs = f.telegram.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "Supplies expected today for orders:\n<code>1120833</code>", msgs[2]["text"])
}

func TestCycleOptionsCarryAlignment(t *testing.T) {
	cycle := config.CycleConfig{Interval: time.Minute, StartupDelay: time.Second, Align: true}

	assert.Equal(t, scheduler.Options{
		Name:         "notify",
		Interval:     time.Minute,
		AlignToStart: true,
		StartupDelay: time.Second,
	}, cycleOptions("notify", cycle))

	cycle.Align = false
	assert.False(t, cycleOptions("refresh", cycle).AlignToStart)
}

func TestRunNotifyRequiresTelegram(t *testing.T) {
	f := newFixture(t)
	f.app.Config.Telegram.Enabled = false
	require.Error(t, f.app.RunNotify(context.Background(), true))
}

type flakyListener struct {
	calls  int
	cancel context.CancelFunc
}

func (l *flakyListener) Listen(ctx context.Context, handler func(ctx context.Context, address string) error) error {
	l.calls++
	if l.calls == 1 {
		return errors.New("telegram unavailable")
	}
	if err := handler(ctx, "333"); err != nil {
		return err
	}
	l.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestListenRestartsAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := f.app.openStore(ctx)
	require.NoError(t, err)
	defer closeStore()

	listener := &flakyListener{cancel: cancel}
	err = f.app.listen(ctx, listener, notifier.NewRegistrar(store, zerolog.Nop()), storage.ChannelTelegram)
	require.NoError(t, err)
	assert.Equal(t, 2, listener.calls)

	recipients, err := store.ListRecipients(context.Background(), storage.ChannelTelegram)
	require.NoError(t, err)
	assert.Equal(t, []storage.Recipient{{Channel: storage.ChannelTelegram, Address: "333"}}, recipients)
}

func TestExportWritesCSVAndChart(t *testing.T) {
	f := newFixture(t)
	f.writeSheet(t, `1,10,1,19.10.2026`, `2,20,2,20.10.2026`, `3,30,3,20.10.2026`)
	require.NoError(t, f.app.RunRefresh(context.Background(), true))

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "orders.csv")
	pngPath := filepath.Join(dir, "out", "orders.png")
	require.NoError(t, f.app.Export(context.Background(), ExportOptions{CSVPath: csvPath, PNGPath: pngPath}))

	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"table_id", "order_id", "price_usd", "price_rub", "supply_date"},
		{"1", "10", "1.00", "80.00", "2026-10-19"},
		{"2", "20", "2.00", "160.00", "2026-10-20"},
		{"3", "30", "3.00", "240.00", "2026-10-20"},
	}, records)

	png, err := os.ReadFile(pngPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestExportRequiresOutput(t *testing.T) {
	require.Error(t, newFixture(t).app.Export(context.Background(), ExportOptions{}))
}

func TestDailyTotals(t *testing.T) {
	d1 := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	d0 := d1.AddDate(0, 0, -1)
	totals := dailyTotals([]storage.Order{
		{OrderID: 1, PriceRUB: decimal.RequireFromString("10.50"), SupplyDate: d1},
		{OrderID: 2, PriceRUB: decimal.RequireFromString("1.25"), SupplyDate: d0},
		{OrderID: 3, PriceRUB: decimal.RequireFromString("0.50"), SupplyDate: d1},
	})
	require.Len(t, totals, 2)
	assert.Equal(t, d0, totals[0].Date)
	assert.Equal(t, "11.00", totals[1].RUB.StringFixed(2))
	assert.Equal(t, 2, totals[1].Orders)
}

func TestWriteOrderTable(t *testing.T) {
	today := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	orders := []storage.Order{
		{OrderID: 10, TableID: 1, PriceUSD: decimal.NewFromInt(1), PriceRUB: decimal.NewFromInt(80), SupplyDate: today},
		{OrderID: 20, TableID: 2, PriceUSD: decimal.NewFromInt(2), PriceRUB: decimal.NewFromInt(160), SupplyDate: today.AddDate(0, 0, -2)},
		{OrderID: 30, TableID: 3, PriceUSD: decimal.NewFromInt(3), PriceRUB: decimal.NewFromInt(240), SupplyDate: today.AddDate(0, 0, 2)},
	}
	counts := notifiedCounts([]storage.NotifiedState{{OrderID: 10}, {OrderID: 10}, {OrderID: 20}})

	var buf bytes.Buffer
	require.NoError(t, writeOrderTable(&buf, orders, counts, today))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"1", "10", "1.00", "80.00", "19.10.2026", "due", "today", "2"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", "20", "2.00", "160.00", "17.10.2026", "overdue", "1"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"3", "30", "3.00", "240.00", "21.10.2026", "upcoming", "0"}, strings.Fields(lines[3]))

	buf.Reset()
	require.NoError(t, writeOrderTable(&buf, nil, nil, today))
	assert.Equal(t, "no orders found\n", buf.String())
}

func TestWritePlanPreview(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePlanPreview(&buf, nil))
	assert.Equal(t, "nothing pending\n", buf.String())

	buf.Reset()
	plan := &notifier.Plan{DueToday: []storage.Order{{OrderID: 7}}}
	require.NoError(t, writePlanPreview(&buf, plan))
	assert.Equal(t, "1 due today, 0 overdue\n\nSupplies expected today for orders:\n<code>7</code>\n", buf.String())
}

type mapRates map[string]decimal.Decimal

func (m mapRates) Rate(ctx context.Context, asOf time.Time) (decimal.Decimal, error) {
	if r, ok := m[asOf.Format(storage.DateLayout)]; ok {
		return r, nil
	}
	return decimal.Decimal{}, errors.New("no rate")
}

func TestWriteRates(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	from := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	rates := mapRates{
		"2026-10-17": decimal.RequireFromString("81.1"),
		"2026-10-18": decimal.RequireFromString("81.25"),
	}

	var buf bytes.Buffer
	err := a.writeRates(context.Background(), &buf, rates, from, from.AddDate(0, 0, 2))
	require.Error(t, err, "the 19th has no rate")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"2026-10-17", "81.1000"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2026-10-19", "-"}, strings.Fields(lines[3]))
}
