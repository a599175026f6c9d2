package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"supply-notifier/internal/alerting"
	"supply-notifier/internal/api"
	"supply-notifier/internal/config"
	"supply-notifier/internal/currency"
	"supply-notifier/internal/fetcher"
	"supply-notifier/internal/notifier"
	"supply-notifier/internal/refresher"
	"supply-notifier/internal/scheduler"
	"supply-notifier/internal/service"
	"supply-notifier/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Now is the clock used for "today"; tests pin it.
	Now func() time.Time
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Now: time.Now}
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		// Validate already rejected unknown zones
		return time.UTC
	}
	return loc
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	return store, store.Close, nil
}

func (a *App) newSource() fetcher.OrderSource {
	src := a.Config.Source
	if src.Kind == config.SourceFile {
		return fetcher.NewFile(src.FilePath)
	}
	return fetcher.NewSheet(fetcher.SheetOptions{
		ExportURL: src.ExportURL,
		SheetKey:  src.SheetKey,
		GID:       src.SheetGID,
		Timeout:   src.RequestTimeout,
	}, a.Logger)
}

func (a *App) newConverter(ctx context.Context) (*currency.Converter, func(), error) {
	rates := a.Config.Rates
	provider := fetcher.NewCBR(fetcher.CBROptions{
		BaseURL:    rates.BaseURL,
		CurrencyID: rates.CurrencyID,
		Timeout:    rates.RequestTimeout,
		UserAgent:  rates.UserAgent,
	}, a.Logger)

	cache, closeCache, err := currency.DialRedisCache(ctx, rates.Redis)
	if err != nil {
		return nil, nil, err
	}

	var shared currency.SharedCache
	if cache != nil {
		shared = cache
		a.Logger.Info().Str("addr", rates.Redis.Addr).Msg("shared rate cache enabled")
	}
	return currency.NewConverter(provider, shared, a.Logger), closeCache, nil
}

func (a *App) newTransport() (*alerting.Telegram, error) {
	tg := a.Config.Telegram
	if !tg.Enabled {
		return nil, errors.New("telegram is disabled; set telegram.enabled and telegram.bot_token")
	}
	return alerting.NewTelegram(alerting.TelegramOptions{
		BotToken:       tg.BotToken,
		APIBase:        tg.APIBase,
		RequestTimeout: tg.RequestTimeout,
		PollTimeout:    tg.PollTimeout,
		ParseMode:      tg.ParseMode,
	}, a.Logger), nil
}

func (a *App) newPlanner(store storage.NotifiedStore) *notifier.Planner {
	return notifier.NewPlanner(store, a.Now, a.location())
}

func cycleOptions(name string, cycle config.CycleConfig) scheduler.Options {
	return scheduler.Options{
		Name:         name,
		Interval:     cycle.Interval,
		AlignToStart: cycle.Align,
		StartupDelay: cycle.StartupDelay,
	}
}

// RunRefresh keeps the order store in sync with the source. With once set it runs a
// single cycle and returns its error.
func (a *App) RunRefresh(ctx context.Context, once bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	conv, closeCache, err := a.newConverter(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	ref := refresher.New(a.newSource(), conv, store, refresher.Options{
		HeaderRows: a.Config.Source.HeaderRows,
		Location:   a.location(),
		Now:        a.Now,
	}, a.Logger)
	svc := service.New(a.Config.Scheduler, store, ref, nil, nil, a.Logger)

	if once {
		return svc.RefreshCycle(ctx, a.Now().UTC())
	}

	cycle := a.Config.Scheduler.Refresh
	sched := scheduler.New(cycleOptions("refresh", cycle), a.Logger)

	a.Logger.Info().Dur("interval", cycle.Interval).Bool("align", cycle.Align).Msg("starting refresher")
	return a.finish("refresher", svc.RunRefresh(ctx, sched))
}

// RunNotify delivers pending notifications. With once set it runs a single cycle.
func (a *App) RunNotify(ctx context.Context, once bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport, err := a.newTransport()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	disp := notifier.NewDispatcher(store, store, a.newPlanner(store), notifier.RenderHTML, a.Logger)
	svc := service.New(a.Config.Scheduler, store, nil, disp, transport, a.Logger)

	if once {
		return svc.DispatchCycle(ctx, a.Now().UTC())
	}

	cycle := a.Config.Scheduler.Notify
	sched := scheduler.New(cycleOptions("notify", cycle), a.Logger)

	a.Logger.Info().Dur("interval", cycle.Interval).Bool("align", cycle.Align).Msg("starting notifier")
	return a.finish("notifier", svc.RunNotify(ctx, sched))
}

// Listen registers every chat that contacts the bot, restarting the poller after
// failures until the process is stopped.
func (a *App) Listen(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport, err := a.newTransport()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.listen(ctx, transport, notifier.NewRegistrar(store, a.Logger), transport.Channel())
}

func (a *App) listen(ctx context.Context, listener notifier.Listener, registrar *notifier.Registrar, channel storage.Channel) error {
	retry := a.Config.Scheduler.ListenRetry
	if retry <= 0 {
		retry = 5 * time.Second
	}

	a.Logger.Info().Str("channel", string(channel)).Msg("listening for inbound contacts")
	for {
		err := listener.Listen(ctx, registrar.Handler(channel))
		if ctx.Err() != nil {
			a.Logger.Info().Msg("listener stopped")
			return nil
		}
		a.Logger.Warn().Err(err).Dur("retry_in", retry).Msg("listener failed; restarting")

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.Logger.Info().Msg("listener stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Serve runs the read API.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return api.NewServer(a.Config.API, store, a.Logger).Run(ctx)
}

// Migrate creates the schema. It is safe to run repeatedly.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.ApplySchema(ctx); err != nil {
		return err
	}
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema applied")
	return nil
}

func (a *App) finish(name string, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Str("job", name).Msg("job terminated with error")
		return err
	}
	a.Logger.Info().Str("job", name).Msg("job stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PlanOptions select the recipient whose pending notification is previewed.
type PlanOptions struct {
	Address string
}

// ExportOptions hold parameters for exporting the order set.
type ExportOptions struct {
	PNGPath string
	CSVPath string
	MaxRows int
}

// RatesOptions bound the dates resolved by the rates command.
type RatesOptions struct {
	From time.Time
	To   time.Time
}
