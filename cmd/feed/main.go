package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"marketfeed/internal/app"
	"marketfeed/internal/broker/zerodha"
	"marketfeed/internal/candles"
	"marketfeed/internal/decoder"
	"marketfeed/internal/feed"
	"marketfeed/internal/logger"
	"marketfeed/internal/metrics"
	"marketfeed/internal/pricecache"
	"marketfeed/internal/resolver"
	"marketfeed/internal/store"
	"marketfeed/internal/throttle"
	"marketfeed/internal/ticks"
	"marketfeed/internal/trace"
	"marketfeed/internal/types"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	must(app.InitializeSystem())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig(ctx, *configPath)
	must(err)

	m := metrics.NewCollector("marketfeed")

	storage, lookup, err := app.OpenStorage(ctx, cfg)
	must(err)
	defer storage.Close()

	v := app.InitializeVendor(ctx, cfg, lookup)

	throttles := throttle.NewRegistry(m)
	defer throttles.Close()
	th := throttles.Add(v.Broker.Name(), app.ThrottleConfig(cfg))

	res := resolver.New(v.Lookup, cfg.Feed.DefaultPrefix)
	cache := pricecache.New()

	agg := ticks.NewAggregator(app.TickConfig(cfg), storage, m)
	if err := agg.Restore(ctx); err != nil {
		logger.Warn(ctx, "Could not restore tick store", "error", err)
	}
	poller := ticks.NewPoller(ticks.PollerParams{
		Source:     v.Broker,
		Throttler:  th,
		Resolver:   res,
		Aggregator: agg,
		Cache:      cache,
		Symbols:    cfg.Symbols,
		Interval:   time.Duration(cfg.Ticks.PollSeconds) * time.Second,

		SpikePercent: cfg.Ticks.SpikePercent,
	})

	engine := candles.NewEngine(storage, cfg.Location(), m)
	fetcher := candles.NewFetcher(v.Broker, th, engine, storage, m)

	srv := startMetricsServer(ctx, cfg, m)

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(agg.Run)
	run(poller.Run)
	run(func(ctx context.Context) {
		fetcher.Run(ctx, time.Duration(cfg.Candles.DrainSeconds)*time.Second)
	})
	run(func(ctx context.Context) {
		warmCandles(ctx, cfg, res, fetcher)
	})

	stopFeed := startFeed(ctx, cfg, v, res, cache, th, m)

	logger.Info(ctx, "Market feed started", "vendor", cfg.Vendor, "symbols", len(cfg.Symbols))
	<-ctx.Done()
	logger.Info(context.Background(), "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopFeed(shutdownCtx)
	wg.Wait()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	_ = trace.Shutdown(shutdownCtx)
}

// startFeed connects the vendor stream if enabled and returns its stop function.
func startFeed(ctx context.Context, cfg *store.Config, v app.Vendor, res *resolver.Resolver, cache *pricecache.Cache, th *throttle.Throttler, m *metrics.Collector) func(context.Context) {
	if !cfg.Feed.Enabled {
		return func(context.Context) {}
	}

	onUpdate := func(u types.PriceUpdate) {
		logger.Debug(ctx, "Price update", "symbol", u.Symbol, "ltp", u.LastPrice, "change_pct", u.PriceChangePercent)
	}

	if v.Kite != nil {
		tm := zerodha.NewTickerManager(zerodha.TickerParams{
			APIKey:      v.KiteKey,
			AccessToken: v.KiteAccessToken,
			Account:     cfg.Account,
			Broker:      v.Kite,
			Cache:       cache,
			Metrics:     m,
			OnUpdate:    onUpdate,
		})
		if err := tm.Start(ctx, cfg.Symbols); err != nil {
			logger.ErrorWithErr(ctx, "Failed to start Zerodha ticker", err)
		}
		return tm.Stop
	}

	dialer := feed.WebsocketDialer{
		HandshakeTimeout: time.Duration(cfg.Feed.HandshakeSeconds) * time.Second,
		// a socket that answers no pong for three intervals is half-open
		ReadTimeout: 3 * cfg.PingInterval(),
	}
	mgr := feed.New(feed.Params{
		Account:        cfg.Account,
		Mode:           cfg.Feed.Mode,
		PingInterval:   cfg.PingInterval(),
		Backoff:        app.Backoff(cfg),
		Segment:        app.SegmentOf(cfg.Feed.DefaultPrefix),
		SeedWhenClosed: cfg.Feed.SeedWhenClosed,
		Resolver:       res,
		Authorizer:     v.Authorizer,
		Dialer:         dialer,
		Decoder:        decoder.New(m),
		Cache:          cache,
		Seeder:         v.Broker,
		Throttler:      th,
		Metrics:        m,
	})

	if err := mgr.Connect(ctx, cfg.Symbols, onUpdate, feed.Options{}); err != nil {
		// a reconnect is already scheduled
		logger.Warn(ctx, "Initial feed connect failed", "error", err)
	}
	return mgr.Disconnect
}

// warmCandles backfills the lookback window once at startup. Failures land in the
// pending queue and are retried by the drain loop.
func warmCandles(ctx context.Context, cfg *store.Config, res *resolver.Resolver, fetcher *candles.Fetcher) {
	loc := cfg.Location()
	to := time.Now().In(loc)
	from := to.AddDate(0, 0, -cfg.Candles.LookbackDays)

	keys := res.Resolve(ctx, cfg.Symbols)
	for _, symbol := range cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		r, err := fetcher.Fetch(ctx, keys[symbol], cfg.Candles.Interval, from, to)
		if err != nil {
			continue
		}
		logger.Info(ctx, "Warmed candle cache", "symbol", symbol, "inserted", r.Inserted, "already_exists", r.AlreadyExists)
	}
}

func startMetricsServer(ctx context.Context, cfg *store.Config, m *metrics.Collector) *http.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info(ctx, "Serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithErr(ctx, "Metrics server failed", err)
		}
	}()
	return srv
}
