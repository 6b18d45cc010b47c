package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketfeed/internal/app"
	"marketfeed/internal/candles"
	"marketfeed/internal/logger"
	"marketfeed/internal/resolver"
	"marketfeed/internal/ta"
	"marketfeed/internal/throttle"
	"marketfeed/internal/trace"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	symbolsFlag := flag.String("symbols", "", "comma separated symbols (defaults to config symbols)")
	fromFlag := flag.String("from", "", "start date YYYY-MM-DD (defaults to lookback_days ago)")
	toFlag := flag.String("to", "", "end date YYYY-MM-DD (defaults to today)")
	interval := flag.String("interval", "", "candle interval (defaults to candles.interval)")
	flag.Parse()

	if err := app.InitializeSystem(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer trace.Shutdown(context.Background())

	cfg, err := app.LoadConfig(ctx, *configPath)
	if err != nil {
		log.Fatal(err)
	}

	loc := cfg.Location()
	to := time.Now().In(loc)
	if *toFlag != "" {
		if to, err = time.ParseInLocation(time.DateOnly, *toFlag, loc); err != nil {
			log.Fatalf("invalid -to: %v", err)
		}
		to = to.Add(24*time.Hour - time.Minute)
	}
	from := to.AddDate(0, 0, -cfg.Candles.LookbackDays)
	if *fromFlag != "" {
		if from, err = time.ParseInLocation(time.DateOnly, *fromFlag, loc); err != nil {
			log.Fatalf("invalid -from: %v", err)
		}
	}
	if from.After(to) {
		log.Fatalf("-from %s is after -to %s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	if *interval == "" {
		*interval = cfg.Candles.Interval
	}

	symbols := cfg.Symbols
	if *symbolsFlag != "" {
		symbols = nil
		for _, s := range strings.Split(*symbolsFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
	}

	storage, lookup, err := app.OpenStorage(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()

	v := app.InitializeVendor(ctx, cfg, lookup)

	th := throttle.New(v.Broker.Name(), app.ThrottleConfig(cfg), nil)
	defer th.Close()

	res := resolver.New(v.Lookup, cfg.Feed.DefaultPrefix)
	engine := candles.NewEngine(storage, loc, nil)
	fetcher := candles.NewFetcher(v.Broker, th, engine, storage, nil)

	ctx, span := trace.StartSpan(ctx, "backfill")
	defer span.End()

	keys := res.Resolve(ctx, symbols)
	inserted, failed := 0, 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		key, ok := keys[symbol]
		if !ok {
			key = res.Fallback(symbol)
		}
		r, err := fetcher.Fetch(ctx, key, *interval, from, to)
		if err != nil {
			failed++
			continue
		}
		inserted += r.Inserted
		logger.Info(ctx, "Backfilled", "symbol", symbol, "key", key, "inserted", r.Inserted, "already_exists", r.AlreadyExists)

		stored, err := engine.Range(ctx, key, *interval, from, to)
		if err != nil {
			logger.Warn(ctx, "Could not read back candles", "symbol", symbol, "error", err)
			continue
		}
		sum := ta.Summarize(stored, 14)
		logger.Info(ctx, "Stored range",
			"symbol", symbol,
			"candles", sum.Count,
			"last_close", sum.LastClose,
			"sma", sum.SMA,
			"rsi", sum.RSI,
			"atr", sum.ATR)
	}

	d, err := fetcher.Drain(ctx)
	if err != nil {
		logger.ErrorWithErr(ctx, "Pending queue drain failed", err)
	}
	logger.Info(ctx, "Backfill complete",
		"symbols", len(symbols),
		"inserted", inserted,
		"failed", failed,
		"drained", d.Completed,
		"still_pending", d.Remaining)
}
