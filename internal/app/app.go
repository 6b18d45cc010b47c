// Package app holds the wiring shared by the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketfeed/internal/broker/brokerobs"
	"marketfeed/internal/broker/upstox"
	"marketfeed/internal/broker/zerodha"
	"marketfeed/internal/feed"
	"marketfeed/internal/interfaces"
	"marketfeed/internal/logger"
	"marketfeed/internal/storage/filestore"
	"marketfeed/internal/storage/postgres"
	"marketfeed/internal/storage/redisstore"
	"marketfeed/internal/store"
	"marketfeed/internal/throttle"
	"marketfeed/internal/ticks"
	"marketfeed/internal/trace"
)

// Backend is what every storage implementation provides.
type Backend interface {
	interfaces.CandleStore
	interfaces.PendingQueue
	interfaces.TickStore
	Close() error
}

// Vendor groups the REST broker with the optional capabilities some vendors add.
type Vendor struct {
	Broker     interfaces.Broker
	Authorizer interfaces.FeedAuthorizer
	Lookup     interfaces.InstrumentLookup

	Kite            *zerodha.Zerodha
	KiteKey         string
	KiteAccessToken string
}

// envToken reads vendor access tokens from the environment; rotation happens outside.
type envToken string

func (e envToken) AccessToken(ctx context.Context, account string) (string, error) {
	if v := os.Getenv(string(e)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s is not set", string(e))
}

// InitializeSystem loads .env and sets up logging and tracing
func InitializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func LoadConfig(ctx context.Context, path string) (*store.Config, error) {
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// OpenStorage returns the configured backend. Postgres also serves instrument lookup.
func OpenStorage(ctx context.Context, cfg *store.Config) (Backend, interfaces.InstrumentLookup, error) {
	switch cfg.Storage.Backend {
	case "REDIS":
		s, err := redisstore.New(ctx, cfg.Storage.RedisAddr, os.Getenv("REDIS_PASSWORD"), cfg.Storage.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		logger.Info(ctx, "Using Redis storage", "addr", cfg.Storage.RedisAddr, "db", cfg.Storage.RedisDB)
		return s, nil, nil

	case "POSTGRES":
		s, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		logger.Info(ctx, "Using Postgres storage")
		return s, s, nil

	default:
		s, err := filestore.New(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info(ctx, "Using file storage", "dir", cfg.Storage.Dir)
		return s, nil, nil
	}
}

// InitializeVendor builds the vendor clients and wraps the broker with observability
func InitializeVendor(ctx context.Context, cfg *store.Config, lookup interfaces.InstrumentLookup) Vendor {
	switch cfg.Vendor {
	case "ZERODHA":
		p := zerodha.Params{
			APIKey:      os.Getenv("KITE_API_KEY"),
			AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
			Exchange:    cfg.Exchange,
		}
		z := zerodha.NewZerodha(p)
		logger.Info(ctx, "Using Zerodha Kite Connect", "exchange", cfg.Exchange)
		return Vendor{
			Broker:          brokerobs.Wrap(z),
			Lookup:          z,
			Kite:            z,
			KiteKey:         p.APIKey,
			KiteAccessToken: p.AccessToken,
		}

	default:
		u := upstox.New(upstox.Params{
			BaseURL:  os.Getenv("UPSTOX_BASE_URL"),
			Account:  cfg.Account,
			Tokens:   envToken("UPSTOX_ACCESS_TOKEN"),
			Location: cfg.Location(),
		})
		if lookup == nil {
			logger.Warn(ctx, "No instrument lookup configured, symbols resolve to the default prefix",
				"prefix", cfg.Feed.DefaultPrefix)
		}
		logger.Info(ctx, "Using Upstox", "account", cfg.Account)
		return Vendor{Broker: brokerobs.Wrap(u), Authorizer: u, Lookup: lookup}
	}
}

func ThrottleConfig(cfg *store.Config) throttle.Config {
	return throttle.Config{
		MinTime:          time.Duration(cfg.Throttle.MinTimeMs) * time.Millisecond,
		MaxConcurrent:    cfg.Throttle.MaxConcurrent,
		Reservoir:        cfg.Throttle.Reservoir,
		ReservoirRefresh: time.Duration(cfg.Throttle.ReservoirRefreshMs) * time.Millisecond,
	}
}

func TickConfig(cfg *store.Config) ticks.Config {
	return ticks.Config{
		ShortWidth:   time.Duration(cfg.Ticks.ShortBucketSeconds) * time.Second,
		ShortLength:  cfg.Ticks.ShortLength,
		LongWidth:    time.Duration(cfg.Ticks.LongBucketSeconds) * time.Second,
		LongLength:   cfg.Ticks.LongLength,
		PersistEvery: time.Duration(cfg.Ticks.PersistSeconds) * time.Second,
	}
}

func Backoff(cfg *store.Config) feed.Backoff {
	return feed.NewBackoff(
		time.Duration(cfg.Feed.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Feed.BackoffMaxMs)*time.Millisecond,
		time.Duration(cfg.Feed.BackoffJitterMs)*time.Millisecond,
	)
}

// SegmentOf turns a key prefix like "NSE_EQ|" into the segment name "NSE_EQ".
func SegmentOf(prefix string) string {
	return strings.TrimRight(prefix, "|:")
}
