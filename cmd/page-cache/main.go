package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pagecache "github.com/always-cache/page-cache"
	"github.com/always-cache/page-cache/cache"
	"github.com/always-cache/page-cache/config"
	"github.com/always-cache/page-cache/counter"
	"github.com/always-cache/page-cache/fetch"
	"github.com/always-cache/page-cache/metrics"
	cachekey "github.com/always-cache/page-cache/pkg/cache-key"
	"github.com/always-cache/page-cache/server"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	listenFlag         string
	storeFlag          string
	dbFilenameFlag     string
	ttlFlag            time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&storeFlag, "store", "", "Store to use: memory, sqlite or redis (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "SQLite DB file name (use 'memory' for in-memory db)")
	flag.DurationVar(&ttlFlag, "ttl", 0, "Time-to-live of cached pages (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	conf, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&conf)
	if err := conf.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	setupLogging(conf.Log)

	var redisClient *redis.Client
	if conf.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", conf.Redis.Addr).Msg("Could not connect to redis")
		}
	}
	keyer := cachekey.NewCacheKeyer(conf.Namespace)

	store, err := createStore(conf, redisClient, keyer)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create store")
	}

	var accessCounter counter.Counter
	switch conf.Counter.Driver {
	case config.DriverRedis:
		accessCounter = counter.NewRedis(redisClient, keyer)
	default:
		accessCounter = counter.NewMemory()
	}

	var fetcher fetch.Fetcher = fetch.HTTP{
		Client:       &http.Client{},
		MaxBodyBytes: conf.Fetch.MaxBodyBytes,
		UserAgent:    conf.Fetch.UserAgent + "/" + version,
	}
	if conf.Breaker.Enabled {
		fetcher = fetch.NewBreaker(fetcher, conf.FetchBreaker(), nil)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewAccessCounts(accessCounter, "pagecache"),
	)

	pc, err := pagecache.CreateCache(pagecache.Config{
		Store:         store,
		Counter:       accessCounter,
		Fetcher:       fetcher,
		TTL:           conf.TTL,
		FetchTimeout:  conf.FetchTimeout,
		SweepInterval: conf.SweepInterval,
		Metrics:       metrics.NewPrometheus(reg, "pagecache"),
		Logger:        &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}
	defer pc.Close()

	srv := &http.Server{
		Addr: conf.Listen,
		Handler: server.New(server.Config{
			Cache:    pc,
			Gatherer: reg,
			Logger:   log.Logger,
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down cleanly")
		}
	}()

	log.Info().
		Str("listen", conf.Listen).
		Str("store", conf.Store.Driver).
		Str("counter", conf.Counter.Driver).
		Dur("ttl", conf.TTL).
		Msg("Serving pages")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Server failed")
	}
}

// applyFlags lets flags that were given override the loaded config.
func applyFlags(conf *config.Config) {
	if listenFlag != "" {
		conf.Listen = listenFlag
	}
	if storeFlag != "" {
		conf.Store.Driver = storeFlag
	}
	if dbFilenameFlag != "" {
		conf.Store.Path = dbFilenameFlag
	}
	if ttlFlag != 0 {
		conf.TTL = ttlFlag
	}
	if logFilenameFlag != "" {
		conf.Log.File = logFilenameFlag
	}
	if verbosityTraceFlag {
		conf.Log.Level = zerolog.TraceLevel.String()
	}
}

func setupLogging(conf config.LogConfig) {
	logLevel, err := zerolog.ParseLevel(conf.Level)
	if err != nil || conf.Level == "" {
		logLevel = zerolog.DebugLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if conf.File != "" {
		if logFileOutput, err := os.OpenFile(conf.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

func createStore(conf config.Config, redisClient *redis.Client, keyer cachekey.CacheKeyer) (cache.Store, error) {
	switch conf.Store.Driver {
	case config.DriverSQLite:
		dbFilename := conf.Store.Path
		if dbFilename == "memory" {
			dbFilename = "file::memory:?cache=shared"
		}
		store, err := cache.NewSQLiteStore(dbFilename, nil)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverRedis:
		return cache.NewRedisStore(redisClient, keyer), nil
	default:
		return cache.NewMemStore(nil), nil
	}
}
