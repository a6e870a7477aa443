// Package pagecache is a read-through cache for pages (or any other content) identified by a key.
//
// Concurrent misses for the same key are collapsed into a single fetch,
// entries expire a fixed time after they were fetched,
// and every successful access is counted per key.
package pagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/page-cache/cache"
	"github.com/always-cache/page-cache/counter"
	"github.com/always-cache/page-cache/fetch"
	"github.com/always-cache/page-cache/rfc9211"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is used when neither the call nor the config specifies a TTL.
	DefaultTTL = 10 * time.Second
	// DefaultFetchTimeout bounds fetches when the config does not.
	DefaultFetchTimeout = 30 * time.Second
)

type Config struct {
	// Storage for cache entries. An in-memory store is used if nil.
	Store cache.Store
	// Access counts. An in-memory counter is used if nil.
	Counter counter.Counter
	// Fetcher used by Get, and by Access when called without one.
	Fetcher fetch.Fetcher
	// Default time-to-live of stored entries.
	TTL time.Duration
	// Upper bound for a single fetch. DefaultFetchTimeout is used if zero.
	// Callers asking for a key wait on the fetch in progress, so a fetch that never returns
	// would hold its key until this bound ends the flight.
	FetchTimeout time.Duration
	// How often to look for expired entries to purge, if the store keeps them around.
	// Zero disables sweeping; expired entries are then only skipped, never removed.
	SweepInterval time.Duration
	// Metrics sink. Events are dropped if nil.
	Metrics Metrics
	// Clock for fetch timing and sweeping. The wall clock is used if nil.
	Clock clockwork.Clock
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type PageCache struct {
	store        cache.Store
	counter      counter.Counter
	fetcher      fetch.Fetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	metrics      Metrics
	clock        clockwork.Clock
	log          zerolog.Logger

	// one flight per key; late arrivals join the flight in progress
	flights singleflight.Group

	closed    atomic.Bool
	closeOnce sync.Once
	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// CreateCache initializes the page cache.
// It starts the sweeper if the store needs one and sweeping is enabled.
func CreateCache(config Config) (*PageCache, error) {
	if config.TTL < 0 {
		return nil, fmt.Errorf("negative ttl: %s", config.TTL)
	}
	if config.FetchTimeout < 0 {
		return nil, fmt.Errorf("negative fetch timeout: %s", config.FetchTimeout)
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	p := &PageCache{
		store:        config.Store,
		counter:      config.Counter,
		fetcher:      config.Fetcher,
		ttl:          config.TTL,
		fetchTimeout: config.FetchTimeout,
		metrics:      config.Metrics,
		clock:        config.Clock,
		log:          logger.With().Str("component", "pagecache").Logger(),
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.store == nil {
		p.store = cache.NewMemStore(p.clock)
	}
	if p.counter == nil {
		p.counter = counter.NewMemory()
	}
	if p.ttl == 0 {
		p.ttl = DefaultTTL
	}
	if p.fetchTimeout == 0 {
		p.fetchTimeout = DefaultFetchTimeout
	}
	if p.metrics == nil {
		p.metrics = NoopMetrics{}
	}

	if expirer, ok := p.store.(cache.Expirer); ok && config.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopSweep = cancel
		p.sweepDone = make(chan struct{})
		go p.sweep(ctx, expirer, config.SweepInterval)
	}

	return p, nil
}

// Get returns the content for key using the configured fetcher and TTL.
func (p *PageCache) Get(ctx context.Context, key string) ([]byte, error) {
	return p.Access(ctx, key, 0, nil)
}

// Access returns the content for key, from the store if a live entry exists,
// otherwise from fetcher, in which case the result is stored for ttl.
// A zero ttl or nil fetcher falls back to the configured default.
//
// At most one fetch per key is in progress at any time;
// callers arriving meanwhile wait for it and get its result.
// Every access that returns content is counted, hits and misses alike.
// Failed accesses are not counted.
func (p *PageCache) Access(ctx context.Context, key string, ttl time.Duration, fetcher fetch.Fetcher) ([]byte, error) {
	value, _, err := p.AccessStatus(ctx, key, ttl, fetcher)
	return value, err
}

// AccessStatus is Access, also reporting how the access was handled.
func (p *PageCache) AccessStatus(ctx context.Context, key string, ttl time.Duration, fetcher fetch.Fetcher) ([]byte, rfc9211.CacheStatus, error) {
	var cacheStatus rfc9211.CacheStatus
	if p.closed.Load() {
		return nil, cacheStatus, ErrClosed
	}
	if ttl <= 0 {
		ttl = p.ttl
	}
	if fetcher == nil {
		fetcher = p.fetcher
	}

	log := p.log.With().Str("key", key).Logger()

	value, ok, err := p.store.Get(ctx, key)
	if err != nil {
		// a broken store degrades to fetching
		log.Warn().Err(err).Msg("Could not read from store")
	}

	if ok {
		log.Trace().Msg("Cache hit")
		p.metrics.Hit()
		cacheStatus.Hit()
	} else {
		cacheStatus.Forward(rfc9211.FwdReasonUriMiss)
		if fetcher == nil {
			p.metrics.Miss()
			return nil, cacheStatus, ErrNoFetcher
		}
		res, shared, err := p.fill(ctx, key, ttl, fetcher)
		if err != nil || !res.fromStore {
			p.metrics.Miss()
		}
		if err != nil {
			if errors.Is(err, ctx.Err()) {
				log.Debug().Err(err).Msg("Gave up waiting for fetch")
			} else {
				log.Error().Err(err).Msg("Could not fill cache entry")
			}
			return nil, cacheStatus, err
		}
		value = res.value
		if res.fromStore {
			p.metrics.Hit()
			cacheStatus.Hit()
		}
		cacheStatus.Stored = res.stored
		if res.stored {
			cacheStatus.TimeToLive = int(ttl / time.Second)
		}
		if shared {
			p.metrics.Coalesced()
			cacheStatus.Collapsed = true
		}
	}

	// the access is complete, so it counts even if the caller has given up by now
	if _, err := p.counter.Increment(context.WithoutCancel(ctx), key); err != nil {
		log.Error().Err(err).Msg("Could not count access")
	}

	return value, cacheStatus, nil
}

type flightResult struct {
	value []byte
	// stored is false if the store rejected the value
	stored bool
	// fromStore is true if an earlier flight had filled the entry in the meantime
	fromStore bool
}

// fill joins or starts the flight for key and waits for it, or for ctx to end.
// Leaving early does not stop the flight; its result still reaches the store.
func (p *PageCache) fill(ctx context.Context, key string, ttl time.Duration, fetcher fetch.Fetcher) (flightResult, bool, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := p.flights.DoChan(key, func() (interface{}, error) {
		return p.fetchAndStore(flightCtx, key, ttl, fetcher)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return flightResult{}, res.Shared, res.Err
		}
		fr := res.Val.(flightResult)
		// callers sharing a flight must not see each other's modifications
		if res.Shared {
			fr.value = bytes.Clone(fr.value)
		}
		return fr, res.Shared, nil
	case <-ctx.Done():
		return flightResult{}, false, ctx.Err()
	}
}

// fetchAndStore runs inside the flight for key.
func (p *PageCache) fetchAndStore(ctx context.Context, key string, ttl time.Duration, fetcher fetch.Fetcher) (flightResult, error) {
	log := p.log.With().Str("key", key).Logger()

	// a flight that finished between our miss and now has already stored the entry
	if value, ok, err := p.store.Get(ctx, key); err == nil && ok {
		log.Trace().Msg("Entry filled by previous fetch")
		return flightResult{value: value, fromStore: true}, nil
	}

	log.Debug().Msg("Fetching")
	start := p.clock.Now()
	value, err := p.invoke(ctx, key, fetcher)
	took := p.clock.Since(start)
	p.metrics.Fetch(took, err)
	if err != nil {
		return flightResult{}, &FetchError{Key: key, Err: err}
	}
	log.Debug().Dur("took", took).Int("bytes", len(value)).Msg("Fetched")

	if err := p.store.Put(ctx, key, value, ttl); err != nil {
		// serve it anyway, the next access fetches again
		log.Error().Err(err).Msg("Could not write to store")
		return flightResult{value: value}, nil
	}
	return flightResult{value: value, stored: true}, nil
}

// invoke calls the fetcher, bounded by the fetch timeout.
// The bound holds even for fetchers that ignore their context:
// the flight ends with ErrFetchTimeout and whatever the fetcher returns later is dropped.
func (p *PageCache) invoke(ctx context.Context, key string, fetcher fetch.Fetcher) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	type result struct {
		value []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := safeFetch(ctx, key, fetcher)
		done <- result{value, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrFetchTimeout
		}
		return r.value, r.err
	case <-ctx.Done():
		return nil, ErrFetchTimeout
	}
}

// safeFetch turns a panicking fetcher into a failed fetch.
func safeFetch(ctx context.Context, key string, fetcher fetch.Fetcher) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panicked: %v", r)
		}
	}()
	return fetcher.Fetch(ctx, key)
}

// Count returns the number of successful accesses for key.
func (p *PageCache) Count(ctx context.Context, key string) (int64, error) {
	return p.counter.Get(ctx, key)
}

// ForEach calls fn with every accessed key and its count, until fn returns false.
func (p *PageCache) ForEach(ctx context.Context, fn func(key string, count int64) bool) error {
	return p.counter.ForEach(ctx, fn)
}

// Counter returns the access counter, e.g. for exporting counts.
func (p *PageCache) Counter() counter.Counter {
	return p.counter
}

// Close stops the sweeper and closes the store.
// Accesses after Close fail with ErrClosed; fetches in progress are not interrupted.
func (p *PageCache) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.stopSweep != nil {
			p.stopSweep()
			<-p.sweepDone
		}
		err = p.store.Close()
	})
	return err
}
