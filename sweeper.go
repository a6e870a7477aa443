package pagecache

import (
	"context"
	"time"

	"github.com/always-cache/page-cache/cache"
)

// sweep runs until ctx is cancelled, purging expired entries every interval.
func (p *PageCache) sweep(ctx context.Context, expirer cache.Expirer, interval time.Duration) {
	defer close(p.sweepDone)
	log := p.log.With().Str("component", "sweeper").Logger()
	log.Info().Msgf("Starting sweep loop with interval %s", interval)

	for {
		purged, err := expirer.PurgeAllExpired(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Error().Err(err).Msg("Could not purge expired entries")
		case purged > 0:
			log.Debug().Int("purged", purged).Msg("Purged expired entries")
			for i := 0; i < purged; i++ {
				p.metrics.Expire()
			}
		}

		if key, expires, ok, err := expirer.Oldest(ctx); err == nil && ok {
			log.Trace().Str("key", key).Time("expires", expires).Msg("Pausing sweep")
		} else if err == nil {
			log.Trace().Msg("Store is empty, pausing sweep")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping sweep loop")
			return
		case <-p.clock.After(interval):
		}
	}
}
