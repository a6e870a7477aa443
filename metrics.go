package pagecache

import "time"

// Metrics receives an event for everything the cache does.
// See the metrics package for a Prometheus implementation.
type Metrics interface {
	// Hit is called when an access is served from the store,
	// including accesses that find the entry filled by an earlier fetch while waiting to fetch it.
	// Every access is either a Hit or a Miss, matching its Cache-Status.
	Hit()
	// Miss is called when an access is not served from the store.
	Miss()
	// Coalesced is called for accesses that shared a fetch with at least one other access.
	Coalesced()
	// Fetch is called after every fetcher invocation.
	Fetch(took time.Duration, err error)
	// Expire is called when the sweeper removes an expired entry.
	Expire()
}

// NoopMetrics ignores all events. It is used when no Metrics are configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                       {}
func (NoopMetrics) Miss()                      {}
func (NoopMetrics) Coalesced()                 {}
func (NoopMetrics) Fetch(time.Duration, error) {}
func (NoopMetrics) Expire()                    {}
