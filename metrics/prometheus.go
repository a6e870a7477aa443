// Package metrics provides Prometheus metrics for the page cache.
package metrics

import (
	"context"
	"time"

	pagecache "github.com/always-cache/page-cache"
	"github.com/always-cache/page-cache/counter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus implements pagecache.Metrics with Prometheus collectors.
type Prometheus struct {
	HitsTotal        prometheus.Counter
	MissesTotal      prometheus.Counter
	CoalescedTotal   prometheus.Counter
	ExpirationsTotal prometheus.Counter
	FetchesTotal     *prometheus.CounterVec
	FetchLatency     prometheus.Histogram
}

// NewPrometheus creates the cache metrics and registers them with reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		HitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_total",
			Help:      "Accesses served from the store",
		}),
		MissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misses_total",
			Help:      "Accesses that found no live entry",
		}),
		CoalescedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_total",
			Help:      "Accesses that shared a fetch with other accesses",
		}),
		ExpirationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Expired entries removed by the sweeper",
		}),
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetcher invocations by result",
		}, []string{"result"}),
		FetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Fetcher latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}

func (m *Prometheus) Hit()       { m.HitsTotal.Inc() }
func (m *Prometheus) Miss()      { m.MissesTotal.Inc() }
func (m *Prometheus) Coalesced() { m.CoalescedTotal.Inc() }
func (m *Prometheus) Expire()    { m.ExpirationsTotal.Inc() }

// Fetch records a fetcher invocation.
func (m *Prometheus) Fetch(took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FetchesTotal.WithLabelValues(result).Inc()
	m.FetchLatency.Observe(took.Seconds())
}

var _ pagecache.Metrics = (*Prometheus)(nil)

// AccessCounts exports per-key access counts as a counter vector.
// Counts are read from the counter on every scrape.
type AccessCounts struct {
	counter counter.Counter
	desc    *prometheus.Desc
	timeout time.Duration
}

// NewAccessCounts creates a collector for the counts kept by c.
// Register it with the registry that is scraped.
func NewAccessCounts(c counter.Counter, namespace string) *AccessCounts {
	return &AccessCounts{
		counter: c,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "access_count"),
			"Completed accesses per key",
			[]string{"key"}, nil,
		),
		timeout: 5 * time.Second,
	}
}

func (a *AccessCounts) Describe(ch chan<- *prometheus.Desc) {
	ch <- a.desc
}

func (a *AccessCounts) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	// some counters may visit a key twice
	seen := make(map[string]struct{})
	err := a.counter.ForEach(ctx, func(key string, count int64) bool {
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
		ch <- prometheus.MustNewConstMetric(a.desc, prometheus.CounterValue, float64(count), key)
		return true
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not collect access counts")
	}
}
