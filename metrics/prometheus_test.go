package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pagecache "github.com/always-cache/page-cache"
	"github.com/always-cache/page-cache/counter"
	"github.com/always-cache/page-cache/fetch"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCacheEventsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg, "pagecache")
	p, err := pagecache.CreateCache(pagecache.Config{Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ok := fetch.Func(func(ctx context.Context, key string) ([]byte, error) {
		return []byte(key), nil
	})
	failing := fetch.Func(func(ctx context.Context, key string) ([]byte, error) {
		return nil, errors.New("nope")
	})
	ctx := context.Background()
	p.Access(ctx, "a", time.Minute, ok)
	p.Access(ctx, "a", time.Minute, ok)
	p.Access(ctx, "b", time.Minute, failing)

	if v := testutil.ToFloat64(m.HitsTotal); v != 1 {
		t.Fatalf("Hits %v", v)
	}
	if v := testutil.ToFloat64(m.MissesTotal); v != 2 {
		t.Fatalf("Misses %v", v)
	}
	if v := testutil.ToFloat64(m.FetchesTotal.WithLabelValues("ok")); v != 1 {
		t.Fatalf("Successful fetches %v", v)
	}
	if v := testutil.ToFloat64(m.FetchesTotal.WithLabelValues("error")); v != 1 {
		t.Fatalf("Failed fetches %v", v)
	}
	if n := testutil.CollectAndCount(m.FetchLatency); n != 1 {
		t.Fatalf("Latency histogram has %d series", n)
	}
}

func TestAccessCountsExportEveryKey(t *testing.T) {
	ctx := context.Background()
	c := counter.NewMemory()
	c.Increment(ctx, "http://a.example")
	c.Increment(ctx, "http://a.example")
	c.Increment(ctx, "http://b.example")

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewAccessCounts(c, "pagecache"))

	expected := `
# HELP pagecache_access_count Completed accesses per key
# TYPE pagecache_access_count counter
pagecache_access_count{key="http://a.example"} 2
pagecache_access_count{key="http://b.example"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pagecache_access_count"); err != nil {
		t.Fatal(err)
	}
}
