package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	pagecache "github.com/always-cache/page-cache"
	"github.com/always-cache/page-cache/fetch"
	"github.com/always-cache/page-cache/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type testServer struct {
	*Server
	fetches atomic.Int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	reg := prometheus.NewRegistry()
	cache, err := pagecache.CreateCache(pagecache.Config{
		TTL: time.Minute,
		Fetcher: fetch.Func(func(ctx context.Context, key string) ([]byte, error) {
			ts.fetches.Add(1)
			if strings.Contains(key, "broken") {
				return nil, errors.New("origin down")
			}
			return []byte("<html><body>" + key + "</body></html>"), nil
		}),
		Metrics: metrics.NewPrometheus(reg, "pagecache"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	ts.Server = New(Config{
		Cache:    cache,
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	})
	return ts
}

func (ts *testServer) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	return rec
}

func pagePath(route, pageURL string) string {
	return route + "?url=" + url.QueryEscape(pageURL)
}

func TestPageMissThenHit(t *testing.T) {
	ts := newTestServer(t)
	target := pagePath("/page", "http://example.com/a")

	rec := ts.get(target)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Code)
	}
	if body := rec.Body.String(); body != "<html><body>http://example.com/a</body></html>" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rec.Header().Get("Cache-Status"); cs != "Page-Cache; fwd=uri-miss; ttl=60; stored" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if count := rec.Header().Get("X-Access-Count"); count != "1" {
		t.Fatalf("X-Access-Count is %q", count)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type is %q", ct)
	}

	rec = ts.get(target)
	if cs := rec.Header().Get("Cache-Status"); cs != "Page-Cache; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if count := rec.Header().Get("X-Access-Count"); count != "2" {
		t.Fatalf("X-Access-Count is %q", count)
	}
	if fetches := ts.fetches.Load(); fetches != 1 {
		t.Fatalf("Fetched %d times", fetches)
	}
}

func TestPageBadRequest(t *testing.T) {
	ts := newTestServer(t)
	for _, target := range []string{
		"/page",
		pagePath("/page", "example.com"),
		pagePath("/page", "ftp://example.com/file"),
		"/count",
	} {
		if rec := ts.get(target); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status code is %d", target, rec.Code)
		}
	}
	if fetches := ts.fetches.Load(); fetches != 0 {
		t.Fatalf("Fetched %d times", fetches)
	}
}

func TestPageFetchFailure(t *testing.T) {
	ts := newTestServer(t)
	target := pagePath("/page", "http://example.com/broken")

	rec := ts.get(target)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Status code is %d", rec.Code)
	}
	if rec.Header().Get("X-Access-Count") != "" {
		t.Fatal("Failed access has a count")
	}

	var kc KeyCount
	rec = ts.get(pagePath("/count", "http://example.com/broken"))
	if err := json.NewDecoder(rec.Body).Decode(&kc); err != nil {
		t.Fatal(err)
	}
	if kc.Count != 0 {
		t.Fatalf("Count is %d", kc.Count)
	}
}

func TestCounts(t *testing.T) {
	ts := newTestServer(t)
	ts.get(pagePath("/page", "http://example.com/a"))
	ts.get(pagePath("/page", "http://example.com/b"))
	ts.get(pagePath("/page", "http://example.com/b"))

	var kc KeyCount
	rec := ts.get(pagePath("/count", "http://example.com/b"))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %q", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(&kc); err != nil {
		t.Fatal(err)
	}
	if kc != (KeyCount{Key: "http://example.com/b", Count: 2}) {
		t.Fatalf("Count is %+v", kc)
	}

	var all []KeyCount
	rec = ts.get("/counts")
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	want := []KeyCount{
		{Key: "http://example.com/a", Count: 1},
		{Key: "http://example.com/b", Count: 2},
	}
	if len(all) != len(want) {
		t.Fatalf("Counts are %+v", all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("Counts are %+v", all)
		}
	}
}

func TestCountsEmpty(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get("/counts")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("Body is %s", body)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.get(pagePath("/page", "http://example.com/a"))

	rec := ts.get("/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "pagecache_misses_total 1") {
		t.Fatalf("Metrics are missing the miss:\n%s", body)
	}

	rec = ts.get("/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("Health check returned %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get("/healthz")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("Missing request id")
	}
}
