// Package server exposes a page cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	pagecache "github.com/always-cache/page-cache"
	"github.com/always-cache/page-cache/fetch"
	"github.com/always-cache/page-cache/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Cache is the part of the page cache the server uses.
type Cache interface {
	AccessStatus(ctx context.Context, key string, ttl time.Duration, fetcher fetch.Fetcher) ([]byte, rfc9211.CacheStatus, error)
	Count(ctx context.Context, key string) (int64, error)
	ForEach(ctx context.Context, fn func(key string, count int64) bool) error
}

type Config struct {
	Cache Cache
	// Metrics served at /metrics. The route is missing if nil.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type Server struct {
	cache  Cache
	router chi.Router
}

func New(config Config) *Server {
	s := &Server{
		cache:  config.Cache,
		router: chi.NewRouter(),
	}

	s.router.Use(hlog.NewHandler(config.Logger))
	s.router.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	s.router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	s.router.Get("/page", s.page)
	s.router.Get("/count", s.count)
	s.router.Get("/counts", s.counts)
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if config.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	key, ok := pageURL(w, r)
	if !ok {
		return
	}
	logger := hlog.FromRequest(r)

	value, cacheStatus, err := s.cache.AccessStatus(r.Context(), key, 0, nil)
	w.Header().Set("Cache-Status", cacheStatus.String())
	if err != nil {
		var fetchErr *pagecache.FetchError
		switch {
		case errors.As(err, &fetchErr):
			http.Error(w, "Could not fetch page", http.StatusBadGateway)
		case errors.Is(err, pagecache.ErrClosed):
			http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		case r.Context().Err() != nil:
			// client is gone
		default:
			logger.Error().Err(err).Msg("Could not access page")
			http.Error(w, "Could not access page", http.StatusInternalServerError)
		}
		return
	}

	if count, err := s.cache.Count(r.Context(), key); err == nil {
		w.Header().Set("X-Access-Count", strconv.FormatInt(count, 10))
	} else {
		logger.Warn().Err(err).Msg("Could not get access count")
	}
	w.Header().Set("Content-Type", http.DetectContentType(value))
	w.Header().Set("Content-Length", strconv.Itoa(len(value)))
	w.Write(value)
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	key, ok := pageURL(w, r)
	if !ok {
		return
	}
	count, err := s.cache.Count(r.Context(), key)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not get access count")
		http.Error(w, "Could not get access count", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, KeyCount{Key: key, Count: count})
}

func (s *Server) counts(w http.ResponseWriter, r *http.Request) {
	counts := make([]KeyCount, 0)
	err := s.cache.ForEach(r.Context(), func(key string, count int64) bool {
		counts = append(counts, KeyCount{Key: key, Count: count})
		return true
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list access counts")
		http.Error(w, "Could not list access counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, counts)
}

// pageURL returns the url query parameter, or responds with 400 if it is missing or not an absolute http(s) URL.
func pageURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "Missing url parameter", http.StatusBadRequest)
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "Invalid url parameter", http.StatusBadRequest)
		return "", false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Could not write response")
	}
}
