package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxBodyBytes caps page bodies when HTTP.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 10 << 20

// StatusError is returned for responses with a 4xx or 5xx status.
// Such responses are not content and must not be cached.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTP fetches the page body for keys that are URLs.
type HTTP struct {
	// Client to use. http.DefaultClient if nil.
	Client *http.Client
	// Bodies longer than this are an error. DefaultMaxBodyBytes if zero.
	MaxBodyBytes int64
	// UserAgent header to send, if not empty.
	UserAgent string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

func (h HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	logger := log.Logger
	if h.Logger != nil {
		logger = *h.Logger
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	logger.Trace().Str("url", url).Msg("Requesting page from origin")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		// drain a little so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: res.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body of %s exceeds %d bytes", url, limit)
	}
	logger.Trace().Str("url", url).Int("status", res.StatusCode).Msgf("Got page (%d bytes)", len(body))
	return body, nil
}

var _ Fetcher = HTTP{}
