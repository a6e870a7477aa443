package pagecache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by accesses made after Close.
	ErrClosed = errors.New("page cache closed")
	// ErrNoFetcher is returned when neither the call nor the cache config provides a fetcher.
	ErrNoFetcher = errors.New("no fetcher configured")
	// ErrFetchTimeout is the cause of a FetchError for fetches that outlived the fetch timeout.
	ErrFetchTimeout = errors.New("fetch timed out")
)

// FetchError reports a failed fill of a cache entry.
// Nothing was stored, and the next access for the key fetches again.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
