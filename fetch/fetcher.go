// Package fetch defines the expensive operation the page cache sits in front of,
// and a few implementations of it.
package fetch

import "context"

// Fetcher produces the content for a key.
// It may be slow, may fail and may have side effects.
// The cache assumes it is safe to call again after a failure.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Func adapts an ordinary function to the Fetcher interface.
type Func func(ctx context.Context, key string) ([]byte, error)

func (f Func) Fetch(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}
