package cachekey

import (
	"fmt"
	"strings"
)

var ErrorForeignKey = fmt.Errorf("Key does not belong to this namespace")

const (
	namespaceSeparator = ":"
	entryKind          = "cache:"
	countKind          = "count:"
)

// CacheKeyer maps resource identifiers onto keys in a shared keyspace (e.g. a redis database).
// Stored pages live under `cache:<url>` and access counts under `count:<url>`,
// optionally behind a namespace so that several deployments can share one server.
type CacheKeyer struct {
	// Namespace for all keys, without separator. May be empty.
	Namespace string
	// Key prefix for this namespace
	Prefix string
}

func NewCacheKeyer(namespace string) CacheKeyer {
	prefix := ""
	if namespace != "" {
		prefix = namespace + namespaceSeparator
	}
	return CacheKeyer{
		Namespace: namespace,
		Prefix:    prefix,
	}
}

// EntryKey returns the key under which the content for the resource is stored.
func (c CacheKeyer) EntryKey(key string) string {
	return c.Prefix + entryKind + key
}

// CountKey returns the key holding the access count for the resource.
func (c CacheKeyer) CountKey(key string) string {
	return c.Prefix + countKind + key
}

// CountPattern returns a glob pattern (as used by redis SCAN) matching all count keys.
func (c CacheKeyer) CountPattern() string {
	return escapeGlob(c.Prefix+countKind) + "*"
}

// KeyFromCountKey is the inverse of CountKey.
func (c CacheKeyer) KeyFromCountKey(countKey string) (string, error) {
	key, found := strings.CutPrefix(countKey, c.Prefix+countKind)
	if !found {
		return "", fmt.Errorf("%w: %s", ErrorForeignKey, countKey)
	}
	return key, nil
}

// escapeGlob escapes the characters that have a meaning in redis glob-style patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
