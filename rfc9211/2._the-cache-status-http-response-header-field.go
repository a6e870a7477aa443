package rfc9211

import (
	"strconv"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches'
// §     handling of the request corresponding to the response it occurs
// §     within.
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user.

// CacheName is the identifier this cache uses for its list member.
const CacheName = "Page-Cache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// §  2.4.  The ttl Parameter
	// §
	// §     "ttl" indicates the response's remaining freshness lifetime as
	// §     calculated by the cache, as an integer number of seconds, measured
	// §     when the response header section is sent by the cache.
	TimeToLive int
	// §  2.5.  The stored Parameter
	// §
	// §     "stored" indicates whether the cache stored the response (Section 3
	// §     of [HTTP-CACHING]); a true value indicates that it did.
	Stored bool
	// §  2.6.  The collapsed Parameter
	// §
	// §     "collapsed" indicates whether this request was collapsed together
	// §     with one or more other forward requests (Section 4 of
	// §     [HTTP-CACHING]).
	Collapsed bool
	// §  2.8.  The detail Parameter
	// §
	// §     "detail" allows implementations to convey additional information not
	// §     captured in other parameters, such as implementation-specific states
	// §     or other caching-related metrics.
	Detail string
}

// §  2.1.  The hit Parameter
// §
// §     "hit", when true, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

// String formats the status as a Cache-Status list member.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(CacheName)
	switch {
	case cs.Status == StatusHit:
		b.WriteString("; hit")
	case cs.Status == StatusFwd && cs.FwdReason != "":
		b.WriteString("; fwd=" + string(cs.FwdReason))
	}
	if cs.TimeToLive != 0 {
		b.WriteString("; ttl=" + strconv.Itoa(cs.TimeToLive))
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Collapsed {
		b.WriteString("; collapsed")
	}
	if cs.Detail != "" {
		b.WriteString("; detail=" + strconv.Quote(cs.Detail))
	}
	return b.String()
}
