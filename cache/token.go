package cache

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the logical request identity. Two requests with the same
// identity share a cache key. An empty Body means no body.
type Identity struct {
	URL  string
	Body string
}

// Token describes one cache decision. Tokens are values: every transition
// returns a new Token and no component mutates one in place.
//
// CacheDate and ExpiryDate are either both set or both zero. FetchDate is set
// on every response that came from, or was updated by, a network attempt.
type Token struct {
	Identity Identity
	TTL      time.Duration
	Status   Status
	// Kind names the expected payload shape, e.g. "users.List".
	Kind string

	FetchDate  time.Time
	CacheDate  time.Time
	ExpiryDate time.Time

	// CallID identifies the logical call. It is a handle, not a reference:
	// only the Manager that issued the call can resolve it to the producer
	// used for the refresh.
	CallID uuid.UUID
}

// NewToken returns the intent token of a new call.
func NewToken(identity Identity, ttl time.Duration, intent Intent, kind string) Token {
	return Token{
		Identity: identity,
		TTL:      ttl,
		Status:   intent.Status(),
		Kind:     kind,
		CallID:   uuid.Must(uuid.NewV7()),
	}
}

// Minutes converts a TTL expressed in fractional minutes.
func Minutes(m float32) time.Duration {
	return time.Duration(float64(m) * float64(time.Minute))
}

// Intent returns the caller intent the token was created with. Outcome
// statuses report IntentCache.
func (t Token) Intent() Intent {
	switch t.Status {
	case StatusRefresh:
		return IntentRefresh
	case StatusDoNotCache:
		return IntentDoNotCache
	default:
		return IntentCache
	}
}

// HasCacheDates reports whether CacheDate and ExpiryDate are set.
func (t Token) HasCacheDates() bool {
	return !t.CacheDate.IsZero() && !t.ExpiryDate.IsZero()
}

// Valid reports whether the populated dates agree with the status.
func (t Token) Valid() bool {
	if t.CacheDate.IsZero() != t.ExpiryDate.IsZero() {
		return false
	}
	if t.Status.hasCacheDates() != t.HasCacheDates() {
		return false
	}
	switch t.Status {
	case StatusNotCached, StatusFresh, StatusRefreshed:
		return !t.FetchDate.IsZero()
	}
	return true
}

func (t Token) withStatus(s Status) Token {
	t.Status = s
	return t
}

// notCached is the outcome of a call that bypassed the store or failed.
func (t Token) notCached(fetchDate time.Time) Token {
	t.Status = StatusNotCached
	t.FetchDate = fetchDate
	t.CacheDate = time.Time{}
	t.ExpiryDate = time.Time{}
	return t
}

// fresh stamps a successful fetch that is about to be stored.
func (t Token) fresh(status Status, now time.Time) Token {
	t.Status = status
	t.FetchDate = now
	t.CacheDate = now
	t.ExpiryDate = now.Add(t.TTL)
	return t
}

// cached describes a row read from the store.
func (t Token) cached(status Status, cacheDate, expiryDate time.Time) Token {
	t.Status = status
	t.FetchDate = time.Time{}
	t.CacheDate = cacheDate
	t.ExpiryDate = expiryDate
	return t
}

// refreshFailed keeps the stale dates and records the failed attempt. A
// network failure ends in COULD_NOT_REFRESH, any other failure in REFRESHED.
func (t Token) refreshFailed(networkError bool, fetchDate time.Time) Token {
	t.Status = StatusRefreshed
	if networkError {
		t.Status = StatusCouldNotRefresh
	}
	t.FetchDate = fetchDate
	return t
}
