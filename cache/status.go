package cache

import (
	"fmt"
	"strings"
)

// Status is the state of a cache token. DoNotCache, Cache and Refresh are
// request intents; the others describe an emitted response.
type Status int

const (
	StatusDoNotCache Status = iota + 1
	StatusCache
	StatusRefresh
	StatusNotCached
	StatusFresh
	StatusCached
	StatusStale
	StatusRefreshed
	StatusCouldNotRefresh
)

var statusNames = map[Status]string{
	StatusDoNotCache:      "DO_NOT_CACHE",
	StatusCache:           "CACHE",
	StatusRefresh:         "REFRESH",
	StatusNotCached:       "NOT_CACHED",
	StatusFresh:           "FRESH",
	StatusCached:          "CACHED",
	StatusStale:           "STALE",
	StatusRefreshed:       "REFRESHED",
	StatusCouldNotRefresh: "COULD_NOT_REFRESH",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsSingle reports whether a response with this status is neither preceded
// nor followed by another response for the same call.
func (s Status) IsSingle() bool {
	switch s {
	case StatusDoNotCache, StatusCache, StatusRefresh, StatusNotCached, StatusFresh, StatusCached:
		return true
	default:
		return false
	}
}

// IsFinal reports whether no further response follows. STALE is the only
// non-final status and is always followed by exactly one final response.
func (s Status) IsFinal() bool {
	return s.IsSingle() || s == StatusRefreshed || s == StatusCouldNotRefresh
}

// IsIntent reports whether s is a request intent rather than an outcome.
func (s Status) IsIntent() bool {
	return s == StatusDoNotCache || s == StatusCache || s == StatusRefresh
}

// hasCacheDates reports whether tokens with this status describe a stored row.
func (s Status) hasCacheDates() bool {
	switch s {
	case StatusFresh, StatusCached, StatusStale, StatusRefreshed, StatusCouldNotRefresh:
		return true
	default:
		return false
	}
}

// Intent is the caller-declared caching policy of a request.
type Intent int

const (
	// IntentCache serves from the store when possible.
	IntentCache Intent = iota
	// IntentRefresh treats any stored row as expired.
	IntentRefresh
	// IntentDoNotCache bypasses the store entirely.
	IntentDoNotCache
)

// Status returns the token status that carries this intent.
func (i Intent) Status() Status {
	switch i {
	case IntentRefresh:
		return StatusRefresh
	case IntentDoNotCache:
		return StatusDoNotCache
	default:
		return StatusCache
	}
}

func (i Intent) String() string {
	return i.Status().String()
}

// ParseIntent maps "cache", "refresh" and "do_not_cache" (any case) to an Intent.
func ParseIntent(s string) (Intent, error) {
	switch strings.ToLower(s) {
	case "", "cache":
		return IntentCache, nil
	case "refresh":
		return IntentRefresh, nil
	case "do_not_cache", "do-not-cache", "no-cache":
		return IntentDoNotCache, nil
	default:
		return IntentCache, fmt.Errorf("unknown cache intent %q", s)
	}
}
