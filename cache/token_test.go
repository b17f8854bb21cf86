package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status            Status
		single, final     bool
		intent, withDates bool
	}{
		{StatusDoNotCache, true, true, true, false},
		{StatusCache, true, true, true, false},
		{StatusRefresh, true, true, true, false},
		{StatusNotCached, true, true, false, false},
		{StatusFresh, true, true, false, true},
		{StatusCached, true, true, false, true},
		{StatusStale, false, false, false, true},
		{StatusRefreshed, false, true, false, true},
		{StatusCouldNotRefresh, false, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.single, tt.status.IsSingle())
			assert.Equal(t, tt.final, tt.status.IsFinal())
			assert.Equal(t, tt.intent, tt.status.IsIntent())
			assert.Equal(t, tt.withDates, tt.status.hasCacheDates())
		})
	}
	assert.Equal(t, "Status(42)", Status(42).String())
}

func TestParseIntent(t *testing.T) {
	t.Parallel()
	tests := map[string]Intent{
		"":             IntentCache,
		"cache":        IntentCache,
		"Refresh":      IntentRefresh,
		"DO_NOT_CACHE": IntentDoNotCache,
		"no-cache":     IntentDoNotCache,
	}
	for in, want := range tests {
		got, err := ParseIntent(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseIntent("sometimes")
	assert.Error(t, err)
}

func TestTokenTransitions(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	token := NewToken(Identity{URL: "https://example.com"}, 5*time.Minute, IntentRefresh, "k")

	assert.Equal(t, StatusRefresh, token.Status)
	assert.Equal(t, IntentRefresh, token.Intent())
	assert.True(t, token.Valid())
	assert.NotEqual(t, NewToken(token.Identity, time.Minute, IntentCache, "k").CallID, token.CallID)

	fresh := token.fresh(StatusFresh, now)
	assert.True(t, fresh.Valid())
	assert.Equal(t, now.Add(5*time.Minute), fresh.ExpiryDate)
	assert.Equal(t, StatusRefresh, token.Status, "transitions must not modify the receiver")

	stale := token.cached(StatusStale, now, now.Add(time.Minute))
	assert.True(t, stale.Valid())
	assert.True(t, stale.FetchDate.IsZero())

	failed := stale.refreshFailed(true, now.Add(time.Hour))
	assert.True(t, failed.Valid())
	assert.Equal(t, StatusCouldNotRefresh, failed.Status)
	assert.Equal(t, now, failed.CacheDate)
	assert.Equal(t, now.Add(time.Hour), failed.FetchDate)

	rejected := stale.refreshFailed(false, now.Add(time.Hour))
	assert.True(t, rejected.Valid())
	assert.Equal(t, StatusRefreshed, rejected.Status)
	assert.Equal(t, now.Add(time.Minute), rejected.ExpiryDate)

	notCached := fresh.notCached(now)
	assert.True(t, notCached.Valid())
	assert.False(t, notCached.HasCacheDates())

	broken := fresh
	broken.ExpiryDate = time.Time{}
	assert.False(t, broken.Valid())
}

func TestMinutes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 90*time.Second, Minutes(1.5))
	assert.Equal(t, time.Duration(0), Minutes(0))
}
