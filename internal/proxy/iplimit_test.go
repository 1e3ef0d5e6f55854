package proxy

import (
	"context"
	"testing"

	"credpool-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perMinute, perHourBan int) *IPLimiter {
	t.Helper()
	cache, err := store.NewBannedIPCache(context.Background(), &fakeStore{}, "")
	require.NoError(t, err)
	return NewIPLimiter(cache, perMinute, perHourBan)
}

func TestIPLimiterAllowsWithinPerMinuteBudget(t *testing.T) {
	l := newTestLimiter(t, 40, 3600)
	for i := 0; i < 40; i++ {
		assert.True(t, l.Allow(context.Background(), "203.0.113.1"))
	}
}

func TestIPLimiterRejectsOverPerMinuteBudget(t *testing.T) {
	l := newTestLimiter(t, 40, 3600)
	for i := 0; i < 40; i++ {
		l.Allow(context.Background(), "203.0.113.2")
	}
	assert.False(t, l.Allow(context.Background(), "203.0.113.2"))
}

func TestIPLimiterBansAfterExceedingHourlyCeiling(t *testing.T) {
	l := newTestLimiter(t, 100000, 5)
	ip := "203.0.113.3"
	for i := 0; i < 5; i++ {
		l.Allow(context.Background(), ip)
	}
	assert.False(t, l.Allow(context.Background(), ip))
	assert.True(t, l.Bans.IsBanned(ip))
}

func TestIPLimiterRejectsAlreadyBannedIPWithoutRecording(t *testing.T) {
	s := &fakeStore{}
	cache, err := store.NewBannedIPCache(context.Background(), s, "")
	require.NoError(t, err)
	require.NoError(t, cache.Ban(context.Background(), "203.0.113.4"))

	l := NewIPLimiter(cache, 1000, 100000)
	assert.False(t, l.Allow(context.Background(), "203.0.113.4"))
	assert.Empty(t, l.requests["203.0.113.4"])
}
