package proxy

import (
	"context"
	"sync"
	"time"

	"credpool-go/internal/store"
)

// IPLimiter tracks per-IP request timestamps in sliding minute and hour
// windows, grounded on original_source/rate_limiter.py. Exceeding PerMinute
// rejects the single request; exceeding PerHourBan bans the IP permanently
// through Bans. Only applied to unauthenticated traffic, per spec.md §4.6.
type IPLimiter struct {
	PerMinute  int
	PerHourBan int
	Bans       *store.BannedIPCache

	mu       sync.Mutex
	requests map[string][]time.Time
}

func NewIPLimiter(bans *store.BannedIPCache, perMinute, perHourBan int) *IPLimiter {
	return &IPLimiter{
		PerMinute:  perMinute,
		PerHourBan: perHourBan,
		Bans:       bans,
		requests:   make(map[string][]time.Time),
	}
}

// Allow records one request from ip and reports whether it may proceed. A
// banned IP is rejected without touching the sliding windows.
func (l *IPLimiter) Allow(ctx context.Context, ip string) bool {
	if l.Bans.IsBanned(ip) {
		return false
	}

	now := time.Now()
	hourCount, minuteCount := l.record(ip, now)

	if hourCount > l.PerHourBan {
		_ = l.Bans.Ban(ctx, ip)
		return false
	}
	return minuteCount <= l.PerMinute
}

func (l *IPLimiter) record(ip string, now time.Time) (hourCount, minuteCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hourCutoff := now.Add(-time.Hour)
	kept := l.requests[ip][:0]
	for _, t := range l.requests[ip] {
		if t.After(hourCutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.requests[ip] = kept

	minuteCutoff := now.Add(-time.Minute)
	for _, t := range kept {
		if t.After(minuteCutoff) {
			minuteCount++
		}
	}
	return len(kept), minuteCount
}
