package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// BannedIPCache is the in-memory hot set the dispatcher's IP filter consults
// on the fast path (see spec §5: "the banned-IP set is held both in-memory
// ... and in the store"). It is populated from Store.ListBans at startup and
// kept in sync on every Ban call. When a Redis address is configured, each
// new ban is also written to Redis; IsBanned and Refresh read only the local
// set and the SQL store, so this process never reads the Redis copy back.
// The SQL store is the store of record.
type BannedIPCache struct {
	store  Store
	local  sync.Map // ip -> struct{}
	redis  *redis.Client
	prefix string
}

// NewBannedIPCache loads the current ban set from store. If redisAddr is
// non-empty, bans are additionally mirrored into Redis.
func NewBannedIPCache(ctx context.Context, s Store, redisAddr string) (*BannedIPCache, error) {
	c := &BannedIPCache{store: s, prefix: "credpool:banned:"}

	if redisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:         redisAddr,
			MaxRetries:   3,
			MinIdleConns: 2,
		})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh reloads the hot set from the authoritative SQL store.
func (c *BannedIPCache) Refresh(ctx context.Context) error {
	bans, err := c.store.ListBans(ctx)
	if err != nil {
		return fmt.Errorf("refresh banned ip cache: %w", err)
	}
	fresh := make(map[string]struct{}, len(bans))
	for _, b := range bans {
		fresh[b.IP] = struct{}{}
	}
	c.local.Range(func(key, _ any) bool {
		if _, ok := fresh[key.(string)]; !ok {
			c.local.Delete(key)
		}
		return true
	})
	for ip := range fresh {
		c.local.Store(ip, struct{}{})
	}
	return nil
}

// IsBanned checks the in-memory hot set only; it never touches the store.
func (c *BannedIPCache) IsBanned(ip string) bool {
	_, ok := c.local.Load(ip)
	return ok
}

// Ban persists ip to the store and updates both the local set and the
// optional Redis mirror.
func (c *BannedIPCache) Ban(ctx context.Context, ip string) error {
	if err := c.store.BanIP(ctx, ip); err != nil {
		return err
	}
	c.local.Store(ip, struct{}{})
	if c.redis != nil {
		if err := c.redis.Set(ctx, c.prefix+ip, "1", 0).Err(); err != nil {
			log.WithError(err).WithField("ip", ip).Warn("failed to mirror ip ban into redis")
		}
	}
	return nil
}

func (c *BannedIPCache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
