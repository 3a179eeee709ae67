// Package cache keeps solved loan figures warm for the member-facing
// installment preview. The engine itself is cache-free; this sits with the
// service layer, and every accepted transaction touching a member's
// standing must invalidate their entry.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandoq/loanengine/pkg/solver"
)

const keyPrefix = "figures:member:"

// Connect dials redis and verifies the connection with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// FiguresCache stores one solved Result per member, keyed by member ID.
type FiguresCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewFiguresCache(client *redis.Client, ttl time.Duration) *FiguresCache {
	return &FiguresCache{client: client, ttl: ttl}
}

// Get returns the cached figures for a member, or nil on a miss.
func (c *FiguresCache) Get(ctx context.Context, memberID string) (*solver.Result, error) {
	data, err := c.client.Get(ctx, keyPrefix+memberID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result solver.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Put stores the figures for a member with the configured TTL.
func (c *FiguresCache) Put(ctx context.Context, memberID string, result *solver.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+memberID, data, c.ttl).Err()
}

// Invalidate drops a member's cached figures. Call it after any accepted
// transaction that changes their balance or subscriptions.
func (c *FiguresCache) Invalidate(ctx context.Context, memberID string) error {
	return c.client.Del(ctx, keyPrefix+memberID).Err()
}
