// Package cache holds the missed-call registry consulted by the call flow.
// Entries expire; nothing lives for the lifetime of the process.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultMissedCallTTL      = 24 * time.Hour
	DefaultMissedCallCapacity = 10000
)

// MissedCall is recorded when an outbound call ends unanswered.
type MissedCall struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type MissedCallCache interface {
	Put(ctx context.Context, phone string, mc MissedCall) error
	Get(ctx context.Context, phone string) (MissedCall, bool, error)
	Delete(ctx context.Context, phone string) error
}

// LRUMissedCallCache is bounded by capacity and entry TTL.
type LRUMissedCallCache struct {
	lru *expirable.LRU[string, MissedCall]
}

func NewLRUMissedCallCache(capacity int, ttl time.Duration) *LRUMissedCallCache {
	if capacity <= 0 {
		capacity = DefaultMissedCallCapacity
	}
	if ttl <= 0 {
		ttl = DefaultMissedCallTTL
	}
	return &LRUMissedCallCache{lru: expirable.NewLRU[string, MissedCall](capacity, nil, ttl)}
}

func (c *LRUMissedCallCache) Put(_ context.Context, phone string, mc MissedCall) error {
	c.lru.Add(phone, mc)
	return nil
}

func (c *LRUMissedCallCache) Get(_ context.Context, phone string) (MissedCall, bool, error) {
	mc, ok := c.lru.Get(phone)
	return mc, ok, nil
}

func (c *LRUMissedCallCache) Delete(_ context.Context, phone string) error {
	c.lru.Remove(phone)
	return nil
}

func (c *LRUMissedCallCache) Len() int { return c.lru.Len() }

// RedisMissedCallCache shares the registry between server replicas.
type RedisMissedCallCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisMissedCallCache(rdb *redis.Client, ttl time.Duration) *RedisMissedCallCache {
	if ttl <= 0 {
		ttl = DefaultMissedCallTTL
	}
	return &RedisMissedCallCache{rdb: rdb, ttl: ttl, prefix: "missed_call:"}
}

func (c *RedisMissedCallCache) Put(ctx context.Context, phone string, mc MissedCall) error {
	data, err := json.Marshal(mc)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.prefix+phone, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store missed call: %w", err)
	}
	return nil
}

func (c *RedisMissedCallCache) Get(ctx context.Context, phone string) (MissedCall, bool, error) {
	var mc MissedCall
	data, err := c.rdb.Get(ctx, c.prefix+phone).Bytes()
	if errors.Is(err, redis.Nil) {
		return mc, false, nil
	}
	if err != nil {
		return mc, false, fmt.Errorf("load missed call: %w", err)
	}
	if err := json.Unmarshal(data, &mc); err != nil {
		return mc, false, fmt.Errorf("decode missed call: %w", err)
	}
	return mc, true, nil
}

func (c *RedisMissedCallCache) Delete(ctx context.Context, phone string) error {
	return c.rdb.Del(ctx, c.prefix+phone).Err()
}

var (
	_ MissedCallCache = (*LRUMissedCallCache)(nil)
	_ MissedCallCache = (*RedisMissedCallCache)(nil)
)
