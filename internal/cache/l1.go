package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultL1Capacity = 1000
	DefaultL1TTL      = 60 * time.Second
)

type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// L1 is the process-local tier: bounded, LRU-evicted, and never holding an
// entry longer than its configured TTL. Entries may carry a shorter TTL of
// their own.
//
// expirable.LRU runs a cleanup goroutine that golang-lru v2.0.7 offers no way
// to stop. It lives as long as the process; Purge only empties the cache.
type L1 struct {
	lru *expirable.LRU[string, l1Entry]
	ttl time.Duration
}

func NewL1(capacity int, ttl time.Duration) *L1 {
	if capacity <= 0 {
		capacity = DefaultL1Capacity
	}
	if ttl <= 0 {
		ttl = DefaultL1TTL
	}
	return &L1{
		lru: expirable.NewLRU[string, l1Entry](capacity, nil, ttl),
		ttl: ttl,
	}
}

func (c *L1) Get(key string) ([]byte, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value for at most ttl, capped at the tier's own TTL.
func (c *L1) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}
	c.lru.Add(key, l1Entry{value: value, expiresAt: time.Now().Add(ttl)})
}

func (c *L1) Delete(key string) {
	c.lru.Remove(key)
}

func (c *L1) Contains(key string) bool {
	return c.lru.Contains(key)
}

func (c *L1) Len() int {
	return c.lru.Len()
}

func (c *L1) Purge() {
	c.lru.Purge()
}
