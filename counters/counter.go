// Package counters provides per-object counter fields backed by hash
// field increments.
//
// A Counter trades read freshness for round-trips: with a non-zero
// update period Get serves a cached value until it expires, while
// increments through this instance are always reflected immediately
// since the store returns the new total on every increment. With a
// zero update period every Get is a store round-trip.
package counters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xxuejie/sohm/store"
)

type Counter struct {
	conn  store.Conn
	key   string
	field string

	lock         sync.Mutex
	value        atomic.Int64
	primed       bool
	expiration   time.Time
	updatePeriod time.Duration
}

func New(conn store.Conn, key, field string, updatePeriod time.Duration) *Counter {
	return &Counter{conn: conn, key: key, field: field, updatePeriod: updatePeriod}
}

func (c *Counter) load(ctx context.Context) (int64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := time.Now()
	if c.primed && now.Before(c.expiration) {
		return c.value.Load(), nil
	}
	// increment by zero reads the current total atomically
	total, err := c.conn.HIncrBy(ctx, c.key, c.field, 0)
	if err != nil {
		return 0, err
	}
	c.value.Store(total)
	c.primed = true
	c.expiration = now.Add(c.updatePeriod)
	return total, nil
}

func (c *Counter) Get(ctx context.Context) (int64, error) {
	return c.load(ctx)
}

func (c *Counter) Incr(ctx context.Context, delta int64) (int64, error) {
	total, err := c.conn.HIncrBy(ctx, c.key, c.field, delta)
	if err != nil {
		return 0, err
	}
	c.lock.Lock()
	c.value.Store(total)
	c.primed = true
	c.expiration = time.Now().Add(c.updatePeriod)
	c.lock.Unlock()
	return total, nil
}
