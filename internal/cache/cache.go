// Package cache is a keyed store of fetched server data with per-group
// freshness and retention.
//
// Reads of a fresh entry return immediately. Reads of a stale entry return
// the last value, flagged stale, and refetch in the background. Concurrent
// fetches of one key are collapsed into one. Invalidation marks entries
// stale without removing them so consumers keep showing last-known data.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
)

// Fetcher loads the current value of one key from the server.
type Fetcher func(ctx context.Context) (any, error)

// Snapshot is a consistent view of one entry.
type Snapshot struct {
	Key       string
	Value     any
	FetchedAt time.Time
	// Stale is set when the value is older than its stale time or was
	// invalidated; a background refetch is pending or has failed.
	Stale bool
	// Err is the last fetch failure, kept alongside the previous value.
	Err error
}

type entry struct {
	key        string
	value      any
	hasValue   bool
	fetchedAt  time.Time
	staleAfter time.Time
	lastErr    error

	// generation increments on every invalidation; a fetch that started
	// before an invalidation does not make the entry fresh again.
	generation uint64
	fetching   int

	subscribers map[int]func(Snapshot)
	lastUsed    time.Time
}

func (e *entry) snapshot(now time.Time) Snapshot {
	return Snapshot{
		Key:       e.key,
		Value:     e.value,
		FetchedAt: e.fetchedAt,
		Stale:     !now.Before(e.staleAfter),
		Err:       e.lastErr,
	}
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache struct {
	policies PolicyFunc
	now      func() time.Time
	logger   *log.Logger
	metrics  *metrics.Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	nextSub int
	closed  bool
	// epoch increments on every Purge; results of fetches started in an
	// earlier epoch are discarded.
	epoch uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Cache
type Option func(*Cache)

// WithPolicies sets the policy resolver
func WithPolicies(p PolicyFunc) Option {
	return func(c *Cache) { c.policies = p }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		policies: FixedPolicy(Policy{StaleTime: time.Minute, CollectTime: 10 * time.Minute}),
		now:      time.Now,
		entries:  make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrDefault(c.logger).Named("cache")
	c.metrics = metrics.OrDiscard(c.metrics)
	return c
}

// entryLocked returns the entry for key, creating it. Caller holds mu.
func (c *Cache) entryLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, subscribers: make(map[int]func(Snapshot)), lastUsed: c.now()}
		c.entries[key] = e
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	return e
}

// Read returns the value of key. A fresh entry is returned as is. A stale
// entry is returned with Stale set while a background refetch runs. With
// no value yet, Read waits for the fetch, sharing it with any other reader
// of the same key. ctx bounds only this caller's wait.
func (c *Cache) Read(ctx context.Context, key string, fetch Fetcher) (Snapshot, error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	now := c.now()
	e.lastUsed = now

	if e.hasValue {
		snap := e.snapshot(now)
		c.mu.Unlock()

		if !snap.Stale {
			c.metrics.CacheHits.WithLabelValues(Group(key)).Inc()
			return snap, nil
		}
		c.metrics.CacheMisses.WithLabelValues(Group(key)).Inc()
		c.refetchAsync(key, fetch)
		return snap, nil
	}
	c.mu.Unlock()

	c.metrics.CacheMisses.WithLabelValues(Group(key)).Inc()
	return c.wait(ctx, key, fetch)
}

// Refetch fetches key now, joining a fetch already in flight, and waits for
// the result.
func (c *Cache) Refetch(ctx context.Context, key string, fetch Fetcher) (Snapshot, error) {
	c.mu.Lock()
	c.entryLocked(key).lastUsed = c.now()
	c.mu.Unlock()
	return c.wait(ctx, key, fetch)
}

func (c *Cache) wait(ctx context.Context, key string, fetch Fetcher) (Snapshot, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), key, fetch)
	})

	select {
	case res := <-ch:
		snap, _ := res.Val.(Snapshot)
		return snap, res.Err
	case <-ctx.Done():
		err := errors.Classify(ctx.Err())
		return Snapshot{Key: key, Err: err}, err
	}
}

func (c *Cache) refetchAsync(key string, fetch Fetcher) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ch := c.group.DoChan(key, func() (any, error) {
			return c.fetch(c.ctx, key, fetch)
		})
		if res := <-ch; res.Err != nil {
			c.logger.WithError(res.Err).Debug("background refetch failed", "key", key)
		}
	}()
}

// fetch runs inside the single flight for key.
func (c *Cache) fetch(ctx context.Context, key string, fn Fetcher) (Snapshot, error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	gen := e.generation
	epoch := c.epoch
	e.fetching++
	c.mu.Unlock()

	value, err := fn(ctx)
	group := Group(key)

	c.mu.Lock()
	e = c.entryLocked(key)
	e.fetching--
	now := c.now()

	if c.epoch != epoch {
		c.mu.Unlock()
		c.metrics.CacheFetches.WithLabelValues(group, "discarded").Inc()
		return Snapshot{Key: key, Stale: true}, errors.NewUnauthenticatedError("session changed during fetch")
	}

	if err != nil {
		err = errors.Classify(err)
		e.lastErr = err
		e.staleAfter = now
		snap := e.snapshot(now)
		hadValue := e.hasValue
		c.mu.Unlock()

		c.metrics.CacheFetches.WithLabelValues(group, "error").Inc()
		if hadValue {
			c.notify(key, snap)
		}
		return snap, err
	}

	e.value = value
	e.hasValue = true
	e.lastErr = nil
	e.fetchedAt = now
	if e.generation == gen {
		e.staleAfter = now.Add(c.policies(key).StaleTime)
	} else {
		e.staleAfter = now
	}
	snap := e.snapshot(now)
	c.mu.Unlock()

	c.metrics.CacheFetches.WithLabelValues(group, "success").Inc()
	c.notify(key, snap)
	return snap, nil
}

func (c *Cache) notify(key string, snap Snapshot) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Invalidate marks every entry matched by prefix stale and returns how
// many were marked. Values are kept until the next fetch replaces them.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	now := c.now()
	var marked []Snapshot
	for key, e := range c.entries {
		if !Matches(prefix, key) {
			continue
		}
		e.generation++
		if e.staleAfter.After(now) {
			e.staleAfter = now
		}
		if e.hasValue {
			marked = append(marked, e.snapshot(now))
		}
	}
	c.mu.Unlock()

	c.metrics.CacheInvalidations.WithLabelValues(Group(prefix)).Inc()
	c.logger.Debug("invalidated", "prefix", prefix, "entries", len(marked))

	for _, snap := range marked {
		c.notify(snap.Key, snap)
	}
	return len(marked)
}

// Peek returns the current snapshot of key without fetching.
func (c *Cache) Peek(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		return Snapshot{}, false
	}
	return e.snapshot(c.now()), true
}

// Subscribe calls fn with every new snapshot of key: fetch results and
// invalidations. An entry with a subscriber is never collected.
func (c *Cache) Subscribe(key string, fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	e := c.entryLocked(key)
	id := c.nextSub
	c.nextSub++
	e.subscribers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if e, ok := c.entries[key]; ok {
				delete(e.subscribers, id)
				e.lastUsed = c.now()
			}
		})
	}
}

// Collect evicts entries that have had no subscriber and no reader for
// longer than their collect time. It returns the number evicted.
func (c *Cache) Collect() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, e := range c.entries {
		if len(e.subscribers) > 0 || e.fetching > 0 {
			continue
		}
		if now.Sub(e.lastUsed) < c.policies(key).CollectTime {
			continue
		}
		delete(c.entries, key)
		evicted++
	}

	if evicted > 0 {
		c.metrics.CacheEvictions.Add(float64(evicted))
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	return evicted
}

// Purge drops every entry without a subscriber or fetch in flight,
// regardless of age, and returns how many were dropped. It is used when the
// signed-in user changes so no data outlives its session. Entries that are
// kept lose their value, subscribers are sent the emptied snapshot, and
// fetches already in flight are discarded when they land.
func (c *Cache) Purge() int {
	c.mu.Lock()
	c.epoch++
	dropped := 0
	var cleared []Snapshot
	for key, e := range c.entries {
		c.group.Forget(key)
		if len(e.subscribers) == 0 && e.fetching == 0 {
			delete(c.entries, key)
			dropped++
			continue
		}
		e.generation++
		e.value = nil
		e.hasValue = false
		e.lastErr = nil
		e.fetchedAt = time.Time{}
		e.staleAfter = time.Time{}
		if len(e.subscribers) > 0 {
			cleared = append(cleared, Snapshot{Key: key, Stale: true})
		}
	}
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	for _, snap := range cleared {
		c.notify(snap.Key, snap)
	}
	return dropped
}

// Len returns the number of entries held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run collects garbage every interval until ctx is done or the cache is
// closed.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.Collect(); n > 0 {
				c.logger.Debug("collected entries", "evicted", n)
			}
		}
	}
}

// Close cancels background refetches and waits for them to finish.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
