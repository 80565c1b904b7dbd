package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/portalsync/internal/config"
	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// counter is a fetcher that returns an increasing version number.
type counter struct {
	calls atomic.Int32
	gate  chan struct{}
	err   atomic.Value
}

func (f *counter) fetch(ctx context.Context) (any, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err, ok := f.err.Load().(error); ok && err != nil {
		return nil, err
	}
	return fmt.Sprintf("v%d", n), nil
}

func newTestCache(clk *clock, m *metrics.Metrics) *Cache {
	return New(
		WithClock(clk.Now),
		WithLogger(log.Discard()),
		WithMetrics(m),
		WithPolicies(FixedPolicy(Policy{StaleTime: time.Minute, CollectTime: 5 * time.Minute})),
	)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		prefix, key string
		want        bool
	}{
		{"portfolios", "portfolios", true},
		{"portfolios", "portfolios:p1", true},
		{"investment", "investment:42", true},
		{"investment:42", "investment:42", true},
		{"investment:4", "investment:42", false},
		{"portfolio", "portfolios", false},
		{"investments", "investment:42", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Matches(tt.prefix, tt.key), "%q ~ %q", tt.prefix, tt.key)
	}

	assert.Equal(t, "investment:42", Key("investment", "42"))
	assert.Equal(t, "investment", Group("investment:42"))
	assert.Equal(t, "balance", Group("balance"))
}

func TestPolicies_ResolvesByGroup(t *testing.T) {
	p := Policies(config.Default().Cache)
	assert.Equal(t, 5*time.Minute, p("bankAccounts").StaleTime)
	assert.Equal(t, time.Minute, p("investment:42").StaleTime)
	assert.Equal(t, 30*time.Second, p("transactions:page:2").StaleTime)
	assert.Equal(t, time.Minute, p("unknown-group").StaleTime)
	assert.Less(t, p("transactions").StaleTime, p("bankAccounts").StaleTime)
}

func TestCache_ConcurrentReadsShareOneFetch(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk, nil)
	defer c.Close()

	f := &counter{gate: make(chan struct{})}

	const n = 10
	results := make([]Snapshot, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := c.Read(context.Background(), "portfolios", f.fetch)
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, r := range results {
		assert.Equal(t, "v1", r.Value)
		assert.False(t, r.Stale)
	}
}

func TestCache_FreshReadDoesNotFetch(t *testing.T) {
	clk := newClock()
	_, m := metrics.NewRegistry()
	c := newTestCache(clk, m)
	defer c.Close()
	f := &counter{}

	_, err := c.Read(context.Background(), "portfolios", f.fetch)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	snap, err := c.Read(context.Background(), "portfolios", f.fetch)
	require.NoError(t, err)

	assert.Equal(t, "v1", snap.Value)
	assert.False(t, snap.Stale)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("portfolios")))
}

func TestCache_StaleReadReturnsLastValueAndRefetches(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk, nil)
	defer c.Close()
	f := &counter{}

	_, err := c.Read(context.Background(), "balance", f.fetch)
	require.NoError(t, err)

	updates := make(chan Snapshot, 4)
	unsubscribe := c.Subscribe("balance", func(s Snapshot) { updates <- s })
	defer unsubscribe()

	clk.Advance(2 * time.Minute)

	snap, err := c.Read(context.Background(), "balance", f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.Value, "stale read must return the last value synchronously")
	assert.True(t, snap.Stale)

	select {
	case s := <-updates:
		assert.Equal(t, "v2", s.Value)
		assert.False(t, s.Stale)
	case <-time.After(time.Second):
		t.Fatal("background refetch did not complete")
	}

	fresh, ok := c.Peek("balance")
	require.True(t, ok)
	assert.Equal(t, "v2", fresh.Value)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCache_InvalidateMarksStaleWithoutRemoving(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk, nil)
	defer c.Close()

	portfolios := &counter{}
	detail := &counter{}
	other := &counter{}

	ctx := context.Background()
	_, err := c.Read(ctx, "portfolios", portfolios.fetch)
	require.NoError(t, err)
	_, err = c.Read(ctx, "portfolios:p1", detail.fetch)
	require.NoError(t, err)
	_, err = c.Read(ctx, "portfolio", other.fetch)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Invalidate("portfolios"))

	snap, ok := c.Peek("portfolios")
	require.True(t, ok)
	assert.Equal(t, "v1", snap.Value)
	assert.True(t, snap.Stale)

	snap, _ = c.Peek("portfolio")
	assert.False(t, snap.Stale)

	refetched, err := c.Refetch(ctx, "portfolios", portfolios.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", refetched.Value)
	assert.False(t, refetched.Stale)
}

func TestCache_InvalidationDuringFetchKeepsEntryStale(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk, nil)
	defer c.Close()

	f := &counter{gate: make(chan struct{})}
	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := c.Read(context.Background(), "investments", f.fetch)
		done <- snap
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	c.Invalidate("investments")
	close(f.gate)

	snap := <-done
	assert.Equal(t, "v1", snap.Value)
	assert.True(t, snap.Stale, "a fetch that began before invalidation must not count as fresh")
}

func TestCache_FailedFetchKeepsPreviousValue(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk, nil)
	defer c.Close()
	f := &counter{}

	_, err := c.Read(context.Background(), "transactions", f.fetch)
	require.NoError(t, err)

	f.err.Store(errors.FromStatus(503, ""))
	snap, err := c.Refetch(context.Background(), "transactions", f.fetch)
	require.Error(t, err)
	assert.Equal(t, errors.KindServer, errors.KindOf(err))
	assert.Equal(t, "v1", snap.Value)
	assert.True(t, snap.Stale)

	peek, _ := c.Peek("transactions")
	assert.Equal(t, "v1", peek.Value)
	assert.Error(t, peek.Err)
}

func TestCache_FailedFirstFetchReturnsError(t *testing.T) {
	c := newTestCache(newClock(), nil)
	defer c.Close()
	f := &counter{}
	f.err.Store(errors.FromStatus(404, "no such portfolio"))

	_, err := c.Read(context.Background(), "portfolio:missing", f.fetch)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	_, ok := c.Peek("portfolio:missing")
	assert.False(t, ok)
}

func TestCache_ReadWaitHonoursContext(t *testing.T) {
	c := newTestCache(newClock(), nil)
	defer c.Close()
	f := &counter{gate: make(chan struct{})}
	defer close(f.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Read(ctx, "portfolios", f.fetch)
	assert.Equal(t, errors.KindNetwork, errors.KindOf(err))
}

func TestCache_Collect(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk, nil)
	defer c.Close()
	f := &counter{}

	ctx := context.Background()
	_, _ = c.Read(ctx, "idle", f.fetch)
	_, _ = c.Read(ctx, "watched", f.fetch)
	unsubscribe := c.Subscribe("watched", func(Snapshot) {})

	clk.Advance(4 * time.Minute)
	assert.Zero(t, c.Collect())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Collect())
	assert.Equal(t, 1, c.Len())

	unsubscribe()
	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, c.Collect())
	assert.Zero(t, c.Len())
}

func TestGet_Typed(t *testing.T) {
	c := newTestCache(newClock(), nil)
	defer c.Close()

	v, snap, err := Get(context.Background(), c, "balance", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, snap.Stale)

	_, _, err = Get(context.Background(), c, "balance", func(ctx context.Context) (string, error) {
		return "x", nil
	})
	assert.Error(t, err)
}

func TestCache_Purge(t *testing.T) {
	c := newTestCache(newClock(), nil)
	defer c.Close()
	f := &counter{}

	_, _ = c.Read(context.Background(), "portfolios", f.fetch)
	_, _ = c.Read(context.Background(), "balance", f.fetch)

	var mu sync.Mutex
	var seen []Snapshot
	unsubscribe := c.Subscribe("balance", func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsubscribe()

	assert.Equal(t, 1, c.Purge())
	_, ok := c.Peek("portfolios")
	assert.False(t, ok)

	_, ok = c.Peek("balance")
	assert.False(t, ok, "a subscribed entry keeps no value of the previous session")
	assert.Equal(t, 1, c.Len())

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Nil(t, seen[0].Value)
	assert.True(t, seen[0].Stale)
	mu.Unlock()

	snap, err := c.Read(context.Background(), "balance", f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v3", snap.Value)
	assert.False(t, snap.Stale)
}

func TestCache_PurgeDiscardsFetchInFlight(t *testing.T) {
	c := newTestCache(newClock(), nil)
	defer c.Close()

	gate := make(chan struct{})
	previous := func(ctx context.Context) (any, error) {
		<-gate
		return "alice-portfolios", nil
	}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), "portfolios", func(ctx context.Context) (any, error) {
			close(started)
			return previous(ctx)
		})
		done <- err
	}()
	<-started

	c.Purge()
	close(gate)

	err := <-done
	assert.Equal(t, errors.KindAuthentication, errors.KindOf(err))
	_, ok := c.Peek("portfolios")
	assert.False(t, ok)

	snap, err := c.Read(context.Background(), "portfolios", func(ctx context.Context) (any, error) {
		return "bob-portfolios", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "bob-portfolios", snap.Value)
	assert.False(t, snap.Stale)
}

func TestCache_ReadAfterPurgeDoesNotJoinOldFetch(t *testing.T) {
	c := newTestCache(newClock(), nil)
	defer c.Close()

	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	go func() {
		_, _ = c.Read(context.Background(), "portfolios", func(ctx context.Context) (any, error) {
			close(started)
			<-gate
			return "alice-portfolios", nil
		})
	}()
	<-started

	c.Purge()

	snap, err := c.Read(context.Background(), "portfolios", func(ctx context.Context) (any, error) {
		return "bob-portfolios", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "bob-portfolios", snap.Value)
}
