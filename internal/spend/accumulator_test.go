package spend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// fakeSource считает вызовы и отдает заданную сумму.
type fakeSource struct {
	mu     sync.Mutex
	sums   map[string]decimal.Decimal
	calls  int
	since  []time.Time
	err    error
	during func() // вызывается внутри агрегации
}

func newFakeSource() *fakeSource {
	return &fakeSource{sums: make(map[string]decimal.Decimal)}
}

func (f *fakeSource) set(agentID string, v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sums[agentID] = decimal.RequireFromString(v)
}

func (f *fakeSource) SumApprovedSince(_ context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	f.calls++
	f.since = append(f.since, since)
	sum, err, during := f.sums[agentID], f.err, f.during
	f.mu.Unlock()

	if during != nil {
		during()
	}
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// manualClock часы, которые двигаются только руками.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *manualClock {
	return &manualClock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.Local)}
}

func TestGetDailySpend_CachesWithinTTL(t *testing.T) {
	src := newFakeSource()
	src.set("agent-1", "20")
	clock := newClock()
	acc := NewAccumulator(src, WithClock(clock.Now))
	ctx := context.Background()

	v, err := acc.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(20)))

	src.set("agent-1", "35")
	clock.Advance(4 * time.Second)

	v, err = acc.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(20)), "stale value must be served inside TTL, got %s", v)
	assert.Equal(t, 1, src.callCount())
}

func TestGetDailySpend_ExpiresAfterTTL(t *testing.T) {
	src := newFakeSource()
	src.set("agent-1", "20")
	clock := newClock()
	acc := NewAccumulator(src, WithClock(clock.Now))
	ctx := context.Background()

	_, err := acc.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)

	src.set("agent-1", "35")
	clock.Advance(DefaultTTL)

	v, err := acc.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(35)))
	assert.Equal(t, 2, src.callCount())
}

func TestInvalidate_ForcesFreshAggregation(t *testing.T) {
	src := newFakeSource()
	src.set("agent-1", "20")
	src.set("agent-2", "7")
	clock := newClock()
	acc := NewAccumulator(src, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = acc.GetDailySpend(ctx, "agent-1")
	_, _ = acc.GetDailySpend(ctx, "agent-2")
	require.Equal(t, 2, src.callCount())

	src.set("agent-1", "25")
	acc.Invalidate("agent-1")

	v, err := acc.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 3, src.callCount())

	// Чужая запись не затронута
	_, _ = acc.GetDailySpend(ctx, "agent-2")
	assert.Equal(t, 3, src.callCount())
}

func TestInvalidateAll(t *testing.T) {
	src := newFakeSource()
	acc := NewAccumulator(src)
	ctx := context.Background()

	_, _ = acc.GetDailySpend(ctx, "a")
	_, _ = acc.GetDailySpend(ctx, "b")
	require.Equal(t, 2, acc.Len())

	acc.InvalidateAll()
	assert.Equal(t, 0, acc.Len())

	_, _ = acc.GetDailySpend(ctx, "a")
	assert.Equal(t, 3, src.callCount())
}

func TestGetDailySpend_SourceErrorIsStorageError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("connection reset")
	acc := NewAccumulator(src)

	v, err := acc.GetDailySpend(context.Background(), "agent-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorage))
	assert.True(t, v.IsZero())
	assert.Equal(t, 0, acc.Len(), "failures must not be cached")

	// После восстановления источника значение читается заново
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	src.set("agent-1", "3.50")

	v, err = acc.GetDailySpend(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "3.5", v.String())
}

func TestGetDailySpend_AggregatesFromStartOfDay(t *testing.T) {
	src := newFakeSource()
	clock := newClock()
	acc := NewAccumulator(src, WithClock(clock.Now))

	_, err := acc.GetDailySpend(context.Background(), "agent-1")
	require.NoError(t, err)

	require.Len(t, src.since, 1)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.Local), src.since[0])
}

func TestGetDailySpend_MidnightStalenessBoundedByTTL(t *testing.T) {
	src := newFakeSource()
	src.set("agent-1", "40")
	clock := &manualClock{t: time.Date(2025, 3, 14, 23, 59, 58, 0, time.Local)}
	acc := NewAccumulator(src, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = acc.GetDailySpend(ctx, "agent-1")

	// Новые сутки: источник уже посчитал бы 0, но кэш еще жив
	src.set("agent-1", "0")
	clock.Advance(4 * time.Second)
	v, _ := acc.GetDailySpend(ctx, "agent-1")
	assert.True(t, v.Equal(decimal.NewFromInt(40)))

	clock.Advance(time.Second)
	v, _ = acc.GetDailySpend(ctx, "agent-1")
	assert.True(t, v.IsZero())
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.Local), src.since[len(src.since)-1])
}

func TestInvalidateDuringAggregation_DoesNotCacheStaleSum(t *testing.T) {
	src := newFakeSource()
	src.set("agent-1", "10")
	acc := NewAccumulator(src)
	ctx := context.Background()

	src.during = func() { acc.Invalidate("agent-1") }
	v, err := acc.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 0, acc.Len())

	src.mu.Lock()
	src.during = nil
	src.mu.Unlock()
	_, _ = acc.GetDailySpend(ctx, "agent-1")
	assert.Equal(t, 2, src.callCount())
	assert.Equal(t, 1, acc.Len())
}

func TestWithTTLAndCacheCounter(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_spend_cache"}, []string{"result"})
	src := newFakeSource()
	clock := newClock()
	acc := NewAccumulator(src, WithClock(clock.Now), WithTTL(time.Minute), WithCacheCounter(counter))
	ctx := context.Background()

	assert.Equal(t, time.Minute, acc.TTL())

	_, _ = acc.GetDailySpend(ctx, "a")
	clock.Advance(30 * time.Second)
	_, _ = acc.GetDailySpend(ctx, "a")

	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("hit")))
}

func TestStartOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	got := StartOfDay(time.Date(2025, 12, 31, 1, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2025, 12, 31, 0, 0, 0, 0, loc), got)
}

func TestWithZeroTTL_DisablesCache(t *testing.T) {
	src := newFakeSource()
	src.set("agent-1", "5")
	acc := NewAccumulator(src, WithTTL(0))
	ctx := context.Background()

	_, _ = acc.GetDailySpend(ctx, "agent-1")
	src.set("agent-1", "8")
	v, err := acc.GetDailySpend(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "8", v.String())
	assert.Equal(t, 2, src.callCount())
	assert.Equal(t, 0, acc.Len())
	assert.Equal(t, time.Duration(0), acc.TTL())
}

func TestInvalidate_KeepsNoPerAgentState(t *testing.T) {
	src := newFakeSource()
	acc := NewAccumulator(src)

	for i := 0; i < 1000; i++ {
		acc.Invalidate(fmt.Sprintf("agent-%d", i))
	}
	assert.Equal(t, 0, acc.Len())
	assert.Equal(t, uint64(1000), acc.gen)

	// после инвалидаций кэш снова работает
	_, _ = acc.GetDailySpend(context.Background(), "agent-1")
	_, _ = acc.GetDailySpend(context.Background(), "agent-1")
	assert.Equal(t, 1, src.callCount())
}
