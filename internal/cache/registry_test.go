package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"github.com/zoobzio/clockz"
)

func TestRegistryRegisterLookup(t *testing.T) {
	r := NewRegistry()
	c := New(0)

	require.NoError(t, r.Register("a", c))
	assert.Error(t, r.Register("a", New(0)), "duplicate names are rejected")
	assert.Error(t, r.Register("nil", nil))

	got, ok := r.Lookup("a")
	assert.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.CacheHandle("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a"}, r.Names())
}

func TestRegistryFeedsCensus(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := NewRegistry()
	host := NewHostCaches(time.Minute, clock)
	require.NoError(t, host.Register(r))

	host.RecordKey("fp-1")
	host.RecordKey("fp-2")
	host.Router.SetWithTTL("trace", "svc", 0)

	report, err := diagnostics.NewCacheCensus(r, nil).GetCacheCensus()
	require.NoError(t, err)
	assert.Equal(t, diagnostics.CensusReport{
		{Key: "num_items_in_user_api_key_cache", Size: 4},
		{Key: "num_items_in_llm_router_cache", Size: 1},
		{Key: "num_items_in_proxy_logging_obj_cache", Size: 0},
	}, report)
}

func TestRegistryCensusBeforeInit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(UserAPIKeyCache, New(0)))

	_, err := diagnostics.NewCacheCensus(r, nil).GetCacheCensus()
	var notInit *diagnostics.CacheNotInitializedError
	require.True(t, errors.As(err, &notInit))
	assert.Equal(t, RouterCache, notInit.Name)
}

func TestRegistrySweepAll(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := NewRegistry()
	a := NewWithClock(time.Second, clock)
	b := NewWithClock(time.Hour, clock)
	require.NoError(t, r.Register("a", a))
	require.NoError(t, r.Register("b", b))

	a.Set("x", 1)
	a.Set("y", 2)
	b.Set("z", 3)
	clock.Advance(time.Minute)

	assert.Equal(t, map[string]int{"a": 2, "b": 0}, r.SweepAll())
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 1, b.Len())
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.RunSweeper(ctx, 10*time.Millisecond, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
