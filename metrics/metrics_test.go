package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.ObservePoll("trip-updates", "updated", 20*time.Millisecond)
	c.ObservePoll("trip-updates", "updated", 30*time.Millisecond)
	c.ObservePoll("trip-updates", "write_skipped_by_lock", time.Millisecond)
	c.SetLockSkipStreak("trip-updates", 3)
	c.ObserveCacheRead("trip-updates", "memory", true)
	c.ObserveScoped("applied", "memory", time.Millisecond)
	c.ObserveIndexRefresh("rebuild", 42)

	dropped := 0.0
	c.CounterFunc("rtfeed_observations_dropped_total", "Dropped observation batches.", func() float64 { return dropped })
	dropped = 7

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Polls.WithLabelValues("trip-updates", "updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Polls.WithLabelValues("trip-updates", "write_skipped_by_lock")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.LockSkipStreak.WithLabelValues("trip-updates")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheReads.WithLabelValues("trip-updates", "memory", "true")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.IndexEntries))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rtfeed_polls_total{feed="trip-updates",outcome="updated"} 2`)
	assert.Contains(t, string(body), `rtfeed_scoped_requests_total{reason="applied",source="memory"} 1`)
	assert.Contains(t, string(body), `rtfeed_observations_dropped_total 7`)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObservePoll("k", "error", time.Second)
	c.SetLockSkipStreak("k", 1)
	c.SetContentAge("k", time.Second)
	c.ObserveCacheRead("k", "store", false)
	c.IncDecodeError("k")
	c.ObserveIndexRefresh("evict", 0)
	c.ObserveScoped("guard_tripped", "memory", time.Second)
	c.IncRestart("poller")
	c.CounterFunc("x", "y", func() float64 { return 0 })
}
