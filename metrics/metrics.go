package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for the pipeline. A nil *Collector is valid
// and records nothing.
type Collector struct {
	reg *prometheus.Registry

	Polls            *prometheus.CounterVec // feed, outcome
	PollDuration     *prometheus.HistogramVec
	LockSkipStreak   *prometheus.GaugeVec
	ContentAge       *prometheus.GaugeVec
	CacheReads       *prometheus.CounterVec // feed, source, hit
	DecodeErrors     *prometheus.CounterVec
	IndexRefreshes   *prometheus.CounterVec // kind: rebuild|evict
	IndexEntries     prometheus.Gauge
	ScopedRequests   *prometheus.CounterVec // reason, source
	ScopedDuration   prometheus.Histogram
	SupervisorStarts *prometheus.CounterVec // name
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtfeed_polls_total",
			Help: "Poll cycles by outcome.",
		}, []string{"feed", "outcome"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtfeed_poll_duration_seconds",
			Help:    "Duration of a poll cycle, fetch and write included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"feed"}),
		LockSkipStreak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtfeed_lock_skip_streak",
			Help: "Consecutive writes skipped because another poller held the lock.",
		}, []string{"feed"}),
		ContentAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtfeed_content_age_seconds",
			Help: "Age of the stored feed payload as last seen by this process.",
		}, []string{"feed"}),
		CacheReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtfeed_cache_reads_total",
			Help: "Decoded feed cache reads.",
		}, []string{"feed", "source", "hit"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtfeed_decode_errors_total",
			Help: "Payloads that failed to decode.",
		}, []string{"feed"}),
		IndexRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtfeed_index_refreshes_total",
			Help: "Merged delay index refreshes.",
		}, []string{"kind"}),
		IndexEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtfeed_index_entries",
			Help: "Keyed entries in the merged delay index.",
		}),
		ScopedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtfeed_scoped_requests_total",
			Help: "Scoped retrievals by reason and source.",
		}, []string{"reason", "source"}),
		ScopedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtfeed_scoped_duration_seconds",
			Help:    "Duration of scoped retrievals.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		SupervisorStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtfeed_supervisor_restarts_total",
			Help: "Restarts of supervised loops.",
		}, []string{"name"}),
	}

	reg.MustRegister(
		c.Polls, c.PollDuration, c.LockSkipStreak, c.ContentAge,
		c.CacheReads, c.DecodeErrors,
		c.IndexRefreshes, c.IndexEntries,
		c.ScopedRequests, c.ScopedDuration,
		c.SupervisorStarts,
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Registers a counter read from fn at scrape time.
func (c *Collector) CounterFunc(name string, help string, fn func() float64) {
	if c == nil {
		return
	}
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn))
}

func (c *Collector) ObservePoll(feed string, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Polls.WithLabelValues(feed, outcome).Inc()
	c.PollDuration.WithLabelValues(feed).Observe(d.Seconds())
}

func (c *Collector) SetLockSkipStreak(feed string, streak int) {
	if c == nil {
		return
	}
	c.LockSkipStreak.WithLabelValues(feed).Set(float64(streak))
}

func (c *Collector) SetContentAge(feed string, age time.Duration) {
	if c == nil {
		return
	}
	c.ContentAge.WithLabelValues(feed).Set(age.Seconds())
}

func (c *Collector) ObserveCacheRead(feed string, source string, hit bool) {
	if c == nil {
		return
	}
	c.CacheReads.WithLabelValues(feed, source, strconv.FormatBool(hit)).Inc()
}

func (c *Collector) IncDecodeError(feed string) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(feed).Inc()
}

func (c *Collector) ObserveIndexRefresh(kind string, entries int) {
	if c == nil {
		return
	}
	c.IndexRefreshes.WithLabelValues(kind).Inc()
	c.IndexEntries.Set(float64(entries))
}

func (c *Collector) ObserveScoped(reason string, source string, d time.Duration) {
	if c == nil {
		return
	}
	c.ScopedRequests.WithLabelValues(reason, source).Inc()
	c.ScopedDuration.Observe(d.Seconds())
}

func (c *Collector) IncRestart(name string) {
	if c == nil {
		return
	}
	c.SupervisorStarts.WithLabelValues(name).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serves /metrics on addr in the background.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
