package rtfeed_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/rtfeed"
	"tidbyt.dev/rtfeed/downloader"
	"tidbyt.dev/rtfeed/heartbeat"
	"tidbyt.dev/rtfeed/metrics"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/storage"
	"tidbyt.dev/rtfeed/testutil"
)

// Manually advanced clock.
type fakeClock struct {
	mutex sync.Mutex
	t     time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mutex      sync.Mutex
	heartbeats []heartbeat.Heartbeat
	err        error
}

func (s *recordingSink) Emit(_ context.Context, hb heartbeat.Heartbeat) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.heartbeats = append(s.heartbeats, hb)
	return s.err
}

func (s *recordingSink) All() []heartbeat.Heartbeat {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]heartbeat.Heartbeat(nil), s.heartbeats...)
}

// Counts snapshot writes, and can be told to fail reads.
type countingStorage struct {
	storage.Storage

	mutex     sync.Mutex
	snapshots int
	upserts   int
	metaErr   error
}

func (s *countingStorage) GetMeta(ctx context.Context, feedKey string) (*storage.FeedMeta, error) {
	s.mutex.Lock()
	err := s.metaErr
	s.mutex.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Storage.GetMeta(ctx, feedKey)
}

func (s *countingStorage) WriteSnapshot(ctx context.Context, u storage.FeedUpsert, rows *model.Rows, opts storage.WriteOptions) (storage.WriteResult, error) {
	s.mutex.Lock()
	s.snapshots++
	s.mutex.Unlock()
	return s.Storage.WriteSnapshot(ctx, u, rows, opts)
}

func (s *countingStorage) UpsertFeed(ctx context.Context, u storage.FeedUpsert) (storage.WriteResult, error) {
	s.mutex.Lock()
	s.upserts++
	s.mutex.Unlock()
	return s.Storage.UpsertFeed(ctx, u)
}

func (s *countingStorage) Snapshots() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.snapshots
}

func (s *countingStorage) Upserts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.upserts
}

type pollerFixture struct {
	clock   *fakeClock
	store   *countingStorage
	fetcher *downloader.MemoryFetcher
	sink    *recordingSink
	metrics *metrics.Collector
	poller  *rtfeed.Poller
}

func newPollerFixture(t *testing.T, cfg rtfeed.PollerConfig, opts ...storage.Option) *pollerFixture {
	clock := newFakeClock(testutil.FeedTime)

	f := &pollerFixture{
		clock:   clock,
		store:   &countingStorage{Storage: storage.NewMemoryStorage(opts...)},
		fetcher: downloader.NewMemoryFetcher(),
		sink:    &recordingSink{},
		metrics: metrics.NewCollector(),
	}
	f.fetcher.TimeNow = clock.Now

	if cfg.FeedKey == "" {
		cfg.FeedKey = model.FeedKeyTripUpdates
	}
	if cfg.URL == "" {
		cfg.URL = "http://upstream/trip-updates"
	}
	if cfg.Token == "" {
		cfg.Token = "token"
	}

	f.poller = rtfeed.NewPoller(
		cfg,
		f.store,
		f.fetcher,
		rtfeed.WithHeartbeat(f.sink),
		rtfeed.WithPollerMetrics(f.metrics),
		rtfeed.WithPollerClock(clock.Now),
	)

	return f
}

func tripUpdatesFeed(t *testing.T, delay int32) []byte {
	return testutil.BuildFeedBytes(t, []testutil.TripUpdate{
		{
			TripID:    "T1",
			StartDate: "20240601",
			StopUpdates: []testutil.StopUpdate{
				{StopID: "S1", StopSequence: 1, DepartureSet: true, DepartureDelay: delay},
				{StopID: "S2", StopSequence: 2, DepartureSet: true, DepartureDelay: delay},
			},
		},
	})
}

func TestPollerUpdated(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{Interval: 15 * time.Second})
	ctx := context.Background()

	payload := tripUpdatesFeed(t, 60)
	f.fetcher.PushOK(payload, `"v1"`)

	outcome := f.poller.PollOnce(ctx)
	require.NoError(t, outcome.Err)
	assert.Equal(t, rtfeed.OutcomeUpdated, outcome.Kind)
	assert.Equal(t, model.FeedKeyTripUpdates, outcome.FeedKey)
	assert.Equal(t, http.StatusOK, outcome.HTTPStatus)
	assert.Equal(t, 15*time.Second, outcome.Wait)
	assert.Equal(t, 1, outcome.Entities)
	assert.Equal(t, 3, outcome.RowsWritten)
	assert.True(t, outcome.Wrote)

	// Request carried the token, but no ETag since nothing was
	// stored yet
	reqs := f.fetcher.Requests()
	require.Equal(t, 1, len(reqs))
	assert.Equal(t, "token", reqs[0].Token)
	assert.Equal(t, "", reqs[0].ETag)

	record, err := f.store.Get(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, payload, record.Payload)
	assert.Equal(t, `"v1"`, record.ETag)
	assert.Equal(t, http.StatusOK, record.LastStatus)
	assert.Equal(t, "", record.LastError)
	assert.Equal(t, outcome.Fingerprint, record.Fingerprint)
	assert.Equal(t, testutil.FeedTime, record.FetchedAt)

	rows, err := f.store.ScopedRows(ctx, storage.RowFilter{FeedKey: model.FeedKeyTripUpdates, TripIDs: []string{"T1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, len(rows.Trips))
	assert.Equal(t, 2, len(rows.StopTimes))

	hbs := f.sink.All()
	require.Equal(t, 1, len(hbs))
	assert.Equal(t, heartbeat.StatusOK, hbs[0].Status)
	assert.Equal(t, "updated", hbs[0].Outcome)
	assert.Equal(t, 1, hbs[0].Entities)
	assert.Equal(t, model.FeedKeyTripUpdates, hbs[0].FeedKey)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.Polls.WithLabelValues(model.FeedKeyTripUpdates, "updated")))

	// Next poll is conditional
	f.fetcher.PushStatus(http.StatusNotModified)
	f.poller.PollOnce(ctx)
	assert.Equal(t, `"v1"`, f.fetcher.Requests()[1].ETag)
}

func TestPollerFingerprintShortCircuit(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{MinWriteInterval: time.Minute})
	ctx := context.Background()

	payload := tripUpdatesFeed(t, 60)

	// Upstream hands out a fresh ETag for identical bytes
	f.fetcher.PushOK(payload, `"a"`)
	f.fetcher.PushOK(payload, `"b"`)
	f.fetcher.PushOK(payload, `"c"`)

	outcome := f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUpdated, outcome.Kind)

	f.clock.Advance(10 * time.Second)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUnchanged, outcome.Kind)
	assert.False(t, outcome.Wrote)
	assert.Equal(t, 1, f.store.Snapshots())
	assert.Equal(t, 0, f.store.Upserts())

	meta, err := f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, meta.ETag)
	assert.Equal(t, testutil.FeedTime, meta.FetchedAt)

	// Past the floor, metadata is refreshed but the payload and
	// rows are left alone
	f.clock.Advance(time.Minute)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUnchanged, outcome.Kind)
	assert.True(t, outcome.Wrote)
	assert.Equal(t, 1, f.store.Snapshots())
	assert.Equal(t, 1, f.store.Upserts())

	record, err := f.store.Get(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, `"c"`, record.ETag)
	assert.Equal(t, testutil.FeedTime.Add(70*time.Second), record.FetchedAt)
	assert.Equal(t, payload, record.Payload)
	assert.Equal(t, outcome.Fingerprint, record.Fingerprint)

	// Only the first write emitted a heartbeat with entities
	hbs := f.sink.All()
	require.Equal(t, 2, len(hbs))
	assert.Equal(t, "updated", hbs[0].Outcome)
	assert.Equal(t, "unchanged", hbs[1].Outcome)

	// Changed content is written right away
	f.fetcher.PushOK(tripUpdatesFeed(t, 120), `"d"`)
	f.clock.Advance(time.Second)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUpdated, outcome.Kind)
	assert.Equal(t, 2, f.store.Snapshots())
}

func TestPollerNotModified(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{MinWriteInterval: time.Minute})
	ctx := context.Background()

	// A 304 before anything was stored writes nothing
	f.fetcher.PushStatus(http.StatusNotModified)
	outcome := f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeNotModified, outcome.Kind)
	assert.False(t, outcome.Wrote)
	_, err := f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	assert.True(t, errors.Is(err, storage.ErrFeedNotFound))

	f.fetcher.PushOK(tripUpdatesFeed(t, 0), `"v1"`)
	f.poller.PollOnce(ctx)

	f.fetcher.PushStatus(http.StatusNotModified)
	f.clock.Advance(30 * time.Second)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeNotModified, outcome.Kind)
	assert.False(t, outcome.Wrote)

	f.fetcher.PushStatus(http.StatusNotModified)
	f.clock.Advance(31 * time.Second)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeNotModified, outcome.Kind)
	assert.True(t, outcome.Wrote)

	meta, err := f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, testutil.FeedTime.Add(61*time.Second), meta.FetchedAt)
	assert.Equal(t, `"v1"`, meta.ETag)
	assert.Equal(t, http.StatusNotModified, meta.LastStatus)
	assert.True(t, meta.HasPayload())
}

func TestPollerRateLimited(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{
		Interval: time.Second,
		Backoff: rtfeed.BackoffPolicy{
			Base:          time.Second,
			Max:           time.Minute,
			RateLimitBase: 10 * time.Second,
			RateLimitMax:  40 * time.Second,
		},
	})
	ctx := context.Background()

	payload := tripUpdatesFeed(t, 0)
	f.fetcher.PushOK(payload, `"v1"`)
	f.poller.PollOnce(ctx)

	for i := 0; i < 5; i++ {
		f.fetcher.PushStatus(http.StatusTooManyRequests)
	}

	// Jitter is 20%, so consecutive waits are ordered until the
	// cap is hit
	waits := []time.Duration{}
	for i := 0; i < 5; i++ {
		outcome := f.poller.PollOnce(ctx)
		assert.Equal(t, rtfeed.OutcomeRateLimited, outcome.Kind)
		assert.Equal(t, rtfeed.ClassRateLimited, outcome.Class)
		assert.Equal(t, http.StatusTooManyRequests, outcome.HTTPStatus)
		waits = append(waits, outcome.Wait)
	}
	assert.GreaterOrEqual(t, waits[0], 8*time.Second)
	assert.LessOrEqual(t, waits[0], 12*time.Second)
	assert.Greater(t, waits[1], waits[0])
	assert.Greater(t, waits[2], waits[1])
	for _, w := range waits {
		assert.LessOrEqual(t, w, 40*time.Second)
	}

	// Retry-After can't push the wait past the cap
	f.fetcher.Push(downloader.Step{Response: &downloader.Response{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 5 * time.Minute,
	}})
	outcome := f.poller.PollOnce(ctx)
	assert.Equal(t, 40*time.Second, outcome.Wait)

	// The error is on record, the payload survives
	record, err := f.store.Get(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, record.LastStatus)
	assert.Equal(t, "upstream returned 429", record.LastError)
	assert.Equal(t, payload, record.Payload)
	assert.Equal(t, `"v1"`, record.ETag)
	assert.Equal(t, testutil.FeedTime, record.FetchedAt)

	hbs := f.sink.All()
	last := hbs[len(hbs)-1]
	assert.Equal(t, heartbeat.StatusError, last.Status)
	assert.Equal(t, "rate_limited", last.Outcome)
}

func TestPollerRetryAfter(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{
		Interval: time.Second,
		Backoff: rtfeed.BackoffPolicy{
			RateLimitBase: 10 * time.Second,
			RateLimitMax:  10 * time.Minute,
		},
	})
	ctx := context.Background()

	// A floor on the backoff
	f.fetcher.Push(downloader.Step{Response: &downloader.Response{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 5 * time.Minute,
	}})
	outcome := f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeRateLimited, outcome.Kind)
	assert.Equal(t, 5*time.Minute, outcome.Wait)

	// But never past the rate limit max
	f.fetcher.Push(downloader.Step{Response: &downloader.Response{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 365 * 24 * time.Hour,
	}})
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeRateLimited, outcome.Kind)
	assert.Equal(t, 10*time.Minute, outcome.Wait)

	// Recovers on the next success
	f.fetcher.PushOK(tripUpdatesFeed(t, 0), `"v1"`)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUpdated, outcome.Kind)
	assert.Equal(t, time.Second, outcome.Wait)
}

func TestPollerErrorClasses(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{
		Interval: time.Millisecond,
		Backoff: rtfeed.BackoffPolicy{
			Base:             time.Second,
			Max:              time.Minute,
			NonTransientBase: 30 * time.Second,
			NonTransientMax:  10 * time.Minute,
		},
	})
	ctx := context.Background()

	// Network failure
	f.fetcher.PushError(errors.New("connection reset by peer"))
	outcome := f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeError, outcome.Kind)
	assert.Equal(t, rtfeed.ClassTransient, outcome.Class)
	assert.Error(t, outcome.Err)
	assert.GreaterOrEqual(t, outcome.Wait, 800*time.Millisecond)
	assert.LessOrEqual(t, outcome.Wait, 1200*time.Millisecond)

	// Upstream 503 is transient too, and the track grows
	f.fetcher.PushStatus(http.StatusServiceUnavailable)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.ClassTransient, outcome.Class)
	assert.GreaterOrEqual(t, outcome.Wait, 1600*time.Millisecond)
	assert.LessOrEqual(t, outcome.Wait, 2400*time.Millisecond)

	// Garbage is non-transient, on its own track
	f.fetcher.PushOK([]byte("<html>oops</html>"), `"x"`)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeError, outcome.Kind)
	assert.Equal(t, rtfeed.ClassNonTransient, outcome.Class)
	var decodeErr *rtfeed.DecodeError
	assert.True(t, errors.As(outcome.Err, &decodeErr))
	assert.GreaterOrEqual(t, outcome.Wait, 24*time.Second)
	assert.LessOrEqual(t, outcome.Wait, 36*time.Second)

	// The error was persisted even though nothing else was ever
	// stored
	meta, err := f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.False(t, meta.HasPayload())
	assert.Contains(t, meta.LastError, "decoding feed")

	// Success resets everything
	f.fetcher.PushOK(tripUpdatesFeed(t, 0), `"ok"`)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUpdated, outcome.Kind)
	assert.Equal(t, time.Millisecond, outcome.Wait)

	f.fetcher.PushError(errors.New("timeout"))
	outcome = f.poller.PollOnce(ctx)
	assert.LessOrEqual(t, outcome.Wait, 1200*time.Millisecond)

	// And the recorded error is cleared by the next success
	f.fetcher.PushOK(tripUpdatesFeed(t, 1), `"ok2"`)
	f.poller.PollOnce(ctx)
	meta, err = f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, "", meta.LastError)
	assert.Equal(t, http.StatusOK, meta.LastStatus)
}

func TestPollerErrorBypassesWriteFloor(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{MinWriteInterval: time.Hour})
	ctx := context.Background()

	payload := tripUpdatesFeed(t, 0)
	f.fetcher.PushOK(payload, `"v1"`)
	f.fetcher.PushStatus(http.StatusInternalServerError)
	f.fetcher.PushOK(payload, `"v1"`)

	f.poller.PollOnce(ctx)
	f.poller.PollOnce(ctx)

	meta, err := f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, meta.LastStatus)

	// Same content, well within the floor, but the stored error
	// must not linger
	f.clock.Advance(time.Second)
	outcome := f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUnchanged, outcome.Kind)
	assert.True(t, outcome.Wrote)

	meta, err = f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, meta.LastStatus)
	assert.Equal(t, "", meta.LastError)
}

func TestPollerLockSkip(t *testing.T) {
	locker := storage.NewMemoryLocker()
	f := newPollerFixture(t, rtfeed.PollerConfig{
		Interval:           time.Millisecond,
		LockSkipWarnStreak: 2,
		Backoff: rtfeed.BackoffPolicy{
			Base: time.Second,
			Max:  time.Minute,
		},
	}, storage.WithLocker(locker))
	ctx := context.Background()

	// Build up some transient backoff
	for i := 0; i < 3; i++ {
		f.fetcher.PushError(errors.New("connection refused"))
		f.poller.PollOnce(ctx)
	}

	// Another poller holds the lock
	release, acquired, err := locker.TryAcquire(ctx, storage.LockScope(model.FeedKeyTripUpdates))
	require.NoError(t, err)
	require.True(t, acquired)

	for i := 1; i <= 3; i++ {
		f.fetcher.PushOK(tripUpdatesFeed(t, int32(i)), `"x"`)
		outcome := f.poller.PollOnce(ctx)
		assert.Equal(t, rtfeed.OutcomeWriteSkippedByLock, outcome.Kind)
		assert.NoError(t, outcome.Err)
		assert.Equal(t, time.Millisecond, outcome.Wait)
		assert.Equal(t, float64(i), promtestutil.ToFloat64(f.metrics.LockSkipStreak.WithLabelValues(model.FeedKeyTripUpdates)))
	}
	assert.Equal(t, 3, f.store.Snapshots())
	meta, err := f.store.GetMeta(ctx, model.FeedKeyTripUpdates)
	require.NoError(t, err)
	assert.False(t, meta.HasPayload())

	release()

	// Backoff was reset by the skips
	f.fetcher.PushError(errors.New("connection refused"))
	outcome := f.poller.PollOnce(ctx)
	assert.LessOrEqual(t, outcome.Wait, 1200*time.Millisecond)

	f.fetcher.PushOK(tripUpdatesFeed(t, 9), `"y"`)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUpdated, outcome.Kind)
	assert.Equal(t, 0.0, promtestutil.ToFloat64(f.metrics.LockSkipStreak.WithLabelValues(model.FeedKeyTripUpdates)))
}

func TestPollerAbsorbsStoreAndSinkFailures(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{Interval: time.Second})
	f.sink.err = errors.New("sink down")
	f.store.metaErr = errors.New("database is gone")
	ctx := context.Background()

	outcome := f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeError, outcome.Kind)
	assert.Contains(t, outcome.Err.Error(), "database is gone")
	assert.Equal(t, 0, len(f.fetcher.Requests()))

	f.store.metaErr = nil
	f.fetcher.PushOK(tripUpdatesFeed(t, 0), `"v1"`)
	outcome = f.poller.PollOnce(ctx)
	assert.Equal(t, rtfeed.OutcomeUpdated, outcome.Kind)
	assert.Equal(t, 2, len(f.sink.All()))
}

func TestPollerRetentionPrunesObservations(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{Retention: time.Hour})
	ctx := context.Background()

	require.NoError(t, f.store.WriteDelayObservations(ctx, []model.DelayObservation{
		{TripID: "old", StopID: "S1", ObservedAt: testutil.FeedTime.Add(-2 * time.Hour)},
		{TripID: "new", StopID: "S1", ObservedAt: testutil.FeedTime.Add(-time.Minute)},
	}))

	f.fetcher.PushOK(tripUpdatesFeed(t, 0), `"v1"`)
	f.poller.PollOnce(ctx)

	obs, err := f.store.DelayObservations(ctx, storage.ObservationFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, len(obs))
	assert.Equal(t, "new", obs[0].TripID)
}

func TestPollerRun(t *testing.T) {
	f := newPollerFixture(t, rtfeed.PollerConfig{Interval: time.Minute})
	f.fetcher.RepeatLast = true
	f.fetcher.PushOK(tripUpdatesFeed(t, 0), `"v1"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waits := []time.Duration{}
	f.poller.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := f.poller.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, waits)
	assert.Equal(t, 3, len(f.fetcher.Requests()))
}
