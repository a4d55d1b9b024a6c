package rtfeed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/rtfeed"
	"tidbyt.dev/rtfeed/config"
	"tidbyt.dev/rtfeed/delayindex"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/testutil"
)

type fakeReader struct {
	mutex sync.Mutex
	feed  rtfeed.DecodedFeed
	err   error
	reads int
	gate  chan struct{}
}

func (r *fakeReader) ReadDecoded(ctx context.Context, feedKey string) (rtfeed.DecodedFeed, error) {
	r.mutex.Lock()
	r.reads++
	gate := r.gate
	r.mutex.Unlock()

	if gate != nil {
		<-gate
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.feed, r.err
}

func (r *fakeReader) Set(feed rtfeed.DecodedFeed, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.feed = feed
	r.err = err
}

func (r *fakeReader) Reads() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.reads
}

type countingBuilder struct {
	inner *delayindex.Builder
	mutex sync.Mutex
	count int
}

func (b *countingBuilder) Build(feed *gtfsproto.FeedMessage) *delayindex.Index {
	b.mutex.Lock()
	b.count++
	b.mutex.Unlock()
	return b.inner.Build(feed)
}

func (b *countingBuilder) Count() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.count
}

func decodedTripFeed(t *testing.T, fingerprint string, fetchedAt time.Time, tus ...testutil.TripUpdate) rtfeed.DecodedFeed {
	return rtfeed.DecodedFeed{
		FeedKey:     model.FeedKeyTripUpdates,
		Feed:        testutil.BuildFeed(t, tus),
		FetchedAt:   fetchedAt,
		HasPayload:  true,
		Fingerprint: fingerprint,
	}
}

func delayedTrip(tripID string, stopID string, delay int32, departure time.Time) testutil.TripUpdate {
	return testutil.TripUpdate{
		TripID:    tripID,
		StartDate: "20240601",
		StopUpdates: []testutil.StopUpdate{
			{StopID: stopID, StopSequence: 1, DepartureSet: true, DepartureDelay: delay, DepartureTime: departure},
		},
	}
}

type mergedFixture struct {
	clock   *fakeClock
	reader  *fakeReader
	builder *countingBuilder
	index   *rtfeed.MergedIndex
}

func newMergedFixture(cfg rtfeed.MergedIndexConfig) *mergedFixture {
	clock := newFakeClock(testutil.FeedTime)
	inner := delayindex.NewBuilder(nil, nil)
	inner.TimeNow = clock.Now
	f := &mergedFixture{
		clock:   clock,
		reader:  &fakeReader{},
		builder: &countingBuilder{inner: inner},
	}
	f.index = rtfeed.NewMergedIndex(f.reader, model.FeedKeyTripUpdates, cfg, f.builder, clock.Now)
	return f
}

func TestMergedIndexColdStartAndTTL(t *testing.T) {
	f := newMergedFixture(rtfeed.MergedIndexConfig{TTL: 10 * time.Second})
	ctx := context.Background()

	departure := testutil.FeedTime.Add(10 * time.Minute)
	f.reader.Set(decodedTripFeed(t, "fp1", testutil.FeedTime, delayedTrip("T1", "S1", 60, departure)), nil)

	idx, meta, err := f.index.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.False(t, meta.Stale)
	assert.Equal(t, "fp1", meta.Fingerprint)
	assert.Equal(t, testutil.FeedTime, meta.FetchedAt)
	assert.Equal(t, idx.Size(), meta.Entries)

	entry, found := idx.GetDelayForStop("T1", "S1", 1, "20240601")
	require.True(t, found)
	assert.Equal(t, int32(60), entry.DelaySeconds)
	assert.Equal(t, departure.Unix(), entry.DepartureEpoch)

	// Fresh, so no reads
	f.clock.Advance(5 * time.Second)
	again, _, err := f.index.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, idx, again)
	assert.Equal(t, 1, f.reader.Reads())
	assert.Equal(t, 1, f.builder.Count())
}

func TestMergedIndexStaleWhileRevalidate(t *testing.T) {
	f := newMergedFixture(rtfeed.MergedIndexConfig{TTL: 10 * time.Second})
	ctx := context.Background()

	departure := testutil.FeedTime.Add(10 * time.Minute)
	f.reader.Set(decodedTripFeed(t, "fp1", testutil.FeedTime, delayedTrip("T1", "S1", 60, departure)), nil)
	first, _, err := f.index.Get(ctx)
	require.NoError(t, err)

	// The refresh is held up, stale readers don't wait for it
	gate := make(chan struct{})
	f.reader.mutex.Lock()
	f.reader.gate = gate
	f.reader.mutex.Unlock()
	f.reader.Set(decodedTripFeed(t, "fp2", testutil.FeedTime.Add(15*time.Second), delayedTrip("T1", "S1", 120, departure.Add(time.Minute))), nil)

	f.clock.Advance(15 * time.Second)
	for i := 0; i < 5; i++ {
		stale, meta, err := f.index.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, first, stale)
		assert.True(t, meta.Stale)
	}

	close(gate)

	// Only one refresh ran for all five stale reads
	require.Eventually(t, func() bool {
		idx, _, _ := f.index.Get(ctx)
		return idx != first
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.reader.Reads())

	idx, meta, err := f.index.Get(ctx)
	require.NoError(t, err)
	assert.False(t, meta.Stale)
	assert.Equal(t, "fp2", meta.Fingerprint)
	entry, found := idx.GetDelayForStop("T1", "S1", 1, "20240601")
	require.True(t, found)
	assert.Equal(t, int32(120), entry.DelaySeconds)
}

func TestMergedIndexUnchangedFingerprintOnlyEvicts(t *testing.T) {
	f := newMergedFixture(rtfeed.MergedIndexConfig{
		TTL:            time.Second,
		MaxAge:         5 * time.Minute,
		DepartureGrace: time.Hour,
	})
	ctx := context.Background()

	departure := testutil.FeedTime.Add(2 * time.Hour)
	f.reader.Set(decodedTripFeed(t, "fp1", testutil.FeedTime, delayedTrip("T1", "S1", 60, departure)), nil)
	_, _, err := f.index.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.builder.Count())

	refresh := func() *delayindex.Index {
		_, _, err := f.index.Get(ctx)
		require.NoError(t, err)
		var idx *delayindex.Index
		require.Eventually(t, func() bool {
			var meta rtfeed.IndexMeta
			idx, meta, _ = f.index.Get(ctx)
			return !meta.Stale
		}, 5*time.Second, 5*time.Millisecond)
		return idx
	}

	// Same content a minute later: no rebuild, entry kept
	f.clock.Advance(time.Minute)
	idx := refresh()
	assert.Equal(t, 1, f.builder.Count())
	_, found := idx.GetDelayForStop("T1", "S1", 1, "20240601")
	assert.True(t, found)

	// Content that no longer mentions T1. T1 survives until it
	// ages out.
	f.reader.Set(decodedTripFeed(t, "fp2", testutil.FeedTime.Add(2*time.Minute), delayedTrip("T2", "S1", 30, departure)), nil)
	f.clock.Advance(time.Minute)
	idx = refresh()
	assert.Equal(t, 2, f.builder.Count())
	_, found = idx.GetDelayForStop("T1", "S1", 1, "20240601")
	assert.True(t, found)
	_, found = idx.GetDelayForStop("T2", "S1", 1, "20240601")
	assert.True(t, found)

	f.clock.Advance(4 * time.Minute)
	idx = refresh()
	_, found = idx.GetDelayForStop("T1", "S1", 1, "20240601")
	assert.False(t, found)
	_, found = idx.GetDelayForStop("T2", "S1", 1, "20240601")
	assert.True(t, found)
}

func TestMergedIndexEmptyPollKeepsIndex(t *testing.T) {
	f := newMergedFixture(rtfeed.MergedIndexConfig{TTL: time.Second})
	ctx := context.Background()

	departure := testutil.FeedTime.Add(time.Hour)
	f.reader.Set(decodedTripFeed(t, "fp1", testutil.FeedTime, delayedTrip("T1", "S1", 60, departure)), nil)
	_, _, err := f.index.Get(ctx)
	require.NoError(t, err)

	// Store trouble, then a payload that fails to decode
	for _, step := range []struct {
		feed rtfeed.DecodedFeed
		err  error
	}{
		{rtfeed.DecodedFeed{}, errors.New("store down")},
		{rtfeed.DecodedFeed{HasPayload: true, DecodeError: errors.New("bad bytes"), Fingerprint: "fp-bad"}, nil},
	} {
		f.reader.Set(step.feed, step.err)
		f.clock.Advance(2 * time.Second)

		reads := f.reader.Reads()
		f.index.Get(ctx)
		require.Eventually(t, func() bool {
			_, meta, _ := f.index.Get(ctx)
			return f.reader.Reads() > reads && !meta.Stale
		}, 5*time.Second, 5*time.Millisecond)

		idx, _, err := f.index.Get(ctx)
		require.NoError(t, err)
		_, found := idx.GetDelayForStop("T1", "S1", 1, "20240601")
		assert.True(t, found)
	}
}

func TestMergedIndexColdFailures(t *testing.T) {
	ctx := context.Background()

	// No payload yet is an empty index, not an error
	f := newMergedFixture(rtfeed.MergedIndexConfig{})
	f.reader.Set(rtfeed.DecodedFeed{FeedKey: model.FeedKeyTripUpdates}, nil)
	idx, meta, err := f.index.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Size())
	assert.Equal(t, 0, meta.Entries)

	// A failing read with nothing to serve is
	f = newMergedFixture(rtfeed.MergedIndexConfig{})
	f.reader.Set(rtfeed.DecodedFeed{}, errors.New("store down"))
	idx, _, err = f.index.Get(ctx)
	assert.Error(t, err)
	assert.Nil(t, idx)

	// Callers that give up waiting get their context's error
	f = newMergedFixture(rtfeed.MergedIndexConfig{})
	f.reader.gate = make(chan struct{})
	defer close(f.reader.gate)
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = f.index.Get(cctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMergedIndexDepartureGrace(t *testing.T) {
	assert.Equal(t, rtfeed.DefaultMergeDepartureGrace, config.Default().MergeGrace())

	ctx := context.Background()
	departure := testutil.FeedTime.Add(90 * time.Second)
	later := testutil.FeedTime.Add(time.Hour)

	for _, tc := range []struct {
		grace time.Duration
		kept  bool
	}{
		{0, false},
		{-time.Minute, false},
		{rtfeed.DefaultMergeDepartureGrace, true},
	} {
		f := newMergedFixture(rtfeed.MergedIndexConfig{TTL: time.Second, DepartureGrace: tc.grace})

		f.reader.Set(decodedTripFeed(t, "fp1", testutil.FeedTime, delayedTrip("T1", "S1", 60, departure)), nil)
		idx, _, err := f.index.Get(ctx)
		require.NoError(t, err)
		_, found := idx.GetDelayForStop("T1", "S1", 1, "20240601")
		require.True(t, found)

		// T1 departed 30 seconds before the next refresh
		f.clock.Advance(2 * time.Minute)
		f.reader.Set(decodedTripFeed(t, "fp2", testutil.FeedTime.Add(2*time.Minute), delayedTrip("T2", "S1", 30, later)), nil)
		_, _, err = f.index.Get(ctx)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			var meta rtfeed.IndexMeta
			idx, meta, _ = f.index.Get(ctx)
			return !meta.Stale && meta.Fingerprint == "fp2"
		}, 5*time.Second, 5*time.Millisecond)

		_, found = idx.GetDelayForStop("T1", "S1", 1, "20240601")
		assert.Equal(t, tc.kept, found, "grace %s", tc.grace)
		_, found = idx.GetDelayForStop("T2", "S1", 1, "20240601")
		assert.True(t, found, "grace %s", tc.grace)
	}
}
