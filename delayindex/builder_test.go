package delayindex_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/rtfeed/delayindex"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/testutil"
)

type fakeObservationWriter struct {
	mutex   sync.Mutex
	block   chan struct{}
	err     error
	written []model.DelayObservation
}

func (w *fakeObservationWriter) WriteDelayObservations(ctx context.Context, obs []model.DelayObservation) error {
	if w.block != nil {
		<-w.block
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, obs...)
	return nil
}

func TestBuilderRecordsObservations(t *testing.T) {
	w := &fakeObservationWriter{}
	recorder := delayindex.NewObservationRecorder(w, 4)

	b := delayindex.NewBuilder(nil, recorder)
	b.TimeNow = func() time.Time { return now }

	idx := b.Build(testutil.BuildFeed(t, []testutil.TripUpdate{
		{TripID: "T1", StartDate: "20240601", StopUpdates: []testutil.StopUpdate{
			stopDeparture("S1", 1, 60, now.Add(time.Minute)),
			{StopID: "S2", StopSequence: 2, SchedRel: "SKIPPED"},
			{StopID: "S3", ArrivalSet: true, ArrivalDelay: 90, ArrivalTime: now.Add(3 * time.Minute)},
		}},
		{TripID: "T2", SchedRel: "CANCELED", StopUpdates: []testutil.StopUpdate{
			stopDeparture("S1", 1, 60, now.Add(time.Minute)),
		}},
	}))
	assert.Equal(t, now.UnixMilli(), idx.BuiltAtMs)
	assert.Equal(t, 2, idx.EntityCount)

	recorder.Close()

	assert.Equal(t, []model.DelayObservation{
		{
			TripID:        "T1",
			StartDate:     "20240601",
			StopID:        "S1",
			StopSequence:  1,
			DelaySeconds:  60,
			DepartureTime: now.Add(time.Minute).Unix(),
			ObservedAt:    now,
		},
		{
			TripID:        "T1",
			StartDate:     "20240601",
			StopID:        "S3",
			StopSequence:  -1,
			DelaySeconds:  90,
			DepartureTime: now.Add(3 * time.Minute).Unix(),
			ObservedAt:    now,
		},
	}, w.written)
	assert.Equal(t, uint64(2), recorder.Written())
}

func TestObservationRecorderDropsWhenFull(t *testing.T) {
	w := &fakeObservationWriter{block: make(chan struct{})}
	recorder := delayindex.NewObservationRecorder(w, 1)

	batch := []model.DelayObservation{{TripID: "T1"}}

	// The first batch may be picked up by the writer right away,
	// where it blocks. Eventually the buffer fills.
	queued := 0
	for i := 0; i < 10; i++ {
		if recorder.Record(batch) {
			queued++
		}
	}
	assert.LessOrEqual(t, queued, 2)
	assert.Equal(t, uint64(10-queued), recorder.Dropped())

	close(w.block)
	recorder.Close()
	assert.Equal(t, uint64(queued), recorder.Written())

	// Closed recorders drop everything
	assert.False(t, recorder.Record(batch))
}

func TestObservationRecorderWriteErrors(t *testing.T) {
	w := &fakeObservationWriter{err: errors.New("database is down")}
	recorder := delayindex.NewObservationRecorder(w, 4)

	require.True(t, recorder.Record([]model.DelayObservation{{TripID: "T1"}}))
	recorder.Close()

	assert.Equal(t, uint64(1), recorder.Failed())
	assert.Equal(t, uint64(0), recorder.Written())
}

func TestObservationRecorderCountsObservations(t *testing.T) {
	w := &fakeObservationWriter{block: make(chan struct{})}
	recorder := delayindex.NewObservationRecorder(w, 1)

	batch := []model.DelayObservation{{TripID: "T1"}, {TripID: "T2"}, {TripID: "T3"}}

	queued := 0
	for i := 0; i < 5; i++ {
		if recorder.Record(batch) {
			queued++
		}
	}
	assert.Equal(t, uint64(3*(5-queued)), recorder.Dropped())

	close(w.block)
	recorder.Close()
	assert.Equal(t, uint64(3*queued), recorder.Written())
	assert.Equal(t, 3*queued, len(w.written))

	failing := delayindex.NewObservationRecorder(&fakeObservationWriter{err: errors.New("database is down")}, 4)
	require.True(t, failing.Record(batch))
	failing.Close()
	assert.Equal(t, uint64(3), failing.Failed())
}
