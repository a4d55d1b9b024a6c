package delayindex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog/log"

	"tidbyt.dev/rtfeed/model"
)

const (
	DefaultObservationBuffer = 64
	observationWriteTimeout  = 10 * time.Second
)

type ObservationWriter interface {
	WriteDelayObservations(ctx context.Context, obs []model.DelayObservation) error
}

// Persists delay observations in the background. Record never
// blocks: batches are dropped when the buffer is full, and write
// errors are logged and discarded.
type ObservationRecorder struct {
	writer  ObservationWriter
	batches chan []model.DelayObservation
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

func NewObservationRecorder(writer ObservationWriter, bufferSize int) *ObservationRecorder {
	if bufferSize <= 0 {
		bufferSize = DefaultObservationBuffer
	}
	r := &ObservationRecorder{
		writer:  writer,
		batches: make(chan []model.DelayObservation, bufferSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *ObservationRecorder) run() {
	defer close(r.done)
	for batch := range r.batches {
		ctx, cancel := context.WithTimeout(context.Background(), observationWriteTimeout)
		err := r.writer.WriteDelayObservations(ctx, batch)
		cancel()
		if err != nil {
			r.failed.Add(uint64(len(batch)))
			log.Warn().Err(err).Int("observations", len(batch)).Msg("writing delay observations")
			continue
		}
		r.written.Add(uint64(len(batch)))
	}
}

// Queues a batch. Returns false if it was dropped.
func (r *ObservationRecorder) Record(batch []model.DelayObservation) bool {
	if len(batch) == 0 {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(uint64(len(batch)))
		return false
	}

	select {
	case r.batches <- batch:
		return true
	default:
		r.dropped.Add(uint64(len(batch)))
		return false
	}
}

// Counters are in observations, not batches.
func (r *ObservationRecorder) Dropped() uint64 { return r.dropped.Load() }
func (r *ObservationRecorder) Written() uint64 { return r.written.Load() }
func (r *ObservationRecorder) Failed() uint64  { return r.failed.Load() }

// Stops accepting batches and waits for queued ones to be written.
func (r *ObservationRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.batches)
	}
	r.mu.Unlock()
	<-r.done
}

// Extracts (trip, stop, delay) triples from the feed's trip updates.
func Observations(feed *gtfsproto.FeedMessage, observedAt time.Time) []model.DelayObservation {
	obs := []model.DelayObservation{}
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		trip := tu.GetTrip()
		if tu == nil || trip.GetTripId() == "" {
			continue
		}
		rel := model.ParseTripRelationship(trip.GetScheduleRelationship().String())
		if rel == model.TripCanceled || rel == model.TripDeleted {
			continue
		}

		for _, stu := range tu.GetStopTimeUpdate() {
			event := stu.GetDeparture()
			if event == nil {
				event = stu.GetArrival()
			}
			if event == nil || event.Delay == nil {
				continue
			}

			seq := NoSeq
			if stu.StopSequence != nil {
				seq = int64(stu.GetStopSequence())
			}

			obs = append(obs, model.DelayObservation{
				TripID:        trip.GetTripId(),
				StartDate:     trip.GetStartDate(),
				StopID:        stu.GetStopId(),
				StopSequence:  seq,
				DelaySeconds:  event.GetDelay(),
				DepartureTime: event.GetTime(),
				ObservedAt:    observedAt,
			})
		}
	}
	return obs
}

// Wraps Build with the clock, stop aliases and observation
// recording.
type Builder struct {
	Resolver Resolver
	Recorder *ObservationRecorder
	TimeNow  func() time.Time
}

func NewBuilder(resolver Resolver, recorder *ObservationRecorder) *Builder {
	return &Builder{
		Resolver: resolver,
		Recorder: recorder,
		TimeNow:  time.Now,
	}
}

func (b *Builder) Build(feed *gtfsproto.FeedMessage) *Index {
	now := b.TimeNow()

	idx := Build(feed, BuildOptions{
		NowMs:    now.UnixMilli(),
		Resolver: b.Resolver,
	})

	if b.Recorder != nil && feed != nil {
		b.Recorder.Record(Observations(feed, now.UTC()))
	}

	return idx
}
