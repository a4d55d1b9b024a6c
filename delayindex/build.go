package delayindex

import (
	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"tidbyt.dev/rtfeed/model"
)

type BuildOptions struct {
	// Stamped on every entry as LastSeenAtMs.
	NowMs int64

	// Optional, adds alias variants.
	Resolver Resolver
}

// Builds an index from one decoded feed. Has no side effects.
func Build(feed *gtfsproto.FeedMessage, opts BuildOptions) *Index {
	idx := NewIndex()
	idx.BuiltAtMs = opts.NowMs
	idx.resolver = opts.Resolver

	if feed == nil {
		return idx
	}

	idx.FeedTimestamp = int64(feed.GetHeader().GetTimestamp())

	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil || entity.GetIsDeleted() {
			continue
		}
		idx.EntityCount++
		idx.addTripUpdate(tu, opts.NowMs)
	}

	return idx
}

func (idx *Index) addTripUpdate(tu *gtfsproto.TripUpdate, nowMs int64) {
	trip := tu.GetTrip()
	tripID := trip.GetTripId()
	if tripID == "" {
		return
	}
	startDate := trip.GetStartDate()
	tripRel := model.ParseTripRelationship(trip.GetScheduleRelationship().String())

	// If trip is cancelled, then so are all its stops. The stop
	// time updates are not indexed.
	if tripRel == model.TripCanceled || tripRel == model.TripDeleted {
		ct, found := idx.CancelledTrips[tripID]
		if !found {
			ct = CancelledTrip{StartDates: map[string]int64{}}
			idx.CancelledTrips[tripID] = ct
		}
		ct.StartDates[startDate] = nowMs
		return
	}

	for _, stu := range tu.GetStopTimeUpdate() {
		seq := NoSeq
		if stu.StopSequence != nil {
			seq = int64(stu.GetStopSequence())
		}

		stopRel := model.ParseStopRelationship(stu.GetScheduleRelationship().String())

		stopID := stu.GetStopId()
		if stopID == "" {
			// Sequence only updates can't be keyed without the
			// static schedule, but still flag the trip.
			if stopRel == model.StopSkipped && seq != NoSeq {
				idx.flagSkipped(TripDate{tripID, startDate}, seq, nowMs)
			}
			continue
		}

		// Departure is preferred, but the final stop of a
		// trip typically only has an arrival.
		event := stu.GetDeparture()
		if event == nil {
			event = stu.GetArrival()
		}
		departure := event.GetTime()

		keys := idx.buildKeys(tripID, stopID, seq, startDate)

		if stopRel != model.StopScheduled {
			for _, key := range keys {
				idx.putStopStatus(key, StopStatus{
					Relationship:   stopRel,
					DepartureEpoch: departure,
					LastSeenAtMs:   nowMs,
				})
			}
		}

		if stopRel == model.StopSkipped {
			idx.flagSkipped(TripDate{tripID, startDate}, seq, nowMs)
			continue
		}

		// NO_DATA means the static schedule applies
		if stopRel == model.StopNoData || event == nil {
			continue
		}

		entry := DelayEntry{
			DelaySeconds:   event.GetDelay(),
			DepartureEpoch: departure,
			StartDate:      startDate,
			LastSeenAtMs:   nowMs,
		}
		for _, key := range keys {
			idx.putDelay(key, entry)
		}

		if tripRel == model.TripAdded && departure > 0 {
			ak := AddedKey{TripID: tripID, StopID: stopID, Seq: seq, DepartureEpoch: departure}
			idx.AddedTrips[ak] = AddedStopUpdate{
				TripID:         tripID,
				RouteID:        trip.GetRouteId(),
				StartDate:      startDate,
				StopID:         stopID,
				Seq:            seq,
				DepartureEpoch: departure,
				DelaySeconds:   event.GetDelay(),
				LastSeenAtMs:   nowMs,
			}
		}
	}
}

func (idx *Index) buildKeys(tripID string, stopID string, seq int64, startDate string) []Key {
	keys := []Key{}
	for _, variant := range Variants(stopID, idx.resolver) {
		if seq != NoSeq {
			keys = append(keys, Key{TripID: tripID, StopID: variant, Seq: seq, StartDate: startDate})
		}
		keys = append(keys, Key{TripID: tripID, StopID: variant, Seq: NoSeq, StartDate: startDate})
	}
	return keys
}

// Existing entries are only replaced by strictly newer departures.
func (idx *Index) putDelay(key Key, entry DelayEntry) {
	if prev, found := idx.Delays[key]; found && entry.DepartureEpoch <= prev.DepartureEpoch {
		return
	}
	idx.Delays[key] = entry
}

func (idx *Index) putStopStatus(key Key, status StopStatus) {
	if prev, found := idx.StopStatuses[key]; found && status.DepartureEpoch <= prev.DepartureEpoch {
		return
	}
	idx.StopStatuses[key] = status
}

func (idx *Index) flagSkipped(td TripDate, seq int64, nowMs int64) {
	update := func(f TripFlags, found bool) TripFlags {
		if !found {
			f = TripFlags{MinSkippedSeq: NoSeq, MaxSkippedSeq: NoSeq}
		}
		f.HasSuppressedStop = true
		f.LastSeenAtMs = nowMs
		if seq != NoSeq {
			if f.MinSkippedSeq == NoSeq || seq < f.MinSkippedSeq {
				f.MinSkippedSeq = seq
			}
			if seq > f.MaxSkippedSeq {
				f.MaxSkippedSeq = seq
			}
		}
		return f
	}

	f, found := idx.TripFlagsByTripID[td.TripID]
	idx.TripFlagsByTripID[td.TripID] = update(f, found)

	f, found = idx.TripFlagsByTripDate[td]
	idx.TripFlagsByTripDate[td] = update(f, found)
}
