package delayindex

import "time"

type MergeOptions struct {
	NowMs int64

	// Stamped on previous entries that carry no LastSeenAtMs.
	PrevSeenAtMs int64

	// Entries not seen within MaxAge are evicted.
	MaxAge time.Duration

	// Entries whose departure is more than DepartureGrace in the
	// past are evicted.
	DepartureGrace time.Duration
}

// Accumulates an incoming snapshot into the previous index and
// returns a new index. Neither argument is modified, and the result
// shares no maps with them. A nil incoming index only evicts.
//
// On key collision the entry with the later departure wins. With
// equal (or unknown) departures, the more recently seen entry wins,
// and the previous entry on a full tie.
func Merge(prev *Index, incoming *Index, opts MergeOptions) *Index {
	out := NewIndex()
	out.BuiltAtMs = opts.NowMs

	if prev != nil {
		out.EntityCount = prev.EntityCount
		out.FeedTimestamp = prev.FeedTimestamp
		out.resolver = prev.resolver
	}
	if incoming != nil {
		out.EntityCount = incoming.EntityCount
		if incoming.FeedTimestamp > out.FeedTimestamp {
			out.FeedTimestamp = incoming.FeedTimestamp
		}
		if incoming.resolver != nil {
			out.resolver = incoming.resolver
		}
	}

	stamp := func(seen int64, fallback int64) int64 {
		if seen == 0 {
			return fallback
		}
		return seen
	}

	maxAgeMs := opts.MaxAge.Milliseconds()
	graceMs := opts.DepartureGrace.Milliseconds()
	expired := func(lastSeenMs int64, departureEpoch int64) bool {
		if maxAgeMs > 0 && opts.NowMs-lastSeenMs > maxAgeMs {
			return true
		}
		if departureEpoch > 0 && departureEpoch*1000+graceMs < opts.NowMs {
			return true
		}
		return false
	}

	// Delays
	if prev != nil {
		for k, e := range prev.Delays {
			e.LastSeenAtMs = stamp(e.LastSeenAtMs, opts.PrevSeenAtMs)
			out.Delays[k] = e
		}
	}
	if incoming != nil {
		for k, e := range incoming.Delays {
			e.LastSeenAtMs = stamp(e.LastSeenAtMs, opts.NowMs)
			if p, found := out.Delays[k]; found && !prefer(e.DepartureEpoch, e.LastSeenAtMs, p.DepartureEpoch, p.LastSeenAtMs) {
				continue
			}
			out.Delays[k] = e
		}
	}
	for k, e := range out.Delays {
		if expired(e.LastSeenAtMs, e.DepartureEpoch) {
			delete(out.Delays, k)
		}
	}

	// Stop statuses
	if prev != nil {
		for k, s := range prev.StopStatuses {
			s.LastSeenAtMs = stamp(s.LastSeenAtMs, opts.PrevSeenAtMs)
			out.StopStatuses[k] = s
		}
	}
	if incoming != nil {
		for k, s := range incoming.StopStatuses {
			s.LastSeenAtMs = stamp(s.LastSeenAtMs, opts.NowMs)
			if p, found := out.StopStatuses[k]; found && !prefer(s.DepartureEpoch, s.LastSeenAtMs, p.DepartureEpoch, p.LastSeenAtMs) {
				continue
			}
			out.StopStatuses[k] = s
		}
	}
	for k, s := range out.StopStatuses {
		if expired(s.LastSeenAtMs, s.DepartureEpoch) {
			delete(out.StopStatuses, k)
		}
	}

	// Trip flags carry no departure, so recency decides
	if prev != nil {
		for k, f := range prev.TripFlagsByTripID {
			f.LastSeenAtMs = stamp(f.LastSeenAtMs, opts.PrevSeenAtMs)
			out.TripFlagsByTripID[k] = f
		}
		for k, f := range prev.TripFlagsByTripDate {
			f.LastSeenAtMs = stamp(f.LastSeenAtMs, opts.PrevSeenAtMs)
			out.TripFlagsByTripDate[k] = f
		}
	}
	if incoming != nil {
		for k, f := range incoming.TripFlagsByTripID {
			f.LastSeenAtMs = stamp(f.LastSeenAtMs, opts.NowMs)
			if p, found := out.TripFlagsByTripID[k]; found && !prefer(0, f.LastSeenAtMs, 0, p.LastSeenAtMs) {
				continue
			}
			out.TripFlagsByTripID[k] = f
		}
		for k, f := range incoming.TripFlagsByTripDate {
			f.LastSeenAtMs = stamp(f.LastSeenAtMs, opts.NowMs)
			if p, found := out.TripFlagsByTripDate[k]; found && !prefer(0, f.LastSeenAtMs, 0, p.LastSeenAtMs) {
				continue
			}
			out.TripFlagsByTripDate[k] = f
		}
	}
	for k, f := range out.TripFlagsByTripID {
		if expired(f.LastSeenAtMs, 0) {
			delete(out.TripFlagsByTripID, k)
		}
	}
	for k, f := range out.TripFlagsByTripDate {
		if expired(f.LastSeenAtMs, 0) {
			delete(out.TripFlagsByTripDate, k)
		}
	}

	// Cancellations are unioned per start date
	mergeCancelled := func(src map[string]CancelledTrip, fallback int64) {
		for tripID, ct := range src {
			dst, found := out.CancelledTrips[tripID]
			if !found {
				dst = CancelledTrip{StartDates: make(map[string]int64, len(ct.StartDates))}
				out.CancelledTrips[tripID] = dst
			}
			for date, seen := range ct.StartDates {
				seen = stamp(seen, fallback)
				if seen > dst.StartDates[date] {
					dst.StartDates[date] = seen
				}
			}
		}
	}
	if prev != nil {
		mergeCancelled(prev.CancelledTrips, opts.PrevSeenAtMs)
	}
	if incoming != nil {
		mergeCancelled(incoming.CancelledTrips, opts.NowMs)
	}
	for tripID, ct := range out.CancelledTrips {
		for date, seen := range ct.StartDates {
			if expired(seen, 0) {
				delete(ct.StartDates, date)
			}
		}
		if len(ct.StartDates) == 0 {
			delete(out.CancelledTrips, tripID)
		}
	}

	// Added trips. The key includes the departure, so collisions
	// only differ in recency.
	if prev != nil {
		for k, a := range prev.AddedTrips {
			a.LastSeenAtMs = stamp(a.LastSeenAtMs, opts.PrevSeenAtMs)
			out.AddedTrips[k] = a
		}
	}
	if incoming != nil {
		for k, a := range incoming.AddedTrips {
			a.LastSeenAtMs = stamp(a.LastSeenAtMs, opts.NowMs)
			if p, found := out.AddedTrips[k]; found && !prefer(a.DepartureEpoch, a.LastSeenAtMs, p.DepartureEpoch, p.LastSeenAtMs) {
				continue
			}
			out.AddedTrips[k] = a
		}
	}
	for k, a := range out.AddedTrips {
		if expired(a.LastSeenAtMs, a.DepartureEpoch) {
			delete(out.AddedTrips, k)
		}
	}

	return out
}

// True if the candidate should replace the existing entry.
func prefer(candDeparture int64, candSeen int64, existDeparture int64, existSeen int64) bool {
	if candDeparture != existDeparture {
		return candDeparture > existDeparture
	}
	return candSeen > existSeen
}
