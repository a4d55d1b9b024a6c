package delayindex

import (
	"sort"
	"sync"

	"tidbyt.dev/rtfeed/model"
)

// The delay index is built from one decoded trip-updates snapshot
// and keyed for lookups by (trip, stop, sequence, start date). Every
// stop is stored under all of its id variants, with and without the
// stop sequence, so that a lookup using the static schedule's ids
// finds an entry even when the feed identifies the stop differently.
//
// Indexes are never mutated after Build or Merge returns them.

// Marks a key without stop sequence.
const NoSeq int64 = -1

type Key struct {
	TripID    string
	StopID    string
	Seq       int64
	StartDate string
}

type TripDate struct {
	TripID    string
	StartDate string
}

type DelayEntry struct {
	DelaySeconds   int32
	DepartureEpoch int64 // 0 when unknown
	StartDate      string
	LastSeenAtMs   int64
}

// Non-SCHEDULED stop time relationship.
type StopStatus struct {
	Relationship   model.StopRelationship
	DepartureEpoch int64
	LastSeenAtMs   int64
}

// Skipped stop summary for a trip. Stops after MinSkippedSeq may be
// suppressed, depending on the consumer.
type TripFlags struct {
	HasSuppressedStop bool
	MinSkippedSeq     int64
	MaxSkippedSeq     int64
	LastSeenAtMs      int64
}

// Start dates (possibly "") a trip was canceled on, mapped to when
// the cancellation was last seen.
type CancelledTrip struct {
	StartDates map[string]int64
}

type AddedKey struct {
	TripID         string
	StopID         string
	Seq            int64
	DepartureEpoch int64
}

// A departure of an ADDED trip, which has no counterpart in the
// static schedule.
type AddedStopUpdate struct {
	TripID         string
	RouteID        string
	StartDate      string
	StopID         string
	Seq            int64
	DepartureEpoch int64
	DelaySeconds   int32
	LastSeenAtMs   int64
}

type Index struct {
	Delays              map[Key]DelayEntry
	StopStatuses        map[Key]StopStatus
	TripFlagsByTripID   map[string]TripFlags
	TripFlagsByTripDate map[TripDate]TripFlags
	CancelledTrips      map[string]CancelledTrip
	AddedTrips          map[AddedKey]AddedStopUpdate
	EntityCount         int
	FeedTimestamp       int64
	BuiltAtMs           int64

	resolver Resolver

	// Entries by (trip, stop, seq) across start dates, for lookups
	// without a start date. Built on first use.
	undatedOnce     sync.Once
	undatedDelays   map[undatedKey]DelayEntry
	undatedStatuses map[undatedKey]datedStatus
}

type undatedKey struct {
	TripID string
	StopID string
	Seq    int64
}

type datedStatus struct {
	StopStatus
	StartDate string
}

func NewIndex() *Index {
	return &Index{
		Delays:              map[Key]DelayEntry{},
		StopStatuses:        map[Key]StopStatus{},
		TripFlagsByTripID:   map[string]TripFlags{},
		TripFlagsByTripDate: map[TripDate]TripFlags{},
		CancelledTrips:      map[string]CancelledTrip{},
		AddedTrips:          map[AddedKey]AddedStopUpdate{},
	}
}

// Total number of keyed entries.
func (idx *Index) Size() int {
	if idx == nil {
		return 0
	}
	n := len(idx.Delays) + len(idx.StopStatuses) + len(idx.TripFlagsByTripID) + len(idx.TripFlagsByTripDate) + len(idx.AddedTrips)
	for _, ct := range idx.CancelledTrips {
		n += len(ct.StartDates)
	}
	return n
}

// Lookup keys for a stop, most specific first. Undated keys are
// tried after dated ones, since feeds don't always carry start_date.
func (idx *Index) lookupKeys(tripID string, stopID string, seq int64, startDate string) []Key {
	dates := []string{startDate}
	if startDate != "" {
		dates = append(dates, "")
	}

	keys := []Key{}
	for _, date := range dates {
		for _, variant := range Variants(stopID, idx.resolver) {
			if seq != NoSeq {
				keys = append(keys, Key{TripID: tripID, StopID: variant, Seq: seq, StartDate: date})
			}
			keys = append(keys, Key{TripID: tripID, StopID: variant, Seq: NoSeq, StartDate: date})
		}
	}
	return keys
}

// Finds the delay entry for a trip's stop. Pass NoSeq when the stop
// sequence is unknown and "" when the start date is. An undated
// lookup matches an entry of any start date, the one with the latest
// departure when there are several.
func (idx *Index) GetDelayForStop(tripID string, stopID string, seq int64, startDate string) (DelayEntry, bool) {
	if idx == nil {
		return DelayEntry{}, false
	}
	for _, key := range idx.lookupKeys(tripID, stopID, seq, startDate) {
		if e, found := idx.Delays[key]; found {
			return e, true
		}
	}
	if startDate == "" {
		idx.buildUndated()
		for _, key := range idx.lookupKeys(tripID, stopID, seq, "") {
			if e, found := idx.undatedDelays[undatedKey{key.TripID, key.StopID, key.Seq}]; found {
				return e, true
			}
		}
	}
	return DelayEntry{}, false
}

func (idx *Index) GetStopStatus(tripID string, stopID string, seq int64, startDate string) (StopStatus, bool) {
	if idx == nil {
		return StopStatus{}, false
	}
	for _, key := range idx.lookupKeys(tripID, stopID, seq, startDate) {
		if s, found := idx.StopStatuses[key]; found {
			return s, true
		}
	}
	if startDate == "" {
		idx.buildUndated()
		for _, key := range idx.lookupKeys(tripID, stopID, seq, "") {
			if s, found := idx.undatedStatuses[undatedKey{key.TripID, key.StopID, key.Seq}]; found {
				return s.StopStatus, true
			}
		}
	}
	return StopStatus{}, false
}

// True if the trip is canceled on the start date. An empty start
// date matches a cancellation on any date, and an undated
// cancellation matches every date.
func (idx *Index) IsCancelled(tripID string, startDate string) bool {
	if idx == nil {
		return false
	}
	ct, found := idx.CancelledTrips[tripID]
	if !found {
		return false
	}
	if startDate == "" {
		return len(ct.StartDates) > 0
	}
	if _, found := ct.StartDates[startDate]; found {
		return true
	}
	_, found = ct.StartDates[""]
	return found
}

func (idx *Index) TripFlagsFor(tripID string, startDate string) (TripFlags, bool) {
	if idx == nil {
		return TripFlags{}, false
	}
	if startDate != "" {
		if f, found := idx.TripFlagsByTripDate[TripDate{tripID, startDate}]; found {
			return f, true
		}
	}
	f, found := idx.TripFlagsByTripID[tripID]
	return f, found
}

func (idx *Index) CancelledTripIDs() []string {
	if idx == nil {
		return nil
	}
	ids := make([]string, 0, len(idx.CancelledTrips))
	for id := range idx.CancelledTrips {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Added trip departures from a stop (any variant) within
// [fromEpoch, toEpoch], ordered by departure.
func (idx *Index) AddedDepartures(stopID string, fromEpoch int64, toEpoch int64) []AddedStopUpdate {
	if idx == nil {
		return nil
	}

	variants := map[string]bool{}
	for _, v := range Variants(stopID, idx.resolver) {
		variants[v] = true
	}

	deps := []AddedStopUpdate{}
	for _, a := range idx.AddedTrips {
		if a.DepartureEpoch < fromEpoch || a.DepartureEpoch > toEpoch {
			continue
		}
		matched := false
		for _, v := range Variants(a.StopID, idx.resolver) {
			if variants[v] {
				matched = true
				break
			}
		}
		if matched {
			deps = append(deps, a)
		}
	}

	sort.Slice(deps, func(i, j int) bool {
		if deps[i].DepartureEpoch != deps[j].DepartureEpoch {
			return deps[i].DepartureEpoch < deps[j].DepartureEpoch
		}
		return deps[i].TripID < deps[j].TripID
	})

	return deps
}

// Collapses dated entries into undated keys. The later departure
// wins, then the more recently seen, then the later start date.
func (idx *Index) buildUndated() {
	idx.undatedOnce.Do(func() {
		idx.undatedDelays = map[undatedKey]DelayEntry{}
		for key, e := range idx.Delays {
			if key.StartDate == "" {
				continue
			}
			uk := undatedKey{key.TripID, key.StopID, key.Seq}
			prev, found := idx.undatedDelays[uk]
			if !found || laterDated(e.DepartureEpoch, e.LastSeenAtMs, e.StartDate, prev.DepartureEpoch, prev.LastSeenAtMs, prev.StartDate) {
				idx.undatedDelays[uk] = e
			}
		}

		idx.undatedStatuses = map[undatedKey]datedStatus{}
		for key, st := range idx.StopStatuses {
			if key.StartDate == "" {
				continue
			}
			uk := undatedKey{key.TripID, key.StopID, key.Seq}
			prev, found := idx.undatedStatuses[uk]
			if !found || laterDated(st.DepartureEpoch, st.LastSeenAtMs, key.StartDate, prev.DepartureEpoch, prev.LastSeenAtMs, prev.StartDate) {
				idx.undatedStatuses[uk] = datedStatus{StopStatus: st, StartDate: key.StartDate}
			}
		}
	})
}

func laterDated(dep int64, seen int64, date string, prevDep int64, prevSeen int64, prevDate string) bool {
	if dep != prevDep {
		return dep > prevDep
	}
	if seen != prevSeen {
		return seen > prevSeen
	}
	return date > prevDate
}
