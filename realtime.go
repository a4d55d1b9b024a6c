package rtfeed

import (
	"sort"
	"time"

	"tidbyt.dev/rtfeed/delayindex"
	"tidbyt.dev/rtfeed/model"
)

// A departure from a stop. Scheduled departures come from the static
// schedule, which lives outside this module. Realtime is applied on
// top of them with ApplyRealtime.
type Departure struct {
	StopID       string
	RouteID      string
	TripID       string
	StartDate    string
	StopSequence uint32
	DirectionID  int8
	Time         time.Time
	Headsign     string
	Delay        time.Duration

	// Set when a realtime update was applied.
	Realtime bool

	// Set for departures of ADDED trips, which have no schedule.
	Added bool
}

// Applies the delay index to scheduled departures at a stop.
//
// Departures of cancelled trips, and departures at skipped stops,
// are dropped. NO_DATA falls back to the schedule. Departures of
// added trips serving the stop are included. The result is
// restricted to the window and sorted by time.
//
// Delays are not propagated along a trip: the index only has what
// the feed says about each stop.
func ApplyRealtime(
	idx *delayindex.Index,
	stopID string,
	scheduled []Departure,
	windowStart time.Time,
	windowLength time.Duration,
) []Departure {
	windowEnd := windowStart.Add(windowLength)

	departures := []Departure{}
	for _, dep := range scheduled {
		if idx == nil {
			departures = append(departures, dep)
			continue
		}

		if idx.IsCancelled(dep.TripID, dep.StartDate) {
			continue
		}

		depStop := dep.StopID
		if depStop == "" {
			depStop = stopID
		}
		seq := int64(dep.StopSequence)

		if status, found := idx.GetStopStatus(dep.TripID, depStop, seq, dep.StartDate); found {
			switch status.Relationship {
			case model.StopSkipped:
				continue
			case model.StopNoData:
				departures = append(departures, dep)
				continue
			}
		}

		if entry, found := idx.GetDelayForStop(dep.TripID, depStop, seq, dep.StartDate); found {
			delay := time.Duration(entry.DelaySeconds) * time.Second
			if entry.DepartureEpoch > 0 {
				// An absolute time beats a relative one
				predicted := time.Unix(entry.DepartureEpoch, 0).In(dep.Time.Location())
				delay = predicted.Sub(dep.Time)
				dep.Time = predicted
			} else {
				dep.Time = dep.Time.Add(delay)
			}
			dep.Delay = delay
			dep.Realtime = true
		}

		departures = append(departures, dep)
	}

	if idx != nil {
		for _, added := range idx.AddedDepartures(stopID, windowStart.Unix(), windowEnd.Unix()) {
			departures = append(departures, Departure{
				StopID:       added.StopID,
				RouteID:      added.RouteID,
				TripID:       added.TripID,
				StartDate:    added.StartDate,
				StopSequence: uint32(max(added.Seq, 0)),
				DirectionID:  -1,
				Time:         time.Unix(added.DepartureEpoch, 0).In(windowStart.Location()),
				Delay:        time.Duration(added.DelaySeconds) * time.Second,
				Realtime:     true,
				Added:        true,
			})
		}
	}

	result := []Departure{}
	for _, dep := range departures {
		if dep.Time.Before(windowStart) || dep.Time.After(windowEnd) {
			continue
		}
		result = append(result, dep)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Time.Before(result[j].Time)
	})

	return result
}
