package model

import (
	"strings"
	"time"
)

// Holds all external facing types and constants.

// Well known feed keys. Any string works as a key, these are just
// the two feeds a departure board polls.
const (
	FeedKeyTripUpdates   = "trip-updates"
	FeedKeyServiceAlerts = "service-alerts"
)

type TripRelationship string

const (
	TripScheduled   TripRelationship = "SCHEDULED"
	TripAdded       TripRelationship = "ADDED"
	TripUnscheduled TripRelationship = "UNSCHEDULED"
	TripCanceled    TripRelationship = "CANCELED"
	TripDuplicated  TripRelationship = "DUPLICATED"
	TripDeleted     TripRelationship = "DELETED"
)

type StopRelationship string

const (
	StopScheduled   StopRelationship = "SCHEDULED"
	StopSkipped     StopRelationship = "SKIPPED"
	StopNoData      StopRelationship = "NO_DATA"
	StopUnscheduled StopRelationship = "UNSCHEDULED"
)

// Parses a trip schedule relationship. Matching is case-insensitive
// and accepts the British spelling of CANCELED. Unknown values map to
// SCHEDULED.
func ParseTripRelationship(s string) TripRelationship {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADDED", "NEW", "REPLACEMENT":
		return TripAdded
	case "UNSCHEDULED":
		return TripUnscheduled
	case "CANCELED", "CANCELLED":
		return TripCanceled
	case "DUPLICATED":
		return TripDuplicated
	case "DELETED":
		return TripDeleted
	default:
		return TripScheduled
	}
}

// Parses a stop time schedule relationship. Unknown values map to
// SCHEDULED.
func ParseStopRelationship(s string) StopRelationship {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SKIPPED":
		return StopSkipped
	case "NO_DATA", "NODATA":
		return StopNoData
	case "UNSCHEDULED":
		return StopUnscheduled
	default:
		return StopScheduled
	}
}

// A trip_update entity, flattened for the derived trip table.
type TripRow struct {
	FeedKey      string
	EntityID     string
	TripID       string
	RouteID      string
	DirectionID  int32 // -1 when absent
	StartDate    string
	StartTime    string
	Relationship TripRelationship
	VehicleID    string
	Timestamp    int64
	Delay        *int32
	SeenAt       time.Time
}

// A stop_time_update of a trip_update entity. StopSequence is nil
// when the feed identified the stop by stop_id only.
type StopTimeRow struct {
	FeedKey        string
	EntityID       string
	TripID         string
	StartDate      string
	StopSequence   *uint32
	StopID         string
	StopRoot       string
	ArrivalTime    int64
	ArrivalDelay   *int32
	DepartureTime  int64
	DepartureDelay *int32
	Relationship   StopRelationship
	SeenAt         time.Time
}

// An alert entity. The translated texts keep the first translation
// only.
type AlertRow struct {
	FeedKey     string
	EntityID    string
	Cause       string
	Effect      string
	Header      string
	Description string
	ActiveStart int64
	ActiveEnd   int64
	TripIDs     []string
	StopIDs     []string
	RouteIDs    []string
	SeenAt      time.Time
}

// Derived rows for one snapshot of a feed.
type Rows struct {
	Trips     []TripRow
	StopTimes []StopTimeRow
	Alerts    []AlertRow
}

func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Trips) + len(r.StopTimes) + len(r.Alerts)
}

// A (trip, stop, delay) triple observed in a trip update. Stored in
// a time series table for later analysis.
type DelayObservation struct {
	TripID        string    `csv:"trip_id"`
	StartDate     string    `csv:"start_date"`
	StopID        string    `csv:"stop_id"`
	StopSequence  int64     `csv:"stop_sequence"` // -1 when absent
	DelaySeconds  int32     `csv:"delay_seconds"`
	DepartureTime int64     `csv:"departure_time"`
	ObservedAt    time.Time `csv:"observed_at"`
}

// Returns the rows with one row per table key: (trip_id, start_date)
// for trips, (trip_id, start_date, stop_id, stop_sequence) for stop
// times and entity_id for alerts. The last copy of a key wins, in the
// position of the first. The receiver is not modified.
func (r *Rows) Deduplicated() *Rows {
	if r == nil {
		return nil
	}

	type tripKey struct{ tripID, startDate string }
	type stopTimeKey struct {
		tripID, startDate, stopID string
		seq                       int64
	}

	out := &Rows{
		Trips:     make([]TripRow, 0, len(r.Trips)),
		StopTimes: make([]StopTimeRow, 0, len(r.StopTimes)),
		Alerts:    make([]AlertRow, 0, len(r.Alerts)),
	}

	trips := map[tripKey]int{}
	for _, trip := range r.Trips {
		key := tripKey{trip.TripID, trip.StartDate}
		if i, found := trips[key]; found {
			out.Trips[i] = trip
			continue
		}
		trips[key] = len(out.Trips)
		out.Trips = append(out.Trips, trip)
	}

	stopTimes := map[stopTimeKey]int{}
	for _, st := range r.StopTimes {
		seq := int64(-1)
		if st.StopSequence != nil {
			seq = int64(*st.StopSequence)
		}
		key := stopTimeKey{st.TripID, st.StartDate, st.StopID, seq}
		if i, found := stopTimes[key]; found {
			out.StopTimes[i] = st
			continue
		}
		stopTimes[key] = len(out.StopTimes)
		out.StopTimes = append(out.StopTimes, st)
	}

	alerts := map[string]int{}
	for _, alert := range r.Alerts {
		if i, found := alerts[alert.EntityID]; found {
			out.Alerts[i] = alert
			continue
		}
		alerts[alert.EntityID] = len(out.Alerts)
		out.Alerts = append(out.Alerts, alert)
	}

	return out
}
