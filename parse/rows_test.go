package parse_test

import (
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/parse"
	"tidbyt.dev/rtfeed/testutil"
)

func TestDeriveRows(t *testing.T) {
	seenAt := time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC)
	dep := time.Date(2024, 6, 1, 12, 10, 0, 0, time.UTC)

	feed := testutil.BuildFeed(t, []testutil.TripUpdate{
		{
			TripID:    "T1",
			RouteID:   "R1",
			StartDate: "20240601",
			SchedRel:  "CANCELED",
		},
		{
			EntityID:  "e2",
			TripID:    "T2",
			StartDate: "20240601",
			Delay:     proto.Int32(60),
			StopUpdates: []testutil.StopUpdate{
				{StopID: "8501037:0:3", StopSequence: 1, DepartureSet: true, DepartureDelay: 60, DepartureTime: dep},
				{StopID: "S2", StopSequence: 2, SchedRel: "SKIPPED"},
				{StopSequence: 3, ArrivalSet: true, ArrivalDelay: 120},
				{},
			},
		},
		{
			// No trip id
			EntityID: "e3",
			StopUpdates: []testutil.StopUpdate{
				{StopID: "S1", StopSequence: 1},
			},
		},
	}, testutil.Alert{
		ID:          "a1",
		Header:      "Platform change",
		Description: "Use platform 4",
		Cause:       "CONSTRUCTION",
		Effect:      "DETOUR",
		Start:       seenAt,
		TripIDs:     []string{"T2", "T2"},
		StopIDs:     []string{"8501037:0:3"},
		RouteIDs:    []string{"R1"},
	})

	rows := parse.DeriveRows("trip-updates", feed, seenAt)

	require.Equal(t, 2, len(rows.Trips))
	assert.Equal(t, model.TripRow{
		FeedKey:      "trip-updates",
		EntityID:     "T1",
		TripID:       "T1",
		RouteID:      "R1",
		DirectionID:  -1,
		StartDate:    "20240601",
		Relationship: model.TripCanceled,
		SeenAt:       seenAt,
	}, rows.Trips[0])
	assert.Equal(t, "e2", rows.Trips[1].EntityID)
	assert.Equal(t, model.TripScheduled, rows.Trips[1].Relationship)
	assert.Equal(t, proto.Int32(60), rows.Trips[1].Delay)

	// The stop update with neither stop id nor sequence is dropped
	require.Equal(t, 3, len(rows.StopTimes))
	assert.Equal(t, model.StopTimeRow{
		FeedKey:        "trip-updates",
		EntityID:       "e2",
		TripID:         "T2",
		StartDate:      "20240601",
		StopSequence:   proto.Uint32(1),
		StopID:         "8501037:0:3",
		StopRoot:       "8501037",
		DepartureTime:  dep.Unix(),
		DepartureDelay: proto.Int32(60),
		Relationship:   model.StopScheduled,
		SeenAt:         seenAt,
	}, rows.StopTimes[0])
	assert.Equal(t, model.StopSkipped, rows.StopTimes[1].Relationship)
	assert.Equal(t, "S2", rows.StopTimes[1].StopRoot)
	assert.Equal(t, "", rows.StopTimes[2].StopID)
	assert.Equal(t, proto.Int32(120), rows.StopTimes[2].ArrivalDelay)
	assert.Nil(t, rows.StopTimes[2].DepartureDelay)

	require.Equal(t, 1, len(rows.Alerts))
	assert.Equal(t, model.AlertRow{
		FeedKey:     "trip-updates",
		EntityID:    "a1",
		Cause:       "CONSTRUCTION",
		Effect:      "DETOUR",
		Header:      "Platform change",
		Description: "Use platform 4",
		ActiveStart: seenAt.Unix(),
		TripIDs:     []string{"T2"},
		StopIDs:     []string{"8501037:0:3"},
		RouteIDs:    []string{"R1"},
		SeenAt:      seenAt,
	}, rows.Alerts[0])

	assert.Equal(t, 6, rows.Len())
}

func TestDeriveRowsEmpty(t *testing.T) {
	rows := parse.DeriveRows("k", nil, time.Now())
	assert.Equal(t, 0, rows.Len())

	rows = parse.DeriveRows("k", testutil.Feed(testutil.FeedTime), time.Now())
	assert.Equal(t, 0, rows.Len())
}

func TestEntitiesFromRowsRoundTrip(t *testing.T) {
	seenAt := time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC)
	dep := time.Date(2024, 6, 1, 12, 10, 0, 0, time.UTC)

	feed := testutil.BuildFeed(t, []testutil.TripUpdate{
		{
			TripID:    "T1",
			StartDate: "20240601",
			SchedRel:  "CANCELED",
		},
		{
			TripID:    "T2",
			StartDate: "20240601",
			StopUpdates: []testutil.StopUpdate{
				{StopID: "S1", StopSequence: 1, DepartureSet: true, DepartureDelay: 30, DepartureTime: dep},
				{StopID: "S2", StopSequence: 2, SchedRel: "SKIPPED"},
			},
		},
	}, testutil.Alert{ID: "a1", Header: "Delays", Effect: "SIGNIFICANT_DELAYS", StopIDs: []string{"S1"}})

	rows := parse.DeriveRows("trip-updates", feed, seenAt)
	entities := parse.EntitiesFromRows(rows)
	require.Equal(t, 3, len(entities))

	assert.Equal(t, "T1", entities[0].GetId())
	assert.Equal(t, gtfsproto.TripDescriptor_CANCELED, entities[0].GetTripUpdate().GetTrip().GetScheduleRelationship())
	assert.Equal(t, "20240601", entities[0].GetTripUpdate().GetTrip().GetStartDate())

	stus := entities[1].GetTripUpdate().GetStopTimeUpdate()
	require.Equal(t, 2, len(stus))
	assert.Equal(t, "S1", stus[0].GetStopId())
	assert.Equal(t, uint32(1), stus[0].GetStopSequence())
	assert.Equal(t, dep.Unix(), stus[0].GetDeparture().GetTime())
	assert.Equal(t, int32(30), stus[0].GetDeparture().GetDelay())
	assert.Nil(t, stus[0].GetArrival())
	assert.Equal(t, gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED, stus[1].GetScheduleRelationship())

	assert.Equal(t, "a1", entities[2].GetId())
	assert.Equal(t, "Delays", entities[2].GetAlert().GetHeaderText().GetTranslation()[0].GetText())
	assert.Equal(t, gtfsproto.Alert_SIGNIFICANT_DELAYS, entities[2].GetAlert().GetEffect())
	assert.Equal(t, "S1", entities[2].GetAlert().GetInformedEntity()[0].GetStopId())

	// Deriving again from the rebuilt entities yields the same rows
	again := parse.DeriveRows("trip-updates", testutil.Feed(testutil.FeedTime, entities...), seenAt)
	assert.Equal(t, rows, again)
}

func TestDeriveRowsRepeatedTrip(t *testing.T) {
	seenAt := time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC)

	feed := testutil.BuildFeed(t, []testutil.TripUpdate{
		{
			EntityID:  "first",
			TripID:    "T1",
			StartDate: "20240601",
			StopUpdates: []testutil.StopUpdate{
				{StopID: "8501037:0", DepartureSet: true, DepartureDelay: 60},
			},
		},
		{
			EntityID:  "second",
			TripID:    "T1",
			StartDate: "20240601",
			StopUpdates: []testutil.StopUpdate{
				{StopID: "8501037:0", DepartureSet: true, DepartureDelay: 120},
			},
		},
	})

	rows := parse.DeriveRows("trip-updates", feed, seenAt)
	require.Equal(t, 1, len(rows.Trips))
	assert.Equal(t, "second", rows.Trips[0].EntityID)
	require.Equal(t, 1, len(rows.StopTimes))
	assert.Equal(t, int32(120), *rows.StopTimes[0].DepartureDelay)
}
