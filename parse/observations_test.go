package parse_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/parse"
)

func TestObservationsCSV(t *testing.T) {
	observedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	obs := []model.DelayObservation{
		{TripID: "T1", StartDate: "20240601", StopID: "S1", StopSequence: 3, DelaySeconds: 90, DepartureTime: 1717243290, ObservedAt: observedAt},
		{TripID: "T2", StopID: "S2", StopSequence: -1, DelaySeconds: -30, ObservedAt: observedAt},
	}

	buf := &bytes.Buffer{}
	require.NoError(t, parse.WriteObservationsCSV(buf, obs))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, 3, len(lines))
	assert.Equal(t, "trip_id,start_date,stop_id,stop_sequence,delay_seconds,departure_time,observed_at", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "T1,20240601,S1,3,90,1717243290,"))

	back, err := parse.ReadObservationsCSV(buf)
	require.NoError(t, err)
	require.Equal(t, 2, len(back))
	assert.Equal(t, "T2", back[1].TripID)
	assert.Equal(t, int64(-1), back[1].StopSequence)
	assert.Equal(t, int32(-30), back[1].DelaySeconds)
	assert.True(t, observedAt.Equal(back[0].ObservedAt))
}

func TestObservationsCSVEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, parse.WriteObservationsCSV(buf, nil))
	assert.Equal(t, "trip_id,start_date,stop_id,stop_sequence,delay_seconds,departure_time,observed_at", strings.TrimSpace(buf.String()))
}
