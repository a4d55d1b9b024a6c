package parse

import (
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"tidbyt.dev/rtfeed/model"
)

// Flattens a feed into derived table rows. Entities repeating a
// trip collapse into the last one seen.
func DeriveRows(feedKey string, feed *gtfsproto.FeedMessage, seenAt time.Time) *model.Rows {
	rows := &model.Rows{}
	if feed == nil {
		return rows
	}

	for _, entity := range feed.GetEntity() {
		if entity.GetIsDeleted() {
			continue
		}
		if tu := entity.GetTripUpdate(); tu != nil {
			deriveTripUpdate(rows, feedKey, entity.GetId(), tu, seenAt)
		}
		if alert := entity.GetAlert(); alert != nil {
			rows.Alerts = append(rows.Alerts, deriveAlert(feedKey, entity.GetId(), alert, seenAt))
		}
	}

	return rows.Deduplicated()
}

func deriveTripUpdate(rows *model.Rows, feedKey string, entityID string, tu *gtfsproto.TripUpdate, seenAt time.Time) {
	trip := tu.GetTrip()

	// Blank trip ID is allowed when (route_id, direction_id,
	// start_time, start_date) is provided and uniquely identifies
	// the trip in the static schedule. Also allowed for frequency
	// based trips.
	//
	// That said, we don't support it.
	if trip.GetTripId() == "" {
		return
	}

	directionID := int32(-1)
	if trip.DirectionId != nil {
		directionID = int32(trip.GetDirectionId())
	}

	var delay *int32
	if tu.Delay != nil {
		delay = proto.Int32(tu.GetDelay())
	}

	rows.Trips = append(rows.Trips, model.TripRow{
		FeedKey:      feedKey,
		EntityID:     entityID,
		TripID:       trip.GetTripId(),
		RouteID:      trip.GetRouteId(),
		DirectionID:  directionID,
		StartDate:    trip.GetStartDate(),
		StartTime:    trip.GetStartTime(),
		Relationship: model.ParseTripRelationship(trip.GetScheduleRelationship().String()),
		VehicleID:    tu.GetVehicle().GetId(),
		Timestamp:    int64(tu.GetTimestamp()),
		Delay:        delay,
		SeenAt:       seenAt,
	})

	for _, update := range tu.GetStopTimeUpdate() {
		if update.GetStopId() == "" && update.StopSequence == nil {
			continue
		}

		st := model.StopTimeRow{
			FeedKey:      feedKey,
			EntityID:     entityID,
			TripID:       trip.GetTripId(),
			StartDate:    trip.GetStartDate(),
			StopID:       update.GetStopId(),
			StopRoot:     model.StopRoot(update.GetStopId()),
			Relationship: model.ParseStopRelationship(update.GetScheduleRelationship().String()),
			SeenAt:       seenAt,
		}
		if update.StopSequence != nil {
			st.StopSequence = proto.Uint32(update.GetStopSequence())
		}
		if arrival := update.GetArrival(); arrival != nil {
			st.ArrivalTime = arrival.GetTime()
			if arrival.Delay != nil {
				st.ArrivalDelay = proto.Int32(arrival.GetDelay())
			}
		}
		if departure := update.GetDeparture(); departure != nil {
			st.DepartureTime = departure.GetTime()
			if departure.Delay != nil {
				st.DepartureDelay = proto.Int32(departure.GetDelay())
			}
		}

		rows.StopTimes = append(rows.StopTimes, st)
	}
}

func deriveAlert(feedKey string, entityID string, alert *gtfsproto.Alert, seenAt time.Time) model.AlertRow {
	row := model.AlertRow{
		FeedKey:     feedKey,
		EntityID:    entityID,
		Cause:       alert.GetCause().String(),
		Effect:      alert.GetEffect().String(),
		Header:      firstTranslation(alert.GetHeaderText()),
		Description: firstTranslation(alert.GetDescriptionText()),
		SeenAt:      seenAt,
	}

	if periods := alert.GetActivePeriod(); len(periods) > 0 {
		row.ActiveStart = int64(periods[0].GetStart())
		row.ActiveEnd = int64(periods[0].GetEnd())
	}

	seen := map[string]bool{}
	add := func(list *[]string, kind string, id string) {
		if id == "" || seen[kind+id] {
			return
		}
		seen[kind+id] = true
		*list = append(*list, id)
	}
	for _, ie := range alert.GetInformedEntity() {
		add(&row.TripIDs, "t:", ie.GetTrip().GetTripId())
		add(&row.StopIDs, "s:", ie.GetStopId())
		add(&row.RouteIDs, "r:", ie.GetRouteId())
	}

	return row
}

func firstTranslation(ts *gtfsproto.TranslatedString) string {
	for _, t := range ts.GetTranslation() {
		if t.GetText() != "" {
			return t.GetText()
		}
	}
	return ""
}

// Rebuilds feed entities from derived rows. Used when serving from
// the derived tables instead of a decoded payload.
func EntitiesFromRows(rows *model.Rows) []*gtfsproto.FeedEntity {
	if rows == nil {
		return nil
	}

	type tripKey struct{ tripID, startDate string }
	stopTimes := map[tripKey][]model.StopTimeRow{}
	for _, st := range rows.StopTimes {
		key := tripKey{st.TripID, st.StartDate}
		stopTimes[key] = append(stopTimes[key], st)
	}

	entities := []*gtfsproto.FeedEntity{}
	for _, trip := range rows.Trips {
		td := &gtfsproto.TripDescriptor{
			TripId: proto.String(trip.TripID),
		}
		if trip.RouteID != "" {
			td.RouteId = proto.String(trip.RouteID)
		}
		if trip.DirectionID >= 0 {
			td.DirectionId = proto.Uint32(uint32(trip.DirectionID))
		}
		if trip.StartDate != "" {
			td.StartDate = proto.String(trip.StartDate)
		}
		if trip.StartTime != "" {
			td.StartTime = proto.String(trip.StartTime)
		}
		if v, found := gtfsproto.TripDescriptor_ScheduleRelationship_value[string(trip.Relationship)]; found {
			td.ScheduleRelationship = gtfsproto.TripDescriptor_ScheduleRelationship(v).Enum()
		}

		tu := &gtfsproto.TripUpdate{
			Trip:  td,
			Delay: trip.Delay,
		}
		if trip.VehicleID != "" {
			tu.Vehicle = &gtfsproto.VehicleDescriptor{Id: proto.String(trip.VehicleID)}
		}
		if trip.Timestamp > 0 {
			tu.Timestamp = proto.Uint64(uint64(trip.Timestamp))
		}

		for _, st := range stopTimes[tripKey{trip.TripID, trip.StartDate}] {
			update := &gtfsproto.TripUpdate_StopTimeUpdate{
				StopSequence: st.StopSequence,
			}
			if st.StopID != "" {
				update.StopId = proto.String(st.StopID)
			}
			if st.ArrivalTime != 0 || st.ArrivalDelay != nil {
				update.Arrival = stopTimeEvent(st.ArrivalTime, st.ArrivalDelay)
			}
			if st.DepartureTime != 0 || st.DepartureDelay != nil {
				update.Departure = stopTimeEvent(st.DepartureTime, st.DepartureDelay)
			}
			if v, found := gtfsproto.TripUpdate_StopTimeUpdate_ScheduleRelationship_value[string(st.Relationship)]; found {
				update.ScheduleRelationship = gtfsproto.TripUpdate_StopTimeUpdate_ScheduleRelationship(v).Enum()
			}
			tu.StopTimeUpdate = append(tu.StopTimeUpdate, update)
		}

		entities = append(entities, &gtfsproto.FeedEntity{
			Id:         proto.String(trip.EntityID),
			TripUpdate: tu,
		})
	}

	for _, alert := range rows.Alerts {
		a := &gtfsproto.Alert{
			HeaderText:      translated(alert.Header),
			DescriptionText: translated(alert.Description),
		}
		if v, found := gtfsproto.Alert_Cause_value[alert.Cause]; found {
			a.Cause = gtfsproto.Alert_Cause(v).Enum()
		}
		if v, found := gtfsproto.Alert_Effect_value[alert.Effect]; found {
			a.Effect = gtfsproto.Alert_Effect(v).Enum()
		}
		if alert.ActiveStart != 0 || alert.ActiveEnd != 0 {
			tr := &gtfsproto.TimeRange{}
			if alert.ActiveStart != 0 {
				tr.Start = proto.Uint64(uint64(alert.ActiveStart))
			}
			if alert.ActiveEnd != 0 {
				tr.End = proto.Uint64(uint64(alert.ActiveEnd))
			}
			a.ActivePeriod = []*gtfsproto.TimeRange{tr}
		}
		for _, id := range alert.TripIDs {
			a.InformedEntity = append(a.InformedEntity, &gtfsproto.EntitySelector{
				Trip: &gtfsproto.TripDescriptor{TripId: proto.String(id)},
			})
		}
		for _, id := range alert.StopIDs {
			a.InformedEntity = append(a.InformedEntity, &gtfsproto.EntitySelector{StopId: proto.String(id)})
		}
		for _, id := range alert.RouteIDs {
			a.InformedEntity = append(a.InformedEntity, &gtfsproto.EntitySelector{RouteId: proto.String(id)})
		}

		entities = append(entities, &gtfsproto.FeedEntity{
			Id:    proto.String(alert.EntityID),
			Alert: a,
		})
	}

	return entities
}

func stopTimeEvent(t int64, delay *int32) *gtfsproto.TripUpdate_StopTimeEvent {
	ev := &gtfsproto.TripUpdate_StopTimeEvent{Delay: delay}
	if t != 0 {
		ev.Time = proto.Int64(t)
	}
	return ev
}

func translated(text string) *gtfsproto.TranslatedString {
	if text == "" {
		return nil
	}
	return &gtfsproto.TranslatedString{
		Translation: []*gtfsproto.TranslatedString_Translation{
			{Text: proto.String(text)},
		},
	}
}
