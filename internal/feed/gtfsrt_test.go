package feed

import (
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"bustrack/internal/models"
)

func TestMarshalVehiclePositions(t *testing.T) {
	now := time.Date(2024, 5, 1, 7, 5, 0, 0, time.UTC)
	lat, lon, heading := 40.41, -3.70, 90.0
	updated := now.Add(-10 * time.Second)
	trips := []models.Trip{
		{
			ID: "T1", RouteID: "R1", ServiceDate: "2024-05-01", TripType: models.TripMorning,
			CurrentLatitude: &lat, CurrentLongitude: &lon, CurrentHeading: &heading,
			CurrentStopIndex: 2, LastLocationUpdate: &updated,
		},
		{ID: "T2", RouteID: "R2", ServiceDate: "2024-05-01", TripType: models.TripMorning},
	}

	raw, err := Marshal(trips, now)
	require.NoError(t, err)

	var msg gtfsrtpb.FeedMessage
	require.NoError(t, proto.Unmarshal(raw, &msg))
	assert.Equal(t, "2.0", msg.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, gtfsrtpb.FeedHeader_FULL_DATASET, msg.GetHeader().GetIncrementality())
	assert.Equal(t, uint64(now.Unix()), msg.GetHeader().GetTimestamp())

	require.Len(t, msg.GetEntity(), 1)
	vp := msg.GetEntity()[0].GetVehicle()
	assert.Equal(t, "T1", vp.GetTrip().GetTripId())
	assert.Equal(t, "R1", vp.GetTrip().GetRouteId())
	assert.Equal(t, "20240501", vp.GetTrip().GetStartDate())
	assert.InDelta(t, 40.41, vp.GetPosition().GetLatitude(), 1e-4)
	assert.InDelta(t, 90, vp.GetPosition().GetBearing(), 1e-4)
	assert.Nil(t, vp.GetPosition().Speed)
	assert.Equal(t, uint32(2), vp.GetCurrentStopSequence())
	assert.Equal(t, uint64(updated.Unix()), vp.GetTimestamp())
}

func TestVehiclePositionsEmpty(t *testing.T) {
	msg := VehiclePositions(nil, time.Unix(100, 0))
	assert.Empty(t, msg.GetEntity())
	assert.Equal(t, uint64(100), msg.GetHeader().GetTimestamp())
}
