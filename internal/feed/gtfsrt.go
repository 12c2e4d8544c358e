// Package feed renders active trips as a GTFS-Realtime VehiclePositions feed
// so standard transit tooling can follow the buses.
package feed

import (
	"fmt"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"bustrack/internal/models"
)

const gtfsRealtimeVersion = "2.0"

// VehiclePositions builds a FULL_DATASET feed with one entity per trip that
// has a known position. Trips without a fix are left out.
func VehiclePositions(trips []models.Trip, now time.Time) *gtfsrtpb.FeedMessage {
	msg := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, t := range trips {
		if t.CurrentLatitude == nil || t.CurrentLongitude == nil {
			continue
		}
		vp := &gtfsrtpb.VehiclePosition{
			Trip: &gtfsrtpb.TripDescriptor{
				TripId:    proto.String(t.ID),
				RouteId:   proto.String(t.RouteID),
				StartDate: proto.String(strings.ReplaceAll(t.ServiceDate, "-", "")),
			},
			Vehicle: &gtfsrtpb.VehicleDescriptor{
				Id:    proto.String(t.ID),
				Label: proto.String(fmt.Sprintf("%s %s", t.RouteID, t.TripType)),
			},
			Position: &gtfsrtpb.Position{
				Latitude:  proto.Float32(float32(*t.CurrentLatitude)),
				Longitude: proto.Float32(float32(*t.CurrentLongitude)),
			},
		}
		if t.CurrentHeading != nil {
			vp.Position.Bearing = proto.Float32(float32(*t.CurrentHeading))
		}
		if t.CurrentSpeed != nil {
			vp.Position.Speed = proto.Float32(float32(*t.CurrentSpeed))
		}
		if t.CurrentStopIndex > 0 {
			vp.CurrentStopSequence = proto.Uint32(uint32(t.CurrentStopIndex))
		}
		if t.LastLocationUpdate != nil {
			vp.Timestamp = proto.Uint64(uint64(t.LastLocationUpdate.Unix()))
		}
		msg.Entity = append(msg.Entity, &gtfsrtpb.FeedEntity{
			Id:      proto.String(t.ID),
			Vehicle: vp,
		})
	}
	return msg
}

// Marshal encodes the feed for the application/x-protobuf endpoint.
func Marshal(trips []models.Trip, now time.Time) ([]byte, error) {
	b, err := proto.Marshal(VehiclePositions(trips, now))
	if err != nil {
		return nil, fmt.Errorf("marshal vehicle positions: %w", err)
	}
	return b, nil
}
