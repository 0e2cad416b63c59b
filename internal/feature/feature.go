// Package feature projects cached device tracks into the outbound GeoJSON
// feature collection.
package feature

import (
	"time"

	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// TimeFormat is the ISO-8601 layout used for every timestamp in the output.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FeatureCollection is a GeoJSON collection of point features.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Feature is one device position.
type Feature struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties"`
	Geometry   Geometry   `json:"geometry"`
}

// Properties are the display properties of a Feature.
type Properties struct {
	Course   int      `json:"course"`
	Callsign string   `json:"callsign"`
	Time     string   `json:"time"`
	Start    string   `json:"start"`
	Metadata Metadata `json:"metadata"`
}

// Metadata is the source-identifier block of a Feature.
type Metadata struct {
	InreachID         int64  `json:"inreachId"`
	InreachName       string `json:"inreachName"`
	InreachDeviceType string `json:"inreachDeviceType"`
	InreachDeviceID   string `json:"inreachDeviceId"`
	InreachIMEI       string `json:"inreachIMEI,omitempty"`
	InreachEvent      string `json:"inreachEvent,omitempty"`
	InreachReceive    string `json:"inreachReceive"`
}

// Geometry is a GeoJSON point.
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// FromTrack builds the feature for a single track. Time and start both carry
// the report's own timestamp, not the emission time.
func FromTrack(t track.DeviceTrack) Feature {
	observed := formatTime(t.ObservedAt)
	received := observed
	if !t.Metadata.ReceivedAt.IsZero() {
		received = formatTime(t.Metadata.ReceivedAt)
	}

	md := Metadata{
		InreachID:         t.EntityID,
		InreachName:       t.Metadata.Name,
		InreachDeviceType: t.Metadata.DeviceType,
		InreachDeviceID:   t.Metadata.DeviceID,
		InreachIMEI:       t.Metadata.Serial,
		InreachReceive:    received,
	}
	if t.Metadata.Emergency {
		md.InreachEvent = "emergency"
	}

	return Feature{
		ID:   t.Key,
		Type: "Feature",
		Properties: Properties{
			Course:   t.Course,
			Callsign: t.DisplayName,
			Time:     observed,
			Start:    observed,
			Metadata: md,
		},
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: t.Position.Coordinates(),
		},
	}
}

// Collection wraps the given tracks, in order, into a feature collection. The
// features slice is never nil so that an empty collection encodes as [].
func Collection(tracks ...track.DeviceTrack) FeatureCollection {
	fc := FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]Feature, 0, len(tracks)),
	}
	for _, t := range tracks {
		fc.Features = append(fc.Features, FromTrack(t))
	}
	return fc
}

// FromState projects the whole state, ordered by key.
func FromState(s *track.State) FeatureCollection {
	if s == nil {
		return Collection()
	}
	return Collection(s.Tracks()...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
