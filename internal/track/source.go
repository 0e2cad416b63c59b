package track

import (
	"encoding/json"
	"fmt"
	"math"
)

// Record is one upstream report in either of its payload shapes. Normalize
// turns it into the single DeviceTrack shape before it touches the state.
type Record interface {
	Normalize(prefix string) (DeviceTrack, error)
}

// Compile-time interface checks.
var (
	_ Record = WebhookReport{}
	_ Record = HubFeature{}
)

// WebhookReport is the body pushed to the inbound webhook, one device per call.
type WebhookReport struct {
	ConverterID string     `json:"converterId"`
	DeviceID    int64      `json:"deviceId"   validate:"required"`
	TeamID      int64      `json:"teamId"`
	TrackPoint  TrackPoint `json:"trackPoint"`
	Source      string     `json:"source"`
	EntityID    int64      `json:"entityId"   validate:"required"`
	DeviceType  string     `json:"deviceType" validate:"required"`
	Name        string     `json:"name"       validate:"required"`
	Alias       string     `json:"alias,omitempty"`
}

// TrackPoint is the nested position report inside a WebhookReport.
type TrackPoint struct {
	Time             int64   `json:"time"      validate:"required"`
	Direction        int     `json:"direction"`
	InboundMessageID int64   `json:"inboundMessageId"`
	IsEmergency      bool    `json:"isEmergency,omitempty"`
	Source           string  `json:"source,omitempty"`
	Alerts           []Alert `json:"alertsList,omitempty"`
	Point            XY      `json:"point"`
}

// Alert is an alert attached to a webhook track point.
type Alert struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// XY is a point given as x (longitude) and y (latitude).
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Normalize implements Record.
func (r WebhookReport) Normalize(prefix string) (DeviceTrack, error) {
	if r.EntityID == 0 {
		return DeviceTrack{}, ErrMissingEntity
	}
	observed := fromEpochMillis(r.TrackPoint.Time)
	source := r.TrackPoint.Source
	if source == "" {
		source = r.Source
	}
	return DeviceTrack{
		Key:         Key(prefix, r.EntityID),
		EntityID:    r.EntityID,
		Position:    Position{Lon: r.TrackPoint.Point.X, Lat: r.TrackPoint.Point.Y},
		Course:      r.TrackPoint.Direction,
		ObservedAt:  observed,
		DisplayName: displayName(r.Alias, r.Name),
		Metadata: Metadata{
			Name:       r.Name,
			DeviceID:   fmt.Sprint(r.DeviceID),
			DeviceType: r.DeviceType,
			TeamID:     r.TeamID,
			Emergency:  r.TrackPoint.IsEmergency,
			Source:     source,
			ReceivedAt: observed,
			Channel:    ChannelWebhook,
		},
	}, nil
}

// webhookFields holds only the webhook fields Normalize reads.
type webhookFields struct {
	DeviceID   int64  `json:"deviceId"`
	TeamID     int64  `json:"teamId"`
	Source     string `json:"source"`
	EntityID   int64  `json:"entityId"`
	DeviceType string `json:"deviceType"`
	Name       string `json:"name"`
	Alias      string `json:"alias"`
	TrackPoint struct {
		Time        int64  `json:"time"`
		Direction   int    `json:"direction"`
		IsEmergency bool   `json:"isEmergency"`
		Source      string `json:"source"`
		Point       XY     `json:"point"`
	} `json:"trackPoint"`
}

// DecodeWebhookLenient decodes a webhook body looking only at the fields
// Normalize reads. Anything else in the body may have any shape.
func DecodeWebhookLenient(body []byte) (WebhookReport, error) {
	var f webhookFields
	if err := json.Unmarshal(body, &f); err != nil {
		return WebhookReport{}, err
	}
	return WebhookReport{
		DeviceID:   f.DeviceID,
		TeamID:     f.TeamID,
		Source:     f.Source,
		EntityID:   f.EntityID,
		DeviceType: f.DeviceType,
		Name:       f.Name,
		Alias:      f.Alias,
		TrackPoint: TrackPoint{
			Time:        f.TrackPoint.Time,
			Direction:   f.TrackPoint.Direction,
			IsEmergency: f.TrackPoint.IsEmergency,
			Source:      f.TrackPoint.Source,
			Point:       f.TrackPoint.Point,
		},
	}, nil
}

// HubFeature is one feature of the bulk "latest position per device" response.
type HubFeature struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"       validate:"eq=Feature"`
	Properties HubProperties `json:"properties"`
	Geometry   HubGeometry   `json:"geometry"`
}

// HubProperties are the per-device properties of a HubFeature.
type HubProperties struct {
	Name             string  `json:"name"`
	EntityID         int64   `json:"entityId"   validate:"required"`
	EntityType       string  `json:"entityType"`
	DeviceType       string  `json:"deviceType"`
	Alias            string  `json:"alias"`
	OEMSerial        string  `json:"oemSerial"`
	TeamID           int64   `json:"teamId"`
	Time             int64   `json:"time"       validate:"required"`
	InboundMessageID int64   `json:"inboundMessageId"`
	IsEmergency      bool    `json:"isEmergency,omitempty"`
	Direction        float64 `json:"direction"`
	Source           string  `json:"source,omitempty"`
}

// HubGeometry is a GeoJSON geometry as returned by the bulk API.
type HubGeometry struct {
	Type        string    `json:"type"        validate:"eq=Point"`
	Coordinates []float64 `json:"coordinates" validate:"min=2"`
}

// Normalize implements Record.
func (f HubFeature) Normalize(prefix string) (DeviceTrack, error) {
	p := f.Properties
	if p.EntityID == 0 {
		return DeviceTrack{}, ErrMissingEntity
	}
	if f.Geometry.Type != "Point" || len(f.Geometry.Coordinates) < 2 {
		return DeviceTrack{}, fmt.Errorf("entity %d: %w", p.EntityID, ErrBadGeometry)
	}
	observed := fromEpochMillis(p.Time)
	return DeviceTrack{
		Key:         Key(prefix, p.EntityID),
		EntityID:    p.EntityID,
		Position:    Position{Lon: f.Geometry.Coordinates[0], Lat: f.Geometry.Coordinates[1]},
		Course:      int(math.Round(p.Direction)),
		ObservedAt:  observed,
		DisplayName: displayName(p.Alias, p.Name),
		Metadata: Metadata{
			Name:       p.Name,
			DeviceID:   UnknownDeviceID,
			DeviceType: p.DeviceType,
			EntityType: p.EntityType,
			Serial:     p.OEMSerial,
			TeamID:     p.TeamID,
			Emergency:  p.IsEmergency,
			Source:     p.Source,
			ReceivedAt: observed,
			Channel:    ChannelBulk,
		},
	}, nil
}
