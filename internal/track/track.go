// Package track holds the device-track cache: the canonical per-device record,
// the normalization of both upstream payload shapes into it, the persisted
// state with retention eviction, and the gate that paces bulk resyncs.
package track

import (
	"errors"
	"strconv"
	"time"
)

// DefaultKeyPrefix namespaces device keys when no prefix is configured.
const DefaultKeyPrefix = "inreach"

// UnknownDeviceID is recorded for bulk records, which do not carry a device id.
const UnknownDeviceID = "UNKNOWN"

// Channel identifies which ingest path produced a track.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelBulk    Channel = "bulk"
)

var (
	// ErrMissingEntity is returned when a record carries no entity id and
	// therefore cannot be keyed.
	ErrMissingEntity = errors.New("record has no entity id")
	// ErrBadGeometry is returned when a record's position cannot be read.
	ErrBadGeometry = errors.New("record has no usable point geometry")
)

// Position is a longitude/latitude pair in degrees.
type Position struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Coordinates returns the position in GeoJSON order.
func (p Position) Coordinates() []float64 {
	return []float64{p.Lon, p.Lat}
}

// Metadata carries source-specific identifiers. The cache never inspects it.
type Metadata struct {
	Name       string    `json:"name"`
	DeviceID   string    `json:"deviceId"`
	DeviceType string    `json:"deviceType"`
	EntityType string    `json:"entityType,omitempty"`
	Serial     string    `json:"serial,omitempty"`
	TeamID     int64     `json:"teamId,omitempty"`
	Emergency  bool      `json:"emergency,omitempty"`
	Source     string    `json:"source,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
	Channel    Channel   `json:"channel"`
}

// DeviceTrack is the latest known state of one device.
type DeviceTrack struct {
	Key         string    `json:"key"`
	EntityID    int64     `json:"entityId"`
	Position    Position  `json:"position"`
	Course      int       `json:"course"`
	ObservedAt  time.Time `json:"observedAt"`
	DisplayName string    `json:"displayName"`
	Metadata    Metadata  `json:"metadata"`
}

// Age returns how old the report is at now.
func (t DeviceTrack) Age(now time.Time) time.Duration {
	return now.Sub(t.ObservedAt)
}

// Key derives the store key for an entity. Both ingest channels must use it so
// that the same entity always collides onto one entry.
func Key(prefix string, entityID int64) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + "-" + strconv.FormatInt(entityID, 10)
}

// displayName prefers the alias and falls back to the device name.
func displayName(alias, name string) string {
	if alias != "" {
		return alias
	}
	return name
}

// fromEpochMillis converts an upstream epoch-millisecond timestamp.
func fromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
