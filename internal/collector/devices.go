package collector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// StateSource returns a copy of the latest device-track state.
type StateSource interface {
	Current() *track.State
}

// DevicesCollector exposes the size and freshness of the device cache. The
// per-device series are optional because their cardinality follows the fleet.
type DevicesCollector struct {
	source    StateSource
	perDevice bool
	now       func() time.Time

	tracked      *prometheus.Desc
	emergencies  *prometheus.Desc
	lastSync     *prometheus.Desc
	lastObserved *prometheus.Desc
	age          *prometheus.Desc
}

// compile-time interface check
var _ Collector = (*DevicesCollector)(nil)

// NewDevicesCollector creates a DevicesCollector over source.
func NewDevicesCollector(source StateSource, perDevice bool) *DevicesCollector {
	return &DevicesCollector{
		source:    source,
		perDevice: perDevice,
		now:       time.Now,

		tracked: prometheus.NewDesc(
			"everywhere_relay_devices_tracked",
			"Number of devices currently held in the cache.",
			[]string{"channel"}, nil),
		emergencies: prometheus.NewDesc(
			"everywhere_relay_devices_emergency",
			"Number of cached devices whose last report carries the emergency flag.",
			nil, nil),
		lastSync: prometheus.NewDesc(
			"everywhere_relay_cache_last_sync_timestamp_seconds",
			"Unix time of the last bulk pull recorded in the cache, 0 if none.",
			nil, nil),
		lastObserved: prometheus.NewDesc(
			"everywhere_relay_device_last_observed_timestamp_seconds",
			"Unix time of the device's latest cached report.",
			[]string{"key", "callsign"}, nil),
		age: prometheus.NewDesc(
			"everywhere_relay_device_age_seconds",
			"Age of the device's latest cached report.",
			[]string{"key"}, nil),
	}
}

// Name implements Collector.
func (c *DevicesCollector) Name() string { return "devices" }

// Enabled implements Collector.
func (c *DevicesCollector) Enabled() bool { return c.source != nil }

// Describe implements Collector.
func (c *DevicesCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tracked
	ch <- c.emergencies
	ch <- c.lastSync
	ch <- c.lastObserved
	ch <- c.age
}

// Collect implements Collector.
func (c *DevicesCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Current()
	now := c.now()

	byChannel := map[track.Channel]int{
		track.ChannelWebhook: 0,
		track.ChannelBulk:    0,
	}
	emergencies := 0
	for _, t := range s.Tracks() {
		byChannel[t.Metadata.Channel]++
		if t.Metadata.Emergency {
			emergencies++
		}
		if c.perDevice {
			ch <- prometheus.MustNewConstMetric(c.lastObserved, prometheus.GaugeValue,
				float64(t.ObservedAt.UnixMilli())/1000, t.Key, t.DisplayName)
			ch <- prometheus.MustNewConstMetric(c.age, prometheus.GaugeValue,
				t.Age(now).Seconds(), t.Key)
		}
	}

	for channel, n := range byChannel {
		ch <- prometheus.MustNewConstMetric(c.tracked, prometheus.GaugeValue, float64(n), string(channel))
	}
	ch <- prometheus.MustNewConstMetric(c.emergencies, prometheus.GaugeValue, float64(emergencies))

	var synced float64
	if s.LastSyncAt != nil {
		synced = float64(s.LastSyncAt.UnixMilli()) / 1000
	}
	ch <- prometheus.MustNewConstMetric(c.lastSync, prometheus.GaugeValue, synced)
}
