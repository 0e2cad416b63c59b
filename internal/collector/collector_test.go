package collector

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

type staticSource struct{ s *track.State }

func (s staticSource) Current() *track.State { return s.s.Clone() }

type staticQueue struct{ depth, dropped int }

func (q staticQueue) Len() int     { return q.depth }
func (q staticQueue) Dropped() int { return q.dropped }

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func gather(t *testing.T, cs ...Collector) map[string]*dto.MetricFamily {
	t.Helper()
	r := NewRegistry(quietLogger())
	for _, c := range cs {
		r.Register(c)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(r)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func testState() *track.State {
	s := track.NewState()
	s.Upsert(track.DeviceTrack{
		Key: "inreach-1", DisplayName: "Alice",
		ObservedAt: time.Unix(900, 0),
		Metadata:   track.Metadata{Channel: track.ChannelWebhook, Emergency: true},
	})
	s.Upsert(track.DeviceTrack{
		Key: "inreach-2", DisplayName: "Bob",
		ObservedAt: time.Unix(950, 0),
		Metadata:   track.Metadata{Channel: track.ChannelBulk},
	})
	synced := time.Unix(960, 0)
	s.LastSyncAt = &synced
	return s
}

func TestDevicesCollector_Aggregates(t *testing.T) {
	c := NewDevicesCollector(staticSource{testState()}, false)
	families := gather(t, c)

	tracked := families["everywhere_relay_devices_tracked"]
	if tracked == nil || len(tracked.GetMetric()) != 2 {
		t.Fatalf("devices_tracked: got %v", tracked)
	}
	for _, m := range tracked.GetMetric() {
		if m.GetGauge().GetValue() != 1 {
			t.Errorf("devices_tracked %v: got %v, want 1", m.GetLabel(), m.GetGauge().GetValue())
		}
	}
	if got := families["everywhere_relay_devices_emergency"].GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("emergency: got %v, want 1", got)
	}
	if got := families["everywhere_relay_cache_last_sync_timestamp_seconds"].GetMetric()[0].GetGauge().GetValue(); got != 960 {
		t.Errorf("last sync: got %v, want 960", got)
	}
	if _, ok := families["everywhere_relay_device_age_seconds"]; ok {
		t.Error("per-device series exported while disabled")
	}
}

func TestDevicesCollector_PerDevice(t *testing.T) {
	c := NewDevicesCollector(staticSource{testState()}, true)
	c.now = func() time.Time { return time.Unix(1000, 0) }
	families := gather(t, c)

	ages := families["everywhere_relay_device_age_seconds"]
	if ages == nil || len(ages.GetMetric()) != 2 {
		t.Fatalf("device_age_seconds: got %v", ages)
	}
	want := map[string]float64{"inreach-1": 100, "inreach-2": 50}
	for _, m := range ages.GetMetric() {
		key := m.GetLabel()[0].GetValue()
		if got := m.GetGauge().GetValue(); got != want[key] {
			t.Errorf("age %s: got %v, want %v", key, got, want[key])
		}
	}
}

func TestQueueCollector(t *testing.T) {
	families := gather(t, NewQueueCollector(staticQueue{depth: 3, dropped: 2}))

	if got := families["everywhere_relay_delivery_queue_depth"].GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("depth: got %v, want 3", got)
	}
	if got := families["everywhere_relay_delivery_queue_dropped_total"].GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("dropped: got %v, want 2", got)
	}
}

func TestRegistry_SkipsDisabled(t *testing.T) {
	families := gather(t, NewDevicesCollector(nil, false))
	if len(families) != 0 {
		t.Errorf("families: got %d, want 0", len(families))
	}
}
