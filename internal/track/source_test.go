package track

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestWebhookReport_Normalize(t *testing.T) {
	body := `{
		"entityId": 42,
		"deviceId": 7,
		"deviceType": "inReach Mini",
		"name": "Alice",
		"trackPoint": {"time": 1000, "direction": 90, "point": {"x": -122.4, "y": 37.7}}
	}`
	var r WebhookReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	tr, err := r.Normalize("src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if tr.Key != "src-42" {
		t.Errorf("Key: got %q, want src-42", tr.Key)
	}
	if !tr.ObservedAt.Equal(ms(1000)) {
		t.Errorf("ObservedAt: got %v", tr.ObservedAt)
	}
	if tr.Course != 90 {
		t.Errorf("Course: got %d, want 90", tr.Course)
	}
	if tr.Position.Lon != -122.4 || tr.Position.Lat != 37.7 {
		t.Errorf("Position: got %+v", tr.Position)
	}
	if tr.DisplayName != "Alice" {
		t.Errorf("DisplayName: got %q, want Alice", tr.DisplayName)
	}
	if tr.Metadata.DeviceID != "7" {
		t.Errorf("DeviceID: got %q, want 7", tr.Metadata.DeviceID)
	}
	if tr.Metadata.Channel != ChannelWebhook {
		t.Errorf("Channel: got %q", tr.Metadata.Channel)
	}
}

func TestWebhookReport_AliasWins(t *testing.T) {
	r := WebhookReport{EntityID: 1, Name: "device", Alias: "Team Lead"}
	tr, err := r.Normalize("")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if tr.DisplayName != "Team Lead" {
		t.Errorf("DisplayName: got %q", tr.DisplayName)
	}
	if tr.Key != "inreach-1" {
		t.Errorf("Key with default prefix: got %q", tr.Key)
	}
}

func TestWebhookReport_MissingEntity(t *testing.T) {
	_, err := WebhookReport{Name: "x"}.Normalize("src")
	if !errors.Is(err, ErrMissingEntity) {
		t.Errorf("err: got %v, want ErrMissingEntity", err)
	}
}

func TestDecodeWebhookLenient_IgnoresUnreadFields(t *testing.T) {
	body := `{
		"converterId": 123,
		"entityId": 42,
		"deviceId": 7,
		"name": "Alice",
		"trackPoint": {"time": 1000, "alertsList": {"x": 1}, "inboundMessageId": "n/a", "point": {"x": 1.5, "y": 2.5}}
	}`
	if err := json.Unmarshal([]byte(body), &WebhookReport{}); err == nil {
		t.Fatal("strict decode accepted mistyped fields")
	}

	r, err := DecodeWebhookLenient([]byte(body))
	if err != nil {
		t.Fatalf("DecodeWebhookLenient: %v", err)
	}
	tr, err := r.Normalize("src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if tr.Key != "src-42" || !tr.ObservedAt.Equal(ms(1000)) {
		t.Errorf("track: got key %q at %v", tr.Key, tr.ObservedAt)
	}
	if tr.Position.Lon != 1.5 || tr.Position.Lat != 2.5 {
		t.Errorf("Position: got %+v", tr.Position)
	}
}

func TestDecodeWebhookLenient_NotJSON(t *testing.T) {
	if _, err := DecodeWebhookLenient([]byte("{")); err == nil {
		t.Error("expected error for truncated body")
	}
}

func TestHubFeature_Normalize(t *testing.T) {
	f := HubFeature{
		ID:   "abc",
		Type: "Feature",
		Properties: HubProperties{
			Name:       "device",
			EntityID:   42,
			DeviceType: "inReach",
			OEMSerial:  "300434000000000",
			Time:       1000,
			Direction:  89.6,
		},
		Geometry: HubGeometry{Type: "Point", Coordinates: []float64{-122.4, 37.7, 12}},
	}

	tr, err := f.Normalize("src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if tr.Course != 90 {
		t.Errorf("Course: got %d, want 90", tr.Course)
	}
	if tr.Metadata.DeviceID != UnknownDeviceID {
		t.Errorf("DeviceID: got %q", tr.Metadata.DeviceID)
	}
	if tr.Metadata.Serial != "300434000000000" {
		t.Errorf("Serial: got %q", tr.Metadata.Serial)
	}
	if tr.DisplayName != "device" {
		t.Errorf("empty alias should fall back to name, got %q", tr.DisplayName)
	}
}

func TestNormalize_SameKeyAcrossChannels(t *testing.T) {
	hook, err := WebhookReport{EntityID: 42, Name: "n"}.Normalize("src")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	bulk, err := HubFeature{
		Type:       "Feature",
		Properties: HubProperties{EntityID: 42, Time: 1},
		Geometry:   HubGeometry{Type: "Point", Coordinates: []float64{0, 0}},
	}.Normalize("src")
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if hook.Key != bulk.Key {
		t.Errorf("keys differ: webhook=%q bulk=%q", hook.Key, bulk.Key)
	}
}

func TestHubFeature_BadGeometry(t *testing.T) {
	tests := []HubGeometry{
		{Type: "Point", Coordinates: []float64{1}},
		{Type: "LineString", Coordinates: []float64{1, 2}},
	}
	for _, g := range tests {
		f := HubFeature{Properties: HubProperties{EntityID: 1}, Geometry: g}
		if _, err := f.Normalize("src"); !errors.Is(err, ErrBadGeometry) {
			t.Errorf("%+v: got %v, want ErrBadGeometry", g, err)
		}
	}
}
