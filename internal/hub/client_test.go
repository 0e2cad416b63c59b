package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/config"
)

const latestBody = `{
  "type": "FeatureCollection",
  "features": [
    {
      "id": "f1",
      "type": "Feature",
      "properties": {
        "name": "Alice", "entityId": 42, "entityType": "device", "deviceType": "inReach Mini",
        "alias": "", "oemSerial": "300434", "teamId": 9, "time": 1000,
        "inboundMessageId": 1, "direction": 90
      },
      "geometry": {"type": "Point", "coordinates": [-122.4, 37.7]}
    }
  ]
}`

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(endpoint, 2*time.Second, 0, 0, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLatest_RequestParameters(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(latestBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v2/api/tracks")
	features, err := c.Latest(context.Background(), Query{
		TokenID: "tok",
		Since:   time.UnixMilli(1_700_000_000_000),
	})
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(features) != 1 || features[0].Properties.EntityID != 42 {
		t.Fatalf("features: got %+v", features)
	}

	q := gotQuery.Load().(url.Values)
	if got := q.Get("tokenId"); got != "tok" {
		t.Errorf("tokenId: got %q", got)
	}
	if got := q.Get("noEarlierThan"); got != "1700000000000" {
		t.Errorf("noEarlierThan: got %q", got)
	}
	if got := q.Get("latestPositionOnly"); got != "true" {
		t.Errorf("latestPositionOnly: got %q", got)
	}
}

func TestFormatTimeBound(t *testing.T) {
	ts := time.UnixMilli(1_000).UTC()
	if got := FormatTimeBound(ts, config.TimeBoundEpochMillis); got != "1000" {
		t.Errorf("epoch_ms: got %q", got)
	}
	if got := FormatTimeBound(ts, config.TimeBoundISO8601); got != "1970-01-01T00:00:01.000Z" {
		t.Errorf("iso8601: got %q", got)
	}
}

func TestLatest_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusBadGateway, "oops", ErrUnexpectedStatus},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad token"}`, ErrUnexpectedStatus},
		{"not json", http.StatusOK, "<html>", ErrShape},
		{"wrong type", http.StatusOK, `{"type":"Feature","features":[]}`, ErrShape},
		{"missing entity", http.StatusOK, `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"time":1},"geometry":{"type":"Point","coordinates":[1,2]}}]}`, ErrShape},
		{"short coordinates", http.StatusOK, `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"entityId":1,"time":1},"geometry":{"type":"Point","coordinates":[1]}}]}`, ErrShape},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Latest(context.Background(), Query{TokenID: "t"})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err: got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestLatest_EmptyCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer srv.Close()

	features, err := newTestClient(t, srv.URL).Latest(context.Background(), Query{TokenID: "t"})
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(features) != 0 {
		t.Errorf("features: got %d, want 0", len(features))
	}
}

func TestLatest_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _ = newTestClient(t, srv.URL).Latest(context.Background(), Query{TokenID: "t"})
	if n := calls.Load(); n != 1 {
		t.Errorf("requests: got %d, want 1", n)
	}
}

func TestLatest_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := newTestClient(t, srv.URL).Latest(ctx, Query{TokenID: "t"}); err == nil {
		t.Error("expected error from cancelled request")
	}
}

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New("ftp://example.com/tracks", time.Second, 0, 0, testLogger()); err == nil {
		t.Error("expected error for ftp scheme")
	}
}
