package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/feature"
	"github.com/everywhere-relay/everywhere-relay/internal/scheduler"
	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func batchOf(snapshot bool, keys ...string) Batch {
	var tracks []track.DeviceTrack
	for _, k := range keys {
		tracks = append(tracks, track.DeviceTrack{Key: k, ObservedAt: time.UnixMilli(1000).UTC()})
	}
	return Batch{Snapshot: snapshot, Collection: feature.Collection(tracks...)}
}

// recorder is a Submitter that remembers what it was given.
type recorder struct {
	mu      sync.Mutex
	batches []Batch
	err     error
}

func (r *recorder) Submit(_ context.Context, b Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{}, &recorder{err: boom}

	err := Multi{a, b}.Submit(context.Background(), batchOf(true, "x"))

	if !errors.Is(err, boom) {
		t.Errorf("err: got %v, want boom", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("deliveries: a=%d b=%d, want 1 each", a.count(), b.count())
	}
}

func TestHTTP_PostsCollection(t *testing.T) {
	var gotAuth, gotType string
	var got feature.FeatureCollection
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, "tok", time.Second)
	if err := h.Submit(context.Background(), batchOf(false, "inreach-1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization: got %q", gotAuth)
	}
	if gotType != "application/geo+json" {
		t.Errorf("Content-Type: got %q", gotType)
	}
	if len(got.Features) != 1 || got.Features[0].ID != "inreach-1" {
		t.Errorf("body: got %+v", got)
	}
}

func TestHTTP_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewHTTP(srv.URL, "", time.Second).Submit(context.Background(), batchOf(true)); err == nil {
		t.Error("expected error on 500")
	}
}

func TestQueued_DeliversInOrder(t *testing.T) {
	rec := &recorder{}
	q := scheduler.NewTaskQueue(8, quietLogger())
	s := NewQueued(rec, q, time.Second, quietLogger())

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Submit(context.Background(), batchOf(false, k)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Start(ctx) // drains and returns

	if rec.count() != 3 {
		t.Fatalf("deliveries: got %d, want 3", rec.count())
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := rec.batches[i].Collection.Features[0].ID; got != want {
			t.Errorf("delivery %d: got %q, want %q", i, got, want)
		}
	}
}

func TestQueued_Full(t *testing.T) {
	q := scheduler.NewTaskQueue(1, quietLogger())
	s := NewQueued(&recorder{}, q, time.Second, quietLogger())

	_ = s.Submit(context.Background(), batchOf(false, "a"))
	if err := s.Submit(context.Background(), batchOf(false, "b")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err: got %v, want ErrQueueFull", err)
	}
}

func readCollection(t *testing.T, c *websocket.Conn) feature.FeatureCollection {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var fc feature.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return fc
}

func TestWebSocketHub_GreetsAndBroadcasts(t *testing.T) {
	hub := NewWebSocketHub(quietLogger())
	_ = hub.Submit(context.Background(), batchOf(true, "a", "b"))
	_ = hub.Submit(context.Background(), batchOf(false, "c"))

	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	greeting := readCollection(t, conn)
	if len(greeting.Features) != 3 {
		t.Fatalf("greeting: got %d features, want 3", len(greeting.Features))
	}

	// A new snapshot replaces the view and reaches connected clients.
	if err := hub.Submit(context.Background(), batchOf(true, "z")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	update := readCollection(t, conn)
	if len(update.Features) != 1 || update.Features[0].ID != "z" {
		t.Errorf("update: got %+v", update)
	}
}

func TestWebSocketHub_DropsClientWithFullQueue(t *testing.T) {
	hub := NewWebSocketHub(quietLogger())
	stalled := &wsClient{send: make(chan []byte, 1)}
	stalled.send <- []byte("{}")
	hub.clients[stalled] = struct{}{}

	done := make(chan error, 1)
	go func() { done <- hub.Submit(context.Background(), batchOf(true, "a")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a client that is not reading")
	}

	if n := hub.Clients(); n != 0 {
		t.Errorf("clients: got %d, want 0", n)
	}
	<-stalled.send
	if _, open := <-stalled.send; open {
		t.Error("send queue of dropped client still open")
	}
}

func TestWebSocketHub_SlowClientDoesNotDelayOthers(t *testing.T) {
	hub := NewWebSocketHub(quietLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	stalled := &wsClient{send: make(chan []byte, wsSendBuffer)}
	for range wsSendBuffer {
		stalled.send <- []byte("{}")
	}
	hub.mu.Lock()
	hub.clients[stalled] = struct{}{}
	hub.mu.Unlock()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	readCollection(t, conn)

	if err := hub.Submit(context.Background(), batchOf(true, "z")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	update := readCollection(t, conn)
	if len(update.Features) != 1 || update.Features[0].ID != "z" {
		t.Errorf("update: got %+v", update)
	}
	if n := hub.Clients(); n != 1 {
		t.Errorf("clients: got %d, want 1", n)
	}
}

func TestLog_NeverFails(t *testing.T) {
	if err := (Log{Logger: quietLogger()}).Submit(context.Background(), batchOf(true, "a")); err != nil {
		t.Errorf("Submit: %v", err)
	}
}
