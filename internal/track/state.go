package track

import (
	"encoding/json"
	"sort"
	"time"
)

// State is the ephemeral store carried between invocations: the latest track
// per device key plus the time of the last successful bulk pull.
//
// A State is loaded at the start of an invocation, mutated in place and saved
// at the end. It is not safe for concurrent use; callers serialize access
// around the load/save boundary.
type State struct {
	Devices    map[string]DeviceTrack
	LastSyncAt *time.Time
}

// NewState returns an empty state, as seen on first use.
func NewState() *State {
	return &State{Devices: make(map[string]DeviceTrack)}
}

// Len returns the number of tracked devices.
func (s *State) Len() int {
	return len(s.Devices)
}

// Get returns the track stored under key.
func (s *State) Get(key string) (DeviceTrack, bool) {
	t, ok := s.Devices[key]
	return t, ok
}

// Upsert stores t under its key, replacing any previous entry whole.
func (s *State) Upsert(t DeviceTrack) {
	if s.Devices == nil {
		s.Devices = make(map[string]DeviceTrack)
	}
	s.Devices[t.Key] = t
}

// MergeBulk upserts every track of a bulk pull and records now as the last
// sync time. Entries absent from the pull are kept; they leave only by
// eviction.
func (s *State) MergeBulk(tracks []DeviceTrack, now time.Time) {
	for _, t := range tracks {
		s.Upsert(t)
	}
	synced := now
	s.LastSyncAt = &synced
}

// Evict removes every entry older than retention at now and returns the
// removed keys in sorted order. An entry whose age equals retention is kept.
func (s *State) Evict(retention time.Duration, now time.Time) []string {
	var removed []string
	for k, t := range s.Devices {
		if t.Age(now) > retention {
			delete(s.Devices, k)
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	return removed
}

// Tracks returns the stored tracks ordered by key.
func (s *State) Tracks() []DeviceTrack {
	keys := make([]string, 0, len(s.Devices))
	for k := range s.Devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]DeviceTrack, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.Devices[k])
	}
	return out
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	cp := &State{Devices: make(map[string]DeviceTrack, len(s.Devices))}
	for k, v := range s.Devices {
		cp.Devices[k] = v
	}
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		cp.LastSyncAt = &t
	}
	return cp
}

// persistedState is the serialized form of a State.
type persistedState struct {
	LastSyncAt *int64                 `json:"lastSyncAt,omitempty"`
	Devices    map[string]DeviceTrack `json:"devices"`
}

// MarshalJSON encodes the state with the sync time as epoch milliseconds.
func (s *State) MarshalJSON() ([]byte, error) {
	p := persistedState{Devices: s.Devices}
	if p.Devices == nil {
		p.Devices = map[string]DeviceTrack{}
	}
	if s.LastSyncAt != nil {
		ms := s.LastSyncAt.UnixMilli()
		p.LastSyncAt = &ms
	}
	return json.Marshal(p)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.Devices = p.Devices
	if s.Devices == nil {
		s.Devices = make(map[string]DeviceTrack)
	}
	s.LastSyncAt = nil
	if p.LastSyncAt != nil {
		t := fromEpochMillis(*p.LastSyncAt)
		s.LastSyncAt = &t
	}
	return nil
}
