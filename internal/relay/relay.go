// Package relay runs the two units of work of the service: a webhook
// invocation that folds one report into the cache, and a scheduled tick that
// resyncs from the bulk API when due, evicts stale tracks and emits the
// retained snapshot.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/config"
	"github.com/everywhere-relay/everywhere-relay/internal/feature"
	"github.com/everywhere-relay/everywhere-relay/internal/hub"
	"github.com/everywhere-relay/everywhere-relay/internal/sink"
	"github.com/everywhere-relay/everywhere-relay/internal/store"
	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// ErrNoToken is returned by the bulk pull when no access token is configured.
var ErrNoToken = errors.New("no hub access token configured")

// Fetcher is the bulk "latest position per device" query.
type Fetcher interface {
	Latest(ctx context.Context, q hub.Query) ([]track.HubFeature, error)
}

// Relay owns the invocation flow. It holds no device state of its own beyond
// the last snapshot it saw, which is kept for read-only consumers.
type Relay struct {
	cfg     *config.Holder
	fetcher Fetcher
	store   store.Store
	sink    sink.Submitter
	logger  *logrus.Entry
	now     func() time.Time

	mu   sync.RWMutex
	last *track.State
}

// New creates a Relay. sink may be nil, in which case emissions are only
// returned to the caller.
func New(cfg *config.Holder, fetcher Fetcher, st store.Store, out sink.Submitter, logger *logrus.Entry) *Relay {
	return &Relay{
		cfg:     cfg,
		fetcher: fetcher,
		store:   st,
		sink:    out,
		logger:  logger.WithField("component", "relay"),
		now:     time.Now,
	}
}

// HandleWebhook applies one pushed report as an incremental upsert and emits
// the single resulting feature. No eviction runs on this path.
func (r *Relay) HandleWebhook(ctx context.Context, rec track.Record) (feature.FeatureCollection, error) {
	cfg := r.cfg.Get()
	log := r.invocationLogger("webhook")

	t, err := rec.Normalize(cfg.Hub.KeyPrefix)
	if err != nil {
		webhooksTotal.WithLabelValues("rejected").Inc()
		return feature.FeatureCollection{}, fmt.Errorf("normalizing report: %w", err)
	}

	if _, err := r.update(ctx, log, func(s *track.State) { s.Upsert(t) }); err != nil {
		webhooksTotal.WithLabelValues("failed").Inc()
		return feature.FeatureCollection{}, err
	}
	webhooksTotal.WithLabelValues("accepted").Inc()
	log.WithFields(logrus.Fields{
		"key":         t.Key,
		"observed_at": t.ObservedAt,
	}).Debug("track upserted")

	fc := feature.Collection(t)
	r.emit(ctx, log, sink.Batch{Collection: fc})
	return fc, nil
}

// Tick runs one scheduled invocation. The upstream fetch, when due, happens
// before the store lock is taken so that the load-save window stays short. A
// failed pull is logged and the tick continues on the eviction-only path.
func (r *Relay) Tick(ctx context.Context) (feature.FeatureCollection, error) {
	cfg := r.cfg.Get()
	log := r.invocationLogger("tick")
	now := r.now()

	peek, err := r.load(ctx, log)
	if err != nil {
		return feature.FeatureCollection{}, err
	}

	gate := track.Gate{Refresh: cfg.Hub.CacheRefresh()}
	gs := gate.Evaluate(peek, now)
	log = log.WithField("gate", gs.String())

	var pulled []track.DeviceTrack
	synced := false
	if gs == track.Stale {
		pulled, err = r.pull(ctx, cfg, now, log)
		switch {
		case errors.Is(err, ErrNoToken):
			pullsTotal.WithLabelValues("no_token").Inc()
			log.Debug("no access token, bulk pull skipped")
		case err != nil:
			pullsTotal.WithLabelValues("failed").Inc()
			log.WithError(err).Warn("bulk pull failed, gate stays stale")
		default:
			synced = true
			pullsTotal.WithLabelValues("ok").Inc()
		}
	} else {
		pullsTotal.WithLabelValues("fresh").Inc()
	}

	var evicted []string
	s, err := r.update(ctx, log, func(s *track.State) {
		if synced {
			s.MergeBulk(pulled, now)
		}
		// Retention is measured at emission, after the fetch and lock wait.
		evicted = s.Evict(cfg.Hub.Retention(), r.now())
	})
	if err != nil {
		return feature.FeatureCollection{}, err
	}

	evictionsTotal.Add(float64(len(evicted)))
	if synced {
		lastSyncTimestamp.Set(float64(now.Unix()))
	}
	log.WithFields(logrus.Fields{
		"pulled":  len(pulled),
		"evicted": len(evicted),
		"devices": s.Len(),
	}).Info("tick complete")

	fc := feature.FromState(s)
	r.emit(ctx, log, sink.Batch{Snapshot: true, Collection: fc})
	return fc, nil
}

// Snapshot returns the retained collection as of now without mutating the
// store.
func (r *Relay) Snapshot(ctx context.Context) (feature.FeatureCollection, error) {
	cfg := r.cfg.Get()
	s, err := r.load(ctx, r.logger)
	if err != nil {
		return feature.FeatureCollection{}, err
	}
	s.Evict(cfg.Hub.Retention(), r.now())
	return feature.FromState(s), nil
}

// Current returns a copy of the last state this relay loaded or saved, or an
// empty state before the first invocation.
func (r *Relay) Current() *track.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return track.NewState()
	}
	return r.last.Clone()
}

// pull fetches and normalizes the latest position of every device reported
// within the retention window. It makes a single attempt bounded by the
// configured request timeout.
func (r *Relay) pull(ctx context.Context, cfg *config.Config, now time.Time, log *logrus.Entry) ([]track.DeviceTrack, error) {
	if cfg.Hub.TokenID == "" {
		return nil, ErrNoToken
	}
	if r.fetcher == nil {
		return nil, errors.New("no hub client configured")
	}

	fctx, cancel := context.WithTimeout(ctx, cfg.Hub.RequestTimeout())
	defer cancel()

	features, err := r.fetcher.Latest(fctx, hub.Query{
		TokenID:         cfg.Hub.TokenID,
		Since:           now.Add(-cfg.Hub.Retention()),
		TimeBoundFormat: cfg.Hub.TimeBoundFormat,
	})
	if err != nil {
		return nil, err
	}

	tracks := make([]track.DeviceTrack, 0, len(features))
	for _, f := range features {
		t, err := f.Normalize(cfg.Hub.KeyPrefix)
		if err != nil {
			log.WithError(err).WithField("feature_id", f.ID).Warn("skipping bulk feature")
			continue
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// update runs one load-mutate-save cycle under the store lock. mutate must
// not block.
func (r *Relay) update(ctx context.Context, log *logrus.Entry, mutate func(*track.State)) (*track.State, error) {
	unlock, err := r.store.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("locking state: %w", err)
	}
	defer unlock()

	s, err := r.load(ctx, log)
	if err != nil {
		return nil, err
	}
	mutate(s)
	if err := r.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}
	r.remember(s)
	return s, nil
}

// load reads the persisted state. A corrupt snapshot is replaced by an empty
// state; an unreachable backend is an error.
func (r *Relay) load(ctx context.Context, log *logrus.Entry) (*track.State, error) {
	s, err := r.store.Load(ctx)
	if errors.Is(err, store.ErrCorruptState) {
		log.WithError(err).Warn("discarding corrupt state")
		return track.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	r.remember(s)
	return s, nil
}

func (r *Relay) remember(s *track.State) {
	cp := s.Clone()
	r.mu.Lock()
	r.last = cp
	r.mu.Unlock()
}

// emit hands the batch downstream. Delivery failures do not fail the
// invocation; the state is already saved.
func (r *Relay) emit(ctx context.Context, log *logrus.Entry, b sink.Batch) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Submit(ctx, b); err != nil {
		emitFailuresTotal.Inc()
		log.WithError(err).Error("emitting feature collection")
	}
}

func (r *Relay) invocationLogger(kind string) *logrus.Entry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return r.logger.WithFields(logrus.Fields{
		"invocation": id.String(),
		"kind":       kind,
	})
}
