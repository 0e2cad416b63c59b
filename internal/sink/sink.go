// Package sink delivers emitted feature collections downstream.
package sink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/feature"
)

// Batch is one emission. Snapshot is true when the collection is the whole
// retained set (scheduled tick) and false for a single-record delta (webhook).
type Batch struct {
	Snapshot   bool
	Collection feature.FeatureCollection
}

// Submitter hands a batch to a downstream consumer.
type Submitter interface {
	Submit(ctx context.Context, b Batch) error
}

// Multi fans a batch out to every submitter and joins their errors.
type Multi []Submitter

// Submit implements Submitter.
func (m Multi) Submit(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m {
		if err := s.Submit(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes a summary of every batch, and the full payload at debug level.
type Log struct {
	Logger *logrus.Entry
}

// Submit implements Submitter.
func (l Log) Submit(_ context.Context, b Batch) error {
	entry := l.Logger.WithFields(logrus.Fields{
		"component": "sink_log",
		"snapshot":  b.Snapshot,
		"features":  len(b.Collection.Features),
	})
	if entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		data, err := json.Marshal(b.Collection)
		if err == nil {
			entry = entry.WithField("payload", string(data))
		}
	}
	entry.Info("feature collection emitted")
	return nil
}
