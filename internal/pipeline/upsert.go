package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/mapping"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
)

// DefaultConcurrency bounds store operations per mapping
const DefaultConcurrency = 3

// Upserter merges candidates into the local store keyed by externalId
type Upserter struct {
	store       store.Store
	concurrency int
	logger      *zap.Logger
}

// NewUpserter creates an upserter running at most concurrency writes at once
func NewUpserter(s store.Store, concurrency int, logger *zap.Logger) *Upserter {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Upserter{
		store:       s,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "upserter")),
	}
}

// Save upserts every candidate and returns how many were written. A failed
// item does not stop its siblings; all failures are joined into one upsert
// error.
func (u *Upserter) Save(ctx context.Context, m *mapping.Mapping, candidates []*record.Record) (int, error) {
	logger := u.logger.With(zap.String("mapping", m.Name), zap.String("local_type", m.LocalType))
	batch := collapse(candidates)

	var (
		mu    sync.Mutex
		errs  []error
		saved int
	)
	var g errgroup.Group
	g.SetLimit(u.concurrency)

	for _, candidate := range batch {
		g.Go(func() error {
			externalID := candidate.GetString(record.ExternalIDKey)
			err := u.saveOne(ctx, m.LocalType, candidate)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.RecordsTotal.WithLabelValues(m.Name, metrics.StageUpsert, metrics.StatusFailure).Inc()
				logger.Error("upsert failed", zap.String("external_id", externalID), zap.Error(err))
				errs = append(errs, err)
				return nil
			}
			metrics.RecordsTotal.WithLabelValues(m.Name, metrics.StageUpsert, metrics.StatusSuccess).Inc()
			saved++
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return saved, errors.Wrap(errors.Join(errs...), errors.ErrorTypeUpsert, "save "+m.LocalType).
			WithDetail("failed", len(errs)).
			WithDetail("saved", saved)
	}
	logger.Info("upsert complete", zap.Int("saved", saved))
	return saved, nil
}

func (u *Upserter) saveOne(ctx context.Context, localType string, candidate *record.Record) error {
	externalID := candidate.GetString(record.ExternalIDKey)
	obj, err := u.store.GetOne(ctx, localType, store.ByExternalID(externalID))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpsert, "look up "+externalID)
	}
	if obj == nil {
		obj = u.store.NewInstance(localType)
	}
	obj.Merge(candidate)

	if err := u.store.PutOne(ctx, localType, obj, store.PutOptions{}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpsert, "put "+externalID)
	}
	return nil
}

// collapse merges candidates sharing an externalId so no two workers race
// to create the same object. Later candidates win; first-seen order is kept.
func collapse(candidates []*record.Record) []*record.Record {
	index := make(map[string]int, len(candidates))
	out := make([]*record.Record, 0, len(candidates))
	for _, c := range candidates {
		id := c.GetString(record.ExternalIDKey)
		if i, ok := index[id]; ok {
			out[i].Merge(c)
			continue
		}
		index[id] = len(out)
		out = append(out, c.Clone())
	}
	return out
}
