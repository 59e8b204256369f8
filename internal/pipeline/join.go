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

// nestedRecordsKey holds the related rows of a flattened subquery result
const nestedRecordsKey = "records"

// Joiner rewrites remote relationship ids into local object ids
type Joiner struct {
	store       store.Store
	concurrency int
	logger      *zap.Logger
}

// NewJoiner creates a joiner running at most concurrency records at once
func NewJoiner(s store.Store, concurrency int, logger *zap.Logger) *Joiner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Joiner{
		store:       s,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "joiner")),
	}
}

// Join resolves every join of m for the given raw records. Records with no
// local object and related records that are not synced yet are skipped.
func (j *Joiner) Join(ctx context.Context, m *mapping.Mapping, raws []*record.Record) error {
	if len(m.Joins) == 0 {
		return nil
	}
	logger := j.logger.With(zap.String("mapping", m.Name))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(j.concurrency)

	for _, raw := range raws {
		g.Go(func() error {
			err := j.joinOne(ctx, m, raw, logger)

			status := metrics.StatusSuccess
			if err != nil {
				status = metrics.StatusFailure
				logger.Error("join failed", zap.String("external_id", raw.GetString(record.RemoteIDKey)), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			metrics.RecordsTotal.WithLabelValues(m.Name, metrics.StageJoin, status).Inc()
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), errors.ErrorTypeJoin, "join "+m.LocalType).
			WithDetail("failed", len(errs))
	}
	return nil
}

func (j *Joiner) joinOne(ctx context.Context, m *mapping.Mapping, raw *record.Record, logger *zap.Logger) error {
	externalID := raw.GetString(record.RemoteIDKey)
	owner, err := j.store.GetOne(ctx, m.LocalType, store.ByExternalID(externalID))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeJoin, "look up "+externalID)
	}
	if owner == nil {
		logger.Debug("no local object, skipping joins", zap.String("external_id", externalID))
		return nil
	}

	for _, jm := range m.Joins {
		var changed bool
		if jm.Join.HasMany {
			changed, err = j.resolveMany(ctx, owner, raw, jm, logger)
		} else {
			changed, err = j.resolveOne(ctx, owner, raw, jm, logger)
		}
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if err := j.store.PutOne(ctx, m.LocalType, owner, store.PutOptions{NoVersion: true}); err != nil {
			return errors.Wrap(err, errors.ErrorTypeJoin, "put "+externalID).WithDetail("join", jm.Name)
		}
	}
	return nil
}

// resolveMany appends the local id of every synced related record to the
// relationship list, skipping ids already present
func (j *Joiner) resolveMany(ctx context.Context, owner, raw *record.Record, jm mapping.JoinMapping, logger *zap.Logger) (bool, error) {
	nested, ok := raw.Get(jm.Join.Remote + record.Delimiter + nestedRecordsKey)
	if !ok || nested.Kind() != record.KindList {
		return false, nil
	}

	current, _ := owner.Get(jm.Name)
	ids := current.Items()
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id.Str()] = true
	}

	changed := false
	for _, item := range nested.Items() {
		relatedID := item.Record().GetString(idField(jm))
		if relatedID == "" {
			continue
		}
		localID, err := j.localID(ctx, jm.Join.LocalType, relatedID)
		if err != nil {
			return false, err
		}
		if localID == "" {
			logger.Debug("related object not synced yet",
				zap.String("join", jm.Name), zap.String("related_id", relatedID))
			continue
		}
		if present[localID] {
			continue
		}
		present[localID] = true
		ids = append(ids, record.String(localID))
		changed = true
	}

	if changed {
		owner.Set(jm.Name, record.List(ids...))
	}
	return changed, nil
}

// resolveOne points the relationship field at the related local object
func (j *Joiner) resolveOne(ctx context.Context, owner, raw *record.Record, jm mapping.JoinMapping, logger *zap.Logger) (bool, error) {
	relatedID := raw.GetString(jm.Join.Remote + record.Delimiter + idField(jm))
	if relatedID == "" {
		return false, nil
	}
	localID, err := j.localID(ctx, jm.Join.LocalType, relatedID)
	if err != nil {
		return false, err
	}
	if localID == "" {
		logger.Debug("related object not synced yet",
			zap.String("join", jm.Name), zap.String("related_id", relatedID))
		return false, nil
	}
	if owner.GetString(jm.Name) == localID {
		return false, nil
	}
	owner.Set(jm.Name, record.String(localID))
	return true, nil
}

func (j *Joiner) localID(ctx context.Context, localType, externalID string) (string, error) {
	target, err := j.store.GetOne(ctx, localType, store.ByExternalID(externalID))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeJoin, "look up related "+externalID).
			WithDetail("local_type", localType)
	}
	if target == nil {
		return "", nil
	}
	return target.GetString(record.LocalIDKey), nil
}

func idField(jm mapping.JoinMapping) string {
	if jm.Join.IDField == "" {
		return mapping.DefaultIDField
	}
	return jm.Join.IDField
}
