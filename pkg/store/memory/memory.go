// Package memory is an in-process object store. It backs tests and
// single-node deployments that do not need durable storage.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/watermark"
)

func init() {
	store.Register(config.StoreMemory, func(context.Context, config.StoreConfig, *zap.Logger) (store.Backend, error) {
		return New(), nil
	})
}

type collection struct {
	byID       map[string]*record.Record
	byExternal map[string]string
}

// Store keeps objects in maps keyed by local type. Objects are cloned on
// the way in and out.
type Store struct {
	*watermark.Memory

	mu    sync.RWMutex
	types map[string]*collection
	now   func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		Memory: watermark.NewMemory(),
		types:  make(map[string]*collection),
		now:    time.Now,
	}
}

// NewInstance returns an unsaved object with a fresh local id
func (s *Store) NewInstance(localType string) *record.Record {
	return store.NewInstance(localType)
}

// GetOne looks up an object by external id
func (s *Store) GetOne(_ context.Context, localType string, q store.Query) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.types[localType]
	if !ok {
		return nil, nil
	}
	id, ok := c.byExternal[q.ExternalID]
	if !ok {
		return nil, nil
	}
	return c.byID[id].Clone(), nil
}

// PutOne inserts or replaces obj. A second object claiming an external id
// already owned by another local id is rejected.
func (s *Store) PutOne(_ context.Context, localType string, obj *record.Record, opts store.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := obj.Clone()
	localID, externalID, err := store.Prepare(stored, opts, s.now())
	if err != nil {
		return err
	}

	c, ok := s.types[localType]
	if !ok {
		c = &collection{byID: make(map[string]*record.Record), byExternal: make(map[string]string)}
		s.types[localType] = c
	}

	if externalID != "" {
		if owner, taken := c.byExternal[externalID]; taken && owner != localID {
			return errors.Newf(errors.ErrorTypeConflict, "%s with externalId %s already exists", localType, externalID).
				WithDetail("local_id", owner)
		}
	}
	if prev, ok := c.byID[localID]; ok {
		if prevExt := prev.GetString(record.ExternalIDKey); prevExt != "" && prevExt != externalID {
			delete(c.byExternal, prevExt)
		}
	}

	c.byID[localID] = stored
	if externalID != "" {
		c.byExternal[externalID] = localID
	}

	// reflect bookkeeping back to the caller like a database write would
	if !opts.NoVersion {
		v, _ := stored.Get(record.VersionKey)
		obj.Set(record.VersionKey, v)
		u, _ := stored.Get(record.UpdatedAtKey)
		obj.Set(record.UpdatedAtKey, u)
	}
	return nil
}

// Count returns the number of objects of localType
func (s *Store) Count(localType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.types[localType]; ok {
		return len(c.byID)
	}
	return 0
}

// All returns clones of every object of localType in no particular order
func (s *Store) All(localType string) []*record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.types[localType]
	if !ok {
		return nil
	}
	out := make([]*record.Record, 0, len(c.byID))
	for _, obj := range c.byID {
		out = append(out, obj.Clone())
	}
	return out
}

// Close is a no-op
func (s *Store) Close(context.Context) error { return nil }
