// Package store defines the local object store the sync engine writes to.
// Backends live in sub-packages and register themselves by driver name.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/watermark"
)

// Query selects a single local object
type Query struct {
	ExternalID string
}

// ByExternalID selects the object mirroring the given remote id
func ByExternalID(id string) Query {
	return Query{ExternalID: id}
}

// PutOptions control a write
type PutOptions struct {
	// NoVersion skips the _version and _updatedAt bookkeeping. Relationship
	// updates use it so they do not count as content changes.
	NoVersion bool
}

// Store is the local object store
type Store interface {
	// NewInstance returns an unsaved object of localType with a fresh local id
	NewInstance(localType string) *record.Record
	// GetOne returns the matching object, or nil when there is none
	GetOne(ctx context.Context, localType string, q Query) (*record.Record, error)
	// PutOne inserts or replaces obj, keyed by its local id
	PutOne(ctx context.Context, localType string, obj *record.Record, opts PutOptions) error
}

// Backend is a Store that also keeps the watermark log
type Backend interface {
	Store
	watermark.Store
	Close(ctx context.Context) error
}

// NewInstance builds an unsaved object carrying a UUID local id and its type.
// Backends use it to implement Store.NewInstance.
func NewInstance(localType string) *record.Record {
	obj := record.New()
	obj.Set(record.LocalIDKey, record.String(uuid.NewString()))
	obj.Set(record.TypeKey, record.String(localType))
	return obj
}

// Prepare validates obj before a write and applies version bookkeeping
// unless opts.NoVersion is set. It returns the local and external ids.
func Prepare(obj *record.Record, opts PutOptions, now time.Time) (localID, externalID string, err error) {
	if obj == nil {
		return "", "", errors.New(errors.ErrorTypeValidation, "nil object")
	}
	localID = obj.GetString(record.LocalIDKey)
	if localID == "" {
		return "", "", errors.New(errors.ErrorTypeValidation, "object has no local id")
	}
	externalID = obj.GetString(record.ExternalIDKey)

	if !opts.NoVersion {
		var version float64
		if v, ok := obj.Get(record.VersionKey); ok {
			version, _ = v.Float()
		}
		obj.Set(record.VersionKey, record.Number(version+1))
		obj.Set(record.UpdatedAtKey, record.String(now.UTC().Format(time.RFC3339Nano)))
	}
	return localID, externalID, nil
}
