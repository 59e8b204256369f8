// Package mongo stores local objects in MongoDB, one collection per local
// type with a unique index on externalId. The watermark log lives in the
// sync_runs collection.
package mongo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/watermark"
)

// RunsCollection holds the watermark log
const RunsCollection = "sync_runs"

func init() {
	store.Register(config.StoreMongoDB, func(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Backend, error) {
		return Open(ctx, cfg, logger)
	})
}

// Store is a MongoDB backed object store
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time

	indexMu sync.Mutex
	indexed map[string]bool
}

// Open connects to MongoDB and verifies the server is reachable
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mongodb store requires store.dsn")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "ping mongodb")
	}

	logger.Info("connected to mongodb", zap.String("database", cfg.Database))
	return New(client.Database(cfg.Database), logger), nil
}

// New wraps an existing database handle
func New(db *mongo.Database, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:  db.Client(),
		db:      db,
		logger:  logger,
		now:     time.Now,
		indexed: make(map[string]bool),
	}
}

// NewInstance returns an unsaved object with a fresh local id
func (s *Store) NewInstance(localType string) *record.Record {
	return store.NewInstance(localType)
}

// GetOne finds the object with the given external id
func (s *Store) GetOne(ctx context.Context, localType string, q store.Query) (*record.Record, error) {
	var doc bson.D
	err := s.db.Collection(localType).
		FindOne(ctx, bson.D{{Key: record.ExternalIDKey, Value: q.ExternalID}}).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "find object").
			WithDetail("type", localType).
			WithDetail("external_id", q.ExternalID)
	}
	return FromDocument(doc), nil
}

// PutOne replaces the document with obj's local id, inserting it if absent
func (s *Store) PutOne(ctx context.Context, localType string, obj *record.Record, opts store.PutOptions) error {
	if err := s.ensureIndex(ctx, localType); err != nil {
		return err
	}

	localID, _, err := store.Prepare(obj, opts, s.now())
	if err != nil {
		return err
	}

	_, err = s.db.Collection(localType).ReplaceOne(ctx,
		bson.D{{Key: record.LocalIDKey, Value: localID}},
		ToDocument(obj),
		options.Replace().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return errors.Wrap(err, errors.ErrorTypeConflict, "duplicate externalId").WithDetail("type", localType)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "replace object").WithDetail("type", localType)
	}
	return nil
}

func (s *Store) ensureIndex(ctx context.Context, localType string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.indexed[localType] {
		return nil
	}

	_, err := s.db.Collection(localType).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: record.ExternalIDKey, Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: record.ExternalIDKey, Value: bson.D{{Key: "$exists", Value: true}}}}),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create externalId index").WithDetail("type", localType)
	}
	s.indexed[localType] = true
	s.logger.Debug("externalId index ensured", zap.String("collection", localType))
	return nil
}

// Latest returns the most recently inserted run
func (s *Store) Latest(ctx context.Context) (*watermark.Run, error) {
	var run watermark.Run
	err := s.db.Collection(RunsCollection).
		FindOne(ctx, bson.D{}, options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})).
		Decode(&run)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read watermark")
	}
	return &run, nil
}

// Append inserts run. ObjectIDs are monotonic per process, which keeps the
// _id sort in insertion order.
func (s *Store) Append(ctx context.Context, run watermark.Run) error {
	_, err := s.db.Collection(RunsCollection).InsertOne(ctx, bson.D{
		{Key: "_id", Value: primitive.NewObjectID()},
		{Key: "lastRun", Value: run.LastRun},
		{Key: "finished", Value: run.Finished},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "append watermark")
	}
	return nil
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ToDocument converts a record to an ordered BSON document
func ToDocument(r *record.Record) bson.D {
	doc := make(bson.D, 0, r.Len())
	r.Range(func(key string, v record.Value) bool {
		doc = append(doc, bson.E{Key: key, Value: toBSON(v)})
		return true
	})
	return doc
}

func toBSON(v record.Value) any {
	switch v.Kind() {
	case record.KindList:
		items := v.Items()
		out := make(bson.A, len(items))
		for i, item := range items {
			out[i] = toBSON(item)
		}
		return out
	case record.KindObject:
		return ToDocument(v.Record())
	default:
		return v.Interface()
	}
}

// FromDocument converts a decoded BSON document back to a record
func FromDocument(doc bson.D) *record.Record {
	r := record.New()
	for _, e := range doc {
		r.Set(e.Key, fromBSON(e.Value))
	}
	return r
}

func fromBSON(raw any) record.Value {
	switch t := raw.(type) {
	case bson.D:
		return record.Object(FromDocument(t))
	case bson.A:
		items := make([]record.Value, len(t))
		for i, item := range t {
			items[i] = fromBSON(item)
		}
		return record.List(items...)
	case primitive.DateTime:
		return record.String(t.Time().UTC().Format(time.RFC3339Nano))
	case primitive.ObjectID:
		return record.String(t.Hex())
	default:
		return record.FromAny(raw)
	}
}
