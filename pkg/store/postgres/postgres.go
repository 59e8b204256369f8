// Package postgres stores local objects as jsonb documents in PostgreSQL
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/watermark"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS crm_objects (
		local_type  text NOT NULL,
		id          text NOT NULL,
		external_id text,
		doc         jsonb NOT NULL,
		PRIMARY KEY (local_type, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS crm_objects_external_id
		ON crm_objects (local_type, external_id) WHERE external_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		seq      bigserial PRIMARY KEY,
		last_run timestamptz NOT NULL,
		finished timestamptz NOT NULL
	)`,
}

func init() {
	store.Register(config.StorePostgres, func(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Backend, error) {
		return Open(ctx, cfg, logger)
	})
}

// Store is a PostgreSQL backed object store
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// Open creates the connection pool and the tables if needed
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres store requires store.dsn")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "ping postgres")
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "create schema")
		}
	}

	logger.Info("connected to postgres",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns))
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

// NewInstance returns an unsaved object with a fresh local id
func (s *Store) NewInstance(localType string) *record.Record {
	return store.NewInstance(localType)
}

// GetOne finds the object with the given external id
func (s *Store) GetOne(ctx context.Context, localType string, q store.Query) (*record.Record, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM crm_objects WHERE local_type = $1 AND external_id = $2`,
		localType, q.ExternalID,
	).Scan(&doc)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "select object").
			WithDetail("type", localType).
			WithDetail("external_id", q.ExternalID)
	}
	return decode(doc)
}

// PutOne upserts obj keyed by local type and local id
func (s *Store) PutOne(ctx context.Context, localType string, obj *record.Record, opts store.PutOptions) error {
	localID, externalID, err := store.Prepare(obj, opts, s.now())
	if err != nil {
		return err
	}
	doc, err := obj.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "encode object")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO crm_objects (local_type, id, external_id, doc)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (local_type, id)
		DO UPDATE SET external_id = EXCLUDED.external_id, doc = EXCLUDED.doc`,
		localType, localID, externalID, doc,
	)
	if isUniqueViolation(err) {
		return errors.Wrap(err, errors.ErrorTypeConflict, "duplicate externalId").WithDetail("type", localType)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "upsert object").WithDetail("type", localType)
	}
	return nil
}

// Latest returns the most recently appended run
func (s *Store) Latest(ctx context.Context) (*watermark.Run, error) {
	var run watermark.Run
	err := s.pool.QueryRow(ctx,
		`SELECT last_run, finished FROM sync_runs ORDER BY seq DESC LIMIT 1`,
	).Scan(&run.LastRun, &run.Finished)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read watermark")
	}
	return &run, nil
}

// Append inserts run into the log
func (s *Store) Append(ctx context.Context, run watermark.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (last_run, finished) VALUES ($1, $2)`,
		run.LastRun, run.Finished,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "append watermark")
	}
	return nil
}

// Close closes the pool
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func decode(doc []byte) (*record.Record, error) {
	r := record.New()
	if err := r.UnmarshalJSON(doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "decode object")
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
