// Package mysql stores local objects as JSON documents in MySQL
package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/watermark"
)

const errDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS crm_objects (
		local_type  VARCHAR(191) NOT NULL,
		id          VARCHAR(64)  NOT NULL,
		external_id VARCHAR(191) NULL,
		doc         JSON         NOT NULL,
		PRIMARY KEY (local_type, id),
		UNIQUE KEY crm_objects_external_id (local_type, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		seq      BIGINT AUTO_INCREMENT PRIMARY KEY,
		last_run DATETIME(6) NOT NULL,
		finished DATETIME(6) NOT NULL
	)`,
}

func init() {
	store.Register(config.StoreMySQL, func(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Backend, error) {
		return Open(ctx, cfg, logger)
	})
}

// Store is a MySQL backed object store
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to MySQL and creates the tables if needed. Time values are
// always read and written in UTC.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mysql store requires store.dsn")
	}

	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse mysql dsn")
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	if dsn.DBName == "" {
		dsn.DBName = cfg.Database
	}

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "create mysql connector")
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "ping mysql")
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "create schema")
		}
	}

	logger.Info("connected to mysql", zap.String("addr", dsn.Addr), zap.String("database", dsn.DBName))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// NewInstance returns an unsaved object with a fresh local id
func (s *Store) NewInstance(localType string) *record.Record {
	return store.NewInstance(localType)
}

// GetOne finds the object with the given external id
func (s *Store) GetOne(ctx context.Context, localType string, q store.Query) (*record.Record, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM crm_objects WHERE local_type = ? AND external_id = ?`,
		localType, q.ExternalID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "select object").
			WithDetail("type", localType).
			WithDetail("external_id", q.ExternalID)
	}

	r := record.New()
	if err := r.UnmarshalJSON(doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "decode object")
	}
	return r, nil
}

// PutOne upserts obj keyed by local type and local id. ON DUPLICATE KEY
// fires for any unique key, so an external id owned by another object is
// checked first inside the same transaction.
func (s *Store) PutOne(ctx context.Context, localType string, obj *record.Record, opts store.PutOptions) (err error) {
	localID, externalID, err := store.Prepare(obj, opts, s.now())
	if err != nil {
		return err
	}
	doc, err := obj.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "encode object")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if externalID != "" {
		var owner string
		scanErr := tx.QueryRowContext(ctx,
			`SELECT id FROM crm_objects WHERE local_type = ? AND external_id = ? FOR UPDATE`,
			localType, externalID,
		).Scan(&owner)
		switch {
		case scanErr == sql.ErrNoRows:
		case scanErr != nil:
			return errors.Wrap(scanErr, errors.ErrorTypeStorage, "check externalId owner")
		case owner != localID:
			return errors.Newf(errors.ErrorTypeConflict, "%s with externalId %s already exists", localType, externalID).
				WithDetail("local_id", owner)
		}
	}

	var ext sql.NullString
	if externalID != "" {
		ext = sql.NullString{String: externalID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO crm_objects (local_type, id, external_id, doc) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE external_id = VALUES(external_id), doc = VALUES(doc)`,
		localType, localID, ext, string(doc),
	)
	if isDuplicate(err) {
		return errors.Wrap(err, errors.ErrorTypeConflict, "duplicate externalId").WithDetail("type", localType)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "upsert object").WithDetail("type", localType)
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "commit")
	}
	return nil
}

// Latest returns the most recently appended run
func (s *Store) Latest(ctx context.Context) (*watermark.Run, error) {
	var run watermark.Run
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run, finished FROM sync_runs ORDER BY seq DESC LIMIT 1`,
	).Scan(&run.LastRun, &run.Finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read watermark")
	}
	return &run, nil
}

// Append inserts run into the log
func (s *Store) Append(ctx context.Context, run watermark.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (last_run, finished) VALUES (?, ?)`,
		run.LastRun.UTC(), run.Finished.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "append watermark")
	}
	return nil
}

// Close closes the database handle
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}
