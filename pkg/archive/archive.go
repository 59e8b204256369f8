// Package archive uploads gzip-compressed JSON Lines snapshots of the raw
// records fetched by each run. Snapshots allow replaying or auditing a run
// without going back to the remote source.
package archive

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/json"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
	"github.com/ajitpratap0/crmsync/pkg/record"
)

// Uploader is the subset of manager.Uploader used here
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver writes run snapshots to a bucket
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// New creates an archiver on top of an uploader
func New(uploader Uploader, bucket, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logger.With(zap.String("component", "archive"), zap.String("bucket", bucket)),
	}
}

// FromConfig builds an S3 archiver, or returns nil when archiving is disabled
func FromConfig(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "archive.bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 8 * 1024 * 1024
		u.Concurrency = 2
	})
	return New(uploader, cfg.Bucket, cfg.Prefix, logger), nil
}

// Key returns the object key for a mapping snapshot
func (a *Archiver) Key(mappingName string, runStart time.Time) string {
	return path.Join(a.prefix, mappingName, runStart.UTC().Format(time.RFC3339)+".jsonl.gz")
}

// Archive uploads records as one gzip JSON Lines object
func (a *Archiver) Archive(ctx context.Context, mappingName string, runStart time.Time, records []*record.Record) error {
	body, err := Encode(records)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues(mappingName, metrics.StatusFailure).Inc()
		return err
	}

	key := a.Key(mappingName, runStart)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"mapping": mappingName,
			"records": strconv.Itoa(len(records)),
		},
	})
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues(mappingName, metrics.StatusFailure).Inc()
		return errors.Wrap(err, errors.ErrorTypeStorage, "upload archive").WithDetail("key", key)
	}

	metrics.ArchiveUploads.WithLabelValues(mappingName, metrics.StatusSuccess).Inc()
	a.logger.Debug("archive uploaded",
		zap.String("key", key),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(body)))
	return nil
}

// Encode renders records as gzip-compressed JSON Lines
func Encode(records []*record.Record) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewLinesEncoder(zw)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode record")
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "close gzip writer")
	}
	return buf.Bytes(), nil
}
