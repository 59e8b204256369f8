package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/connection"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/mapping"
	"github.com/ajitpratap0/crmsync/pkg/metrics"
	"github.com/ajitpratap0/crmsync/pkg/query"
	"github.com/ajitpratap0/crmsync/pkg/record"
)

// Fetcher runs a mapping's query and buffers the flattened results
type Fetcher struct {
	maxResults int
	maxPages   int
	logger     *zap.Logger
}

// NewFetcher creates a fetcher. maxResults caps the rows per mapping in the
// query and in the paging loop; maxPages caps the pages requested.
func NewFetcher(maxResults, maxPages int, logger *zap.Logger) *Fetcher {
	if maxResults <= 0 {
		maxResults = query.DefaultMaxResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		maxResults: maxResults,
		maxPages:   maxPages,
		logger:     logger.With(zap.String("component", "fetcher")),
	}
}

// Fetch queries the remote source for m. Rows that cannot be flattened are
// dropped with a warning. Any query failure is returned as a fetch error,
// keeping the authentication type when the session was rejected.
func (f *Fetcher) Fetch(ctx context.Context, conn connection.Connection, m *mapping.Mapping, since *time.Time) ([]*record.Record, error) {
	soql := query.Build(m, since, f.maxResults)
	logger := f.logger.With(zap.String("mapping", m.Name))
	logger.Debug("fetching", zap.String("soql", soql))

	var (
		raws    []*record.Record
		dropped int
	)
	err := conn.Query(ctx, soql, connection.QueryOptions{MaxFetch: f.maxResults, MaxPages: f.maxPages}, func(row map[string]any) error {
		rec, err := record.Flatten(row)
		if err != nil {
			dropped++
			metrics.RecordsTotal.WithLabelValues(m.Name, metrics.StageFetch, metrics.StatusDropped).Inc()
			logger.Warn("dropping malformed record", zap.Error(err))
			return nil
		}
		raws = append(raws, rec)
		return nil
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuthentication) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "query "+m.RemoteType)
	}

	metrics.RecordsTotal.WithLabelValues(m.Name, metrics.StageFetch, metrics.StatusSuccess).Add(float64(len(raws)))
	logger.Info("fetch complete", zap.Int("records", len(raws)), zap.Int("dropped", dropped))
	return raws, nil
}
