package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/ajitpratap0/crmsync/pkg/connection"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
)

// fakeConn serves canned rows per remote type and records every query
type fakeConn struct {
	mu      sync.Mutex
	rows    map[string][]map[string]any
	fail    map[string]error
	queries []string
	block   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{rows: map[string][]map[string]any{}, fail: map[string]error{}}
}

func (c *fakeConn) Query(_ context.Context, soql string, opts connection.QueryOptions, fn connection.RecordFunc) error {
	c.mu.Lock()
	c.queries = append(c.queries, soql)
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	remoteType := fromClause(soql)
	if err := c.fail[remoteType]; err != nil {
		return err
	}
	for i, row := range c.rows[remoteType] {
		if opts.MaxFetch > 0 && i >= opts.MaxFetch {
			break
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeConn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

// fromClause returns the main FROM target, skipping any subqueries
func fromClause(soql string) string {
	rest := soql[strings.LastIndex(soql, " FROM ")+len(" FROM "):]
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

type fakeSource struct {
	mu          sync.Mutex
	conn        connection.Connection
	err         error
	gets        int
	invalidated int
}

func (s *fakeSource) Get(context.Context) (connection.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return nil, s.err
	}
	return s.conn, nil
}

func (s *fakeSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

// flakyStore fails writes for selected external ids. failRelink only
// applies to unversioned writes, which is how relationships are saved.
type flakyStore struct {
	store.Store
	failPut    map[string]error
	failRelink map[string]error
}

func (f *flakyStore) PutOne(ctx context.Context, localType string, obj *record.Record, opts store.PutOptions) error {
	if err := f.failPut[obj.GetString(record.ExternalIDKey)]; err != nil {
		return err
	}
	if err := f.failRelink[obj.GetString(record.ExternalIDKey)]; err != nil && opts.NoVersion {
		return err
	}
	return f.Store.PutOne(ctx, localType, obj, opts)
}

func flat(row map[string]any) *record.Record {
	r, err := record.Flatten(row)
	if err != nil {
		panic(err)
	}
	return r
}
