package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/mapping"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/store/memory"
)

func contactMapping() *mapping.Mapping {
	m := &mapping.Mapping{
		RemoteType: "Contact",
		LocalType:  "person",
		Fields: mapping.FieldSet{
			{Local: "name", Remote: mapping.OneOrMany{"FirstName", "LastName"}},
			{Local: "age", Remote: mapping.OneOrMany{"Age__c"}},
			{Local: "subscribed", Remote: mapping.OneOrMany{"HasOptedIn"}},
			{Local: "fax", Remote: mapping.OneOrMany{"Fax"}},
		},
		Arrays: mapping.FieldSet{
			{Local: "emails", Remote: mapping.OneOrMany{"Email", "Other_Emails__c"}},
			{Local: "phones", Remote: mapping.OneOrMany{"Phone"}},
		},
		Joins: mapping.JoinSet{
			{Name: "accountId", Join: mapping.Join{Remote: "Account", LocalType: "organization"}},
		},
	}
	m.ApplyDefaults()
	return m
}

func accountMapping() *mapping.Mapping {
	m := &mapping.Mapping{
		RemoteType: "Account",
		LocalType:  "organization",
		Fields:     mapping.FieldSet{{Local: "name", Remote: mapping.OneOrMany{"Name"}}},
		Required:   []string{"name"},
		Joins: mapping.JoinSet{
			{Name: "personIds", Join: mapping.Join{Remote: "Contacts", LocalType: "person", HasMany: true}},
		},
	}
	m.ApplyDefaults()
	return m
}

func TestTransform(t *testing.T) {
	raws := []*record.Record{flat(map[string]any{
		"Id":              "003A",
		"FirstName":       "Ada",
		"LastName":        "Lovelace",
		"Age__c":          36.0,
		"HasOptedIn":      false,
		"Fax":             nil,
		"Email":           "ada@example.com",
		"Other_Emails__c": []any{"a@x.io", "b@x.io"},
	})}

	out := Transform(contactMapping(), raws)
	require.Len(t, out, 1)
	c := out[0]

	assert.Equal(t, []string{"externalId", "name", "age", "subscribed", "emails"}, c.Keys())
	assert.Equal(t, "003A", c.GetString(record.ExternalIDKey))
	assert.Equal(t, "Ada Lovelace", c.GetString("name"))
	assert.Equal(t, "36", c.GetString("age"))
	assert.Equal(t, "false", c.GetString("subscribed"))
	emails, _ := c.Get("emails")
	assert.Equal(t, record.List(record.String("ada@example.com"), record.String("a@x.io"), record.String("b@x.io")), emails)
}

func TestTransformOmitsEmptyFields(t *testing.T) {
	out := Transform(contactMapping(), []*record.Record{flat(map[string]any{
		"Id":        "003B",
		"FirstName": nil,
		"LastName":  "Hopper",
	})})

	c := out[0]
	assert.Equal(t, "Hopper", c.GetString("name"))
	for _, key := range []string{"age", "subscribed", "fax", "emails", "phones"} {
		assert.False(t, c.Has(key), key)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	u := NewUpserter(s, 3, zaptest.NewLogger(t))
	m := contactMapping()

	first := []*record.Record{candidate("003A", "name", "Ada", "age", "36"), candidate("003B", "name", "Grace")}
	saved, err := u.Save(ctx, m, first)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	second := []*record.Record{candidate("003A", "name", "Ada L."), candidate("003B", "name", "Grace")}
	_, err = u.Save(ctx, m, second)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Count("person"))
	got, err := s.GetOne(ctx, "person", store.ByExternalID("003A"))
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", got.GetString("name"))
	assert.Equal(t, "36", got.GetString("age"), "omitted candidate fields keep stored values")
	v, _ := got.Get(record.VersionKey)
	assert.Equal(t, record.Number(2), v)
}

func TestUpsertCollapsesDuplicates(t *testing.T) {
	s := memory.New()
	u := NewUpserter(s, 3, zaptest.NewLogger(t))

	_, err := u.Save(context.Background(), contactMapping(), []*record.Record{
		candidate("003A", "name", "first", "age", "1"),
		candidate("003A", "name", "second"),
	})
	require.NoError(t, err)

	got, _ := s.GetOne(context.Background(), "person", store.ByExternalID("003A"))
	assert.Equal(t, 1, s.Count("person"))
	assert.Equal(t, "second", got.GetString("name"))
	assert.Equal(t, "1", got.GetString("age"))
}

func TestUpsertIsolatesFailures(t *testing.T) {
	s := &flakyStore{
		Store:   memory.New(),
		failPut: map[string]error{"003B": errors.New(errors.ErrorTypeStorage, "disk full")},
	}
	u := NewUpserter(s, 2, zaptest.NewLogger(t))

	saved, err := u.Save(context.Background(), contactMapping(), []*record.Record{
		candidate("003A", "name", "a"),
		candidate("003B", "name", "b"),
		candidate("003C", "name", "c"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUpsert))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 2, saved)

	for _, id := range []string{"003A", "003C"} {
		got, _ := s.GetOne(context.Background(), "person", store.ByExternalID(id))
		assert.NotNil(t, got, id)
	}
}

func TestJoinHasMany(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	u := NewUpserter(s, 3, zaptest.NewLogger(t))
	j := NewJoiner(s, 3, zaptest.NewLogger(t))

	_, err := u.Save(ctx, contactMapping(), []*record.Record{candidate("003A", "name", "Ada")})
	require.NoError(t, err)
	ada, _ := s.GetOne(ctx, "person", store.ByExternalID("003A"))

	raw := flat(map[string]any{
		"Id":   "001",
		"Name": "Acme",
		"Contacts": map[string]any{
			"totalSize": 2,
			"done":      true,
			"records": []any{
				map[string]any{"attributes": map[string]any{"type": "Contact"}, "Id": "003A"},
				map[string]any{"attributes": map[string]any{"type": "Contact"}, "Id": "003Z"},
			},
		},
	})
	m := accountMapping()
	_, err = u.Save(ctx, m, Transform(m, []*record.Record{raw}))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, j.Join(ctx, m, []*record.Record{raw}))
	}

	acme, _ := s.GetOne(ctx, "organization", store.ByExternalID("001"))
	ids, ok := acme.Get("personIds")
	require.True(t, ok)
	assert.Equal(t, record.List(record.String(ada.GetString(record.LocalIDKey))), ids)

	v, _ := acme.Get(record.VersionKey)
	assert.Equal(t, record.Number(1), v, "join writes do not bump the version")
}

func TestJoinSingleValued(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	u := NewUpserter(s, 3, zaptest.NewLogger(t))
	j := NewJoiner(s, 3, zaptest.NewLogger(t))
	cm := contactMapping()

	raw := flat(map[string]any{"Id": "003A", "LastName": "Lovelace", "Account": map[string]any{"Id": "001"}})
	_, err := u.Save(ctx, cm, Transform(cm, []*record.Record{raw}))
	require.NoError(t, err)

	t.Run("target not synced", func(t *testing.T) {
		require.NoError(t, j.Join(ctx, cm, []*record.Record{raw}))
		got, _ := s.GetOne(ctx, "person", store.ByExternalID("003A"))
		assert.False(t, got.Has("accountId"))
	})

	t.Run("target synced", func(t *testing.T) {
		am := accountMapping()
		_, err := u.Save(ctx, am, []*record.Record{candidate("001", "name", "Acme")})
		require.NoError(t, err)
		acme, _ := s.GetOne(ctx, "organization", store.ByExternalID("001"))

		require.NoError(t, j.Join(ctx, cm, []*record.Record{raw}))
		got, _ := s.GetOne(ctx, "person", store.ByExternalID("003A"))
		assert.Equal(t, acme.GetString(record.LocalIDKey), got.GetString("accountId"))
	})
}

func TestJoinSkipsMissingOwner(t *testing.T) {
	j := NewJoiner(memory.New(), 3, zaptest.NewLogger(t))
	raw := flat(map[string]any{"Id": "003Q", "Account": map[string]any{"Id": "001"}})
	assert.NoError(t, j.Join(context.Background(), contactMapping(), []*record.Record{raw}))
}

func TestFetchDropsMalformedRows(t *testing.T) {
	conn := newFakeConn()
	conn.rows["Account"] = []map[string]any{
		{"Id": "001", "Name": "Acme"},
		{"Name": "no id"},
		{"Id": "002", "Name": "Globex"},
	}
	f := NewFetcher(1000, 0, zaptest.NewLogger(t))

	raws, err := f.Fetch(context.Background(), conn, accountMapping(), nil)
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, "002", raws[1].GetString("Id"))
}

func TestFetchCapsResults(t *testing.T) {
	conn := newFakeConn()
	for _, id := range []string{"001", "002", "003"} {
		conn.rows["Account"] = append(conn.rows["Account"], map[string]any{"Id": id, "Name": id})
	}
	f := NewFetcher(2, 0, zaptest.NewLogger(t))
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	raws, err := f.Fetch(context.Background(), conn, accountMapping(), &since)
	require.NoError(t, err)
	assert.Len(t, raws, 2)
	assert.Contains(t, conn.Queries()[0], "LIMIT 2")
	assert.Contains(t, conn.Queries()[0], "LastModifiedDate > 2024-01-01T00:00:00Z")
}

func TestFetchErrorTypes(t *testing.T) {
	conn := newFakeConn()
	conn.fail["Account"] = errors.New(errors.ErrorTypeConnection, "reset by peer")
	conn.fail["Contact"] = errors.New(errors.ErrorTypeAuthentication, "INVALID_SESSION_ID")
	f := NewFetcher(0, 0, zaptest.NewLogger(t))

	_, err := f.Fetch(context.Background(), conn, accountMapping(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFetch))

	_, err = f.Fetch(context.Background(), conn, contactMapping(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func candidate(externalID string, kv ...string) *record.Record {
	r := record.New()
	r.Set(record.ExternalIDKey, record.String(externalID))
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i], record.String(kv[i+1]))
	}
	return r
}
