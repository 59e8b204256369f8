package testutil

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/watermark"
)

// StoreSuite checks the behaviour every store.Backend must share. Each
// test uses a fresh local type so the suite can run against a database
// that already holds data.
type StoreSuite struct {
	suite.Suite

	// Open returns the backend under test
	Open func(ctx context.Context) (store.Backend, error)

	ctx       context.Context
	cancel    context.CancelFunc
	backend   store.Backend
	localType string
}

// SetupSuite opens the backend
func (s *StoreSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 2*time.Minute)
	backend, err := s.Open(s.ctx)
	s.Require().NoError(err)
	s.backend = backend
}

// TearDownSuite closes the backend
func (s *StoreSuite) TearDownSuite() {
	if s.backend != nil {
		s.NoError(s.backend.Close(s.ctx))
	}
	s.cancel()
}

// SetupTest picks a local type unique to the test
func (s *StoreSuite) SetupTest() {
	s.localType = "t" + uuid.NewString()[:8]
}

func (s *StoreSuite) put(externalID, name string) *record.Record {
	obj := s.backend.NewInstance(s.localType)
	obj.Set(record.ExternalIDKey, record.String(externalID))
	obj.Set("name", record.String(name))
	s.Require().NoError(s.backend.PutOne(s.ctx, s.localType, obj, store.PutOptions{}))
	return obj
}

func (s *StoreSuite) get(externalID string) *record.Record {
	obj, err := s.backend.GetOne(s.ctx, s.localType, store.ByExternalID(externalID))
	s.Require().NoError(err)
	return obj
}

func (s *StoreSuite) version(obj *record.Record) float64 {
	v, ok := obj.Get(record.VersionKey)
	s.Require().True(ok, "object has no version")
	f, ok := v.Float()
	s.Require().True(ok, "version is %s", v.Kind())
	return f
}

func (s *StoreSuite) TestNewInstance() {
	obj := s.backend.NewInstance(s.localType)
	s.NotEmpty(obj.GetString(record.LocalIDKey))
	s.Equal(s.localType, obj.GetString(record.TypeKey))
	s.NotEqual(obj.GetString(record.LocalIDKey), s.backend.NewInstance(s.localType).GetString(record.LocalIDKey))
}

func (s *StoreSuite) TestGetMissing() {
	s.Nil(s.get("does-not-exist"))
}

func (s *StoreSuite) TestPutAndGet() {
	created := s.put("001", "Acme")

	got := s.get("001")
	s.Require().NotNil(got)
	s.Equal(created.GetString(record.LocalIDKey), got.GetString(record.LocalIDKey))
	s.Equal("Acme", got.GetString("name"))
	s.Equal(s.localType, got.GetString(record.TypeKey))
	s.Equal(float64(1), s.version(got))
	s.NotEmpty(got.GetString(record.UpdatedAtKey))
}

func (s *StoreSuite) TestVersioning() {
	s.put("001", "Acme")

	obj := s.get("001")
	obj.Set("name", record.String("Acme Corp"))
	s.Require().NoError(s.backend.PutOne(s.ctx, s.localType, obj, store.PutOptions{}))
	s.Equal(float64(2), s.version(s.get("001")))

	obj = s.get("001")
	obj.Set("personIds", record.List(record.String("p1")))
	s.Require().NoError(s.backend.PutOne(s.ctx, s.localType, obj, store.PutOptions{NoVersion: true}))

	got := s.get("001")
	s.Equal(float64(2), s.version(got))
	s.Equal("Acme Corp", got.GetString("name"))
	ids, ok := got.Get("personIds")
	s.Require().True(ok)
	s.Equal([]string{"p1"}, strs(ids.Items()))
}

func (s *StoreSuite) TestExternalIDUnique() {
	s.put("001", "Acme")

	dup := s.backend.NewInstance(s.localType)
	dup.Set(record.ExternalIDKey, record.String("001"))
	err := s.backend.PutOne(s.ctx, s.localType, dup, store.PutOptions{})
	s.True(errors.IsType(err, errors.ErrorTypeConflict), "got %v", err)
}

func (s *StoreSuite) TestTypesAreSeparate() {
	s.put("001", "Acme")
	other := s.localType + "x"
	obj, err := s.backend.GetOne(s.ctx, other, store.ByExternalID("001"))
	s.Require().NoError(err)
	s.Nil(obj)
}

func (s *StoreSuite) TestPutWithoutLocalID() {
	obj := record.New()
	obj.Set(record.ExternalIDKey, record.String("001"))
	err := s.backend.PutOne(s.ctx, s.localType, obj, store.PutOptions{})
	s.True(errors.IsType(err, errors.ErrorTypeValidation), "got %v", err)
}

func (s *StoreSuite) TestWatermark() {
	first := time.Now().UTC().Truncate(time.Second)
	second := first.Add(time.Minute)

	for _, at := range []time.Time{first, second} {
		s.Require().NoError(s.backend.Append(s.ctx, watermark.Run{LastRun: at, Finished: at.Add(5 * time.Second)}))
	}

	latest, err := s.backend.Latest(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(latest)
	s.True(second.Equal(latest.LastRun), "latest run %v, want %v", latest.LastRun, second)
	s.True(second.Add(5*time.Second).Equal(latest.Finished))
}

func strs(values []record.Value) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.Str()
	}
	return out
}
