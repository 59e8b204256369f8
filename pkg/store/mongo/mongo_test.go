package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/record"
	"github.com/ajitpratap0/crmsync/pkg/store"
	"github.com/ajitpratap0/crmsync/pkg/testutil"
)

func TestDocumentConversion(t *testing.T) {
	nested := record.New()
	nested.Set("Id", record.String("003"))

	r := record.New()
	r.Set(record.LocalIDKey, record.String("abc"))
	r.Set(record.ExternalIDKey, record.String("001"))
	r.Set("employees", record.Number(42))
	r.Set("active", record.Bool(true))
	r.Set("tags", record.List(record.String("a"), record.Object(nested)))
	r.Set("fax", record.Null())

	doc := ToDocument(r)
	assert.Equal(t, []string{"_id", "externalId", "employees", "active", "tags", "fax"}, keysOf(doc))
	assert.Equal(t, bson.A{"a", bson.D{{Key: "Id", Value: "003"}}}, doc[4].Value)

	back := FromDocument(doc)
	assert.True(t, r.Equal(back))
}

func TestFromDocumentDriverTypes(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	oid := primitive.NewObjectID()

	r := FromDocument(bson.D{
		{Key: "count", Value: int32(7)},
		{Key: "big", Value: int64(1 << 40)},
		{Key: "at", Value: primitive.NewDateTimeFromTime(ts)},
		{Key: "oid", Value: oid},
	})

	v, _ := r.Get("count")
	assert.Equal(t, record.Number(7), v)
	v, _ = r.Get("big")
	assert.Equal(t, record.Number(1<<40), v)
	assert.Equal(t, "2024-05-01T08:30:00Z", r.GetString("at"))
	assert.Equal(t, oid.Hex(), r.GetString("oid"))
}

func keysOf(doc bson.D) []string {
	out := make([]string, len(doc))
	for i, e := range doc {
		out[i] = e.Key
	}
	return out
}

func TestStoreContract(t *testing.T) {
	dsn := testutil.IntegrationDSN(t, "CRMSYNC_TEST_MONGODB_DSN")
	logger := zaptest.NewLogger(t)
	suite.Run(t, &testutil.StoreSuite{
		Open: func(ctx context.Context) (store.Backend, error) {
			return Open(ctx, config.StoreConfig{Driver: config.StoreMongoDB, DSN: dsn, Database: "crmsync_test"}, logger)
		},
	})
}
