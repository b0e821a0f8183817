package mongodb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"

	"filecenter/internal/fingerprint"
	"filecenter/internal/repository"
	"filecenter/internal/repository/repotest"
)

func mustRaw(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestDecodeFile_Inline(t *testing.T) {
	key := fingerprint.Key{1, -2, 3, -4}
	created := time.UnixMilli(1_700_000_000_123).UTC()
	rec := &repository.FileRecord{
		ID:         repository.NewID(),
		Hash:       &key,
		Size:       3,
		Name:       "a.txt",
		MimeType:   "text/plain",
		CreateTime: created,
		Count:      2,
		Data:       []byte("abc"),
	}

	got, err := decodeFile(mustRaw(t, encodeFile(rec)))
	if err != nil {
		t.Fatalf("decodeFile returned error: %v", err)
	}
	if got.ID != rec.ID || *got.Hash != key || got.Count != 2 || string(got.Data) != "abc" {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.CreateTime.Equal(created) || got.Chunked() || got.Temporary() {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestDecodeFile_AcceptsInt32Numbers(t *testing.T) {
	chunkID := primitive.NewObjectID()
	doc := bson.D{
		{Key: fieldID, Value: primitive.NewObjectID()},
		{Key: fieldSize, Value: int32(10)},
		{Key: fieldName, Value: "n"},
		{Key: fieldMimeType, Value: "m"},
		{Key: fieldCreateTime, Value: time.Now()},
		{Key: fieldCount, Value: int32(1)},
		{Key: fieldChunkID, Value: chunkID},
	}

	got, err := decodeFile(mustRaw(t, doc))
	if err != nil {
		t.Fatalf("decodeFile returned error: %v", err)
	}
	if got.Size != 10 || got.Count != 1 || *got.ChunkID != chunkID {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestDecodeFile_SchemaErrors(t *testing.T) {
	valid := func() bson.D {
		return bson.D{
			{Key: fieldID, Value: primitive.NewObjectID()},
			{Key: fieldSize, Value: int64(1)},
			{Key: fieldName, Value: "n"},
			{Key: fieldMimeType, Value: "m"},
			{Key: fieldCreateTime, Value: time.Now()},
			{Key: fieldCount, Value: int32(1)},
			{Key: fieldData, Value: primitive.Binary{Data: []byte("x")}},
		}
	}
	without := func(field string) bson.D {
		var doc bson.D
		for _, e := range valid() {
			if e.Key != field {
				doc = append(doc, e)
			}
		}
		return doc
	}
	with := func(field string, value any) bson.D {
		doc := valid()
		for i := range doc {
			if doc[i].Key == field {
				doc[i].Value = value
			}
		}
		return doc
	}

	cases := map[string]struct {
		doc   bson.D
		field string
	}{
		"missing data":       {without(fieldData), fieldData},
		"missing count":      {without(fieldCount), fieldCount},
		"string size":        {with(fieldSize, "1"), fieldSize},
		"string create time": {with(fieldCreateTime, "now"), fieldCreateTime},
		"partial hash":       {append(valid(), bson.E{Key: "hash_1", Value: int64(1)}), "hash_2"},
	}

	for name, tc := range cases {
		_, err := decodeFile(mustRaw(t, tc.doc))
		var schemaErr *repository.SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("%s: expected SchemaError, got %v", name, err)
		}
		if schemaErr.Field != tc.field {
			t.Fatalf("%s: expected field %q, got %q", name, tc.field, schemaErr.Field)
		}
	}
}

func TestLiveByHash_RequiresPositiveCount(t *testing.T) {
	filter := liveByHash(fingerprint.Key{1, 2, 3, 4})
	last := filter[len(filter)-1]
	if last.Key != fieldCount {
		t.Fatalf("expected count condition last, got %q", last.Key)
	}

	a := liveByHash(fingerprint.Key{1, 2, 3, 4})
	a[0].Value = int64(99)
	if b := liveByHash(fingerprint.Key{1, 2, 3, 4}); b[0].Value != int64(1) {
		t.Fatal("query constructors must not share state")
	}
}

var dbCounter atomic.Int64

func setupDatabase(t *testing.T) *mongo.Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := tcmongo.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongodb container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })
	return client
}

func TestIntegration(t *testing.T) {
	client := setupDatabase(t)

	open := func(t *testing.T) repository.Stores {
		return NewStores(client.Database(fmt.Sprintf("filecenter_test_%d", dbCounter.Add(1))))
	}

	t.Run("Files", func(t *testing.T) { repotest.RunFiles(t, open) })
	t.Run("Chunks", func(t *testing.T) {
		repotest.RunChunks(t, func(t *testing.T) repository.ChunkRepository { return open(t).Chunks })
	})
	t.Run("Settings", func(t *testing.T) { repotest.RunSettings(t, open) })
	t.Run("Engine", func(t *testing.T) { repotest.RunEngine(t, open) })
}
