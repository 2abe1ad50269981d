//go:build integration

package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/docqa-agent/internal/storage"
	tc "github.com/alqutdigital/docqa-agent/internal/testing"
)

var containers *tc.TestContainers

func TestMain(m *testing.M) {
	ctx := context.Background()
	containers = tc.NewTestContainers(tc.DefaultContainerConfig(), nil)

	code := func() int {
		defer containers.Cleanup(ctx)
		if err := containers.StartPostgres(ctx); err != nil {
			panic(err)
		}
		if err := containers.StartRedis(ctx); err != nil {
			panic(err)
		}
		return m.Run()
	}()
	os.Exit(code)
}

func unit(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestPostgresStore_SearchChunks(t *testing.T) {
	ctx := context.Background()
	store, err := containers.PostgresStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	sess, other := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{sess, other} {
		_, err := store.TouchSession(ctx, id, time.Hour)
		require.NoError(t, err)
	}

	doc := &storage.Document{SessionID: sess, Filename: "guide.txt", MimeType: "text/plain"}
	require.NoError(t, store.CreateDocument(ctx, doc))
	foreign := &storage.Document{SessionID: other, Filename: "other.txt", MimeType: "text/plain"}
	require.NoError(t, store.CreateDocument(ctx, foreign))

	near := []float32{0.9, 0.1, 0, 0, 0, 0, 0, 0}
	require.NoError(t, store.InsertChunks(ctx, []storage.Chunk{
		{DocumentID: doc.ID, SessionID: sess, ChunkIndex: 0, Content: "exact", Embedding: unit(8, 0),
			Metadata: storage.ChunkMetadata{Filename: "guide.txt", ChunkIndex: 0, TotalChunks: 3}},
		{DocumentID: doc.ID, SessionID: sess, ChunkIndex: 1, Content: "close", Embedding: near},
		{DocumentID: doc.ID, SessionID: sess, ChunkIndex: 2, Content: "orthogonal", Embedding: unit(8, 5)},
	}))
	require.NoError(t, store.InsertChunks(ctx, []storage.Chunk{
		{DocumentID: foreign.ID, SessionID: other, ChunkIndex: 0, Content: "foreign", Embedding: unit(8, 0)},
	}))

	results, err := store.SearchChunks(ctx, sess, unit(8, 0), 0.7, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Equal(t, "guide.txt", results[0].Metadata.Filename)
	assert.Equal(t, "close", results[1].Content)

	limited, err := store.SearchChunks(ctx, sess, unit(8, 0), 0.7, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := store.DeleteExpiredSessions(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := store.CountChunks(ctx, sess)
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
}

func TestRedisEmbeddingCache_Container(t *testing.T) {
	ctx := context.Background()
	client, err := containers.RedisClient()
	require.NoError(t, err)
	defer client.Close()

	cache := storage.NewRedisEmbeddingCache(client, nil, storage.DefaultCacheConfig())
	require.True(t, cache.IsHealthy())

	_, ok, err := cache.GetEmbedding(ctx, "hash:test", "what is covered?")
	require.NoError(t, err)
	assert.False(t, ok)

	vec := []float32{0.25, -0.5, 1}
	require.NoError(t, cache.SetEmbedding(ctx, "hash:test", "what is covered?", vec))

	got, ok, err := cache.GetEmbedding(ctx, "hash:test", "what is covered?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok, err = cache.GetEmbedding(ctx, "openai:other", "what is covered?")
	require.NoError(t, err)
	assert.False(t, ok, "entries are keyed by model")
}
