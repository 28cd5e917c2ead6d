package catalog

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/procorch/pkg/database"
	"github.com/codeready-toolchain/procorch/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(string(port))
	require.NoError(t, err)
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:         host,
		Port:         portNum,
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return New(client.Pool())
}

func insertImage(t *testing.T, ctx context.Context, s *Store, path string, size int64) int64 {
	t.Helper()
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO image (path, file_size) VALUES ($1, $2) RETURNING id`, path, size).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestEnqueueIsIdempotentAndRaisesPriority(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := insertImage(t, ctx, s, "/a.jpg", 100)

	n, err := s.Enqueue(ctx, model.PipelineTagging, []int64{id}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Enqueue(ctx, model.PipelineTagging, []int64{id}, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.ClaimBatch(ctx, model.PipelineTagging, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 100, entries[0].Priority)
}

func TestClaimBatchExcludesConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id1 := insertImage(t, ctx, s, "/a.jpg", 100)
	id2 := insertImage(t, ctx, s, "/b.jpg", 200)

	_, err := s.Enqueue(ctx, model.PipelineTagging, []int64{id1, id2}, 0)
	require.NoError(t, err)

	batch1, err := s.ClaimBatch(ctx, model.PipelineTagging, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch1, 1)

	batch2, err := s.ClaimBatch(ctx, model.PipelineTagging, "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch2, 1)
	assert.NotEqual(t, batch1[0].ID, batch2[0].ID)
}

func TestFailRetriableIncrementsThenFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := insertImage(t, ctx, s, "/a.jpg", 100)
	_, err := s.Enqueue(ctx, model.PipelineTagging, []int64{id}, 0)
	require.NoError(t, err)

	entries, err := s.ClaimBatch(ctx, model.PipelineTagging, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.Fail(ctx, []int64{entries[0].ID}, true, 3))

	entries2, err := s.ClaimBatch(ctx, model.PipelineTagging, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries2, 1)
	assert.Equal(t, 1, entries2[0].AttemptCount)
}

func TestReleaseExpiredClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := insertImage(t, ctx, s, "/a.jpg", 100)
	_, err := s.Enqueue(ctx, model.PipelineTagging, []int64{id}, 0)
	require.NoError(t, err)

	_, err = s.ClaimBatch(ctx, model.PipelineTagging, "w1", 1, -time.Second)
	require.NoError(t, err)

	n, err := s.ReleaseExpiredClaims(ctx, model.PipelineTagging)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteResultClearsNeedsFlag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := insertImage(t, ctx, s, "/a.jpg", 100)

	err := s.WriteResult(ctx, model.PipelineTagging, model.NewTagListResult(id, []model.TagResult{
		{Tag: "cat", Confidence: 0.9, Source: "tagger-v1"},
	}))
	require.NoError(t, err)

	img, err := s.GetImage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, img.NeedsTagging)
	assert.False(t, *img.NeedsTagging)
}

func TestGetCaptionReturnsNilWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := insertImage(t, ctx, s, "/a.jpg", 100)

	c, err := s.GetCaption(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestGetCaptionReturnsWrittenCaption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := insertImage(t, ctx, s, "/a.jpg", 100)

	err := s.WriteResult(ctx, model.PipelineCaptioning, model.NewCaptionResult(id, "a dog in a park", "caption-v1", "describe this image"))
	require.NoError(t, err)

	c, err := s.GetCaption(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "a dog in a park", c.Text)
	assert.Equal(t, "caption-v1", c.Source)
}

func TestResolvePathInsertsNewImage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.ResolvePath(ctx, "/new/path.jpg")
	require.NoError(t, err)
	assert.NotZero(t, id)

	img, err := s.GetImage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, img.NeedsTagging)
	assert.True(t, *img.NeedsTagging)
}

func TestResolvePathIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.ResolvePath(ctx, "/same/path.jpg")
	require.NoError(t, err)

	id2, err := s.ResolvePath(ctx, "/same/path.jpg")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}
