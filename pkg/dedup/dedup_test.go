package dedup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// fakeStore is an in-memory Store used to exercise the grouping algorithm
// without a real database, mirroring pkg/modelpool's fakeEngine approach.
type fakeStore struct {
	mu         sync.Mutex
	images     map[int64]model.Image
	groups     map[model.ContentFingerprint]model.ImageGroup
	embeddings map[int64]map[string]bool // imageID -> embedding names present
	queued     map[int64]model.PipelineKind
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		images:     make(map[int64]model.Image),
		groups:     make(map[model.ContentFingerprint]model.ImageGroup),
		embeddings: make(map[int64]map[string]bool),
		queued:     make(map[int64]model.PipelineKind),
	}
}

func (f *fakeStore) putImage(img model.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[img.ID] = img
}

func (f *fakeStore) GetImage(_ context.Context, id int64) (*model.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return nil, model.NewError(model.KindFatal, "fake.get_image", model.ErrNotFound)
	}
	return &img, nil
}

func (f *fakeStore) GetGroup(_ context.Context, fingerprint model.ContentFingerprint) (*model.ImageGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[fingerprint]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (f *fakeStore) UpsertGroup(_ context.Context, g model.ImageGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.Fingerprint] = g
	return nil
}

func (f *fakeStore) ListGroupMembers(_ context.Context, fingerprint model.ContentFingerprint) ([]model.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Image
	for _, img := range f.images {
		if img.Fingerprint == fingerprint {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeStore) ListGroups(_ context.Context) ([]model.ImageGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ImageGroup
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeStore) HasEmbeddings(_ context.Context, imageID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.embeddings[imageID]) > 0, nil
}

func (f *fakeStore) CopyEmbeddings(_ context.Context, fromID, toID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.embeddings[fromID]
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	f.embeddings[toID] = dst
	img := f.images[toID]
	img.NeedsEmbedding = boolPtr(false)
	f.images[toID] = img
	return nil
}

func (f *fakeStore) Enqueue(_ context.Context, pipeline model.PipelineKind, imageIDs []int64, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range imageIDs {
		f.queued[id] = pipeline
	}
	return len(imageIDs), nil
}

func (f *fakeStore) DeleteActiveQueueEntry(_ context.Context, _ model.PipelineKind, imageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queued, imageID)
	return nil
}

func (f *fakeStore) ImageExists(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[id]
	return ok, nil
}

func boolPtr(b bool) *bool { return &b }

func TestOnEnqueueEmbeddingWithoutFingerprintEnqueuesDirectly(t *testing.T) {
	store := newFakeStore()
	store.putImage(model.Image{ID: 1, Path: "a.png", FileSize: 10})
	e := New(store)

	enqueued, err := e.OnEnqueueEmbedding(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, model.PipelineEmbedding, store.queued[1])
}

func TestOnEnqueueEmbeddingFirstMemberCreatesGroupAsRepresentative(t *testing.T) {
	store := newFakeStore()
	store.putImage(model.Image{ID: 1, Path: "a.png", FileSize: 10, Fingerprint: "fp-1"})
	e := New(store)

	enqueued, err := e.OnEnqueueEmbedding(context.Background(), 1, 50)
	require.NoError(t, err)
	assert.True(t, enqueued)

	group, err := store.GetGroup(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, int64(1), group.RepresentativeImageID)
}

func TestOnEnqueueEmbeddingSecondMemberPicksLargerRepresentativeAndReplacesQueueEntry(t *testing.T) {
	store := newFakeStore()
	store.putImage(model.Image{ID: 1, Path: "a.png", FileSize: 10, Fingerprint: "fp-1"})
	e := New(store)
	_, err := e.OnEnqueueEmbedding(context.Background(), 1, 50)
	require.NoError(t, err)
	require.Equal(t, model.PipelineEmbedding, store.queued[1])

	store.putImage(model.Image{ID: 2, Path: "b.png", FileSize: 99, Fingerprint: "fp-1"})
	enqueued, err := e.OnEnqueueEmbedding(context.Background(), 2, 50)
	require.NoError(t, err)
	assert.True(t, enqueued)

	group, err := store.GetGroup(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), group.RepresentativeImageID, "larger file becomes representative")

	_, stillQueued := store.queued[1]
	assert.False(t, stillQueued, "old representative's queue entry is dropped")
	assert.Equal(t, model.PipelineEmbedding, store.queued[2])
}

func TestOnEnqueueEmbeddingWriteThroughCopySkipsEnqueueWhenSourceHasEmbeddings(t *testing.T) {
	store := newFakeStore()
	store.putImage(model.Image{ID: 1, Path: "a.png", FileSize: 99, Fingerprint: "fp-1"})
	store.embeddings[1] = map[string]bool{"clip": true}
	store.groups["fp-1"] = model.ImageGroup{Fingerprint: "fp-1", RepresentativeImageID: 1, EmbeddingSourceID: int64Ptr(1)}
	e := New(store)

	store.putImage(model.Image{ID: 2, Path: "b.png", FileSize: 10, Fingerprint: "fp-1"})
	enqueued, err := e.OnEnqueueEmbedding(context.Background(), 2, 50)
	require.NoError(t, err)
	assert.False(t, enqueued, "write-through copy needs no inference")

	_, stillQueued := store.queued[2]
	assert.False(t, stillQueued)
	assert.True(t, store.embeddings[2]["clip"])
}

func TestOnEmbeddingResultPropagatesToSiblings(t *testing.T) {
	store := newFakeStore()
	store.putImage(model.Image{ID: 1, Path: "a.png", FileSize: 99, Fingerprint: "fp-1"})
	store.putImage(model.Image{ID: 2, Path: "b.png", FileSize: 10, Fingerprint: "fp-1"})
	store.groups["fp-1"] = model.ImageGroup{Fingerprint: "fp-1", RepresentativeImageID: 1}
	store.embeddings[1] = map[string]bool{"clip": true}
	e := New(store)

	err := e.OnEmbeddingResult(context.Background(), 1, "fp-1")
	require.NoError(t, err)

	group, err := store.GetGroup(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, group.EmbeddingSourceID)
	assert.Equal(t, int64(1), *group.EmbeddingSourceID)
	assert.True(t, store.embeddings[2]["clip"])
}

func TestSweepOrphanedRepresentativesReassignsAndRequeues(t *testing.T) {
	store := newFakeStore()
	store.putImage(model.Image{ID: 2, Path: "b.png", FileSize: 10, Fingerprint: "fp-1"})
	store.groups["fp-1"] = model.ImageGroup{Fingerprint: "fp-1", RepresentativeImageID: 1, EmbeddingSourceID: int64Ptr(1)}
	e := New(store)

	n, err := e.SweepOrphanedRepresentatives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	group, err := store.GetGroup(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), group.RepresentativeImageID)
	assert.Nil(t, group.EmbeddingSourceID)
	assert.Equal(t, model.PipelineEmbedding, store.queued[2])
}

func int64Ptr(v int64) *int64 { return &v }
