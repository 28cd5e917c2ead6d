package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

type fakeResolver struct {
	mu   sync.Mutex
	next int64
	ids  map[string]int64
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{ids: make(map[string]int64)}
}

func (f *fakeResolver) ResolvePath(_ context.Context, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.ids[path]; ok {
		return id, nil
	}
	f.next++
	f.ids[path] = f.next
	return f.next, nil
}

type enqueueCall struct {
	pipeline model.PipelineKind
	imageID  int64
	priority int
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
}

func (f *fakeEnqueuer) EnqueueImages(_ context.Context, pipeline model.PipelineKind, imageIDs []int64, priority int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range imageIDs {
		f.calls = append(f.calls, enqueueCall{pipeline: pipeline, imageID: id, priority: priority})
	}
	return len(imageIDs), nil
}

func (f *fakeEnqueuer) snapshot() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueueCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestWatcherEnqueuesNewImageFile(t *testing.T) {
	root := t.TempDir()
	resolver := newFakeResolver()
	enqueuer := &fakeEnqueuer{}

	w, err := New(root, []model.PipelineKind{model.PipelineTagging, model.PipelineEmbedding}, resolver, enqueuer)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	imgPath := filepath.Join(root, "photo.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("fake-jpeg-bytes"), 0o644))

	require.Eventually(t, func() bool {
		return len(enqueuer.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	calls := enqueuer.snapshot()
	pipelines := map[model.PipelineKind]bool{}
	for _, c := range calls {
		pipelines[c.pipeline] = true
		assert.Equal(t, backgroundScanPriority, c.priority)
	}
	assert.True(t, pipelines[model.PipelineTagging])
	assert.True(t, pipelines[model.PipelineEmbedding])
}

func TestWatcherIgnoresNonImageFiles(t *testing.T) {
	root := t.TempDir()
	resolver := newFakeResolver()
	enqueuer := &fakeEnqueuer{}

	w, err := New(root, []model.PipelineKind{model.PipelineTagging}, resolver, enqueuer)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644))
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, enqueuer.snapshot())
}

func TestWatcherWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	resolver := newFakeResolver()
	enqueuer := &fakeEnqueuer{}

	w, err := New(root, []model.PipelineKind{model.PipelineTagging}, resolver, enqueuer)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	sub := filepath.Join(root, "album")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// allow the directory-created event to register the new watch.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.png"), []byte("fake-png-bytes"), 0o644))

	require.Eventually(t, func() bool {
		return len(enqueuer.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, isImageFile("/a/b.JPG"))
	assert.True(t, isImageFile("/a/b.png"))
	assert.False(t, isImageFile("/a/b.txt"))
	assert.False(t, isImageFile("/a/b"))
}
