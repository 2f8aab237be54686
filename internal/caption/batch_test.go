package caption

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/models"
)

func TestDiscover(t *testing.T) {
	root := newItemsDir(t, "b", "a", "c")
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", models.OutputFileName), []byte("{}"), 0o644))

	items, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "a", items[0].UID)
	assert.Equal(t, "b", items[1].UID)
	assert.Equal(t, "c", items[2].UID)
	assert.Equal(t, 2, items[0].NumImages)
	assert.True(t, items[1].HasOutput)
	assert.False(t, items[0].HasOutput)
}

func TestDiscover_MissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	_, err := Discover(dir)
	require.ErrorIs(t, err, ErrDirNotExist)
	assert.Contains(t, err.Error(), dir+" does not exist")
}

func TestLookupItem(t *testing.T) {
	root := newItemsDir(t, "obj")

	item, err := LookupItem(root, "obj")
	require.NoError(t, err)
	assert.Equal(t, 2, item.NumImages)

	_, err = LookupItem(root, "missing")
	assert.ErrorIs(t, err, ErrDirNotExist)

	for _, bad := range []string{"", "..", "../obj", "a/b", ".hidden"} {
		_, err = LookupItem(root, bad)
		assert.Error(t, err, bad)
	}
}

func TestRunner_Summary(t *testing.T) {
	root := newItemsDir(t, "a", "b", "c")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", models.OutputFileName), []byte("{}"), 0o644))

	var out bytes.Buffer
	collector := metrics.NewCollector()
	model := &fakeModel{text: `{"ok":true}`}
	r := NewRunner(NewProcessor(model, testTemplate, Options{}), &out, collector)

	summary, err := r.Run(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Stopped)
	assert.Equal(t, []models.ItemError{{UID: "empty", Reason: "no images found"}}, summary.Errors)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"Found 4 folders to process",
		"✓ a: Success",
		"✓ c: Success",
		"✗ empty: no images found",
	}, lines)

	assert.Equal(t, metrics.ItemCounts{Success: 2, Failed: 1, Skipped: 1}, collector.Snapshot().Items)
}

func TestRunner_MissingDirIsFatal(t *testing.T) {
	model := &fakeModel{text: `{}`}
	r := NewRunner(NewProcessor(model, testTemplate, Options{}), nil, nil)

	_, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "Cap3D_imgs"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Equal(t, 0, model.calls())
}

func TestRunner_Idempotent(t *testing.T) {
	root := newItemsDir(t, "a", "b")
	model := &fakeModel{text: `{"v":1}`}
	first, err := NewRunner(NewProcessor(model, testTemplate, Options{}), nil, nil).Run(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, 2, first.Success)

	before, err := os.ReadFile(filepath.Join(root, "a", models.OutputFileName))
	require.NoError(t, err)

	model2 := &fakeModel{text: `{"v":2}`}
	second, err := NewRunner(NewProcessor(model2, testTemplate, Options{}), nil, nil).Run(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 0, second.Success)
	assert.Equal(t, 0, model2.calls())

	after, err := os.ReadFile(filepath.Join(root, "a", models.OutputFileName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunner_RateLimitDelay(t *testing.T) {
	root := newItemsDir(t, "a", "b", "c")
	model := &fakeModel{text: `{}`}
	r := NewRunner(NewProcessor(model, testTemplate, Options{RateLimitDelay: 200 * time.Millisecond}), nil, nil)

	start := time.Now()
	summary, err := r.Run(context.Background(), root)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, summary.Success)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestRunner_NoDelayAfterFailures(t *testing.T) {
	root := filepath.Join(t.TempDir(), DefaultImagesSubdir)
	for _, uid := range []string{"a", "b", "c"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, uid), 0o755))
	}
	model := &fakeModel{text: `{}`}
	r := NewRunner(NewProcessor(model, testTemplate, Options{RateLimitDelay: time.Second}), nil, nil)

	start := time.Now()
	summary, err := r.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRunner_CancelAfterFirstItem(t *testing.T) {
	root := newItemsDir(t, "a", "b", "c", "d", "e")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := &fakeModel{text: `{}`, onSubmit: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	r := NewRunner(NewProcessor(model, testTemplate, Options{RateLimitDelay: time.Millisecond}), nil, nil)

	summary, err := r.Run(ctx, root)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 1, summary.Processed())
	assert.True(t, summary.Stopped)
	assert.Equal(t, 1, model.calls())
	assert.FileExists(t, filepath.Join(root, "a", models.OutputFileName))
	for _, uid := range []string{"b", "c", "d", "e"} {
		assert.NoFileExists(t, filepath.Join(root, uid, models.OutputFileName))
	}
}

func TestRunner_CancelDuringDelay(t *testing.T) {
	root := newItemsDir(t, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := &fakeModel{text: `{}`}
	r := NewRunner(NewProcessor(model, testTemplate, Options{RateLimitDelay: 10 * time.Second}), nil, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	summary, err := r.Run(ctx, root)
	require.NoError(t, err)
	assert.True(t, summary.Stopped)
	assert.Equal(t, 1, summary.Success)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunner_AlreadyCancelled(t *testing.T) {
	root := newItemsDir(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &fakeModel{text: `{}`}
	summary, err := NewRunner(NewProcessor(model, testTemplate, Options{}), nil, nil).Run(ctx, root)
	require.NoError(t, err)
	assert.True(t, summary.Stopped)
	assert.Equal(t, 0, summary.Processed())
	assert.Equal(t, 1, summary.Total)
}
