package caption

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/structcap/internal/vision"
)

// fakeModel is a scripted vision.Model.
type fakeModel struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []vision.Request
	onSubmit func(n int)
}

func (f *fakeModel) Submit(_ context.Context, req vision.Request) (vision.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if f.err != nil {
		return vision.Response{}, f.err
	}
	return vision.Response{Text: f.text, InputTokens: 100, OutputTokens: 20}, nil
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// writeFiles creates empty-ish files named names inside dir.
func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("img:"+name), 0o644))
	}
}

// newItemsDir creates an images directory with one item per uid, each holding two views.
func newItemsDir(t *testing.T, uids ...string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), DefaultImagesSubdir)
	require.NoError(t, os.MkdirAll(root, 0o755))
	for _, uid := range uids {
		writeFiles(t, filepath.Join(root, uid), "00000.png", "00001.png")
	}
	return root
}

func baseNames(paths []string) []string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	return names
}
