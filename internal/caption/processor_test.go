package caption

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/structcap/internal/models"
	"github.com/raphaelgruber/structcap/internal/vision"
)

var testTemplate = models.Template(`{"name":"","color":""}`)

func testItem(t *testing.T) models.Item {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "obj1")
	writeFiles(t, dir, "00000.png", "00001.png", "00002.png")
	return models.Item{UID: "obj1", Path: dir}
}

func TestProcessor_Success(t *testing.T) {
	item := testItem(t)
	model := &fakeModel{text: "```json\n{\"name\":\"chair\",\"color\":\"red\"}\n```"}
	p := NewProcessor(model, testTemplate, Options{Model: "m1", NumViews: 2, MaxTokens: 512})

	res := p.Process(context.Background(), item)

	require.Equal(t, models.OutcomeSuccess, res.Outcome, res.Reason)
	assert.JSONEq(t, `{"name":"chair","color":"red"}`, string(res.Output))

	require.Equal(t, 1, model.calls())
	req := model.requests[0]
	assert.Equal(t, "m1", req.Model)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Len(t, req.Images, 2)
	assert.Equal(t, "image/png", req.Images[0].MediaType)
	assert.Equal(t, BuildPrompt(testTemplate), req.Prompt)

	data, err := os.ReadFile(filepath.Join(item.Path, models.OutputFileName))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"name\": \"chair\",\n  \"color\": \"red\"\n}\n", string(data))

	leftovers, err := filepath.Glob(filepath.Join(item.Path, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestProcessor_Defaults(t *testing.T) {
	item := testItem(t)
	model := &fakeModel{text: `{}`}
	p := NewProcessor(model, testTemplate, Options{})

	res := p.Process(context.Background(), item)
	require.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, DefaultMaxTokens, model.requests[0].MaxTokens)
	assert.Len(t, model.requests[0].Images, 3)
}

func TestProcessor_SkipsExistingOutput(t *testing.T) {
	item := testItem(t)
	outPath := filepath.Join(item.Path, models.OutputFileName)
	require.NoError(t, os.WriteFile(outPath, []byte(`{"old":true}`), 0o644))

	model := &fakeModel{text: `{"new":true}`}
	res := NewProcessor(model, testTemplate, Options{}).Process(context.Background(), item)

	assert.Equal(t, models.OutcomeSkipped, res.Outcome)
	assert.Equal(t, "already processed", res.Reason)
	assert.ErrorIs(t, res.Err, ErrAlreadyProcessed)
	assert.Equal(t, 0, model.calls())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, `{"old":true}`, string(data))
}

func TestProcessor_OverwriteReplacesOutput(t *testing.T) {
	item := testItem(t)
	outPath := filepath.Join(item.Path, models.OutputFileName)
	require.NoError(t, os.WriteFile(outPath, []byte(`{"old":true}`), 0o644))

	model := &fakeModel{text: `{"new":true}`}
	res := NewProcessor(model, testTemplate, Options{Overwrite: true}).Process(context.Background(), item)

	require.Equal(t, models.OutcomeSuccess, res.Outcome)
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"new":true}`, string(data))
}

func TestProcessor_NoImages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	model := &fakeModel{text: `{}`}
	res := NewProcessor(model, testTemplate, Options{}).Process(context.Background(), models.Item{UID: "empty", Path: dir})

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, "no images found", res.Reason)
	assert.ErrorIs(t, res.Err, ErrNoImages)
	assert.Equal(t, 0, model.calls())
}

func TestProcessor_ImageReadFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// A dangling symlink matches the conventional name but cannot be read.
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing-target"), filepath.Join(dir, "00000.png")))
	writeFiles(t, dir, "00001.png")

	model := &fakeModel{text: `{}`}
	res := NewProcessor(model, testTemplate, Options{NumViews: 2}).Process(context.Background(), models.Item{UID: "obj", Path: dir})

	// The dangling link is not a regular file, so only the readable view is selected.
	require.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Len(t, model.requests[0].Images, 1)
}

func TestEncodeImages_FailureDiscardsAll(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.png")

	images, err := encodeImages([]string{filepath.Join(dir, "a.png"), filepath.Join(dir, "gone.png")})
	assert.Error(t, err)
	assert.Nil(t, images)
}

func TestProcessor_RateLimited(t *testing.T) {
	item := testItem(t)
	model := &fakeModel{err: errors.Join(vision.ErrRateLimited, errors.New("429 Too Many Requests"))}

	res := NewProcessor(model, testTemplate, Options{}).Process(context.Background(), item)

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Reason, "rate limit error: ")
	assert.ErrorIs(t, res.Err, vision.ErrRateLimited)
	assert.NoFileExists(t, filepath.Join(item.Path, models.OutputFileName))
}

func TestProcessor_APIError(t *testing.T) {
	item := testItem(t)
	model := &fakeModel{err: errors.New("connection refused")}

	res := NewProcessor(model, testTemplate, Options{}).Process(context.Background(), item)

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, "api error: connection refused", res.Reason)
	assert.ErrorIs(t, res.Err, ErrModelCall)
	assert.NoFileExists(t, filepath.Join(item.Path, models.OutputFileName))
}

func TestProcessor_Unparseable(t *testing.T) {
	item := testItem(t)
	model := &fakeModel{text: "I cannot help with that."}

	res := NewProcessor(model, testTemplate, Options{}).Process(context.Background(), item)

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, "could not parse JSON from response", res.Reason)
	var parseErr *ParseError
	assert.ErrorAs(t, res.Err, &parseErr)
	assert.NoFileExists(t, filepath.Join(item.Path, models.OutputFileName))
}

func TestProcessor_InFlightCallSurvivesCancellation(t *testing.T) {
	item := testItem(t)
	ctx, cancel := context.WithCancel(context.Background())

	var submitCtxErr error
	model := &ctxModel{fn: func(c context.Context) { cancel(); submitCtxErr = c.Err() }}

	res := NewProcessor(model, testTemplate, Options{}).Process(ctx, item)

	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.NoError(t, submitCtxErr)
}

type ctxModel struct {
	fn func(ctx context.Context)
}

func (m *ctxModel) Submit(ctx context.Context, _ vision.Request) (vision.Response, error) {
	m.fn(ctx)
	return vision.Response{Text: `{"ok":true}`}, nil
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "image/png", mediaType("a/00000.png"))
	assert.Equal(t, "image/jpeg", mediaType("a/b.JPG"))
	assert.Equal(t, "image/jpeg", mediaType("a/b.jpeg"))
}
