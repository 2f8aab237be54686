package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/structcap/internal/models"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) emit(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func shell(script string) Task {
	return CommandTask(Command{Name: "/bin/sh", Args: []string{"-c", script}, Grace: time.Second})
}

func TestCommandTask_MergesOutput(t *testing.T) {
	rec := &lineRecorder{}
	res, err := shell(`echo "one   "; echo two 1>&2; printf 'three\r\n'`)(context.Background(), rec.emit)

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"one", "two", "three"}, rec.get())
}

func TestCommandTask_ExitCode(t *testing.T) {
	res, err := shell(`echo failing; exit 3`)(context.Background(), func(string) {})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestCommandTask_Env(t *testing.T) {
	rec := &lineRecorder{}
	task := CommandTask(Command{
		Name: "/bin/sh",
		Args: []string{"-c", `echo "$STRUCTCAP_TEST_VALUE"`},
		Env:  []string{"STRUCTCAP_TEST_VALUE=secret"},
	})
	_, err := task(context.Background(), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, []string{"secret"}, rec.get())
}

func TestCommandTask_StartFailure(t *testing.T) {
	_, err := CommandTask(Command{Name: "/nonexistent/binary"})(context.Background(), func(string) {})
	assert.ErrorContains(t, err, "start /nonexistent/binary")
}

func TestCommandTask_CancelSendsSIGTERM(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &lineRecorder{}

	done := make(chan Result, 1)
	go func() {
		res, err := shell(`trap 'echo terminated; exit 7' TERM; echo ready; while true; do sleep 0.05; done`)(ctx, rec.emit)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(rec.get()) > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, 7, res.ExitCode)
		assert.Contains(t, rec.get(), "terminated")
	case <-time.After(5 * time.Second):
		t.Fatal("command did not stop")
	}
}

func TestCommandTask_KilledAfterGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &lineRecorder{}

	done := make(chan Result, 1)
	go func() {
		task := CommandTask(Command{
			Name:  "/bin/sh",
			Args:  []string{"-c", `trap '' TERM; echo ready; while true; do sleep 0.05; done`},
			Grace: 100 * time.Millisecond,
		})
		res, _ := task(ctx, rec.emit)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(rec.get()) > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, 128+9, res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not killed")
	}
}

func TestChainTask(t *testing.T) {
	var order []string
	step := func(name string, code int, err error) Task {
		return func(context.Context, func(string)) (Result, error) {
			order = append(order, name)
			return Result{ExitCode: code}, err
		}
	}

	t.Run("all succeed", func(t *testing.T) {
		order = nil
		res, err := ChainTask(step("render", 0, nil), step("caption", 0, nil))(context.Background(), func(string) {})
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, []string{"render", "caption"}, order)
	})

	t.Run("non-zero exit stops chain", func(t *testing.T) {
		order = nil
		res, err := ChainTask(step("render", 2, nil), step("caption", 0, nil))(context.Background(), func(string) {})
		require.NoError(t, err)
		assert.Equal(t, 2, res.ExitCode)
		assert.Equal(t, []string{"render"}, order)
	})

	t.Run("error stops chain", func(t *testing.T) {
		order = nil
		_, err := ChainTask(step("render", 0, errors.New("boom")), step("caption", 0, nil))(context.Background(), func(string) {})
		assert.EqualError(t, err, "boom")
		assert.Equal(t, []string{"render"}, order)
	})

	t.Run("cancelled before next step", func(t *testing.T) {
		order = nil
		ctx, cancel := context.WithCancel(context.Background())
		first := func(context.Context, func(string)) (Result, error) {
			order = append(order, "render")
			cancel()
			return Result{}, nil
		}
		res, err := ChainTask(first, step("caption", 0, nil))(ctx, func(string) {})
		require.NoError(t, err)
		assert.Equal(t, ExitCodeStopped, res.ExitCode)
		assert.Equal(t, []string{"render"}, order)
	})
}

func TestBatchTask(t *testing.T) {
	rec := &lineRecorder{}
	task := BatchTask(func(_ context.Context, out io.Writer) (models.BatchSummary, error) {
		fmt.Fprintf(out, "Found 2 folders to process\n✓ a: Suc")
		fmt.Fprintf(out, "cess\n✗ b: no images found\ntrailing")
		return models.BatchSummary{Total: 2, Success: 1, Failed: 1}, nil
	})

	res, err := task(context.Background(), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, res.Summary.Success)
	assert.Equal(t, []string{
		"Found 2 folders to process",
		"✓ a: Success",
		"✗ b: no images found",
		"trailing",
	}, rec.get())
}

func TestBatchTask_StoppedAndFatal(t *testing.T) {
	stopped := BatchTask(func(context.Context, io.Writer) (models.BatchSummary, error) {
		return models.BatchSummary{Stopped: true}, nil
	})
	res, err := stopped(context.Background(), func(string) {})
	require.NoError(t, err)
	assert.Equal(t, ExitCodeStopped, res.ExitCode)

	fatal := BatchTask(func(context.Context, io.Writer) (models.BatchSummary, error) {
		return models.BatchSummary{}, errors.New("dir does not exist")
	})
	_, err = fatal(context.Background(), func(string) {})
	assert.EqualError(t, err, "dir does not exist")
}
