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

	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/models"
)

// blockingTask emits a line and then waits for cancellation or release.
func blockingTask(release <-chan struct{}) Task {
	return func(ctx context.Context, emit func(string)) (Result, error) {
		emit("working")
		select {
		case <-ctx.Done():
			return Result{ExitCode: ExitCodeStopped}, nil
		case <-release:
			return Result{}, nil
		}
	}
}

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSupervisor_IdleStatus(t *testing.T) {
	s := NewSupervisor()
	assert.Equal(t, models.JobStateIdle, s.Status().State)
	assert.False(t, s.Running())

	_, err := s.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrNoJob)
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNoRunningJob)
}

func TestSupervisor_Completes(t *testing.T) {
	s := NewSupervisor()
	id, err := s.Start(Definition{Kind: "caption", Task: func(_ context.Context, emit func(string)) (Result, error) {
		emit("line 1")
		emit("line 2")
		return Result{ExitCode: 0, Summary: &models.BatchSummary{Total: 2, Success: 2}}, nil
	}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	events := withoutPings(collect(t, ch, 2*time.Second))

	require.Len(t, events, 3)
	assert.Equal(t, "line 1", events[0].Data)
	assert.Equal(t, "line 2", events[1].Data)
	assert.Equal(t, models.EventComplete, events[2].Type)
	assert.Equal(t, 0, *events[2].Code)

	waitDone(t, s)
	status := s.Status()
	assert.Equal(t, id, status.ID)
	assert.Equal(t, models.JobStateCompleted, status.State)
	assert.Equal(t, 0, *status.ExitCode)
	assert.Equal(t, 2, status.Summary.Success)
	assert.NotNil(t, status.CompletedAt)
}

func TestSupervisor_NonZeroExitStillCompletes(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Start(Definition{Task: func(context.Context, func(string)) (Result, error) {
		return Result{ExitCode: 2}, nil
	}})
	require.NoError(t, err)
	waitDone(t, s)

	status := s.Status()
	assert.Equal(t, models.JobStateCompleted, status.State)
	assert.Equal(t, 2, *status.ExitCode)
}

func TestSupervisor_Fails(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Start(Definition{Task: func(context.Context, func(string)) (Result, error) {
		return Result{}, errors.New("/data/Cap3D_imgs does not exist")
	}})
	require.NoError(t, err)

	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	events := withoutPings(collect(t, ch, 2*time.Second))

	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	assert.Equal(t, "/data/Cap3D_imgs does not exist", events[0].Data)

	waitDone(t, s)
	assert.Equal(t, models.JobStateFailed, s.Status().State)
	assert.Nil(t, s.Status().ExitCode)
}

func TestSupervisor_PanicFailsJob(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Start(Definition{Task: func(context.Context, func(string)) (Result, error) {
		panic("unexpected")
	}})
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, models.JobStateFailed, s.Status().State)
	assert.Equal(t, "job panicked", s.Status().Error)
}

func TestSupervisor_SingleJobInvariant(t *testing.T) {
	s := NewSupervisor(WithLiveness(time.Hour))
	release := make(chan struct{})

	id, err := s.Start(Definition{Kind: "first", Task: blockingTask(release)})
	require.NoError(t, err)

	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)

	_, err = s.Start(Definition{Kind: "second", Task: func(_ context.Context, emit func(string)) (Result, error) {
		emit("should never run")
		return Result{}, nil
	}})
	require.ErrorIs(t, err, ErrJobAlreadyRunning)

	status := s.Status()
	assert.Equal(t, id, status.ID)
	assert.Equal(t, "first", status.Kind)
	assert.Equal(t, models.JobStateRunning, status.State)

	close(release)
	events := collect(t, ch, 2*time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, "working", events[0].Data)
	assert.Equal(t, models.EventComplete, events[1].Type)
}

func TestSupervisor_Stop(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Start(Definition{Task: blockingTask(make(chan struct{}))})
	require.NoError(t, err)

	ch, err := s.Subscribe(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	status := s.Status()
	assert.Equal(t, models.JobStateStopped, status.State)
	assert.Equal(t, ExitCodeStopped, *status.ExitCode)

	events := withoutPings(collect(t, ch, 2*time.Second))
	last := events[len(events)-1]
	assert.Equal(t, models.EventComplete, last.Type)
	assert.Equal(t, ExitCodeStopped, *last.Code)

	// Stopping again is a reported no-op.
	assert.ErrorIs(t, s.Stop(ctx), ErrNoRunningJob)
}

func TestSupervisor_StopAfterSuccessKeepsCompleted(t *testing.T) {
	s := NewSupervisor()
	// The task ignores cancellation and reports success, like a batch whose
	// last item finished just as the stop arrived.
	_, err := s.Start(Definition{Task: func(ctx context.Context, _ func(string)) (Result, error) {
		<-ctx.Done()
		return Result{Summary: &models.BatchSummary{Total: 1, Success: 1}}, nil
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	status := s.Status()
	assert.Equal(t, models.JobStateCompleted, status.State)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 0, *status.ExitCode)
}

func TestSupervisor_StopWithErrorIsStopped(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Start(Definition{Task: func(ctx context.Context, _ func(string)) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	status := s.Status()
	assert.Equal(t, models.JobStateStopped, status.State)
	assert.Equal(t, ExitCodeStopped, *status.ExitCode)
	assert.Empty(t, status.Error)
}

func TestSupervisor_StartAfterFinish(t *testing.T) {
	s := NewSupervisor()
	first, err := s.Start(Definition{Task: func(context.Context, func(string)) (Result, error) { return Result{}, nil }})
	require.NoError(t, err)
	waitDone(t, s)

	second, err := s.Start(Definition{Task: func(context.Context, func(string)) (Result, error) { return Result{}, nil }})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	waitDone(t, s)
}

func TestSupervisor_StartWithoutTask(t *testing.T) {
	_, err := NewSupervisor().Start(Definition{})
	assert.Error(t, err)
}

func TestSupervisor_BatchCancellation(t *testing.T) {
	s := NewSupervisor()
	started := make(chan struct{})

	_, err := s.Start(Definition{Kind: "caption", Task: BatchTask(func(ctx context.Context, out io.Writer) (models.BatchSummary, error) {
		summary := models.BatchSummary{Total: 5}
		for i := range 5 {
			if ctx.Err() != nil {
				summary.Stopped = true
				break
			}
			summary.Record(models.ItemResult{UID: fmt.Sprint(i), Outcome: models.OutcomeSuccess})
			fmt.Fprintf(out, "✓ %d: Success\n", i)
			if i == 0 {
				close(started)
				<-ctx.Done()
			}
		}
		return summary, nil
	})})
	require.NoError(t, err)

	<-started
	require.NoError(t, s.Stop(context.Background()))

	status := s.Status()
	assert.Equal(t, models.JobStateStopped, status.State)
	require.NotNil(t, status.Summary)
	assert.Equal(t, 1, status.Summary.Success)
	assert.True(t, status.Summary.Stopped)
	assert.Equal(t, ExitCodeStopped, *status.ExitCode)
}

type fakeStore struct {
	mu        sync.Mutex
	created   []string
	completed map[string]models.JobState
	failing   bool
}

func (f *fakeStore) CreateRun(_ context.Context, id, _, _, _ string) (*models.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("db down")
	}
	f.created = append(f.created, id)
	return &models.JobRun{}, nil
}

func (f *fakeStore) CompleteRun(_ context.Context, id string, state models.JobState, _ *int, _ *string, _ *models.BatchSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("db down")
	}
	if f.completed == nil {
		f.completed = map[string]models.JobState{}
	}
	f.completed[id] = state
	return nil
}

func TestSupervisor_PersistsRuns(t *testing.T) {
	store := &fakeStore{}
	collector := metrics.NewCollector()
	s := NewSupervisor(WithStore(store), WithMetrics(collector))

	id, err := s.Start(Definition{Task: func(context.Context, func(string)) (Result, error) { return Result{}, nil }})
	require.NoError(t, err)
	waitDone(t, s)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{id}, store.created)
	assert.Equal(t, models.JobStateCompleted, store.completed[id])
	assert.Equal(t, int64(1), collector.Snapshot().Jobs)
}

func TestSupervisor_StoreFailureDoesNotFailJob(t *testing.T) {
	s := NewSupervisor(WithStore(&fakeStore{failing: true}))
	_, err := s.Start(Definition{Task: func(context.Context, func(string)) (Result, error) { return Result{}, nil }})
	require.NoError(t, err)
	waitDone(t, s)

	assert.Equal(t, models.JobStateCompleted, s.Status().State)
}
