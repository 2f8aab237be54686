// Package jobs supervises the single background job of a process and fans its
// progress events out to any number of subscribers.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/models"
)

var (
	// ErrJobAlreadyRunning is returned by Start while another job is running.
	ErrJobAlreadyRunning = errors.New("job already running")
	// ErrNoRunningJob is returned by Stop when no job is running.
	ErrNoRunningJob = errors.New("no running job")
	// ErrNoJob is returned by Subscribe before any job has been started.
	ErrNoJob = errors.New("no job")
)

// RunStore persists job runs. Failures are logged and never affect the job.
type RunStore interface {
	CreateRun(ctx context.Context, id, kind, parentDir, model string) (*models.JobRun, error)
	CompleteRun(ctx context.Context, id string, state models.JobState, exitCode *int, errMsg *string, summary *models.BatchSummary) error
}

// Definition describes a job to start.
type Definition struct {
	Kind      string
	ParentDir string
	Model     string
	Task      Task
}

type job struct {
	id        string
	def       Definition
	stream    *Stream
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	// Guarded by Supervisor.mu.
	state         models.JobState
	stopRequested bool
	exitCode      *int
	errMsg        string
	summary       *models.BatchSummary
	completedAt   *time.Time
}

// Supervisor owns the single job slot.
type Supervisor struct {
	mu      sync.Mutex
	current *job

	store      RunStore
	metrics    *metrics.Collector
	liveness   time.Duration
	bufferSize int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStore persists runs to store.
func WithStore(store RunStore) Option {
	return func(s *Supervisor) { s.store = store }
}

// WithMetrics counts started jobs on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = collector }
}

// WithLiveness sets the subscriber heartbeat interval.
func WithLiveness(d time.Duration) Option {
	return func(s *Supervisor) { s.liveness = d }
}

// WithBufferSize sets how many events each job keeps for late subscribers.
func WithBufferSize(n int) Option {
	return func(s *Supervisor) { s.bufferSize = n }
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		liveness:   DefaultLiveness,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches def.Task in the background and returns the new job's ID.
// It returns ErrJobAlreadyRunning without side effects while a job is running.
func (s *Supervisor) Start(def Definition) (string, error) {
	if def.Task == nil {
		return "", errors.New("job has no task")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.state == models.JobStateRunning {
		return "", ErrJobAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:        uuid.New().String(),
		def:       def,
		stream:    NewStream(s.bufferSize),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		state:     models.JobStateRunning,
	}
	s.current = j

	if s.metrics != nil {
		s.metrics.RecordJob()
	}
	slog.Info("job started", "job_id", j.id, "kind", def.Kind, "parent_dir", def.ParentDir)

	go s.run(ctx, j)
	return j.id, nil
}

func (s *Supervisor) run(ctx context.Context, j *job) {
	defer close(j.done)
	defer j.cancel()

	if s.store != nil {
		if _, err := s.store.CreateRun(ctx, j.id, j.def.Kind, j.def.ParentDir, j.def.Model); err != nil {
			slog.Warn("failed to persist job start", "job_id", j.id, "error", err)
		}
	}

	res, err := s.execute(ctx, j)
	s.finish(j, res, err)
}

// execute runs the task, converting a panic into a job failure.
func (s *Supervisor) execute(ctx context.Context, j *job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job_id", j.id, "panic", r)
			err = errors.New("job panicked")
		}
	}()
	return j.def.Task(ctx, func(line string) {
		j.stream.Publish(models.OutputEvent(line))
	})
}

func (s *Supervisor) finish(j *job, res Result, err error) {
	s.mu.Lock()
	now := time.Now()
	j.completedAt = &now
	j.summary = res.Summary

	// A stop that lands after the task already succeeded does not change its outcome.
	stopped := j.stopRequested && (err != nil || res.ExitCode != 0 || (res.Summary != nil && res.Summary.Stopped))

	var final models.Event
	switch {
	case err != nil && !stopped:
		j.state = models.JobStateFailed
		j.errMsg = err.Error()
		final = models.ErrorEvent(j.errMsg)
	case stopped:
		j.state = models.JobStateStopped
		code := res.ExitCode
		if err != nil && code == 0 {
			code = ExitCodeStopped
		}
		j.exitCode = &code
		final = models.CompleteEvent(code)
	default:
		j.state = models.JobStateCompleted
		code := res.ExitCode
		j.exitCode = &code
		final = models.CompleteEvent(code)
	}
	state, exitCode, errMsg := j.state, j.exitCode, j.errMsg
	s.mu.Unlock()

	j.stream.Publish(final)
	slog.Info("job finished", "job_id", j.id, "state", state, "duration_ms", now.Sub(j.startedAt).Milliseconds())

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errPtr *string
		if errMsg != "" {
			errPtr = &errMsg
		}
		if err := s.store.CompleteRun(ctx, j.id, state, exitCode, errPtr, res.Summary); err != nil {
			slog.Warn("failed to persist job completion", "job_id", j.id, "error", err)
		}
	}
}

// Stop requests termination of the running job and waits until it has finished
// or ctx is done. It returns ErrNoRunningJob when idle.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	j := s.current
	if j == nil || j.state != models.JobStateRunning {
		s.mu.Unlock()
		return ErrNoRunningJob
	}
	j.stopRequested = true
	s.mu.Unlock()

	slog.Info("stopping job", "job_id", j.id)
	j.cancel()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe follows the current (or most recent) job's events from the start of its buffer.
// The channel closes after the terminal event or when ctx is done.
func (s *Supervisor) Subscribe(ctx context.Context) (<-chan models.Event, error) {
	s.mu.Lock()
	j := s.current
	s.mu.Unlock()

	if j == nil {
		return nil, ErrNoJob
	}
	return j.stream.Subscribe(ctx, s.liveness), nil
}

// Wait blocks until the current job has finished or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	j := s.current
	s.mu.Unlock()

	if j == nil {
		return ErrNoJob
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the current (or most recent) job.
func (s *Supervisor) Status() models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.current
	if j == nil {
		return models.JobStatus{State: models.JobStateIdle}
	}

	started := j.startedAt
	status := models.JobStatus{
		ID:          j.id,
		Kind:        j.def.Kind,
		State:       j.state,
		Error:       j.errMsg,
		StartedAt:   &started,
		CompletedAt: j.completedAt,
	}
	if j.exitCode != nil {
		code := *j.exitCode
		status.ExitCode = &code
	}
	if j.summary != nil {
		summary := *j.summary
		status.Summary = &summary
	}
	return status
}

// Running reports whether a job is currently running.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.state == models.JobStateRunning
}
