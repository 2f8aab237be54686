package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/structcap/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 20

// CreateRun records a newly started job in the running state.
func (c *Client) CreateRun(ctx context.Context, id, kind, parentDir, model string) (*models.JobRun, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]models.JobRun](ctx, c.db, `
		CREATE type::record("job_run", $id) SET
			kind = $kind,
			state = $state,
			parent_dir = $parent_dir,
			model = $model,
			started_at = time::now()
		RETURN AFTER
	`, map[string]any{
		"id":         id,
		"kind":       kind,
		"state":      string(models.JobStateRunning),
		"parent_dir": parentDir,
		"model":      model,
	})
	c.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create run: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// CompleteRun stores the terminal state of a job.
func (c *Client) CompleteRun(
	ctx context.Context,
	id string,
	state models.JobState,
	exitCode *int,
	errMsg *string,
	summary *models.BatchSummary,
) error {
	start := time.Now()
	results, err := surrealdb.Query[[]models.JobRun](ctx, c.db, `
		UPDATE type::record("job_run", $id) SET
			state = $state,
			exit_code = $exit_code,
			error = $error,
			summary = $summary,
			completed_at = time::now()
		RETURN AFTER
	`, map[string]any{
		"id":        id,
		"state":     string(state),
		"exit_code": exitCode,
		"error":     errMsg,
		"summary":   summary,
	})
	c.observe(start, err)
	if err != nil {
		return fmt.Errorf("complete run: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return fmt.Errorf("complete run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by job ID.
func (c *Client) GetRun(ctx context.Context, id string) (*models.JobRun, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]models.JobRun](ctx, c.db, `
		SELECT * FROM type::record("job_run", $id)
	`, map[string]any{"id": id})
	c.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// ListRuns returns the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.JobRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	start := time.Now()
	results, err := surrealdb.Query[[]models.JobRun](ctx, c.db, `
		SELECT * FROM job_run ORDER BY started_at DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	c.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.JobRun{}, nil
	}
	return (*results)[0].Result, nil
}

// FailStaleRuns marks runs left in the running state by a previous process as failed.
// Returns the number of runs updated.
func (c *Client) FailStaleRuns(ctx context.Context) (int, error) {
	start := time.Now()
	results, err := surrealdb.Query[[]models.JobRun](ctx, c.db, `
		UPDATE job_run SET
			state = $failed,
			error = "interrupted by server restart",
			completed_at = time::now()
		WHERE state = $running
		RETURN AFTER
	`, map[string]any{
		"failed":  string(models.JobStateFailed),
		"running": string(models.JobStateRunning),
	})
	c.observe(start, err)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}
