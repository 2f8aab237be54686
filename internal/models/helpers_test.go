package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordKey(t *testing.T) {
	s, err := RecordKey(surrealmodels.NewRecordID("job_run", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	_, err = RecordKey(surrealmodels.NewRecordID("job_run", 42))
	assert.ErrorContains(t, err, "unexpected record key type")
}

func TestJobRun_View(t *testing.T) {
	code := 0
	run := JobRun{
		ID:       surrealmodels.NewRecordID("job_run", "5f0c"),
		Kind:     "caption",
		State:    string(JobStateCompleted),
		ExitCode: &code,
	}

	data, err := json.Marshal(run.View())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "5f0c", got["id"])
	assert.Equal(t, "caption", got["kind"])
	assert.Equal(t, float64(0), got["exit_code"])

	assert.Empty(t, JobRun{}.View().ID)
}
