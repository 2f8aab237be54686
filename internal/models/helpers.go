package models

import (
	"fmt"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordKey returns the string key of a SurrealDB record ID.
func RecordKey(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected record key type: %T (expected string)", id.ID)
	}
	return s, nil
}

// RunView is the API form of a JobRun, with the record ID reduced to the job ID.
type RunView struct {
	JobRun
	ID string `json:"id,omitempty"`
}

// View converts a run for the API. A run without a string key gets an empty ID.
func (r JobRun) View() RunView {
	id, _ := RecordKey(r.ID)
	return RunView{JobRun: r, ID: id}
}
