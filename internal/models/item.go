// Package models defines the data structures shared by the captioning pipeline,
// the job supervisor and the control surface.
package models

import (
	"encoding/json"
	"fmt"
	"io"
)

// OutputFileName is the conventional name of an item's persisted output.
const OutputFileName = "structured_output.json"

// RankingFileName holds precomputed per-view scores, a JSON array indexed by view number.
const RankingFileName = "diffurank_scores.json"

// Item is one object directory of rendered views.
type Item struct {
	UID       string `json:"uid"`
	Path      string `json:"path"`
	NumImages int    `json:"num_images"`
	HasOutput bool   `json:"has_output"`
}

// Outcome classifies how processing one item ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ItemResult is the result of processing a single item.
type ItemResult struct {
	UID     string          `json:"uid"`
	Outcome Outcome         `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Err     error           `json:"-"`
}

// ItemError pairs a failed item with its human-readable reason.
type ItemError struct {
	UID    string `json:"uid"`
	Reason string `json:"reason"`
}

// maxReportedErrors caps the error list printed in a summary report.
const maxReportedErrors = 10

// BatchSummary aggregates per-item outcomes of one batch run.
type BatchSummary struct {
	Total   int         `json:"total"`
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Skipped int         `json:"skipped"`
	Errors  []ItemError `json:"errors,omitempty"`
	Stopped bool        `json:"stopped"`
}

// Record folds one item result into the summary.
func (s *BatchSummary) Record(r ItemResult) {
	switch r.Outcome {
	case OutcomeSuccess:
		s.Success++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
		s.Errors = append(s.Errors, ItemError{UID: r.UID, Reason: r.Reason})
	}
}

// Processed returns how many items have a recorded outcome.
func (s BatchSummary) Processed() int {
	return s.Success + s.Failed + s.Skipped
}

// WriteReport prints the end-of-run summary, listing at most the first ten errors.
func (s BatchSummary) WriteReport(w io.Writer) {
	rule := "============================================================"
	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	if s.Stopped {
		fmt.Fprintln(w, "SUMMARY (stopped)")
	} else {
		fmt.Fprintln(w, "SUMMARY")
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total items: %d\n", s.Total)
	fmt.Fprintf(w, "Processed: %d\n", s.Processed())
	fmt.Fprintf(w, "Success: %d\n", s.Success)
	fmt.Fprintf(w, "Failed: %d\n", s.Failed)
	fmt.Fprintf(w, "Skipped: %d\n", s.Skipped)

	if len(s.Errors) == 0 {
		return
	}
	fmt.Fprintln(w, "\nErrors:")
	for i, e := range s.Errors {
		if i == maxReportedErrors {
			fmt.Fprintf(w, "  ... and %d more\n", len(s.Errors)-maxReportedErrors)
			break
		}
		fmt.Fprintf(w, "  - %s: %s\n", e.UID, e.Reason)
	}
}
