package models

import "time"

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run summarizes one pipeline execution for the archive.
type Run struct {
	ID           int64     `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Status       RunStatus `json:"status"`
	Documents    int       `json:"documents"`
	Images       int       `json:"images"`
	Equations    int       `json:"equations"`
	EquationList []string  `json:"equation_list,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}
