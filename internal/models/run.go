package models

import "time"

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one crew kickoff and its final output.
type Run struct {
	ID         string            `json:"id"`
	ClientID   int64             `json:"client_id"`
	Crew       string            `json:"crew"`
	Provider   string            `json:"provider"`
	Model      string            `json:"model"`
	Inputs     map[string]string `json:"inputs"`
	Status     RunStatus         `json:"status"`
	Output     string            `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	Steps      []RunStep         `json:"steps,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunStep is the output of a single task within a run.
type RunStep struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Task      string    `json:"task"`
	Agent     string    `json:"agent"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is an API consumer identified by a bearer token.
type Client struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
