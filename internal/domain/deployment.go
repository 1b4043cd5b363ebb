package domain

import "time"

// Deployment outcome values.
const (
	OutcomePending  = "pending"
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeTimedOut = "timed_out"
)

// DeploymentRecord captures a single webhook-triggered pipeline invocation.
// It is immutable once FinishedAt is set.
type DeploymentRecord struct {
	ID                     string     `json:"id"`
	RepositoryURL          string     `json:"repository_url"`
	RequestedName          string     `json:"requested_name"`
	BuildNumber            int        `json:"build_number"`
	Stage                  string     `json:"stage"`
	Outcome                string     `json:"outcome"`
	ResultingContainerName string     `json:"resulting_container_name,omitempty"`
	AccessURL              string     `json:"access_url,omitempty"`
	Error                  string     `json:"error,omitempty"`
	LogRef                 string     `json:"log_ref,omitempty"`
	StartedAt              time.Time  `json:"started_at"`
	FinishedAt             *time.Time `json:"finished_at,omitempty"`
}

// DeploymentFinalize captures the terminal fields written exactly once.
type DeploymentFinalize struct {
	DeploymentID           string
	Stage                  string
	Outcome                string
	ResultingContainerName string
	AccessURL              string
	Error                  string
	FinishedAt             time.Time
}
