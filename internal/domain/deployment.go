package domain

import "time"

// Status is a lifecycle state of a deployment.
type Status string

// Lifecycle states. Uploading is held only while CreateDeployment runs and is never persisted.
const (
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusDeployed  Status = "deployed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusUploaded, StatusDeployed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusUploading:
		return 1
	case StatusUploaded:
		return 2
	case StatusDeployed, StatusFailed:
		return 3
	}
	return 0
}

// CanAdvance reports whether moving from s to next keeps the timeline monotonic.
func (s Status) CanAdvance(next Status) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Deployment captures one request to materialize and build a source reference.
type Deployment struct {
	ID        string    `json:"id"`
	SourceRef string    `json:"sourceRef"`
	Status    Status    `json:"status"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusChange is emitted whenever a status is written to the store.
type StatusChange struct {
	DeploymentID string `json:"id"`
	Status       Status `json:"status"`
}
