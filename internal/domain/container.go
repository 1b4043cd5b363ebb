package domain

import "time"

// Container status values persisted in the state store.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusMissing = "missing"
	StatusRemoved = "removed"
)

// PortBinding maps a container port to its allocated host endpoint.
type PortBinding struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	HostIP        string `json:"host_ip,omitempty"`
}

// ContainerRecord is the persisted view of a container, kept in step with
// the live runtime by the synchronizer.
type ContainerRecord struct {
	Name          string        `json:"name"`
	RuntimeID     string        `json:"runtime_id"`
	Image         string        `json:"image"`
	Status        string        `json:"status"`
	Ports         []PortBinding `json:"ports"`
	MissingCycles int           `json:"missing_cycles"`
	CreatedAt     time.Time     `json:"created_at"`
	LastSyncedAt  time.Time     `json:"last_synced_at"`
}
