package repository

import (
	"context"

	"github.com/Ajay73588/autopod/internal/domain"
)

// ContainerRepository stores the persisted container view.
type ContainerRepository interface {
	UpsertContainer(ctx context.Context, record domain.ContainerRecord) error
	GetContainerByName(ctx context.Context, name string) (*domain.ContainerRecord, error)
	ListContainers(ctx context.Context) ([]domain.ContainerRecord, error)
	UpdateContainerStatus(ctx context.Context, name, status string) error
	MarkContainerMissing(ctx context.Context, name string) (int, error)
	DeleteContainer(ctx context.Context, name string) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.DeploymentRecord) error
	UpdateDeploymentStage(ctx context.Context, deploymentID, stage string, buildNumber int) error
	FinalizeDeployment(ctx context.Context, final domain.DeploymentFinalize) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error)
	ListDeployments(ctx context.Context, limit int) ([]domain.DeploymentRecord, error)
	NextBuildNumber(ctx context.Context, requestedName string) (int, error)
}
