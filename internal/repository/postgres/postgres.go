package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ajay73588/autopod/internal/domain"
	"github.com/Ajay73588/autopod/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ContainerRepository  = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

// UpsertContainer inserts or refreshes a container record by name. A
// successful upsert clears the missing-cycle counter.
func (r *Repository) UpsertContainer(ctx context.Context, record domain.ContainerRecord) error {
	ports, err := json.Marshal(record.Ports)
	if err != nil {
		return fmt.Errorf("marshal ports: %w", err)
	}
	const query = `INSERT INTO containers (name, runtime_id, image, status, ports, missing_cycles, created_at, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			runtime_id = EXCLUDED.runtime_id,
			image = EXCLUDED.image,
			status = EXCLUDED.status,
			ports = EXCLUDED.ports,
			missing_cycles = 0,
			last_synced_at = EXCLUDED.last_synced_at`
	_, err = r.pool.Exec(ctx, query,
		record.Name, record.RuntimeID, record.Image, record.Status, ports,
		record.CreatedAt, record.LastSyncedAt)
	return err
}

// GetContainerByName fetches a single container record.
func (r *Repository) GetContainerByName(ctx context.Context, name string) (*domain.ContainerRecord, error) {
	const query = `SELECT name, runtime_id, image, status, ports, missing_cycles, created_at, last_synced_at
		FROM containers WHERE name = $1`
	row := r.pool.QueryRow(ctx, query, name)
	record, err := scanContainer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListContainers returns all persisted container records.
func (r *Repository) ListContainers(ctx context.Context) ([]domain.ContainerRecord, error) {
	const query = `SELECT name, runtime_id, image, status, ports, missing_cycles, created_at, last_synced_at
		FROM containers ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ContainerRecord
	for rows.Next() {
		record, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// UpdateContainerStatus writes a new status for a container by name.
func (r *Repository) UpdateContainerStatus(ctx context.Context, name, status string) error {
	const query = `UPDATE containers SET status = $2, last_synced_at = NOW() WHERE name = $1`
	tag, err := r.pool.Exec(ctx, query, name, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkContainerMissing increments the consecutive-miss counter and flips the
// status to missing. It returns the new counter so the caller can decide
// whether the purge threshold was reached.
func (r *Repository) MarkContainerMissing(ctx context.Context, name string) (int, error) {
	const query = `UPDATE containers
		SET missing_cycles = missing_cycles + 1, status = $2, last_synced_at = NOW()
		WHERE name = $1
		RETURNING missing_cycles`
	row := r.pool.QueryRow(ctx, query, name, domain.StatusMissing)
	var cycles int
	if err := row.Scan(&cycles); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return cycles, nil
}

// DeleteContainer removes a container record.
func (r *Repository) DeleteContainer(ctx context.Context, name string) error {
	const query = `DELETE FROM containers WHERE name = $1`
	_, err := r.pool.Exec(ctx, query, name)
	return err
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.DeploymentRecord) error {
	const query = `INSERT INTO deployments (id, repository_url, requested_name, build_number, stage, outcome, resulting_container_name, access_url, error, log_ref, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.RepositoryURL, deployment.RequestedName,
		deployment.BuildNumber, deployment.Stage, deployment.Outcome,
		deployment.ResultingContainerName, deployment.AccessURL,
		deployment.Error, deployment.LogRef, deployment.StartedAt, deployment.FinishedAt)
	return err
}

// UpdateDeploymentStage advances a non-finalized deployment to a new stage.
func (r *Repository) UpdateDeploymentStage(ctx context.Context, deploymentID, stage string, buildNumber int) error {
	const query = `UPDATE deployments
		SET stage = $2, build_number = GREATEST(build_number, $3)
		WHERE id = $1 AND finished_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, deploymentID, stage, buildNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FinalizeDeployment writes the terminal fields. A finalized row is never
// updated again.
func (r *Repository) FinalizeDeployment(ctx context.Context, final domain.DeploymentFinalize) error {
	const query = `UPDATE deployments
		SET stage = $2, outcome = $3, resulting_container_name = $4, access_url = $5, error = $6, finished_at = $7
		WHERE id = $1 AND finished_at IS NULL`
	tag, err := r.pool.Exec(ctx, query,
		final.DeploymentID, final.Stage, final.Outcome,
		final.ResultingContainerName, final.AccessURL, final.Error, final.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error) {
	const query = `SELECT id, repository_url, requested_name, build_number, stage, outcome, resulting_container_name, access_url, error, log_ref, started_at, finished_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	deployment, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return deployment, nil
}

// ListDeployments returns recent deployments, newest first.
func (r *Repository) ListDeployments(ctx context.Context, limit int) ([]domain.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, repository_url, requested_name, build_number, stage, outcome, resulting_container_name, access_url, error, log_ref, started_at, finished_at
		FROM deployments ORDER BY started_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.DeploymentRecord
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, rows.Err()
}

// NextBuildNumber returns the next monotonically increasing build number for
// a target name. Callers serialize per target, so reads here do not race for
// the same name.
func (r *Repository) NextBuildNumber(ctx context.Context, requestedName string) (int, error) {
	const query = `SELECT COALESCE(MAX(build_number), 0) + 1 FROM deployments WHERE requested_name = $1`
	row := r.pool.QueryRow(ctx, query, requestedName)
	var next int
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContainer(row rowScanner) (*domain.ContainerRecord, error) {
	var (
		record domain.ContainerRecord
		ports  []byte
	)
	if err := row.Scan(&record.Name, &record.RuntimeID, &record.Image, &record.Status,
		&ports, &record.MissingCycles, &record.CreatedAt, &record.LastSyncedAt); err != nil {
		return nil, err
	}
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &record.Ports); err != nil {
			return nil, fmt.Errorf("unmarshal ports: %w", err)
		}
	}
	return &record, nil
}

func scanDeployment(row rowScanner) (*domain.DeploymentRecord, error) {
	var deployment domain.DeploymentRecord
	if err := row.Scan(&deployment.ID, &deployment.RepositoryURL, &deployment.RequestedName,
		&deployment.BuildNumber, &deployment.Stage, &deployment.Outcome,
		&deployment.ResultingContainerName, &deployment.AccessURL,
		&deployment.Error, &deployment.LogRef, &deployment.StartedAt, &deployment.FinishedAt); err != nil {
		return nil, err
	}
	return &deployment, nil
}
