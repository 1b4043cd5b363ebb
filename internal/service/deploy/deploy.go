package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ajay73588/autopod/internal/domain"
	"github.com/Ajay73588/autopod/internal/runtime"
)

// ErrNameUnresolvable is returned when neither the payload nor the
// repository URL yields a deployment target name.
var ErrNameUnresolvable = errors.New("deploy: target name cannot be derived")

// Pipeline stages, in order.
const (
	StageReceived = "received"
	StageCloning  = "cloning"
	StageBuilding = "building"
	StageSwapping = "swapping"
	StageDone     = "done"
)

// StageError records the pipeline stage a deployment failed in.
type StageError struct {
	Stage               string
	Err                 error
	RollbackUnavailable bool
}

func (e *StageError) Error() string {
	if e.RollbackUnavailable {
		return fmt.Sprintf("deploy stage %s: %v (previous container already removed)", e.Stage, e.Err)
	}
	return fmt.Sprintf("deploy stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Runtime is the slice of the container runtime the pipeline needs.
type Runtime interface {
	Build(ctx context.Context, dir, tag string, onOutput runtime.BuildOutputCallback) error
	Run(ctx context.Context, name, image string) (string, []domain.PortBinding, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Cloner fetches a repository into a local directory.
type Cloner interface {
	Clone(ctx context.Context, url, dir string) (string, error)
}

// Workspace provides isolated build directories.
type Workspace interface {
	Prepare(identifier string) (string, error)
	Cleanup(path string) error
}

// Store persists deployment and container records.
type Store interface {
	CreateDeployment(ctx context.Context, record *domain.DeploymentRecord) error
	UpdateDeploymentStage(ctx context.Context, deploymentID, stage string, buildNumber int) error
	FinalizeDeployment(ctx context.Context, final domain.DeploymentFinalize) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error)
	ListDeployments(ctx context.Context, limit int) ([]domain.DeploymentRecord, error)
	NextBuildNumber(ctx context.Context, requestedName string) (int, error)
	UpsertContainer(ctx context.Context, record domain.ContainerRecord) error
}

// Service runs the clone, build and swap pipeline. Deployments for the same
// target name are serialized; distinct targets run concurrently.
type Service struct {
	rt           Runtime
	cloner       Cloner
	workspace    Workspace
	store        Store
	logger       *slog.Logger
	gitTimeout   time.Duration
	buildTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	targets map[string]*sync.Mutex
}

func New(rt Runtime, cloner Cloner, workspace Workspace, store Store, logger *slog.Logger, gitTimeout, buildTimeout time.Duration) *Service {
	return &Service{
		rt:           rt,
		cloner:       cloner,
		workspace:    workspace,
		store:        store,
		logger:       logger,
		gitTimeout:   gitTimeout,
		buildTimeout: buildTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		targets:      make(map[string]*sync.Mutex),
	}
}

// Request describes a deployment to run.
type Request struct {
	RepositoryURL string
	Name          string
}

// Deploy records the deployment, runs the pipeline on a background context
// and returns once a record exists. The returned channel closes when the
// pipeline finishes, so callers may wait for the outcome without pinning it
// to their own request lifetime.
func (s *Service) Deploy(ctx context.Context, req Request) (domain.DeploymentRecord, <-chan struct{}, error) {
	name := req.Name
	if name == "" {
		name = nameFromURL(req.RepositoryURL)
	}
	if name == "" {
		return domain.DeploymentRecord{}, nil, fmt.Errorf("%w: %q", ErrNameUnresolvable, req.RepositoryURL)
	}

	record := domain.DeploymentRecord{
		ID:            uuid.NewString(),
		RepositoryURL: req.RepositoryURL,
		RequestedName: name,
		Stage:         StageReceived,
		Outcome:       domain.OutcomePending,
		StartedAt:     s.now(),
	}
	if err := s.store.CreateDeployment(ctx, &record); err != nil {
		return domain.DeploymentRecord{}, nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// A caller disconnect must never abort a half-finished swap,
		// so the pipeline runs detached from the request context.
		s.run(context.Background(), record)
	}()
	return record, done, nil
}

// GetDeployment returns a single deployment record.
func (s *Service) GetDeployment(ctx context.Context, id string) (domain.DeploymentRecord, error) {
	record, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	return *record, nil
}

// ListDeployments returns the most recent deployment records.
func (s *Service) ListDeployments(ctx context.Context, limit int) ([]domain.DeploymentRecord, error) {
	return s.store.ListDeployments(ctx, limit)
}

func (s *Service) run(ctx context.Context, record domain.DeploymentRecord) {
	lock := s.targetLock(record.RequestedName)
	lock.Lock()
	defer lock.Unlock()

	final := s.pipeline(ctx, record)
	final.DeploymentID = record.ID
	if err := s.store.FinalizeDeployment(ctx, final); err != nil {
		s.logger.Error("finalize deployment failed", "deployment_id", record.ID, "error", err)
	}
}

func (s *Service) pipeline(ctx context.Context, record domain.DeploymentRecord) domain.DeploymentFinalize {
	logger := s.logger.With("deployment_id", record.ID, "target", record.RequestedName)

	buildNumber, err := s.store.NextBuildNumber(ctx, record.RequestedName)
	if err != nil {
		return s.failed(logger, record, StageReceived, err, false)
	}

	dir, err := s.workspace.Prepare(record.ID)
	if err != nil {
		return s.failed(logger, record, StageReceived, err, false)
	}
	defer func() {
		if err := s.workspace.Cleanup(dir); err != nil {
			logger.Warn("workspace cleanup failed", "dir", dir, "error", err)
		}
	}()

	s.advance(ctx, logger, record.ID, StageCloning, buildNumber)
	cloneCtx, cancel := context.WithTimeout(ctx, s.gitTimeout)
	commit, err := s.cloner.Clone(cloneCtx, record.RepositoryURL, dir)
	cancel()
	if err != nil {
		return s.failed(logger, record, StageCloning, err, false)
	}
	logger.Info("repository cloned", "commit", commit)

	if err := ensureDockerfile(dir); err != nil {
		return s.failed(logger, record, StageBuilding, err, false)
	}

	tag := fmt.Sprintf("%s:%d", record.RequestedName, buildNumber)
	s.advance(ctx, logger, record.ID, StageBuilding, buildNumber)
	buildCtx, cancel := context.WithTimeout(ctx, s.buildTimeout)
	err = s.rt.Build(buildCtx, dir, tag, func(line string) {
		logger.Debug("build output", "line", line)
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.timedOut(logger, record, StageBuilding, err)
		}
		return s.failed(logger, record, StageBuilding, err, false)
	}

	// Only a successful build may displace the running container.
	s.advance(ctx, logger, record.ID, StageSwapping, buildNumber)
	if err := s.rt.Stop(ctx, record.RequestedName); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return s.failed(logger, record, StageSwapping, err, false)
	}
	if err := s.rt.Remove(ctx, record.RequestedName); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return s.failed(logger, record, StageSwapping, err, false)
	}

	runtimeID, ports, err := s.rt.Run(ctx, record.RequestedName, tag)
	if err != nil {
		// The old container is already gone at this point.
		return s.failed(logger, record, StageSwapping, err, true)
	}

	now := s.now()
	container := domain.ContainerRecord{
		Name:         record.RequestedName,
		RuntimeID:    runtimeID,
		Image:        tag,
		Status:       domain.StatusRunning,
		Ports:        ports,
		CreatedAt:    now,
		LastSyncedAt: now,
	}
	if err := s.store.UpsertContainer(ctx, container); err != nil {
		logger.Error("record deployed container failed", "error", err)
	}

	logger.Info("deployment complete", "image", tag, "runtime_id", runtimeID)
	return domain.DeploymentFinalize{
		Stage:                  StageDone,
		Outcome:                domain.OutcomeSuccess,
		ResultingContainerName: record.RequestedName,
		AccessURL:              accessURL(ports),
		FinishedAt:             now,
	}
}

func (s *Service) advance(ctx context.Context, logger *slog.Logger, id, stage string, buildNumber int) {
	if err := s.store.UpdateDeploymentStage(ctx, id, stage, buildNumber); err != nil {
		logger.Error("update deployment stage failed", "stage", stage, "error", err)
	}
}

func (s *Service) failed(logger *slog.Logger, record domain.DeploymentRecord, stage string, err error, rollbackUnavailable bool) domain.DeploymentFinalize {
	stageErr := &StageError{Stage: stage, Err: err, RollbackUnavailable: rollbackUnavailable}
	logger.Error("deployment failed", "stage", stage, "error", err, "rollback_unavailable", rollbackUnavailable)
	return domain.DeploymentFinalize{
		Stage:      stage,
		Outcome:    domain.OutcomeFailed,
		Error:      stageErr.Error(),
		FinishedAt: s.now(),
	}
}

func (s *Service) timedOut(logger *slog.Logger, record domain.DeploymentRecord, stage string, err error) domain.DeploymentFinalize {
	logger.Error("deployment timed out", "stage", stage, "error", err)
	return domain.DeploymentFinalize{
		Stage:      stage,
		Outcome:    domain.OutcomeTimedOut,
		Error:      (&StageError{Stage: stage, Err: err}).Error(),
		FinishedAt: s.now(),
	}
}

func (s *Service) targetLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.targets[name]
	if !ok {
		lock = &sync.Mutex{}
		s.targets[name] = lock
	}
	return lock
}

// placeholderDockerfile serves a static page for repositories that ship no
// Dockerfile of their own.
const placeholderDockerfile = `FROM busybox:stable
WORKDIR /www
RUN printf '<html><body><h1>Deployed by autopod</h1></body></html>' > index.html
EXPOSE 80
CMD ["httpd", "-f", "-p", "80", "-h", "/www"]
`

func ensureDockerfile(dir string) error {
	for _, name := range []string{"Dockerfile", "dockerfile"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(placeholderDockerfile), 0o644)
}

func nameFromURL(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	idx := strings.LastIndexAny(trimmed, "/:")
	if idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return strings.ToLower(trimmed)
}

func accessURL(ports []domain.PortBinding) string {
	for _, p := range ports {
		if p.HostPort != 0 {
			return fmt.Sprintf("http://localhost:%d", p.HostPort)
		}
	}
	return ""
}
