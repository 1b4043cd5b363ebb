package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ajay73588/autopod/internal/domain"
	"github.com/Ajay73588/autopod/internal/repository"
	"github.com/Ajay73588/autopod/internal/runtime"
)

// Supported lifecycle actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionRemove  = "remove"
)

var (
	// ErrConflict is returned when another action already holds the
	// lease for the target container.
	ErrConflict = errors.New("action: container busy")

	// ErrInvalidState is returned when the action does not apply to the
	// container's current state.
	ErrInvalidState = errors.New("action: invalid container state")

	// ErrUnknownAction is returned for action names the service does
	// not implement.
	ErrUnknownAction = errors.New("action: unknown action")
)

// Runtime is the slice of the container runtime the executor needs.
type Runtime interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Store reads and updates the persisted container records.
type Store interface {
	GetContainerByName(ctx context.Context, name string) (*domain.ContainerRecord, error)
	UpdateContainerStatus(ctx context.Context, name, status string) error
	DeleteContainer(ctx context.Context, name string) error
}

// Service executes lifecycle actions one at a time per container.
type Service struct {
	rt      Runtime
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	leases map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// New returns an action executor with the given per-action timeout and
// lease TTL.
func New(rt Runtime, store Store, logger *slog.Logger, timeout, leaseTTL time.Duration) *Service {
	return &Service{
		rt:      rt,
		store:   store,
		logger:  logger,
		timeout: timeout,
		leases:  make(map[string]time.Time),
		ttl:     leaseTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Result reports the outcome of a completed action.
type Result struct {
	Container string `json:"container"`
	Action    string `json:"action"`
	Status    string `json:"status"`
}

// Execute runs the named action against the container. Concurrent actions
// on the same container fail fast with ErrConflict rather than queueing.
func (s *Service) Execute(ctx context.Context, action, name string) (Result, error) {
	if !known(action) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	record, err := s.store.GetContainerByName(ctx, name)
	if err != nil {
		// Removing an already-removed container is an idempotent
		// success; everything else fails fast without touching the
		// runtime.
		if errors.Is(err, repository.ErrNotFound) && action == ActionRemove {
			return Result{Container: name, Action: action, Status: domain.StatusRemoved}, nil
		}
		return Result{}, err
	}
	if action == ActionRestart && record.Status != domain.StatusRunning {
		return Result{}, fmt.Errorf("%w: cannot restart container in status %s", ErrInvalidState, record.Status)
	}
	lease, ok := s.acquire(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrConflict, name)
	}
	defer s.release(name, lease)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var status string
	switch action {
	case ActionStart:
		err = s.rt.Start(ctx, name)
		status = domain.StatusRunning
	case ActionStop:
		err = s.rt.Stop(ctx, name)
		status = domain.StatusStopped
	case ActionRestart:
		err = s.rt.Restart(ctx, name)
		status = domain.StatusRunning
	case ActionRemove:
		err = s.rt.Remove(ctx, name)
		status = domain.StatusRemoved
	}
	if err != nil {
		s.logger.Error("action failed", "action", action, "container", name, "error", err)
		if errors.Is(err, runtime.ErrNotFound) {
			return Result{}, repository.ErrNotFound
		}
		return Result{}, err
	}

	// The stored record reflects the action immediately instead of
	// waiting for the next sync cycle.
	if action == ActionRemove {
		err = s.store.DeleteContainer(ctx, name)
	} else {
		err = s.store.UpdateContainerStatus(ctx, name, status)
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("action state update failed", "action", action, "container", name, "error", err)
		return Result{}, err
	}

	s.logger.Info("action complete", "action", action, "container", name)
	return Result{Container: name, Action: action, Status: status}, nil
}

// acquire takes the container's lease if it is free or expired, returning
// the expiry it wrote so the holder can identify its own lease on release.
func (s *Service) acquire(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if deadline, held := s.leases[name]; held && now.Before(deadline) {
		return time.Time{}, false
	}
	deadline := now.Add(s.ttl)
	s.leases[name] = deadline
	return deadline, true
}

// release drops the lease only while it still belongs to this holder. An
// action that outlives its TTL must not remove a successor's lease.
func (s *Service) release(name string, lease time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline, held := s.leases[name]; held && deadline.Equal(lease) {
		delete(s.leases, name)
	}
}

func known(action string) bool {
	switch action {
	case ActionStart, ActionStop, ActionRestart, ActionRemove:
		return true
	}
	return false
}
