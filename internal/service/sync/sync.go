package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Ajay73588/autopod/internal/domain"
	"github.com/Ajay73588/autopod/internal/repository"
	"github.com/Ajay73588/autopod/internal/runtime"
)

// Runtime is the slice of the container runtime the synchronizer needs.
type Runtime interface {
	List(ctx context.Context) ([]runtime.Container, error)
}

// Store persists the reconciled view of containers.
type Store interface {
	UpsertContainer(ctx context.Context, record domain.ContainerRecord) error
	ListContainers(ctx context.Context) ([]domain.ContainerRecord, error)
	MarkContainerMissing(ctx context.Context, name string) (int, error)
	DeleteContainer(ctx context.Context, name string) error
}

// Service reconciles the stored container records with the live runtime.
type Service struct {
	rt            Runtime
	store         Store
	logger        *slog.Logger
	interval      time.Duration
	missThreshold int
	now           func() time.Time
}

// New returns a synchronizer ticking at interval, purging records that have
// been absent from the runtime for missThreshold consecutive cycles.
func New(rt Runtime, store Store, logger *slog.Logger, interval time.Duration, missThreshold int) *Service {
	return &Service{
		rt:            rt,
		store:         store,
		logger:        logger,
		interval:      interval,
		missThreshold: missThreshold,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, reconciling on every tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("synchronizer stopped")
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// SyncNow performs a single reconciliation cycle on demand.
func (s *Service) SyncNow(ctx context.Context) (Result, error) {
	return s.reconcile(ctx)
}

// Result summarizes one reconciliation cycle.
type Result struct {
	Observed int `json:"observed"`
	Updated  int `json:"updated"`
	Missing  int `json:"missing"`
	Purged   int `json:"purged"`
}

func (s *Service) cycle(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.interval)
	defer cancel()

	result, err := s.reconcile(ctx)
	if err != nil {
		// The stored state is left untouched so a flapping daemon does
		// not cascade into mass purges.
		s.logger.Warn("sync cycle skipped", "error", err)
		return
	}
	if result.Missing > 0 || result.Purged > 0 {
		s.logger.Info("sync cycle complete",
			"observed", result.Observed,
			"missing", result.Missing,
			"purged", result.Purged,
		)
	}
}

func (s *Service) reconcile(ctx context.Context) (Result, error) {
	live, err := s.rt.List(ctx)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	result := Result{Observed: len(live)}
	seen := make(map[string]struct{}, len(live))

	for _, c := range live {
		seen[c.Name] = struct{}{}
		record := domain.ContainerRecord{
			Name:         c.Name,
			RuntimeID:    c.ID,
			Image:        c.Image,
			Status:       statusFromState(c.State),
			Ports:        c.Ports,
			CreatedAt:    c.CreatedAt,
			LastSyncedAt: now,
		}
		if err := s.store.UpsertContainer(ctx, record); err != nil {
			s.logger.Error("sync upsert failed", "container", c.Name, "error", err)
			continue
		}
		result.Updated++
	}

	stored, err := s.store.ListContainers(ctx)
	if err != nil {
		return result, err
	}
	for _, record := range stored {
		if _, ok := seen[record.Name]; ok {
			continue
		}
		cycles, err := s.store.MarkContainerMissing(ctx, record.Name)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			s.logger.Error("sync mark missing failed", "container", record.Name, "error", err)
			continue
		}
		result.Missing++
		if cycles >= s.missThreshold {
			if err := s.store.DeleteContainer(ctx, record.Name); err != nil {
				s.logger.Error("sync purge failed", "container", record.Name, "error", err)
				continue
			}
			s.logger.Info("purged vanished container", "container", record.Name, "cycles", cycles)
			result.Purged++
		}
	}
	return result, nil
}

func statusFromState(state string) string {
	switch state {
	// A restart-looping container is alive from the store's point of
	// view, so it counts as running rather than stopped.
	case "running", "restarting":
		return domain.StatusRunning
	case "created":
		return domain.StatusCreated
	case "exited", "dead", "paused":
		return domain.StatusStopped
	default:
		return domain.StatusStopped
	}
}
