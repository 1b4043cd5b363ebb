package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Ajay73588/autopod/internal/domain"
)

var (
	// ErrUnauthenticated is returned when an operation requires stored
	// registry credentials and none are present for the target registry.
	ErrUnauthenticated = errors.New("registry: not logged in")

	// ErrLoginFailed is returned when the registry rejects credentials.
	ErrLoginFailed = errors.New("registry: login failed")
)

// Runtime is the slice of the container runtime registry operations need.
type Runtime interface {
	Login(ctx context.Context, serverAddress, username, secret string) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, ref, username, secret, serverAddress string) error
}

// Service validates and holds registry credentials in memory, one active
// credential per registry. Credentials never touch the database or the logs,
// so a restart requires a fresh login.
type Service struct {
	rt              Runtime
	logger          *slog.Logger
	defaultRegistry string
	now             func() time.Time

	mu    sync.RWMutex
	creds map[string]*domain.RegistryCredential
}

func New(rt Runtime, logger *slog.Logger, defaultRegistry string) *Service {
	return &Service{
		rt:              rt,
		logger:          logger,
		defaultRegistry: defaultRegistry,
		now:             func() time.Time { return time.Now().UTC() },
		creds:           make(map[string]*domain.RegistryCredential),
	}
}

// Login validates credentials against the registry and stores them on
// success, replacing any previous session for that registry. Sessions for
// other registries are untouched.
func (s *Service) Login(ctx context.Context, registryAddr, username, secret string) error {
	if username == "" || secret == "" {
		return fmt.Errorf("%w: username and password are required", ErrLoginFailed)
	}
	registryAddr = s.normalize(registryAddr)
	if err := s.rt.Login(ctx, registryAddr, username, secret); err != nil {
		s.logger.Warn("registry login rejected", "registry", registryAddr, "username", username)
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	s.mu.Lock()
	s.creds[registryAddr] = &domain.RegistryCredential{
		Registry:   registryAddr,
		Username:   username,
		Secret:     secret,
		LoggedInAt: s.now(),
	}
	s.mu.Unlock()

	s.logger.Info("registry login", "registry", registryAddr, "username", username)
	return nil
}

// Logout drops the stored credentials for one registry. Logging out while
// not logged in is not an error.
func (s *Service) Logout(ctx context.Context, registryAddr string) {
	registryAddr = s.normalize(registryAddr)
	s.mu.Lock()
	delete(s.creds, registryAddr)
	s.mu.Unlock()
	s.logger.Info("registry logout", "registry", registryAddr)
}

// Status describes the session for one registry without exposing the secret.
type Status struct {
	LoggedIn   bool       `json:"logged_in"`
	Registry   string     `json:"registry,omitempty"`
	Username   string     `json:"username,omitempty"`
	LoggedInAt *time.Time `json:"logged_in_at,omitempty"`
}

func (s *Service) Status(registryAddr string) Status {
	registryAddr = s.normalize(registryAddr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[registryAddr]
	if !ok {
		return Status{LoggedIn: false, Registry: registryAddr}
	}
	at := cred.LoggedInAt
	return Status{
		LoggedIn:   true,
		Registry:   cred.Registry,
		Username:   cred.Username,
		LoggedInAt: &at,
	}
}

// PushResult describes a completed push.
type PushResult struct {
	TaggedName  string `json:"tagged_name"`
	RegistryURL string `json:"registry_url"`
	PullCommand string `json:"pull_command"`
}

// Push tags the local image into the target registry's namespace and pushes
// it there. The push identity is chosen at push time, so the same local
// image can be pushed under any registry the caller has logged into.
func (s *Service) Push(ctx context.Context, image, registryAddr string) (PushResult, error) {
	registryAddr = s.normalize(registryAddr)
	s.mu.RLock()
	cred, ok := s.creds[registryAddr]
	s.mu.RUnlock()
	if !ok {
		return PushResult{}, fmt.Errorf("%w: %s", ErrUnauthenticated, registryAddr)
	}

	target := targetRef(cred, image)
	if err := s.rt.Tag(ctx, image, target); err != nil {
		return PushResult{}, fmt.Errorf("tag %s as %s: %w", image, target, err)
	}
	if err := s.rt.Push(ctx, target, cred.Username, cred.Secret, cred.Registry); err != nil {
		return PushResult{}, fmt.Errorf("push %s: %w", target, err)
	}

	s.logger.Info("image pushed", "image", image, "registry", cred.Registry, "target", target)
	return PushResult{
		TaggedName:  target,
		RegistryURL: cred.Registry,
		PullCommand: "docker pull " + target,
	}, nil
}

func (s *Service) normalize(registryAddr string) string {
	if registryAddr == "" {
		return s.defaultRegistry
	}
	return registryAddr
}

// targetRef maps a local image reference to registry/username/imageName:latest.
// Any local tag or namespace is discarded so the published name is decided
// here, not at build time.
func targetRef(cred *domain.RegistryCredential, image string) string {
	name := image
	if idx := strings.LastIndex(name, ":"); idx > 0 && !strings.Contains(name[idx:], "/") {
		name = name[:idx]
	}
	if slash := strings.LastIndex(name, "/"); slash >= 0 {
		name = name[slash+1:]
	}
	return fmt.Sprintf("%s/%s/%s:latest", cred.Registry, cred.Username, name)
}
