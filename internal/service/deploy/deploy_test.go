package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ajay73588/autopod/internal/domain"
	"github.com/Ajay73588/autopod/internal/repository"
	runtimepkg "github.com/Ajay73588/autopod/internal/runtime"
)

type fakeRuntime struct {
	mu       sync.Mutex
	builds   []string
	runs     []string
	stops    []string
	removes  []string
	buildErr error
	runErr   error
	stopErr  error
}

func (f *fakeRuntime) Build(ctx context.Context, dir, tag string, onOutput runtimepkg.BuildOutputCallback) error {
	f.mu.Lock()
	f.builds = append(f.builds, tag)
	f.mu.Unlock()
	if f.buildErr != nil {
		return f.buildErr
	}
	return ctx.Err()
}

func (f *fakeRuntime) Run(ctx context.Context, name, image string) (string, []domain.PortBinding, error) {
	f.mu.Lock()
	f.runs = append(f.runs, name+"="+image)
	f.mu.Unlock()
	if f.runErr != nil {
		return "", nil, f.runErr
	}
	return "rt-" + name, []domain.PortBinding{{ContainerPort: 80, HostPort: 32768, HostIP: "0.0.0.0"}}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	f.stops = append(f.stops, name)
	f.mu.Unlock()
	return f.stopErr
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	f.removes = append(f.removes, name)
	f.mu.Unlock()
	return nil
}

type fakeCloner struct {
	err    error
	copies map[string]string
}

func (f *fakeCloner) Clone(ctx context.Context, url, dir string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for name, content := range f.copies {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return "abcdef1234567890", nil
}

type fakeWorkspace struct {
	t       *testing.T
	cleaned []string
}

func (f *fakeWorkspace) Prepare(identifier string) (string, error) {
	return f.t.TempDir(), nil
}

func (f *fakeWorkspace) Cleanup(path string) error {
	f.cleaned = append(f.cleaned, path)
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	deployments map[string]domain.DeploymentRecord
	containers  map[string]domain.ContainerRecord
	stages      []string
	buildNums   map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deployments: map[string]domain.DeploymentRecord{},
		containers:  map[string]domain.ContainerRecord{},
		buildNums:   map[string]int{},
	}
}

func (f *fakeStore) CreateDeployment(ctx context.Context, record *domain.DeploymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployments[record.ID] = *record
	return nil
}

func (f *fakeStore) UpdateDeploymentStage(ctx context.Context, id, stage string, buildNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	record.Stage = stage
	record.BuildNumber = buildNumber
	f.deployments[id] = record
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeStore) FinalizeDeployment(ctx context.Context, final domain.DeploymentFinalize) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.deployments[final.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if record.FinishedAt != nil {
		return nil
	}
	record.Stage = final.Stage
	record.Outcome = final.Outcome
	record.ResultingContainerName = final.ResultingContainerName
	record.AccessURL = final.AccessURL
	record.Error = final.Error
	finished := final.FinishedAt
	record.FinishedAt = &finished
	f.deployments[final.DeploymentID] = record
	return nil
}

func (f *fakeStore) GetDeploymentByID(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &record, nil
}

func (f *fakeStore) ListDeployments(ctx context.Context, limit int) ([]domain.DeploymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DeploymentRecord, 0, len(f.deployments))
	for _, record := range f.deployments {
		out = append(out, record)
	}
	return out, nil
}

func (f *fakeStore) NextBuildNumber(ctx context.Context, requestedName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildNums[requestedName]++
	return f.buildNums[requestedName], nil
}

func (f *fakeStore) UpsertContainer(ctx context.Context, record domain.ContainerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[record.Name] = record
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, rt Runtime, cloner Cloner, store Store) *Service {
	t.Helper()
	return New(rt, cloner, &fakeWorkspace{t: t}, store, testLogger(), 5*time.Second, 10*time.Second)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline did not finish in time")
	}
}

func TestDeploySuccess(t *testing.T) {
	rt := &fakeRuntime{}
	store := newFakeStore()
	cloner := &fakeCloner{copies: map[string]string{"Dockerfile": "FROM busybox:stable\n"}}
	svc := newService(t, rt, cloner, store)

	record, done, err := svc.Deploy(context.Background(), Request{RepositoryURL: "https://github.com/acme/web.git"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if record.RequestedName != "web" {
		t.Fatalf("expected target name web, got %q", record.RequestedName)
	}
	waitDone(t, done)

	final, err := store.GetDeploymentByID(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("deployment record missing: %v", err)
	}
	if final.Outcome != domain.OutcomeSuccess || final.Stage != StageDone {
		t.Fatalf("unexpected final record: %+v", final)
	}
	if final.BuildNumber != 1 {
		t.Fatalf("expected build number 1, got %d", final.BuildNumber)
	}
	if final.AccessURL != "http://localhost:32768" {
		t.Fatalf("unexpected access url %q", final.AccessURL)
	}

	container, ok := store.containers["web"]
	if !ok {
		t.Fatalf("container record not upserted")
	}
	if container.Image != "web:1" || container.Status != domain.StatusRunning {
		t.Fatalf("unexpected container record: %+v", container)
	}
	if container.CreatedAt.IsZero() {
		t.Fatalf("container record must carry a creation time")
	}
	if len(rt.builds) != 1 || rt.builds[0] != "web:1" {
		t.Fatalf("unexpected builds: %v", rt.builds)
	}
}

func TestDeployWritesPlaceholderDockerfile(t *testing.T) {
	rt := &fakeRuntime{}
	store := newFakeStore()
	svc := newService(t, rt, &fakeCloner{}, store)

	record, done, err := svc.Deploy(context.Background(), Request{RepositoryURL: "https://github.com/acme/bare.git"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	waitDone(t, done)

	final, _ := store.GetDeploymentByID(context.Background(), record.ID)
	if final.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success with generated Dockerfile, got %+v", final)
	}
}

func TestDeployCloneFailure(t *testing.T) {
	rt := &fakeRuntime{}
	store := newFakeStore()
	svc := newService(t, rt, &fakeCloner{err: errors.New("remote hung up")}, store)

	record, done, err := svc.Deploy(context.Background(), Request{RepositoryURL: "https://github.com/acme/web.git"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	waitDone(t, done)

	final, _ := store.GetDeploymentByID(context.Background(), record.ID)
	if final.Outcome != domain.OutcomeFailed || final.Stage != StageCloning {
		t.Fatalf("unexpected final record: %+v", final)
	}
	if len(rt.builds) != 0 {
		t.Fatalf("build should not run after clone failure")
	}
	if len(rt.stops) != 0 || len(rt.removes) != 0 {
		t.Fatalf("old container must survive a failed clone")
	}
}

func TestDeployBuildFailureKeepsOldContainer(t *testing.T) {
	rt := &fakeRuntime{buildErr: errors.New("compile error")}
	store := newFakeStore()
	svc := newService(t, rt, &fakeCloner{}, store)

	record, done, err := svc.Deploy(context.Background(), Request{RepositoryURL: "https://github.com/acme/web.git"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	waitDone(t, done)

	final, _ := store.GetDeploymentByID(context.Background(), record.ID)
	if final.Outcome != domain.OutcomeFailed || final.Stage != StageBuilding {
		t.Fatalf("unexpected final record: %+v", final)
	}
	if len(rt.stops) != 0 || len(rt.removes) != 0 {
		t.Fatalf("old container must survive a failed build")
	}
}

func TestDeployRunFailureReportsRollbackUnavailable(t *testing.T) {
	rt := &fakeRuntime{runErr: errors.New("port exhausted")}
	store := newFakeStore()
	svc := newService(t, rt, &fakeCloner{}, store)

	record, done, err := svc.Deploy(context.Background(), Request{RepositoryURL: "https://github.com/acme/web.git"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	waitDone(t, done)

	final, _ := store.GetDeploymentByID(context.Background(), record.ID)
	if final.Outcome != domain.OutcomeFailed || final.Stage != StageSwapping {
		t.Fatalf("unexpected final record: %+v", final)
	}
	if !strings.Contains(final.Error, "previous container already removed") {
		t.Fatalf("error should surface missing rollback, got %q", final.Error)
	}
}

func TestDeployBuildTimeoutMarksTimedOut(t *testing.T) {
	rt := &fakeRuntime{buildErr: context.DeadlineExceeded}
	store := newFakeStore()
	svc := newService(t, rt, &fakeCloner{}, store)

	record, done, err := svc.Deploy(context.Background(), Request{RepositoryURL: "https://github.com/acme/slow.git"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	waitDone(t, done)

	final, _ := store.GetDeploymentByID(context.Background(), record.ID)
	if final.Outcome != domain.OutcomeTimedOut {
		t.Fatalf("expected timed_out outcome, got %+v", final)
	}
}

func TestDeploySerializedPerTargetBuildNumbers(t *testing.T) {
	rt := &fakeRuntime{}
	store := newFakeStore()
	svc := newService(t, rt, &fakeCloner{}, store)

	var dones []<-chan struct{}
	var ids []string
	for i := 0; i < 3; i++ {
		record, done, err := svc.Deploy(context.Background(), Request{RepositoryURL: "https://github.com/acme/web.git"})
		if err != nil {
			t.Fatalf("Deploy %d returned error: %v", i, err)
		}
		dones = append(dones, done)
		ids = append(ids, record.ID)
	}
	for _, done := range dones {
		waitDone(t, done)
	}

	seen := map[int]bool{}
	for _, id := range ids {
		final, _ := store.GetDeploymentByID(context.Background(), id)
		if final.Outcome != domain.OutcomeSuccess {
			t.Fatalf("deployment %s did not succeed: %+v", id, final)
		}
		if seen[final.BuildNumber] {
			t.Fatalf("duplicate build number %d", final.BuildNumber)
		}
		seen[final.BuildNumber] = true
	}
	for n := 1; n <= 3; n++ {
		if !seen[n] {
			t.Fatalf("missing build number %d, got %v", n, seen)
		}
	}
}

func TestEnsureDockerfile(t *testing.T) {
	dir := t.TempDir()
	if err := ensureDockerfile(dir); err != nil {
		t.Fatalf("ensureDockerfile failed: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		t.Fatalf("placeholder not written: %v", err)
	}
	if !strings.Contains(string(content), "busybox") {
		t.Fatalf("unexpected placeholder content: %s", content)
	}

	custom := []byte("FROM alpine:3\n")
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), custom, 0o644); err != nil {
		t.Fatalf("write custom Dockerfile: %v", err)
	}
	if err := ensureDockerfile(dir); err != nil {
		t.Fatalf("ensureDockerfile failed on existing file: %v", err)
	}
	content, _ = os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if string(content) != string(custom) {
		t.Fatalf("existing Dockerfile was overwritten")
	}
}

func TestEnsureDockerfileAcceptsLowercase(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("FROM alpine:3\n")
	if err := os.WriteFile(filepath.Join(dir, "dockerfile"), custom, 0o644); err != nil {
		t.Fatalf("write lowercase dockerfile: %v", err)
	}
	if err := ensureDockerfile(dir); err != nil {
		t.Fatalf("ensureDockerfile failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); !os.IsNotExist(err) {
		t.Fatalf("placeholder must not be written beside an existing dockerfile")
	}
}

func TestDeployUnresolvableName(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, &fakeRuntime{}, &fakeCloner{}, store)

	if _, _, err := svc.Deploy(context.Background(), Request{RepositoryURL: "git@example.com:"}); !errors.Is(err, ErrNameUnresolvable) {
		t.Fatalf("expected ErrNameUnresolvable, got %v", err)
	}
	if len(store.deployments) != 0 {
		t.Fatalf("no deployment record should be created for an unresolvable name")
	}
}

func TestNameFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://github.com/acme/web.git", "web"},
		{"https://github.com/acme/Web", "web"},
		{"git@github.com:acme/api.git", "api"},
		{"https://github.com/acme/site/", "site"},
	}
	for _, tc := range cases {
		if got := nameFromURL(tc.url); got != tc.want {
			t.Fatalf("nameFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
