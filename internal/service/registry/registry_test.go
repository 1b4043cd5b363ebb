package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type fakeRuntime struct {
	loginErr error
	pushErr  error
	tags     []string
	pushes   []string
}

func (f *fakeRuntime) Login(ctx context.Context, serverAddress, username, secret string) error {
	return f.loginErr
}

func (f *fakeRuntime) Tag(ctx context.Context, source, target string) error {
	f.tags = append(f.tags, source+" -> "+target)
	return nil
}

func (f *fakeRuntime) Push(ctx context.Context, ref, username, secret, serverAddress string) error {
	f.pushes = append(f.pushes, serverAddress+" "+ref)
	return f.pushErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoginStoresSession(t *testing.T) {
	svc := New(&fakeRuntime{}, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "", "alice", "hunter2"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	status := svc.Status("")
	if !status.LoggedIn || status.Username != "alice" || status.Registry != "docker.io" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestLoginRejectedCredentials(t *testing.T) {
	svc := New(&fakeRuntime{loginErr: errors.New("401 unauthorized")}, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "", "alice", "wrong"); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if svc.Status("").LoggedIn {
		t.Fatalf("rejected login must not store credentials")
	}
}

func TestSessionsAreKeyedPerRegistry(t *testing.T) {
	svc := New(&fakeRuntime{}, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "", "alice", "hunter2"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if err := svc.Login(context.Background(), "registry.example.com", "bob", "s3cret"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	hub := svc.Status("")
	if !hub.LoggedIn || hub.Username != "alice" {
		t.Fatalf("second login clobbered the first session: %+v", hub)
	}
	private := svc.Status("registry.example.com")
	if !private.LoggedIn || private.Username != "bob" {
		t.Fatalf("unexpected private registry status: %+v", private)
	}

	svc.Logout(context.Background(), "registry.example.com")
	if svc.Status("registry.example.com").LoggedIn {
		t.Fatalf("logout should drop the private session")
	}
	if !svc.Status("").LoggedIn {
		t.Fatalf("logout of one registry must not touch another")
	}
}

func TestStatusNeverExposesSecret(t *testing.T) {
	svc := New(&fakeRuntime{}, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "", "alice", "sup3rsecret"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	payload, err := json.Marshal(svc.Status(""))
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if strings.Contains(string(payload), "sup3rsecret") {
		t.Fatalf("status payload leaks the secret: %s", payload)
	}
}

func TestPushRequiresLoginForTargetRegistry(t *testing.T) {
	svc := New(&fakeRuntime{}, testLogger(), "docker.io")
	if _, err := svc.Push(context.Background(), "web:3", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	// A session for one registry does not authorize pushes to another.
	if err := svc.Login(context.Background(), "", "alice", "hunter2"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if _, err := svc.Push(context.Background(), "web:3", "registry.example.com"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for other registry, got %v", err)
	}
}

func TestPushTagsRegistryUsernameImageLatest(t *testing.T) {
	rt := &fakeRuntime{}
	svc := New(rt, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "", "alice", "hunter2"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	result, err := svc.Push(context.Background(), "web:3", "")
	if err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if result.TaggedName != "docker.io/alice/web:latest" {
		t.Fatalf("unexpected tagged name %q", result.TaggedName)
	}
	if result.PullCommand != "docker pull docker.io/alice/web:latest" {
		t.Fatalf("unexpected pull command %q", result.PullCommand)
	}
	if len(rt.pushes) != 1 || rt.pushes[0] != "docker.io docker.io/alice/web:latest" {
		t.Fatalf("unexpected pushes: %v", rt.pushes)
	}
}

func TestPushPrivateRegistryKeepsHost(t *testing.T) {
	rt := &fakeRuntime{}
	svc := New(rt, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "registry.example.com", "alice", "hunter2"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	result, err := svc.Push(context.Background(), "web", "registry.example.com")
	if err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if result.TaggedName != "registry.example.com/alice/web:latest" {
		t.Fatalf("unexpected tagged name %q", result.TaggedName)
	}
}

func TestTargetRefDiscardsLocalNamespace(t *testing.T) {
	cases := []struct {
		image string
		want  string
	}{
		{"web", "docker.io/alice/web:latest"},
		{"web:3", "docker.io/alice/web:latest"},
		{"someone/web:old", "docker.io/alice/web:latest"},
		{"ghcr.io/other/web", "docker.io/alice/web:latest"},
	}
	svc := New(&fakeRuntime{}, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "", "alice", "hunter2"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	for _, tc := range cases {
		result, err := svc.Push(context.Background(), tc.image, "")
		if err != nil {
			t.Fatalf("Push(%q) returned error: %v", tc.image, err)
		}
		if result.TaggedName != tc.want {
			t.Fatalf("Push(%q) tagged %q, want %q", tc.image, result.TaggedName, tc.want)
		}
	}
}

func TestLogoutDropsSession(t *testing.T) {
	svc := New(&fakeRuntime{}, testLogger(), "docker.io")
	if err := svc.Login(context.Background(), "", "alice", "hunter2"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	svc.Logout(context.Background(), "")
	if svc.Status("").LoggedIn {
		t.Fatalf("logout should drop the session")
	}
	// Logging out twice is harmless.
	svc.Logout(context.Background(), "")
	if _, err := svc.Push(context.Background(), "web", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("push after logout should fail, got %v", err)
	}
}
