package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/kestrelci/controller/pkg/types"
)

type fakeBuilds map[string]*types.Build

func (f fakeBuilds) GetBuild(ctx context.Context, id string) (*types.Build, error) {
	return f[id], nil
}

type fakeWorkers map[string]*types.Worker

func (f fakeWorkers) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	return f[id], nil
}

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestResolve_Admin(t *testing.T) {
	a := New("correct-api-key", fakeBuilds{}, fakeWorkers{}, fixedNow)

	h := http.Header{}
	h.Set("X-API-Key", "correct-api-key")

	p, err := a.Resolve(context.Background(), h, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != PrincipalAdmin {
		t.Errorf("kind = %v, want admin", p.Kind)
	}
}

func TestResolve_AdminWrongKey(t *testing.T) {
	a := New("correct-api-key", fakeBuilds{}, fakeWorkers{}, fixedNow)

	h := http.Header{}
	h.Set("X-API-Key", "wrong-key")

	_, err := a.Resolve(context.Background(), h, "")
	if err == nil {
		t.Fatal("expected error for wrong api key")
	}
}

func TestResolve_MissingCredentials(t *testing.T) {
	a := New("correct-api-key", fakeBuilds{}, fakeWorkers{}, fixedNow)

	_, err := a.Resolve(context.Background(), http.Header{}, "")
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestResolve_BuildToken(t *testing.T) {
	builds := fakeBuilds{
		"build-1": {ID: "build-1", AccessToken: "build-secret"},
	}
	a := New("admin-key", builds, fakeWorkers{}, fixedNow)

	h := http.Header{}
	h.Set("X-Build-Token", "build-secret")

	p, err := a.Resolve(context.Background(), h, "build-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != PrincipalBuildToken {
		t.Errorf("kind = %v, want build_token", p.Kind)
	}
}

func TestResolve_BuildTokenWrongSecret(t *testing.T) {
	builds := fakeBuilds{
		"build-1": {ID: "build-1", AccessToken: "build-secret"},
	}
	a := New("admin-key", builds, fakeWorkers{}, fixedNow)

	h := http.Header{}
	h.Set("X-Build-Token", "wrong-secret")

	_, err := a.Resolve(context.Background(), h, "build-1")
	if err == nil {
		t.Fatal("expected error for wrong build token")
	}
}

func TestResolve_BuildTokenNonexistentBuild(t *testing.T) {
	a := New("admin-key", fakeBuilds{}, fakeWorkers{}, fixedNow)

	h := http.Header{}
	h.Set("X-Build-Token", "anything")

	_, err := a.Resolve(context.Background(), h, "no-such-build")
	if err == nil {
		t.Fatal("expected error for nonexistent build")
	}
}

func TestResolve_WorkerSession(t *testing.T) {
	workers := fakeWorkers{
		"worker-1": {
			ID:                   "worker-1",
			AccessToken:          "worker-secret",
			AccessTokenExpiresAt: fixedNow().Add(time.Hour),
		},
	}
	a := New("admin-key", fakeBuilds{}, workers, fixedNow)

	h := http.Header{}
	h.Set("X-Worker-Id", "worker-1")
	h.Set("X-Build-Token", "worker-secret")

	p, err := a.Resolve(context.Background(), h, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Kind != PrincipalWorker {
		t.Errorf("kind = %v, want worker", p.Kind)
	}
}

func TestResolve_WorkerSessionExpired(t *testing.T) {
	workers := fakeWorkers{
		"worker-1": {
			ID:                   "worker-1",
			AccessToken:          "worker-secret",
			AccessTokenExpiresAt: fixedNow().Add(-time.Hour),
		},
	}
	a := New("admin-key", fakeBuilds{}, workers, fixedNow)

	h := http.Header{}
	h.Set("X-Worker-Id", "worker-1")
	h.Set("X-Build-Token", "worker-secret")

	_, err := a.Resolve(context.Background(), h, "")
	if err == nil {
		t.Fatal("expected error for expired worker token")
	}
}

func TestResolve_WorkerSessionNonexistentWorker(t *testing.T) {
	a := New("admin-key", fakeBuilds{}, fakeWorkers{}, fixedNow)

	h := http.Header{}
	h.Set("X-Worker-Id", "ghost-worker")
	h.Set("X-Build-Token", "anything")

	_, err := a.Resolve(context.Background(), h, "")
	if err == nil {
		t.Fatal("expected error for nonexistent worker")
	}
}

func TestOwnsBuild(t *testing.T) {
	workerID := "worker-1"
	build := &types.Build{ID: "build-1", WorkerID: &workerID}

	p := &Principal{Kind: PrincipalWorker, Worker: &types.Worker{ID: "worker-1"}}
	if !p.OwnsBuild(build) {
		t.Error("expected worker to own the build it is assigned")
	}

	other := &Principal{Kind: PrincipalWorker, Worker: &types.Worker{ID: "worker-2"}}
	if other.OwnsBuild(build) {
		t.Error("expected different worker to not own the build")
	}
}

func TestNeedsRotation(t *testing.T) {
	now := fixedNow()

	if NeedsRotation(now.Add(time.Minute), now) {
		t.Error("1 minute remaining should not need rotation")
	}
	if !NeedsRotation(now.Add(10*time.Second), now) {
		t.Error("10 seconds remaining should need rotation")
	}
}
