package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/types"
)

// PrincipalKind is the resolved identity of an authenticated request.
type PrincipalKind string

const (
	PrincipalAdmin      PrincipalKind = "admin"
	PrincipalBuildToken PrincipalKind = "build_token"
	PrincipalWorker     PrincipalKind = "worker"
)

// Principal is the result of a successful Resolve call.
type Principal struct {
	Kind   PrincipalKind
	Build  *types.Build
	Worker *types.Worker
}

// BuildGetter is the subset of the store the Auth Gate needs to look up a
// build's access_token for the build-token principal.
type BuildGetter interface {
	GetBuild(ctx context.Context, id string) (*types.Build, error)
}

// WorkerGetter is the subset of the store the Auth Gate needs to look up a
// worker's access_token for the worker-session principal.
type WorkerGetter interface {
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
}

// Authenticator resolves the three request principals defined by the
// controller's auth model.
type Authenticator struct {
	APIKey  string
	Builds  BuildGetter
	Workers WorkerGetter
	Now     func() time.Time
}

// New constructs an Authenticator. now defaults to time.Now if nil.
func New(apiKey string, builds BuildGetter, workers WorkerGetter, now func() time.Time) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{APIKey: apiKey, Builds: builds, Workers: workers, Now: now}
}

// dummySubject is hashed and compared against whenever a looked-up record
// does not exist, so that the constant-time comparison always runs and its
// cost never betrays whether the record was found.
const dummySubject = "non-existent-record-comparison-subject"

// constantTimeEqual compares two secrets in constant time regardless of
// their length, by comparing fixed-size digests rather than the raw bytes.
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// Resolve determines the calling principal from request headers.
// buildID is the path-scoped build ID for build-token endpoints; pass ""
// for endpoints that are not scoped to a single build (e.g. worker poll).
func (a *Authenticator) Resolve(ctx context.Context, h http.Header, buildID string) (*Principal, error) {
	apiKey := h.Get("X-API-Key")
	token := h.Get("X-Build-Token")
	workerID := h.Get("X-Worker-Id")

	anyCredential := apiKey != "" || token != "" || workerID != ""

	if apiKey != "" {
		if constantTimeEqual(apiKey, a.APIKey) {
			return &Principal{Kind: PrincipalAdmin}, nil
		}
		return nil, ctlerr.New(ctlerr.KindForbidden, "invalid api key")
	}

	if workerID != "" {
		worker, err := a.Workers.GetWorker(ctx, workerID)
		found := err == nil && worker != nil

		var subject string
		if found {
			subject = worker.AccessToken
		} else {
			subject = dummySubject
		}
		match := constantTimeEqual(token, subject)

		if !found || !match {
			return nil, ctlerr.New(ctlerr.KindForbidden, "invalid worker credentials")
		}
		if a.Now().After(worker.AccessTokenExpiresAt) {
			return nil, ctlerr.New(ctlerr.KindUnauthenticated, "worker token expired")
		}
		return &Principal{Kind: PrincipalWorker, Worker: worker}, nil
	}

	if token != "" && buildID != "" {
		build, err := a.Builds.GetBuild(ctx, buildID)
		found := err == nil && build != nil

		var subject string
		if found {
			subject = build.AccessToken
		} else {
			subject = dummySubject
		}
		match := constantTimeEqual(token, subject)

		if !found || !match {
			return nil, ctlerr.New(ctlerr.KindForbidden, "invalid build token")
		}
		return &Principal{Kind: PrincipalBuildToken, Build: build}, nil
	}

	if !anyCredential {
		return nil, ctlerr.New(ctlerr.KindUnauthenticated, "missing credentials")
	}
	return nil, ctlerr.New(ctlerr.KindForbidden, "credentials did not resolve to a principal")
}

// OwnsBuild reports whether a worker principal is currently assigned the
// given build, per the worker-session grant: access to builds "currently
// assigned to that worker."
func (p *Principal) OwnsBuild(build *types.Build) bool {
	if p.Kind != PrincipalWorker || build.WorkerID == nil {
		return false
	}
	return *build.WorkerID == p.Worker.ID
}
