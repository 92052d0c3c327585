package httpapi

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrelci/controller/pkg/auth"
	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/queue"
	"github.com/kestrelci/controller/pkg/store"
	"github.com/kestrelci/controller/pkg/types"
)

const testAPIKey = "test-admin-api-key-0123456789"

type fakeStore struct {
	builds  map[string]*types.Build
	workers map[string]*types.Worker
	logs    []types.BuildLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{builds: map[string]*types.Build{}, workers: map[string]*types.Worker{}}
}

func (f *fakeStore) InsertBuild(ctx context.Context, b *types.Build) error {
	f.builds[b.ID] = b
	return nil
}

func (f *fakeStore) GetBuild(ctx context.Context, id string) (*types.Build, error) {
	return f.builds[id], nil
}

func (f *fakeStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	return f.workers[id], nil
}

func (f *fakeStore) GetLogs(ctx context.Context, buildID string, since int64) ([]types.BuildLog, error) {
	return nil, nil
}

func (f *fakeStore) AppendLogs(ctx context.Context, entries []types.BuildLog) error {
	f.logs = append(f.logs, entries...)
	return nil
}

func (f *fakeStore) CancelBuild(ctx context.Context, buildID string) error {
	if b, ok := f.builds[buildID]; ok && !b.Status.Terminal() {
		b.Status = types.BuildStatusCancelled
	}
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, buildID string) error {
	if b, ok := f.builds[buildID]; ok && b.Status == types.BuildStatusAssigned {
		b.Status = types.BuildStatusBuilding
	}
	return nil
}

func (f *fakeStore) RegisterWorker(ctx context.Context, w *types.Worker) error {
	f.workers[w.ID] = w
	return nil
}

func (f *fakeStore) TouchWorkerSeen(ctx context.Context, workerID string) error {
	if w, ok := f.workers[workerID]; ok {
		w.LastSeenAt = time.Now()
	}
	return nil
}

func (f *fakeStore) RotateWorkerToken(ctx context.Context, workerID, token string, expiresAt time.Time) error {
	if w, ok := f.workers[workerID]; ok {
		w.AccessToken = token
		w.AccessTokenExpiresAt = expiresAt
	}
	return nil
}

func (f *fakeStore) CompleteBuildForWorker(ctx context.Context, buildID, workerID, resultPath string) error {
	f.builds[buildID].Status = types.BuildStatusCompleted
	f.builds[buildID].ResultPath = &resultPath
	return nil
}

func (f *fakeStore) FailBuildForWorker(ctx context.Context, buildID, workerID, message string) error {
	f.builds[buildID].Status = types.BuildStatusFailed
	f.builds[buildID].ErrorMessage = &message
	return nil
}

func (f *fakeStore) GetStats(ctx context.Context) (store.Stats, error) {
	return store.Stats{TotalBuilds: len(f.builds)}, nil
}

func (f *fakeStore) EvictWorker(ctx context.Context, workerID, reason string) (string, error) {
	w, ok := f.workers[workerID]
	if !ok {
		return "", nil
	}
	w.Status = types.WorkerStatusOffline

	for id, b := range f.builds {
		if b.WorkerID != nil && *b.WorkerID == workerID &&
			(b.Status == types.BuildStatusAssigned || b.Status == types.BuildStatusBuilding) {
			b.Status = types.BuildStatusFailed
			b.ErrorMessage = &reason
			return id, nil
		}
	}
	return "", nil
}

type fakeArtifacts struct{}

func (fakeArtifacts) Put(ctx context.Context, buildID string, kind types.ArtifactKind, r io.Reader, maxBytes int64) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return buildID + "/" + string(kind), nil
}

func (fakeArtifacts) Open(relPath string) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader([]byte("result bytes"))), 12, nil
}

func (fakeArtifacts) DeleteBuild(buildID string) error { return nil }

type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) Enqueue(buildID string) { q.enqueued = append(q.enqueued, buildID) }

func (q *fakeQueue) DequeueForWorker(ctx context.Context, workerID string) (*types.Build, error) {
	return nil, nil
}

func (q *fakeQueue) Cancel(buildID string) {
	for i, id := range q.enqueued {
		if id == buildID {
			q.enqueued = append(q.enqueued[:i], q.enqueued[i+1:]...)
			return
		}
	}
}

func (q *fakeQueue) Stats() queue.Stats { return queue.Stats{Pending: len(q.enqueued)} }

func newTestServer() (http.Handler, *fakeStore, *fakeQueue) {
	st := newFakeStore()
	q := &fakeQueue{}
	authenticator := auth.New(testAPIKey, st, st, func() time.Time { return time.Now() })
	h := New(st, fakeArtifacts{}, authenticator, q, nil, Limits{
		MaxSourceSize: 1 << 20, MaxCertsSize: 1 << 20, MaxResultSize: 1 << 20,
	})
	return h, st, q
}

func multipartSubmitBody(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	metaPart, err := mw.CreateFormField("meta")
	if err != nil {
		t.Fatal(err)
	}
	metaPart.Write([]byte(`{"platform":"ios"}`))

	sourcePart, err := mw.CreateFormFile("source", "source.zip")
	if err != nil {
		t.Fatal(err)
	}
	sourcePart.Write([]byte("zip-bytes"))

	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf, mw.FormDataContentType()
}

func TestSubmitBuild_AdminSucceeds(t *testing.T) {
	h, st, q := newTestServer()

	body, contentType := multipartSubmitBody(t)
	req := httptest.NewRequest(http.MethodPost, "/api/builds/submit", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-API-Key", testAPIKey)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(st.builds) != 1 {
		t.Errorf("expected 1 build inserted, got %d", len(st.builds))
	}
	if len(q.enqueued) != 1 {
		t.Errorf("expected 1 build enqueued, got %d", len(q.enqueued))
	}
	if len(st.logs) != 1 || st.logs[0].Message != "build submitted" {
		t.Errorf("expected a submitted log entry, got %v", st.logs)
	}
}

func TestSubmitBuild_MissingCredentialsRejected(t *testing.T) {
	h, _, _ := newTestServer()

	body, contentType := multipartSubmitBody(t)
	req := httptest.NewRequest(http.MethodPost, "/api/builds/submit", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBuildStatus_BuildTokenCanReadOwnBuild(t *testing.T) {
	h, st, _ := newTestServer()
	st.builds["b1"] = &types.Build{ID: "b1", Status: types.BuildStatusPending, AccessToken: "secret-token"}

	req := httptest.NewRequest(http.MethodGet, "/api/builds/b1/status", nil)
	req.Header.Set("X-Build-Token", "secret-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestBuildCancel_RemovesFromQueue(t *testing.T) {
	h, st, q := newTestServer()
	st.builds["b1"] = &types.Build{ID: "b1", Status: types.BuildStatusPending, AccessToken: "secret-token"}
	q.Enqueue("b1")

	req := httptest.NewRequest(http.MethodPost, "/api/builds/b1/cancel", nil)
	req.Header.Set("X-Build-Token", "secret-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if st.builds["b1"].Status != types.BuildStatusCancelled {
		t.Errorf("expected build cancelled, got %s", st.builds["b1"].Status)
	}
	if q.Stats().Pending != 0 {
		t.Errorf("expected cancelled build removed from queue, pending = %d", q.Stats().Pending)
	}
}

func TestBuildStatus_WrongBuildTokenRejected(t *testing.T) {
	h, st, _ := newTestServer()
	st.builds["b1"] = &types.Build{ID: "b1", Status: types.BuildStatusPending, AccessToken: "secret-token"}

	req := httptest.NewRequest(http.MethodGet, "/api/builds/b1/status", nil)
	req.Header.Set("X-Build-Token", "wrong-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestBuildDownload_NotCompletedReturnsConflict(t *testing.T) {
	h, st, _ := newTestServer()
	st.builds["b1"] = &types.Build{ID: "b1", Status: types.BuildStatusBuilding, AccessToken: "secret-token"}

	req := httptest.NewRequest(http.MethodGet, "/api/builds/b1/download", nil)
	req.Header.Set("X-Build-Token", "secret-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestWorkerRegister_IssuesAccessToken(t *testing.T) {
	h, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/workers/register",
		bytes.NewReader([]byte(`{"id":"w1","name":"mac-mini-1"}`)))
	req.Header.Set("X-API-Key", testAPIKey)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"access_token"`)) {
		t.Errorf("expected access_token in response, got %s", rec.Body.String())
	}
}

func TestWorkerPoll_NoWorkReturnsNullJob(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{
		ID: "w1", Status: types.WorkerStatusIdle,
		AccessToken: "worker-token", AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workers/poll", nil)
	req.Header.Set("X-Worker-Id", "w1")
	req.Header.Set("X-Build-Token", "worker-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"job":null`)) {
		t.Errorf("expected job:null in response, got %s", rec.Body.String())
	}
}

func TestWorkerPoll_TouchesLastSeenEvenWithNoWork(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{
		ID: "w1", Status: types.WorkerStatusIdle,
		AccessToken: "worker-token", AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workers/poll", nil)
	req.Header.Set("X-Worker-Id", "w1")
	req.Header.Set("X-Build-Token", "worker-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if st.workers["w1"].LastSeenAt.IsZero() {
		t.Errorf("expected poll to touch last_seen_at")
	}
}

func TestWorkerPoll_RotatesTokenNearExpiry(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{
		ID: "w1", Status: types.WorkerStatusIdle,
		AccessToken: "worker-token", AccessTokenExpiresAt: time.Now().Add(5 * time.Second),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workers/poll", nil)
	req.Header.Set("X-Worker-Id", "w1")
	req.Header.Set("X-Build-Token", "worker-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"access_token"`)) {
		t.Errorf("expected rotated access_token in response, got %s", rec.Body.String())
	}
	if st.workers["w1"].AccessToken == "worker-token" {
		t.Errorf("expected worker's stored token to be rotated")
	}
}

func TestWorkerResult_CompletesOwnedBuild(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{
		ID: "w1", Status: types.WorkerStatusBuilding,
		AccessToken: "worker-token", AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}
	workerID := "w1"
	st.builds["b1"] = &types.Build{ID: "b1", Status: types.BuildStatusBuilding, WorkerID: &workerID}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("result", "result.ipa")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("ipa-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/workers/result", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Worker-Id", "w1")
	req.Header.Set("X-Build-Token", "worker-token")
	req.Header.Set("X-Build-Id", "b1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if st.builds["b1"].Status != types.BuildStatusCompleted {
		t.Errorf("build status = %s, want completed", st.builds["b1"].Status)
	}
}

func TestWorkerResult_RejectsNonOwningWorker(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{
		ID: "w1", Status: types.WorkerStatusIdle,
		AccessToken: "worker-token", AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}
	otherWorker := "w2"
	st.builds["b1"] = &types.Build{ID: "b1", Status: types.BuildStatusBuilding, WorkerID: &otherWorker}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, _ := mw.CreateFormFile("result", "result.ipa")
	part.Write([]byte("ipa-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/workers/result", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Worker-Id", "w1")
	req.Header.Set("X-Build-Token", "worker-token")
	req.Header.Set("X-Build-Id", "b1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}

func TestStatsEndpoint_Public(t *testing.T) {
	h, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestWorkerGet_AdminReadsCounters(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{
		ID: "w1", Status: types.WorkerStatusIdle, BuildsCompleted: 3, BuildsFailed: 1,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workers/w1", nil)
	req.Header.Set("X-API-Key", testAPIKey)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"builds_completed":3`)) {
		t.Errorf("expected builds_completed in response, got %s", rec.Body.String())
	}
}

func TestWorkerGet_UnknownWorkerNotFound(t *testing.T) {
	h, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/workers/nope", nil)
	req.Header.Set("X-API-Key", testAPIKey)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func TestWorkerEvict_FailsInFlightBuildAndFreesWorker(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{ID: "w1", Status: types.WorkerStatusBuilding}
	workerID := "w1"
	st.builds["b1"] = &types.Build{ID: "b1", Status: types.BuildStatusBuilding, WorkerID: &workerID}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/workers/w1/evict",
		bytes.NewReader([]byte(`{"reason":"misbehaving"}`)))
	req.Header.Set("X-API-Key", testAPIKey)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if st.builds["b1"].Status != types.BuildStatusFailed {
		t.Errorf("expected evicted worker's build to be failed, got %s", st.builds["b1"].Status)
	}
}

func TestWorkerEvict_RequiresAdmin(t *testing.T) {
	h, st, _ := newTestServer()
	st.workers["w1"] = &types.Worker{ID: "w1", Status: types.WorkerStatusIdle}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/workers/w1/evict", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

var _ = ctlerr.KindBadRequest
