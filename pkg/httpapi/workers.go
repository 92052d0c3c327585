package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelci/controller/pkg/artifact"
	"github.com/kestrelci/controller/pkg/auth"
	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/events"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/types"
)

type registerRequest struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Capabilities types.Capabilities  `json:"capabilities"`
}

type registerResponse struct {
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
}

// handleWorkerRegister creates or refreshes a worker's identity and issues
// a fresh access token.
func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindBadRequest, "decode request body", err))
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, ctlerr.New(ctlerr.KindBadRequest, "id and name are required"))
		return
	}

	token, err := auth.GenerateToken()
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "generate worker access token", err))
		return
	}
	expiresAt := auth.NewExpiry(s.workerTokenTTL(), time.Now())

	worker := &types.Worker{
		ID:                   req.ID,
		Name:                 req.Name,
		Capabilities:         req.Capabilities,
		Status:               types.WorkerStatusIdle,
		AccessToken:          token,
		AccessTokenExpiresAt: expiresAt,
	}

	if err := s.store.RegisterWorker(r.Context(), worker); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "register worker", err))
		return
	}

	metrics.WorkerTokenRotationsTotal.Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventWorkerRegistered, WorkerID: req.ID, Message: "worker registered"})
	}

	writeJSON(w, http.StatusOK, registerResponse{AccessToken: token, AccessTokenExpiresAt: expiresAt})
}

// workerTokenTTL returns the configured worker token lifetime, falling
// back to 90s when Limits leaves it unset (as the tests' server does).
func (s *Server) workerTokenTTL() time.Duration {
	if s.limits.WorkerTokenTTL > 0 {
		return s.limits.WorkerTokenTTL
	}
	return 90 * time.Second
}

type pollResponse struct {
	Job                  *jobPayload `json:"job"`
	AccessToken          string      `json:"access_token,omitempty"`
	AccessTokenExpiresAt *time.Time  `json:"access_token_expires_at,omitempty"`
}

type jobPayload struct {
	ID         string         `json:"id"`
	Platform   types.Platform `json:"platform"`
	SourceURL  string         `json:"source_url"`
	CertsURL   string         `json:"certs_url,omitempty"`
}

// handleWorkerPoll invokes the Queue Manager/Assignment Service on behalf
// of the calling worker. An empty queue and any assignment error both
// surface as 200 {job: null} — the worker is expected to poll again; a
// caller that fails worker authentication is rejected by the middleware
// before this handler runs.
//
// Every poll — assigned or not — touches the worker's last_seen_at and
// rotates its access token when the remaining TTL has dropped below the
// rotation margin, since poll is the only call a consistently busy-free
// worker makes on a regular cadence.
func (s *Server) handleWorkerPoll(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	if err := s.store.TouchWorkerSeen(r.Context(), p.Worker.ID); err != nil {
		s.logger.Warn().Str("worker_id", p.Worker.ID).Err(err).Msg("touch worker seen failed")
	}

	resp := pollResponse{}
	if auth.NeedsRotation(p.Worker.AccessTokenExpiresAt, time.Now()) {
		token, expiresAt, err := s.rotateWorkerToken(r.Context(), p.Worker.ID)
		if err != nil {
			s.logger.Warn().Str("worker_id", p.Worker.ID).Err(err).Msg("rotate worker token failed")
		} else {
			resp.AccessToken = token
			resp.AccessTokenExpiresAt = &expiresAt
		}
	}

	build, err := s.queue.DequeueForWorker(r.Context(), p.Worker.ID)
	if err != nil {
		s.logger.Debug().Str("worker_id", p.Worker.ID).Err(err).Msg("poll found no assignable work")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if build == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	job := &jobPayload{
		ID:        build.ID,
		Platform:  build.Platform,
		SourceURL: "/api/builds/" + build.ID + "/source",
	}
	if build.CertsPath != nil {
		job.CertsURL = "/api/builds/" + build.ID + "/certs"
	}
	resp.Job = job
	writeJSON(w, http.StatusOK, resp)
}

// rotateWorkerToken issues a fresh access token for workerID and persists
// it, returning the new token and expiry for the poll response.
func (s *Server) rotateWorkerToken(ctx context.Context, workerID string) (string, time.Time, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := auth.NewExpiry(s.workerTokenTTL(), time.Now())

	if err := s.store.RotateWorkerToken(ctx, workerID, token, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	metrics.WorkerTokenRotationsTotal.Inc()
	return token, expiresAt, nil
}

// handleWorkerResult streams the result IPA/APK to Artifact Storage and
// atomically completes the build and frees the worker.
func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	build := buildFrom(r.Context())

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindBadRequest, "expected multipart body", err))
		return
	}

	part, err := mr.NextPart()
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindBadRequest, "missing result part", err))
		return
	}
	defer part.Close()

	resultPath, err := s.artifacts.Put(r.Context(), build.ID, types.ArtifactKindResult, part, s.limits.MaxResultSize)
	if err != nil {
		if errors.Is(err, artifact.ErrTooLarge) {
			writeError(w, ctlerr.Wrap(ctlerr.KindTooLarge, "result exceeds maximum size", err))
			return
		}
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "store result artifact", err))
		return
	}

	if err := s.store.CompleteBuildForWorker(r.Context(), build.ID, p.Worker.ID, resultPath); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "complete build", err))
		return
	}

	metrics.BuildsCompletedTotal.WithLabelValues(string(build.Platform), "completed").Inc()
	s.appendLog(r.Context(), build.ID, types.LogLevelInfo, "build completed")
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventBuildCompleted, BuildID: build.ID, WorkerID: p.Worker.ID, Message: "build completed"})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleWorkerGet returns a worker's current state, including its
// builds_completed/builds_failed counters — admin-only operational
// visibility, not part of the worker's own poll/result/fail surface.
func (s *Server) handleWorkerGet(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	worker, err := s.store.GetWorker(r.Context(), workerID)
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "look up worker", err))
		return
	}
	if worker == nil {
		writeError(w, ctlerr.New(ctlerr.KindNotFound, "worker not found"))
		return
	}

	writeJSON(w, http.StatusOK, worker)
}

type evictRequest struct {
	Reason string `json:"reason"`
}

// handleWorkerEvict forces a worker offline and fails its in-flight build
// if it holds one, for operators removing a misbehaving worker without
// waiting for the heartbeat monitor to notice it has gone silent.
func (s *Server) handleWorkerEvict(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	worker, err := s.store.GetWorker(r.Context(), workerID)
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "look up worker", err))
		return
	}
	if worker == nil {
		writeError(w, ctlerr.New(ctlerr.KindNotFound, "worker not found"))
		return
	}

	var req evictRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "evicted by admin"
	}

	evictedBuildID, err := s.store.EvictWorker(r.Context(), workerID, req.Reason)
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "evict worker", err))
		return
	}

	metrics.WorkersMarkedOfflineTotal.Inc()
	if evictedBuildID != "" {
		s.appendLog(r.Context(), evictedBuildID, types.LogLevelError, req.Reason)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventWorkerOffline, WorkerID: workerID, Message: req.Reason})
		if evictedBuildID != "" {
			s.broker.Publish(&events.Event{Type: events.EventBuildFailed, BuildID: evictedBuildID, WorkerID: workerID, Message: req.Reason})
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "evicted", "build_id": evictedBuildID})
}

type failRequest struct {
	ErrorMessage string `json:"error_message"`
}

// handleWorkerFail transitions the build to failed and frees the worker.
func (s *Server) handleWorkerFail(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	build := buildFrom(r.Context())

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindBadRequest, "decode request body", err))
		return
	}
	if req.ErrorMessage == "" {
		req.ErrorMessage = "worker reported failure"
	}

	if err := s.store.FailBuildForWorker(r.Context(), build.ID, p.Worker.ID, req.ErrorMessage); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "fail build", err))
		return
	}

	metrics.BuildsCompletedTotal.WithLabelValues(string(build.Platform), "failed").Inc()
	s.appendLog(r.Context(), build.ID, types.LogLevelError, req.ErrorMessage)
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventBuildFailed, BuildID: build.ID, WorkerID: p.Worker.ID, Message: req.ErrorMessage})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}
