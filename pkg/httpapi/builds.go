package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/controller/pkg/artifact"
	"github.com/kestrelci/controller/pkg/auth"
	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/events"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/types"
)

// appendLog records one build_logs line, best-effort: a logging failure is
// a warning, not a reason to fail the HTTP request that triggered it.
func (s *Server) appendLog(ctx context.Context, buildID string, level types.LogLevel, message string) {
	entry := types.BuildLog{BuildID: buildID, Level: level, Message: message}
	if err := s.store.AppendLogs(ctx, []types.BuildLog{entry}); err != nil {
		s.logger.Warn().Str("build_id", buildID).Err(err).Msg("append build log failed")
	}
}

type submitMeta struct {
	Platform types.Platform `json:"platform"`
}

type submitResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
}

// handleSubmitBuild streams a multipart source (and optional certs) upload
// to Artifact Storage, inserts the build row, and enqueues it. Uploads
// stream chunk-by-chunk; a size overrun aborts the stream and returns 413.
func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindBadRequest, "expected multipart body", err))
		return
	}

	buildID := uuid.NewString()

	var meta submitMeta
	var sourcePath string
	var certsPath *string
	metaSeen, sourceSeen := false, false

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.artifacts.DeleteBuild(buildID)
			writeError(w, ctlerr.Wrap(ctlerr.KindBadRequest, "read multipart part", err))
			return
		}

		switch part.FormName() {
		case "meta":
			if err := json.NewDecoder(part).Decode(&meta); err != nil {
				part.Close()
				s.artifacts.DeleteBuild(buildID)
				writeError(w, ctlerr.Wrap(ctlerr.KindBadRequest, "decode meta", err))
				return
			}
			metaSeen = true
		case "source":
			path, err := s.storeArtifactPart(ctx, part, buildID, types.ArtifactKindSource, s.limits.MaxSourceSize)
			part.Close()
			if err != nil {
				s.artifacts.DeleteBuild(buildID)
				writeError(w, err)
				return
			}
			sourcePath = path
			sourceSeen = true
		case "certs":
			path, err := s.storeArtifactPart(ctx, part, buildID, types.ArtifactKindCerts, s.limits.MaxCertsSize)
			part.Close()
			if err != nil {
				s.artifacts.DeleteBuild(buildID)
				writeError(w, err)
				return
			}
			certsPath = &path
		default:
			part.Close()
		}
	}

	if !metaSeen || !sourceSeen {
		s.artifacts.DeleteBuild(buildID)
		writeError(w, ctlerr.New(ctlerr.KindBadRequest, "multipart body must include meta and source parts"))
		return
	}
	if meta.Platform != types.PlatformIOS && meta.Platform != types.PlatformAndroid {
		s.artifacts.DeleteBuild(buildID)
		writeError(w, ctlerr.New(ctlerr.KindBadRequest, "platform must be ios or android"))
		return
	}

	token, err := auth.GenerateToken()
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "generate build access token", err))
		return
	}

	now := time.Now()
	build := &types.Build{
		ID:          buildID,
		Platform:    meta.Platform,
		Status:      types.BuildStatusPending,
		SourcePath:  sourcePath,
		CertsPath:   certsPath,
		AccessToken: token,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if err := s.store.InsertBuild(ctx, build); err != nil {
		s.artifacts.DeleteBuild(buildID)
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "insert build", err))
		return
	}

	metrics.BuildsSubmittedTotal.WithLabelValues(string(meta.Platform)).Inc()
	s.appendLog(ctx, buildID, types.LogLevelInfo, "build submitted")
	s.queue.Enqueue(buildID)

	writeJSON(w, http.StatusOK, submitResponse{ID: buildID, AccessToken: token})
}

// storeArtifactPart streams one multipart part into Artifact Storage,
// mapping an oversized upload to a 413-mapped ctlerr.
func (s *Server) storeArtifactPart(ctx context.Context, part *multipart.Part, buildID string, kind types.ArtifactKind, maxBytes int64) (string, error) {
	path, err := s.artifacts.Put(ctx, buildID, kind, part, maxBytes)
	if err != nil {
		if errors.Is(err, artifact.ErrTooLarge) {
			return "", ctlerr.Wrap(ctlerr.KindTooLarge, string(kind)+" exceeds maximum size", err)
		}
		return "", ctlerr.Wrap(ctlerr.KindInternal, "store "+string(kind)+" artifact", err)
	}
	return path, nil
}

// handleBuildStatus returns a build's current status, timestamps, error,
// and assigned worker.
func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	build := buildFrom(r.Context())
	writeJSON(w, http.StatusOK, build)
}

type logsResponse struct {
	Logs []types.BuildLog `json:"logs"`
}

// handleBuildLogs returns ordered logs after the ?since=<seq> cursor.
func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	build := buildFrom(r.Context())

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, ctlerr.New(ctlerr.KindBadRequest, "since must be an integer sequence number"))
			return
		}
		since = v
	}

	logs, err := s.store.GetLogs(r.Context(), build.ID, since)
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "get logs", err))
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

// handleBuildDownload streams the completed build's result artifact.
// Returns 409 if the build has not reached a completed status.
func (s *Server) handleBuildDownload(w http.ResponseWriter, r *http.Request) {
	build := buildFrom(r.Context())

	if build.Status != types.BuildStatusCompleted || build.ResultPath == nil {
		writeError(w, ctlerr.New(ctlerr.KindConflict, "build has not completed"))
		return
	}

	rc, size, err := s.artifacts.Open(*build.ResultPath)
	if err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "open result artifact", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// handleBuildCancel transitions a non-terminal build to cancelled.
// Idempotent: cancelling an already-cancelled build succeeds silently.
func (s *Server) handleBuildCancel(w http.ResponseWriter, r *http.Request) {
	build := buildFrom(r.Context())

	if err := s.store.CancelBuild(r.Context(), build.ID); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "cancel build", err))
		return
	}
	s.queue.Cancel(build.ID)
	s.appendLog(r.Context(), build.ID, types.LogLevelInfo, "build cancelled")

	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventBuildCancelled, BuildID: build.ID, Message: "build cancelled"})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleBuildHeartbeat touches last_heartbeat_at and transitions an
// assigned build to building on its first heartbeat.
func (s *Server) handleBuildHeartbeat(w http.ResponseWriter, r *http.Request) {
	build := buildFrom(r.Context())

	if err := s.store.Heartbeat(r.Context(), build.ID); err != nil {
		writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "heartbeat build", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
