package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelci/controller/pkg/auth"
	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/metrics"
	"github.com/kestrelci/controller/pkg/types"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	buildKey     contextKey = "build"
)

func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

func buildFrom(ctx context.Context) *types.Build {
	b, _ := ctx.Value(buildKey).(*types.Build)
	return b
}

// requirePrincipal resolves the caller against headers (not scoped to a
// build) and requires it to match exactly one kind.
func (s *Server) requirePrincipal(want auth.PrincipalKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.auth.Resolve(r.Context(), r.Header, "")
			if err != nil {
				writeError(w, err)
				return
			}
			if p.Kind != want {
				writeError(w, ctlerr.New(ctlerr.KindForbidden, "principal not permitted for this endpoint"))
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireBuildReader resolves the caller against the path-scoped build ID
// and allows either the admin principal or the matching build-token
// principal — the {A,B} grant used by status/logs/download/cancel.
func (s *Server) requireBuildReader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buildID := chi.URLParam(r, "buildID")
		p, err := s.auth.Resolve(r.Context(), r.Header, buildID)
		if err != nil {
			writeError(w, err)
			return
		}
		if p.Kind != auth.PrincipalAdmin && p.Kind != auth.PrincipalBuildToken {
			writeError(w, ctlerr.New(ctlerr.KindForbidden, "principal not permitted for this endpoint"))
			return
		}

		build, err := s.store.GetBuild(r.Context(), buildID)
		if err != nil {
			writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "look up build", err))
			return
		}
		if build == nil {
			writeError(w, ctlerr.New(ctlerr.KindNotFound, "build not found"))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		ctx = context.WithValue(ctx, buildKey, build)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireBuildOwner additionally restricts the path-scoped build to the
// worker currently assigned to it — the {W owning build} grant used by
// heartbeat.
func (s *Server) requireBuildOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buildID := chi.URLParam(r, "buildID")
		p, err := s.auth.Resolve(r.Context(), r.Header, buildID)
		if err != nil {
			writeError(w, err)
			return
		}

		build, err := s.store.GetBuild(r.Context(), buildID)
		if err != nil {
			writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "look up build", err))
			return
		}
		if build == nil {
			writeError(w, ctlerr.New(ctlerr.KindNotFound, "build not found"))
			return
		}
		if !p.OwnsBuild(build) {
			writeError(w, ctlerr.New(ctlerr.KindForbidden, "worker does not own this build"))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		ctx = context.WithValue(ctx, buildKey, build)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireWorkerOwnsBody resolves the worker principal from headers and the
// target build from the X-Build-Id header — used by the worker result/fail
// endpoints, which are not path-scoped to a build.
func (s *Server) requireWorkerOwnsBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buildID := r.Header.Get("X-Build-Id")
		if buildID == "" {
			writeError(w, ctlerr.New(ctlerr.KindBadRequest, "X-Build-Id header is required"))
			return
		}

		p, err := s.auth.Resolve(r.Context(), r.Header, "")
		if err != nil {
			writeError(w, err)
			return
		}
		if p.Kind != auth.PrincipalWorker {
			writeError(w, ctlerr.New(ctlerr.KindForbidden, "principal not permitted for this endpoint"))
			return
		}

		build, err := s.store.GetBuild(r.Context(), buildID)
		if err != nil {
			writeError(w, ctlerr.Wrap(ctlerr.KindInternal, "look up build", err))
			return
		}
		if build == nil {
			writeError(w, ctlerr.New(ctlerr.KindNotFound, "build not found"))
			return
		}
		if !p.OwnsBuild(build) {
			writeError(w, ctlerr.New(ctlerr.KindForbidden, "worker does not own this build"))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		ctx = context.WithValue(ctx, buildKey, build)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestMetrics records every request's outcome to the API request
// counters and latency histogram, keyed by the matched route pattern
// rather than the raw path so cardinality stays bounded.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
