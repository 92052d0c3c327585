/*
Package httpapi is the controller's HTTP Surface (C7): the chi-routed
JSON and multipart API admins, build-token holders, and workers call.

# Principals

Every route except health/metrics and GET /api/stats runs through one
of the auth middlewares in middleware.go, which resolve
a request's principal via pkg/auth and attach it (and, where the route is
build-scoped, the build row itself) to the request context:

  - requirePrincipal(kind) — caller must resolve to exactly kind.
  - requireBuildReader — caller must be admin or the build's own
    build-token ({A,B} routes: status, logs, download, cancel).
  - requireBuildOwner — caller must be the worker currently assigned the
    path-scoped build ({W owning build}: heartbeat).
  - requireWorkerOwnsBody — caller must be a worker, with the target
    build named by the X-Build-Id header rather than a path segment
    (result, fail).

# Uploads and downloads

Submission, result, and download handlers stream chunk-by-chunk through
pkg/artifact; a size overrun during streaming aborts the upload and
returns 413 rather than buffering the whole body to check its length.

# Stats caching

GET /api/stats is public and cheap to hammer, so its aggregate is cached
per-process with a 10-second TTL (stats.go) rather than recomputed on
every call.
*/
package httpapi
