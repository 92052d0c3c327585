// Package auth implements the controller's Auth Gate: resolving each HTTP
// request to one of three principals (admin, build-token, worker-session)
// and generating the random tokens that back the latter two.
//
// # Principals
//
// Requests are resolved in this precedence:
//
//  1. Admin — X-API-Key matches the configured key. Full access.
//  2. Worker-session — whenever X-Worker-Id is present, it must name an
//     existing worker whose access_token (carried in X-Build-Token)
//     matches and has not expired. Scoped to worker endpoints and builds
//     currently assigned to it.
//  3. Build-token — with no X-Worker-Id, X-Build-Token matches the target
//     build's access_token. Scoped to that build's
//     status/logs/download/cancel endpoints.
//
// All comparisons run in constant time, including when the named build or
// worker does not exist, so that response timing cannot be used to probe
// for valid IDs.
//
// # Token lifecycle
//
// GenerateToken produces a 32-byte URL-safe random token for a build's
// access_token or a worker's access_token. Worker tokens expire on a TTL of
// poll_interval+60s; NeedsRotation reports when fewer than 30s remain, the
// threshold at which the HTTP surface should issue a fresh token on the
// next successful poll rather than let it lapse mid-interval.
package auth
