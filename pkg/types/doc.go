/*
Package types defines the core data structures used throughout the
controller: Build, Worker, and BuildLog, plus the closed string-enum
types (Platform, BuildStatus, WorkerStatus, LogLevel, ArtifactKind) that
back their fields.

All enums follow the same pattern: a named string type with a closed set
of constants, parsed at the HTTP edge rather than re-validated deep in
the call stack. This keeps the data model's invariants checkable by the
compiler wherever a field is assigned one of these types instead of a
bare string.

# Integration points

  - pkg/store persists Build/Worker/BuildLog rows.
  - pkg/queue and pkg/assignment operate on Build.Status transitions.
  - pkg/heartbeat ages out Build/Worker rows by timestamp fields.
  - pkg/httpapi marshals these types to and from JSON at the edge.
*/
package types
