/*
Package store is the controller's persistence layer (C1), backing builds,
workers, and build logs with Postgres via sqlx over the pgx stdlib driver.
Migrations are goose-managed SQL files embedded at build time and applied
by Migrate.

Reads go straight against *sqlx.DB. The build-state writes (Heartbeat,
CompleteBuild, FailBuild, CancelBuild, CompleteBuildForWorker,
FailBuildForWorker, MarkStuckBuildsAsFailed) run inside an explicit
transaction bounded by txTimeout (5s), and AppendLogs' batch insert by
bulkTxTimeout (10s) — mirroring pkg/assignment's own txTimeout for the
same reason, a write that outlives its caller's patience should roll
back, not hang. InsertBuild, RegisterWorker, RotateWorkerToken,
TouchWorkerSeen, MarkWorkersOfflineIfStale, and EvictWorker carry no
timeout of their own: they run on the caller's context, and all but
EvictWorker without an explicit transaction.

NextPendingForUpdate is the one query that breaks the sqlx pattern: it
must be called inside a transaction the caller (pkg/assignment) controls,
because it runs

	SELECT ... FOR UPDATE SKIP LOCKED

which only has its intended effect — N concurrent callers claiming N
distinct rows with no blocking — as long as the row lock is held until the
caller's subsequent UPDATE commits. sqlx has no struct-scan helper for a
raw *sql.Tx, so that one query scans by hand; everything else uses sqlx's
Get/Select/NamedExec.

Store is the authoritative state for builds and workers. In-memory
components (pkg/queue) are caches rebuilt from it on startup — never the
other way around.
*/
package store
