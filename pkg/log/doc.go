/*
Package log provides structured logging for the controller using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and a small set of
package-level helpers for the common case of not having a logger handy.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	storeLog := log.WithComponent("store")
	storeLog.Info().Msg("connected")

	buildLog := log.WithBuildID(build.ID)
	buildLog.Warn().Msg("heartbeat overdue")

# Design Patterns

Global Logger Pattern: a single package-level Logger instance initialized
once at process start and read from everywhere else without being passed
down the call stack.

Context Logger Pattern: create a child logger with `.With()` fields baked
in (component, build_id, worker_id) and pass that down instead of
repeating fields at every call site.

# Security

Never log secrets: admin keys, worker tokens, and build access tokens must
never appear in a log line, even at debug level.
*/
package log
