/*
Package log provides structured logging for Skein using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific child loggers and configurable log
levels. All logs include timestamps and support filtering by severity
level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ───────────────────┐
	│                                                         │
	│  ┌────────────────────────────────────────────┐        │
	│  │            Global Logger                   │        │
	│  │  - Zerolog instance                        │        │
	│  │  - Initialized via log.Init()              │        │
	│  │  - Thread-safe for concurrent use          │        │
	│  └──────────────────┬─────────────────────────┘        │
	│                     │                                   │
	│  ┌──────────────────▼─────────────────────────┐        │
	│  │           Configuration                    │        │
	│  │  - Level: debug/info/warn/error            │        │
	│  │  - Format: JSON or console (human)         │        │
	│  │  - Output: stdout, file, or custom writer  │        │
	│  └──────────────────┬─────────────────────────┘        │
	│                     │                                   │
	│  ┌──────────────────▼─────────────────────────┐        │
	│  │         Component Loggers                  │        │
	│  │  - WithComponent("scheduler")              │        │
	│  │  - correlation fields (instance_id,        │        │
	│  │    group_id, request_id) attach inline     │        │
	│  │    at the call site                        │        │
	│  └────────────────────────────────────────────┘        │
	└─────────────────────────────────────────────────────┘

# Usage

Initializing at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component logger:

	logger := log.WithComponent("scheduler")
	logger.Info().
		Str("instance_id", ins.InstanceID).
		Int32("priority", ins.Options.Priority).
		Msg("instance placed")

Error with context:

	logger.Error().
		Err(err).
		Str("group_id", groupID).
		Msg("group cascade failed")

# Log Fields

Standard fields used across Skein components:

  - component: scheduler, groupmgr, server, agent, client, metastore
  - node_id: worker node identifier
  - instance_id: function instance identifier
  - group_id: instance group identifier
  - request_id: request correlation across client/server/agent hops
  - code: errcode value on failure paths

# Integration Points

This package is used by every other Skein package. The server and
agent initialize it from their YAML config; tests leave it at the
default (zero Logger writes to a no-op writer only after Init, so
tests that need output call Init with os.Stderr).

# See Also

  - pkg/config for the level/format knobs
  - zerolog docs: https://github.com/rs/zerolog
*/
package log
