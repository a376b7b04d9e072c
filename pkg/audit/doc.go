// Package audit records who changed access or pushed settings, and when.
//
// Events are written through a Logger. Three implementations are provided:
//
//   - MemoryLogger keeps a bounded in-process history, for single-node
//     deployments and tests
//   - DBLogger appends to a PostgreSQL table and supports Search and
//     retention Cleanup
//   - LogrusLogger emits each event as a structured log line
//
// MultiLogger fans an event out to several loggers.
//
// # Usage
//
//	logger := audit.NewMultiLogger(audit.NewLogrusLogger(log), dbLogger)
//	event := audit.NewEvent(ctx, audit.EventJobSubmitted, audit.StatusSuccess)
//	event.ResourceType = audit.ResourceJob
//	event.ResourceID = job.ID
//	_ = logger.Log(ctx, event)
//
// NewEvent copies the request id and authenticated user id from the
// context, so events logged from request handlers carry them automatically.
package audit
