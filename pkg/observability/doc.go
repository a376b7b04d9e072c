// Package observability provides the process logger, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown for gatehouse.
//
// # Logging
//
// Components take a *logrus.Logger. The process logger is built once:
//
//	log := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	log.WithField("tenant_id", id).Warn("Own tier ignored for organization tenant")
//
// # Metrics
//
// Metrics are registered on an explicit registry so tests can use their own:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("feature", "tier")
//
// Every Record method is safe to call on a nil *Metrics, so components can be
// built without metrics in tests.
//
// # Tracing
//
// InitOTel installs a global tracer provider exporting over OTLP/gRPC.
// Packages create spans with otel.Tracer(<import path>). WithTraceContext
// tags a log entry with the current trace and span ids.
//
// # Health
//
//	health := observability.NewHealthChecker(version).
//		Require("database", db.PingContext).
//		Optional("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
//	observability.RegisterHealthRoutes(router, health)
//
// A failing required probe fails readiness with 503; an optional one only
// marks the service degraded.
package observability
