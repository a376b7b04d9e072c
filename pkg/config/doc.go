// Package config loads service configuration from environment variables.
//
// Every setting has a default; LoadConfig validates the result.
//
// Server settings:
//
//	GATEHOUSE_HOST="0.0.0.0"
//	GATEHOUSE_PORT="8080"
//	GATEHOUSE_HEALTH_PORT="9090"
//	GATEHOUSE_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	GATEHOUSE_STORAGE_TYPE="postgres"  # memory, postgres
//	GATEHOUSE_POSTGRES_URL="postgres://localhost/gatehouse"
//	GATEHOUSE_POSTGRES_REPLICA_URLS="postgres://replica-1/gatehouse,postgres://replica-2/gatehouse"
//	GATEHOUSE_JOB_STORE="sqlite"  # memory, postgres, sqlite
//	GATEHOUSE_SQLITE_PATH="/var/lib/gatehouse/jobs.db"
//	GATEHOUSE_REDIS_URL="redis://localhost:6379/0"
//
// Cache settings:
//
//	GATEHOUSE_CACHE_TTL="3m"
//	GATEHOUSE_CACHE_SIZE="10000"
//	GATEHOUSE_CACHE_CHANNEL="gatehouse:invalidations"
//
// Propagation settings:
//
//	GATEHOUSE_PROPAGATION_MAX_PARALLEL="8"
//	GATEHOUSE_PROPAGATION_MAX_ATTEMPTS="3"
//	GATEHOUSE_PROPAGATION_INITIAL_DELAY="200ms"
//	GATEHOUSE_PROPAGATION_MAX_DELAY="5s"
//	GATEHOUSE_PROPAGATION_EXCLUDE_HERO="true"
//	GATEHOUSE_JOB_RETENTION="720h"
//	GATEHOUSE_SWEEP_SCHEDULE="@hourly"
//	GATEHOUSE_ARCHIVE_BUCKET="gatehouse-job-reports"
//
// Catalog and auth:
//
//	GATEHOUSE_CATALOG_PATH="/etc/gatehouse/catalog.yaml"
//	GATEHOUSE_CATALOG_WATCH="true"
//	GATEHOUSE_OIDC_ISSUER="https://accounts.example.com"
//	GATEHOUSE_OIDC_CLIENT_ID="gatehouse"
//	GATEHOUSE_TRUSTED_USER_HEADER="X-User-ID"  # development only
//
// Observability settings:
//
//	GATEHOUSE_LOG_LEVEL="info"  # debug, info, warn, error
//	GATEHOUSE_METRICS_ENABLED="true"
//	GATEHOUSE_OTEL_ENABLED="true"
//	GATEHOUSE_OTEL_ENDPOINT="otel-collector:4317"
package config
