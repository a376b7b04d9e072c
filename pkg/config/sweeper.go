package config

import (
	"fmt"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/stores/postgres"
)

// SweeperConfig is the subset of configuration the job sweeper reads
type SweeperConfig struct {
	Storage       StorageConfig
	Propagation   PropagationConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// LoadSweeperConfig loads the sweeper's configuration from environment
// variables. The sweeper runs as its own process, so the job store must be
// persistent.
func LoadSweeperConfig() (*SweeperConfig, error) {
	cfg := &SweeperConfig{
		Storage:       loadStorageConfig(),
		Propagation:   loadPropagationConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the sweeper configuration
func (c *SweeperConfig) Validate() error {
	switch c.Storage.JobStore {
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres job store")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite job store")
		}
	default:
		return fmt.Errorf("invalid job store for sweeping: %s (must be postgres or sqlite)", c.Storage.JobStore)
	}
	if c.Propagation.JobRetention < time.Hour {
		return fmt.Errorf("job retention must be at least 1h")
	}
	if c.Propagation.SweepSchedule == "" {
		return fmt.Errorf("sweep schedule is required")
	}
	return c.Audit.validate(c.Storage)
}

// PruneAudit reports whether the sweeper also deletes expired audit events
func (c *SweeperConfig) PruneAudit() bool {
	return c.Audit.Store == "postgres" && c.Audit.Retention > 0
}

// ArchiveSettings converts the archive fields. ok is false when no bucket
// is configured.
func (c *SweeperConfig) ArchiveSettings() (propagation.ArchiveConfig, bool) {
	return (&Config{Propagation: c.Propagation}).ArchiveSettings()
}

// ConnectionSettings converts the postgres fields
func (c *SweeperConfig) ConnectionSettings() postgres.ConnectionConfig {
	return (&Config{Storage: c.Storage}).ConnectionSettings()
}
