package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS gatehouse_audit_events (
	id              BIGSERIAL PRIMARY KEY,
	timestamp       TIMESTAMP WITH TIME ZONE NOT NULL,
	event_type      VARCHAR(100) NOT NULL,
	status          VARCHAR(20) NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	request_id      TEXT NOT NULL DEFAULT '',
	tenant_id       TEXT NOT NULL DEFAULT '',
	organization_id TEXT NOT NULL DEFAULT '',
	resource_type   VARCHAR(50) NOT NULL DEFAULT '',
	resource_id     TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	metadata        JSONB
);
CREATE INDEX IF NOT EXISTS idx_gatehouse_audit_timestamp ON gatehouse_audit_events (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_gatehouse_audit_tenant ON gatehouse_audit_events (tenant_id);
CREATE INDEX IF NOT EXISTS idx_gatehouse_audit_organization ON gatehouse_audit_events (organization_id);
CREATE INDEX IF NOT EXISTS idx_gatehouse_audit_resource ON gatehouse_audit_events (resource_type, resource_id);
`

const auditColumns = `id, timestamp, event_type, status, user_id, request_id, tenant_id,
	organization_id, resource_type, resource_id, message, error_message, metadata`

// DBLogger appends audit events to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Migrate creates the audit table if needed
func (l *DBLogger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to ensure audit table: %w", err)
	}
	return nil
}

// Log implements Logger
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO gatehouse_audit_events (
			timestamp, event_type, status, user_id, request_id, tenant_id,
			organization_id, resource_type, resource_id, message, error_message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		event.Timestamp, event.EventType, event.Status, event.UserID, event.RequestID, event.TenantID,
		event.OrganizationID, event.ResourceType, event.ResourceID, event.Message, event.ErrorMessage, metadata,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Search implements Searcher
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.StartTime != nil {
		add("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("timestamp <= $%d", *filter.EndTime)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}

	query := "SELECT " + auditColumns + " FROM gatehouse_audit_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e        Event
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.Status, &e.UserID, &e.RequestID, &e.TenantID,
			&e.OrganizationID, &e.ResourceType, &e.ResourceID, &e.Message, &e.ErrorMessage, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of audit event %d: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than before and returns how many were removed
func (l *DBLogger) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM gatehouse_audit_events WHERE timestamp < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit events: %w", err)
	}
	return res.RowsAffected()
}
