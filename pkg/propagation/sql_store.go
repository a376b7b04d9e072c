package propagation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Dialect selects SQL syntax for the job store
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const postgresJobSchema = `
CREATE TABLE IF NOT EXISTS gatehouse_propagation_jobs (
	id                TEXT PRIMARY KEY,
	scope             TEXT NOT NULL,
	status            TEXT NOT NULL,
	initiator_user_id TEXT NOT NULL,
	organization_id   TEXT NOT NULL DEFAULT '',
	dry_run           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL,
	completed_at      BIGINT,
	document          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gatehouse_jobs_completed ON gatehouse_propagation_jobs (completed_at);
`

const sqliteJobSchema = `
CREATE TABLE IF NOT EXISTS gatehouse_propagation_jobs (
	id                TEXT PRIMARY KEY,
	scope             TEXT NOT NULL,
	status            TEXT NOT NULL,
	initiator_user_id TEXT NOT NULL,
	organization_id   TEXT NOT NULL DEFAULT '',
	dry_run           INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	completed_at      INTEGER,
	document          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gatehouse_jobs_completed ON gatehouse_propagation_jobs (completed_at);
`

// SQLJobStore persists jobs in PostgreSQL or SQLite. Filterable columns
// are stored alongside the JSON document; times are unix milliseconds.
type SQLJobStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ JobStore = (*SQLJobStore)(nil)

// NewSQLJobStore creates a job store on db
func NewSQLJobStore(db *sql.DB, dialect Dialect) (*SQLJobStore, error) {
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported job store dialect %q", dialect)
	}
	return &SQLJobStore{db: db, dialect: dialect}, nil
}

// Migrate creates the jobs table
func (s *SQLJobStore) Migrate(ctx context.Context) error {
	schema := postgresJobSchema
	if s.dialect == DialectSQLite {
		schema = sqliteJobSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply job schema: %w", err)
	}
	return nil
}

// rebind rewrites $N placeholders for SQLite. Queries use each placeholder
// once, in order.
func (s *SQLJobStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// Create implements JobStore
func (s *SQLJobStore) Create(ctx context.Context, job *Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	query := s.rebind(`
		INSERT INTO gatehouse_propagation_jobs
			(id, scope, status, initiator_user_id, organization_id, dry_run, created_at, updated_at, completed_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Scope), string(job.Status), job.InitiatorUserID, job.OrganizationID, job.DryRun,
		millis(job.CreatedAt), millis(job.UpdatedAt), nullMillis(job.CompletedAt), string(doc))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Update implements JobStore
func (s *SQLJobStore) Update(ctx context.Context, job *Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	query := s.rebind(`
		UPDATE gatehouse_propagation_jobs
		SET status = $1, updated_at = $2, completed_at = $3, document = $4
		WHERE id = $5
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(job.Status), millis(job.UpdatedAt), nullMillis(job.CompletedAt), string(doc), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get implements JobStore
func (s *SQLJobStore) Get(ctx context.Context, id string) (*Job, error) {
	query := s.rebind(`SELECT document FROM gatehouse_propagation_jobs WHERE id = $1`)

	var doc []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// List implements JobStore
func (s *SQLJobStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.InitiatorUserID != "" {
		add("initiator_user_id = $%d", filter.InitiatorUserID)
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if !filter.FinishedBefore.IsZero() {
		add("completed_at < $%d", millis(filter.FinishedBefore))
	}

	query := `SELECT document FROM gatehouse_propagation_jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var job Job
		if err := json.Unmarshal(doc, &job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// Delete implements JobStore
func (s *SQLJobStore) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var res sql.Result
	var err error
	if s.dialect == DialectPostgres {
		res, err = s.db.ExecContext(ctx, `DELETE FROM gatehouse_propagation_jobs WHERE id = ANY($1)`, pq.Array(ids))
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		res, err = s.db.ExecContext(ctx, `DELETE FROM gatehouse_propagation_jobs WHERE id IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	return int(n), nil
}
