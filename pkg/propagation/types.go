package propagation

import (
	"errors"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/stores"
)

// Scope selects how the target set is built
type Scope string

const (
	ScopeSingleTenant Scope = "single_tenant"
	ScopeOrganization Scope = "organization"
	ScopePlatform     Scope = "platform"
)

// Valid reports whether the scope is known
func (s Scope) Valid() bool {
	switch s {
	case ScopeSingleTenant, ScopeOrganization, ScopePlatform:
		return true
	}
	return false
}

// JobStatus is the state of a propagation job
type JobStatus string

const (
	StatusQueued             JobStatus = "queued"
	StatusValidating         JobStatus = "validating"
	StatusDryRun             JobStatus = "dry_run"
	StatusApplying           JobStatus = "applying"
	StatusCompleted          JobStatus = "completed"
	StatusFailed             JobStatus = "failed"
	StatusPartiallyCompleted JobStatus = "partially_completed"
	StatusCancelled          JobStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartiallyCompleted, StatusCancelled:
		return true
	}
	return false
}

// TargetStatus is the outcome for one target tenant
type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetSuccess   TargetStatus = "success"
	TargetFailed    TargetStatus = "failed"
	TargetCancelled TargetStatus = "cancelled"
)

var (
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("propagation job not found")
	// ErrJobFinished is returned when cancelling a terminal job
	ErrJobFinished = errors.New("propagation job already finished")
	// ErrRunnerClosed is returned by Submit after Close
	ErrRunnerClosed = errors.New("propagation runner closed")
)

// Payload is a set of settings values within one namespace. When Values
// is empty the values are read from the job's source tenant.
type Payload struct {
	Namespace string         `json:"namespace"`
	Values    map[string]any `json:"values,omitempty"`
}

// Change is one key a push would modify on a target
type Change struct {
	Key  string `json:"key"`
	From any    `json:"from,omitempty"`
	To   any    `json:"to"`
}

// Request describes a propagation job to submit
type Request struct {
	Scope           Scope  `json:"scope"`
	InitiatorUserID string `json:"initiator_user_id"`
	// SourceTenantID defaults to the hero tenant for organization scope
	SourceTenantID string `json:"source_tenant_id,omitempty"`
	// TargetTenantID is required for single_tenant scope
	TargetTenantID string `json:"target_tenant_id,omitempty"`
	// OrganizationID is required for organization scope
	OrganizationID string `json:"organization_id,omitempty"`
	// Filter selects targets for platform scope
	Filter      *stores.TenantFilter `json:"filter,omitempty"`
	IncludeHero bool                 `json:"include_hero,omitempty"`
	Payload     Payload              `json:"payload"`
	DryRun      bool                 `json:"dry_run"`
}

// TargetResult is the per-target record of a job
type TargetResult struct {
	TenantID    string       `json:"tenant_id"`
	Status      TargetStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	Error       string       `json:"error,omitempty"`
	Diff        []Change     `json:"diff,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Job is the persisted record of a propagation job
type Job struct {
	ID string `json:"id"`
	Request
	Status      JobStatus      `json:"status"`
	Error       string         `json:"error,omitempty"`
	Targets     []TargetResult `json:"targets"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Summary counts targets by outcome
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Cancelled int `json:"cancelled"`
}

// Summary counts the job's targets by outcome
func (j *Job) Summary() Summary {
	s := Summary{Total: len(j.Targets)}
	for _, t := range j.Targets {
		switch t.Status {
		case TargetSuccess:
			s.Succeeded++
		case TargetFailed:
			s.Failed++
		case TargetCancelled:
			s.Cancelled++
		default:
			s.Pending++
		}
	}
	return s
}

// Clone returns a deep copy safe to hand to callers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Filter != nil {
		f := *j.Filter
		out.Filter = &f
	}
	if j.Payload.Values != nil {
		out.Payload.Values = make(map[string]any, len(j.Payload.Values))
		for k, v := range j.Payload.Values {
			out.Payload.Values[k] = v
		}
	}
	out.Targets = make([]TargetResult, len(j.Targets))
	for i, t := range j.Targets {
		t.Diff = append([]Change(nil), t.Diff...)
		out.Targets[i] = t
	}
	return &out
}

// outcome derives the terminal status of an applied job
func outcome(s Summary) JobStatus {
	switch {
	case s.Total > 0 && s.Succeeded == s.Total:
		return StatusCompleted
	case s.Succeeded > 0:
		return StatusPartiallyCompleted
	default:
		return StatusFailed
	}
}
