package api

import (
	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

// FeatureDecisionResponse is the result of a feature check
type FeatureDecisionResponse struct {
	TenantID string                `json:"tenant_id"`
	Feature  string                `json:"feature"`
	Kind     access.PermissionKind `json:"kind"`
	access.Decision
}

// PresetDecisionResponse is the result of a preset check
type PresetDecisionResponse struct {
	TenantID string `json:"tenant_id"`
	Preset   string `json:"preset"`
	access.Decision
}

// UsageResponse lists a tenant's consumption per resource
type UsageResponse struct {
	TenantID string                                    `json:"tenant_id"`
	Usage    map[access.ResourceKind]access.UsageStatus `json:"usage"`
}

// UsageCheckRequest asks whether delta more units fit under the limit
type UsageCheckRequest struct {
	Delta int64 `json:"delta"`
}

// UsageCheckResponse is returned when the delta fits
type UsageCheckResponse struct {
	TenantID string              `json:"tenant_id"`
	Resource access.ResourceKind `json:"resource"`
	Delta    int64               `json:"delta"`
	Allowed  bool                `json:"allowed"`
}

// SubmitJobRequest is a propagation request. The initiator is always the
// authenticated user.
type SubmitJobRequest struct {
	Scope          propagation.Scope    `json:"scope"`
	SourceTenantID string               `json:"source_tenant_id,omitempty"`
	TargetTenantID string               `json:"target_tenant_id,omitempty"`
	OrganizationID string               `json:"organization_id,omitempty"`
	Filter         *stores.TenantFilter `json:"filter,omitempty"`
	IncludeHero    bool                 `json:"include_hero,omitempty"`
	Payload        propagation.Payload  `json:"payload"`
	DryRun         bool                 `json:"dry_run"`
}

func (r SubmitJobRequest) toRequest(userID string) propagation.Request {
	return propagation.Request{
		Scope:           r.Scope,
		InitiatorUserID: userID,
		SourceTenantID:  r.SourceTenantID,
		TargetTenantID:  r.TargetTenantID,
		OrganizationID:  r.OrganizationID,
		Filter:          r.Filter,
		IncludeHero:     r.IncludeHero,
		Payload:         r.Payload,
		DryRun:          r.DryRun,
	}
}

// JobResponse is a job with its outcome counts
type JobResponse struct {
	*propagation.Job
	Summary propagation.Summary `json:"summary"`
}

func newJobResponse(j *propagation.Job) JobResponse {
	return JobResponse{Job: j, Summary: j.Summary()}
}

// JobListResponse is a page of the caller's jobs
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// OfferSettingsRequest offers a source tenant's settings to its siblings
type OfferSettingsRequest struct {
	SourceTenantID  string              `json:"source_tenant_id"`
	TargetTenantIDs []string            `json:"target_tenant_ids,omitempty"`
	Payload         propagation.Payload `json:"payload"`
}

// OfferListResponse lists offers
type OfferListResponse struct {
	Offers []*propagation.Offer `json:"offers"`
	Count  int                  `json:"count"`
}

// AcceptOfferResponse carries the accepted offer and the job applying it
type AcceptOfferResponse struct {
	Offer *propagation.Offer `json:"offer"`
	Job   JobResponse        `json:"job"`
}

// AuditEventsResponse lists audit events, newest first
type AuditEventsResponse struct {
	Events []*audit.Event `json:"events"`
	Count  int            `json:"count"`
}
