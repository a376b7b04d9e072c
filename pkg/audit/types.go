package audit

import (
	"time"
)

// EventType is the category of an audit event
type EventType string

const (
	// Propagation events
	EventJobSubmitted EventType = "propagation.job_submitted"
	EventJobCancelled EventType = "propagation.job_cancelled"
	EventJobFinished  EventType = "propagation.job_finished"

	// Peer sharing events
	EventOfferCreated  EventType = "offer.created"
	EventOfferAccepted EventType = "offer.accepted"
	EventOfferDeclined EventType = "offer.declined"

	// Access changes reported to the engine
	EventTierChanged         EventType = "access.tier_changed"
	EventOrganizationChanged EventType = "access.organization_changed"
	EventRoleChanged         EventType = "access.role_changed"
	EventMembershipChanged   EventType = "access.membership_changed"
	EventTenantTransferred   EventType = "access.tenant_transferred"

	EventCatalogReloaded EventType = "catalog.reloaded"
)

// EventStatus is the outcome of an event
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusDenied  EventStatus = "denied"
)

// ResourceType is the kind of object an event is about
type ResourceType string

const (
	ResourceJob          ResourceType = "propagation_job"
	ResourceOffer        ResourceType = "offer"
	ResourceTenant       ResourceType = "tenant"
	ResourceOrganization ResourceType = "organization"
	ResourceUser         ResourceType = "user"
	ResourceCatalog      ResourceType = "catalog"
)

// Event is a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor; empty for system events such as catalog reloads
	UserID    string `json:"user_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	TenantID       string       `json:"tenant_id,omitempty"`
	OrganizationID string       `json:"organization_id,omitempty"`
	ResourceType   ResourceType `json:"resource_type,omitempty"`
	ResourceID     string       `json:"resource_id,omitempty"`

	Message      string         `json:"message,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SearchFilter narrows a Search. Zero fields match everything.
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	UserID         string
	TenantID       string
	OrganizationID string
	EventTypes     []EventType
	Status         EventStatus
	ResourceType   ResourceType
	ResourceID     string

	Limit  int
	Offset int
}

func (f SearchFilter) match(e *Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if len(f.EventTypes) > 0 {
		for _, t := range f.EventTypes {
			if t == e.EventType {
				return true
			}
		}
		return false
	}
	return true
}
