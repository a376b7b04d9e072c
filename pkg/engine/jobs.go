package engine

import (
	"context"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

var _ propagation.Authorizer = (*Engine)(nil)

// SubmitPropagationJob queues a job. Validation happens asynchronously; a
// rejected job ends failed with the reason recorded.
func (e *Engine) SubmitPropagationJob(ctx context.Context, req propagation.Request) (*propagation.Job, error) {
	job, err := e.runner.Submit(ctx, req)

	status, msg := outcome(err)
	event := audit.NewEvent(ctx, audit.EventJobSubmitted, status)
	event.UserID = req.InitiatorUserID
	event.TenantID = req.SourceTenantID
	event.OrganizationID = req.OrganizationID
	event.ResourceType = audit.ResourceJob
	event.ErrorMessage = msg
	event.Metadata["scope"] = string(req.Scope)
	event.Metadata["namespace"] = req.Payload.Namespace
	event.Metadata["dry_run"] = req.DryRun
	if job != nil {
		event.ResourceID = job.ID
	}
	e.record(ctx, event)

	return job, err
}

// GetJobStatus returns the current state of a job
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (*propagation.Job, error) {
	return e.runner.Get(ctx, jobID)
}

// WaitForJob blocks until the job is terminal
func (e *Engine) WaitForJob(ctx context.Context, jobID string) (*propagation.Job, error) {
	return e.runner.Wait(ctx, jobID)
}

// CancelJob cancels a job that has not finished
func (e *Engine) CancelJob(ctx context.Context, jobID string) (*propagation.Job, error) {
	job, err := e.runner.Cancel(ctx, jobID)

	status, msg := outcome(err)
	event := audit.NewEvent(ctx, audit.EventJobCancelled, status)
	event.ResourceType = audit.ResourceJob
	event.ResourceID = jobID
	event.ErrorMessage = msg
	if job != nil {
		event.OrganizationID = job.OrganizationID
		event.TenantID = job.SourceTenantID
	}
	e.record(ctx, event)

	return job, err
}

// ListJobs lists recorded jobs, newest first
func (e *Engine) ListJobs(ctx context.Context, filter propagation.ListFilter) ([]*propagation.Job, error) {
	return e.jobs.List(ctx, filter)
}

// OfferSettings offers a tenant's settings to its siblings
func (e *Engine) OfferSettings(ctx context.Context, req propagation.OfferRequest) ([]*propagation.Offer, error) {
	offers, err := e.offers.Offer(ctx, req)

	status, msg := outcome(err)
	event := audit.NewEvent(ctx, audit.EventOfferCreated, status)
	event.UserID = req.UserID
	event.TenantID = req.SourceTenantID
	event.ResourceType = audit.ResourceOffer
	event.ErrorMessage = msg
	event.Metadata["namespace"] = req.Payload.Namespace
	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ID)
	}
	event.Metadata["offer_ids"] = ids
	e.record(ctx, event)

	return offers, err
}

// AcceptOffer applies an offer to the receiving tenant
func (e *Engine) AcceptOffer(ctx context.Context, offerID, userID string) (*propagation.Offer, *propagation.Job, error) {
	offer, job, err := e.offers.Accept(ctx, offerID, userID)
	e.recordOffer(ctx, audit.EventOfferAccepted, offerID, userID, offer, err)
	return offer, job, err
}

// DeclineOffer closes an offer without applying it
func (e *Engine) DeclineOffer(ctx context.Context, offerID, userID string) (*propagation.Offer, error) {
	offer, err := e.offers.Decline(ctx, offerID, userID)
	e.recordOffer(ctx, audit.EventOfferDeclined, offerID, userID, offer, err)
	return offer, err
}

func (e *Engine) recordOffer(ctx context.Context, t audit.EventType, offerID, userID string, offer *propagation.Offer, err error) {
	status, msg := outcome(err)
	event := audit.NewEvent(ctx, t, status)
	event.UserID = userID
	event.ResourceType = audit.ResourceOffer
	event.ResourceID = offerID
	event.ErrorMessage = msg
	if offer != nil {
		event.TenantID = offer.TargetTenantID
		event.Metadata["source_tenant_id"] = offer.SourceTenantID
		if offer.JobID != "" {
			event.Metadata["job_id"] = offer.JobID
		}
	}
	e.record(ctx, event)
}

// ListOffers lists offers made to or from a tenant
func (e *Engine) ListOffers(ctx context.Context, tenantID string) ([]*propagation.Offer, error) {
	return e.offers.ListOffers(ctx, tenantID)
}
