package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

var _ propagation.JobListener = (*Engine)(nil)

// record writes an audit event. Failures are logged, never returned: the
// audited operation has already happened.
func (e *Engine) record(ctx context.Context, event *audit.Event) {
	if err := e.audit.Log(ctx, event); err != nil {
		e.log.WithError(err).WithField("event_type", event.EventType).Error("Failed to record audit event")
	}
}

// outcome maps an operation error to an audit status
func outcome(err error) (audit.EventStatus, string) {
	switch {
	case err == nil:
		return audit.StatusSuccess, ""
	case errors.Is(err, access.ErrValidationFailed), errors.Is(err, access.ErrForbidden):
		return audit.StatusDenied, err.Error()
	default:
		return audit.StatusFailure, err.Error()
	}
}

// JobFinished implements propagation.JobListener. The job is audited, then
// handed to every configured listener.
func (e *Engine) JobFinished(ctx context.Context, job *propagation.Job) {
	status := audit.StatusSuccess
	if job.Status == propagation.StatusFailed || job.Status == propagation.StatusPartiallyCompleted {
		status = audit.StatusFailure
	}
	s := job.Summary()
	event := audit.NewEvent(ctx, audit.EventJobFinished, status)
	event.UserID = job.InitiatorUserID
	event.TenantID = job.SourceTenantID
	event.OrganizationID = job.OrganizationID
	event.ResourceType = audit.ResourceJob
	event.ResourceID = job.ID
	event.ErrorMessage = job.Error
	event.Metadata["job_status"] = string(job.Status)
	event.Metadata["scope"] = string(job.Scope)
	event.Metadata["dry_run"] = job.DryRun
	event.Metadata["succeeded"] = s.Succeeded
	event.Metadata["failed"] = s.Failed
	event.Metadata["cancelled"] = s.Cancelled
	e.record(ctx, event)

	for _, l := range e.listen {
		e.forward(ctx, l, job)
	}
}

func (e *Engine) forward(ctx context.Context, l propagation.JobListener, job *propagation.Job) {
	defer observability.RecoverPanic(e.log, "job listener")
	l.JobFinished(ctx, job.Clone())
}

// SearchAudit returns recorded events, newest first. Only platform admins
// may read the audit log.
func (e *Engine) SearchAudit(ctx context.Context, userID string, filter audit.SearchFilter) ([]*audit.Event, error) {
	user, err := e.identity.GetUser(ctx, userID)
	if err != nil {
		return nil, access.Unavailable("identity", err)
	}
	if access.NormalizePlatformRole(user.PlatformRole) != access.PlatformAdmin {
		return nil, fmt.Errorf("%w: audit log requires platform admin", access.ErrForbidden)
	}
	searcher, ok := e.audit.(audit.Searcher)
	if !ok {
		return nil, audit.ErrNotSearchable
	}
	return searcher.Search(ctx, filter)
}
