package propagation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/stores"
)

// OfferStatus is the state of a peer sharing offer
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
)

var (
	// ErrOfferNotFound is returned for unknown offer ids
	ErrOfferNotFound = errors.New("offer not found")
	// ErrOfferResolved is returned when responding to an offer twice
	ErrOfferResolved = errors.New("offer already resolved")
)

// Offer is one sibling's pending copy of another sibling's settings
type Offer struct {
	ID             string      `json:"id"`
	SourceTenantID string      `json:"source_tenant_id"`
	TargetTenantID string      `json:"target_tenant_id"`
	OfferedBy      string      `json:"offered_by"`
	Payload        Payload     `json:"payload"`
	Status         OfferStatus `json:"status"`
	RespondedBy    string      `json:"responded_by,omitempty"`
	JobID          string      `json:"job_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	RespondedAt    *time.Time  `json:"responded_at,omitempty"`
}

// OfferRequest shares a source tenant's settings with its siblings.
// An empty TargetTenantIDs offers to every sibling.
type OfferRequest struct {
	UserID          string   `json:"user_id"`
	SourceTenantID  string   `json:"source_tenant_id"`
	TargetTenantIDs []string `json:"target_tenant_ids,omitempty"`
	Payload         Payload  `json:"payload"`
}

// Submitter starts propagation jobs
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Job, error)
}

// OfferService runs the peer sharing regime: nothing changes on a sibling
// until that sibling accepts.
type OfferService struct {
	dir     stores.Directory
	auth    Authorizer
	source  SourceReader
	runner  Submitter
	log     *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewOfferService creates an offer service. log and metrics may be nil.
func NewOfferService(dir stores.Directory, auth Authorizer, source SourceReader, runner Submitter, log *logrus.Logger, metrics *observability.Metrics) *OfferService {
	if log == nil {
		log = logrus.New()
	}
	return &OfferService{
		dir:     dir,
		auth:    auth,
		source:  source,
		runner:  runner,
		log:     log,
		metrics: metrics,
		now:     time.Now,
		offers:  make(map[string]*Offer),
	}
}

// Offer creates one pending offer per target sibling. The payload is
// snapshotted now so every sibling sees the same values.
func (s *OfferService) Offer(ctx context.Context, req OfferRequest) ([]*Offer, error) {
	if req.UserID == "" || req.SourceTenantID == "" {
		return nil, invalid("user and source tenant are required")
	}
	if req.Payload.Namespace == "" {
		return nil, invalid("payload namespace is required")
	}

	d, err := s.auth.AuthorizePreset(ctx, req.UserID, req.SourceTenantID, access.PresetPeerSharing)
	if err != nil {
		return nil, lookupFailed("offering user access", err)
	}
	if !d.Allowed {
		return nil, invalid("preset %s denied (%s)", access.PresetPeerSharing, d.Reason)
	}

	siblings, err := s.dir.Siblings(ctx, req.SourceTenantID)
	if err != nil {
		return nil, lookupFailed("siblings", err)
	}
	targets := siblings
	if len(req.TargetTenantIDs) > 0 {
		allowed := make(map[string]bool, len(siblings))
		for _, id := range siblings {
			allowed[id] = true
		}
		for _, id := range req.TargetTenantIDs {
			if !allowed[id] {
				return nil, invalid("tenant %q is not a sibling of %q", id, req.SourceTenantID)
			}
		}
		targets = req.TargetTenantIDs
	}
	if len(targets) == 0 {
		return nil, invalid("tenant %q has no siblings", req.SourceTenantID)
	}

	payload := req.Payload
	if len(payload.Values) == 0 {
		values, err := s.source.Settings(ctx, req.SourceTenantID, payload.Namespace)
		if err != nil {
			return nil, lookupFailed("source settings", err)
		}
		if len(values) == 0 {
			return nil, invalid("source tenant %q has no %q settings", req.SourceTenantID, payload.Namespace)
		}
		payload.Values = values
	}

	now := s.now()
	out := make([]*Offer, 0, len(targets))
	s.mu.Lock()
	for _, target := range targets {
		o := &Offer{
			ID:             uuid.NewString(),
			SourceTenantID: req.SourceTenantID,
			TargetTenantID: target,
			OfferedBy:      req.UserID,
			Payload:        payload,
			Status:         OfferPending,
			CreatedAt:      now,
		}
		s.offers[o.ID] = o
		cp := *o
		out = append(out, &cp)
	}
	s.mu.Unlock()

	for range out {
		s.metrics.RecordOffer(string(OfferPending))
	}
	s.log.WithFields(logrus.Fields{
		"source_tenant_id": req.SourceTenantID,
		"offered_by":       req.UserID,
		"targets":          len(out),
	}).Info("Peer sharing offers created")
	return out, nil
}

// Accept applies an offer to its target through a single tenant job run
// as the accepting user, who must be an admin of the receiving tenant
func (s *OfferService) Accept(ctx context.Context, offerID, userID string) (*Offer, *Job, error) {
	o, err := s.Get(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorizeResponder(ctx, userID, o.TargetTenantID); err != nil {
		return nil, nil, err
	}

	o, err = s.claim(offerID)
	if err != nil {
		return nil, nil, err
	}

	job, err := s.runner.Submit(ctx, Request{
		Scope:           ScopeSingleTenant,
		InitiatorUserID: userID,
		SourceTenantID:  o.SourceTenantID,
		TargetTenantID:  o.TargetTenantID,
		Payload:         o.Payload,
	})
	if err != nil {
		s.release(offerID)
		return nil, nil, fmt.Errorf("failed to submit offer job: %w", err)
	}

	o = s.resolve(offerID, OfferAccepted, userID, job.ID)
	s.metrics.RecordOffer(string(OfferAccepted))
	s.log.WithFields(logrus.Fields{
		"offer_id": offerID,
		"job_id":   job.ID,
		"user_id":  userID,
	}).Info("Peer sharing offer accepted")
	return o, job, nil
}

// Decline closes an offer without touching the target. Only an admin of
// the receiving tenant may decline.
func (s *OfferService) Decline(ctx context.Context, offerID, userID string) (*Offer, error) {
	o, err := s.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeResponder(ctx, userID, o.TargetTenantID); err != nil {
		return nil, err
	}

	if _, err := s.claim(offerID); err != nil {
		return nil, err
	}
	o = s.resolve(offerID, OfferDeclined, userID, "")
	s.metrics.RecordOffer(string(OfferDeclined))
	return o, nil
}

// Get returns one offer
func (s *OfferService) Get(ctx context.Context, offerID string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

// ListOffers returns offers made to or from a tenant, newest first
func (s *OfferService) ListOffers(ctx context.Context, tenantID string) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Offer
	for _, o := range s.offers {
		if o.TargetTenantID == tenantID || o.SourceTenantID == tenantID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

// authorizeResponder requires admin on the receiving tenant
func (s *OfferService) authorizeResponder(ctx context.Context, userID, tenantID string) error {
	d, err := s.auth.AuthorizePreset(ctx, userID, tenantID, access.PresetSingleTenantPush)
	if err != nil {
		return lookupFailed("responding user access", err)
	}
	if !d.Allowed {
		return invalid("preset %s denied (%s)", access.PresetSingleTenantPush, d.Reason)
	}
	return nil
}

// claimed marks an offer being responded to so concurrent responses lose
const claimed OfferStatus = "claimed"

func (s *OfferService) claim(offerID string) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status != OfferPending {
		return nil, ErrOfferResolved
	}
	o.Status = claimed
	cp := *o
	return &cp, nil
}

func (s *OfferService) release(offerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.offers[offerID]; ok && o.Status == claimed {
		o.Status = OfferPending
	}
}

func (s *OfferService) resolve(offerID string, status OfferStatus, userID, jobID string) *Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.offers[offerID]
	now := s.now()
	o.Status = status
	o.RespondedBy = userID
	o.RespondedAt = &now
	o.JobID = jobID
	cp := *o
	return &cp
}
