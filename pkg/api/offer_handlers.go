package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

func (s *Server) registerOfferRoutes(r *mux.Router) {
	r.HandleFunc("/offers", s.offerSettings).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant}/offers", s.listOffers).Methods(http.MethodGet)
	r.HandleFunc("/offers/{id}/accept", s.acceptOffer).Methods(http.MethodPost)
	r.HandleFunc("/offers/{id}/decline", s.declineOffer).Methods(http.MethodPost)
}

func (s *Server) offerSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req OfferSettingsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	offers, err := s.engine.OfferSettings(r.Context(), propagation.OfferRequest{
		UserID:          userID,
		SourceTenantID:  req.SourceTenantID,
		TargetTenantIDs: req.TargetTenantIDs,
		Payload:         req.Payload,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteCreated(w, OfferListResponse{Offers: offers, Count: len(offers)})
}

// listOffers requires some standing on the tenant: a tenant or
// organization role, or a platform role that bypasses role gates
func (s *Server) listOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	tenantID := mux.Vars(r)["tenant"]

	rc, err := s.engine.ResolveAccess(r.Context(), userID, tenantID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !hasStanding(rc) {
		writeForbidden(w, "no access to tenant "+tenantID)
		return
	}

	offers, err := s.engine.ListOffers(r.Context(), tenantID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, OfferListResponse{Offers: offers, Count: len(offers)})
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	offer, job, err := s.engine.AcceptOffer(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteAccepted(w, "/api/v1/propagation/jobs/"+job.ID, AcceptOfferResponse{Offer: offer, Job: newJobResponse(job)})
}

func (s *Server) declineOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	offer, err := s.engine.DeclineOffer(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, offer)
}

func hasStanding(rc *access.ResolvedAccessContext) bool {
	return rc.TenantRole.AtLeast(access.RoleViewer) ||
		rc.OrganizationRole.AtLeast(access.RoleViewer) ||
		rc.BypassRole
}
