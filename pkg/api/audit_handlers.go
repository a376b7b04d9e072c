package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (s *Server) registerAuditRoutes(r *mux.Router) {
	r.HandleFunc("/audit/events", s.searchAudit).Methods(http.MethodGet)
}

// searchAudit lists audit events, newest first. Query parameters: user_id,
// tenant_id, organization_id, event_type (comma separated), status,
// resource_type, resource_id, start_time and end_time (RFC 3339), limit
// and offset.
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.engine.SearchAudit(r.Context(), userID, filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	httputil.WriteSuccess(w, AuditEventsResponse{Events: events, Count: len(events)})
}

func parseAuditFilter(r *http.Request) (audit.SearchFilter, error) {
	page, err := httputil.ParsePage(r, defaultAuditLimit, maxAuditLimit)
	if err != nil {
		return audit.SearchFilter{}, err
	}

	filter := audit.SearchFilter{
		UserID:         httputil.ParseQueryString(r, "user_id", ""),
		TenantID:       httputil.ParseQueryString(r, "tenant_id", ""),
		OrganizationID: httputil.ParseQueryString(r, "organization_id", ""),
		Status:         audit.EventStatus(httputil.ParseQueryString(r, "status", "")),
		ResourceType:   audit.ResourceType(httputil.ParseQueryString(r, "resource_type", "")),
		ResourceID:     httputil.ParseQueryString(r, "resource_id", ""),
		Limit:          page.Limit,
		Offset:         page.Offset,
	}
	for _, t := range httputil.ParseQueryList(r, "event_type") {
		filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
	}
	if filter.StartTime, err = httputil.ParseQueryTime(r, "start_time"); err != nil {
		return audit.SearchFilter{}, err
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end_time"); err != nil {
		return audit.SearchFilter{}, err
	}
	return filter, nil
}
