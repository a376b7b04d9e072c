package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
)

func (s *Server) registerAccessRoutes(r *mux.Router) {
	r.HandleFunc("/access/tenants/{tenant}", s.resolveAccess).Methods(http.MethodGet)
	r.HandleFunc("/access/tenants/{tenant}/features/{feature}", s.evaluateFeature).Methods(http.MethodGet)
	r.HandleFunc("/access/tenants/{tenant}/presets/{preset}", s.evaluatePreset).Methods(http.MethodGet)
	r.HandleFunc("/access/tenants/{tenant}/usage", s.getUsage).Methods(http.MethodGet)
	r.HandleFunc("/access/tenants/{tenant}/usage/{resource}/check", s.checkUsage).Methods(http.MethodPost)
}

// resolveAccess returns the caller's full access context on a tenant
func (s *Server) resolveAccess(w http.ResponseWriter, r *http.Request) {
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
	httputil.WriteSuccess(w, rc)
}

func (s *Server) evaluateFeature(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	kind := access.PermissionKind(httputil.ParseQueryString(r, "kind", string(access.PermissionView)))
	if !kind.Valid() {
		httputil.WriteBadRequest(w, "kind must be one of view, edit, manage, admin")
		return
	}

	d, err := s.engine.EvaluateFeature(r.Context(), userID, vars["tenant"], vars["feature"], kind)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, FeatureDecisionResponse{
		TenantID: vars["tenant"],
		Feature:  vars["feature"],
		Kind:     kind,
		Decision: d,
	})
}

func (s *Server) evaluatePreset(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	d, err := s.engine.EvaluatePreset(r.Context(), userID, vars["tenant"], vars["preset"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, PresetDecisionResponse{TenantID: vars["tenant"], Preset: vars["preset"], Decision: d})
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	tenantID := mux.Vars(r)["tenant"]

	usage, err := s.engine.Usage(r.Context(), userID, tenantID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, UsageResponse{TenantID: tenantID, Usage: usage})
}

// checkUsage is advisory: it never changes a counter
func (s *Server) checkUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	resource := access.ResourceKind(vars["resource"])
	if !resource.Valid() {
		httputil.WriteBadRequest(w, "unknown resource: "+vars["resource"])
		return
	}

	var req UsageCheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Delta <= 0 {
		httputil.WriteBadRequest(w, "delta must be positive")
		return
	}

	if err := s.engine.CheckUsage(r.Context(), userID, vars["tenant"], resource, req.Delta); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, UsageCheckResponse{
		TenantID: vars["tenant"],
		Resource: resource,
		Delta:    req.Delta,
		Allowed:  true,
	})
}
