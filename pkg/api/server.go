package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

// Engine is the slice of the access engine the HTTP surface uses
type Engine interface {
	ResolveAccess(ctx context.Context, userID, tenantID string) (*access.ResolvedAccessContext, error)
	EvaluateFeature(ctx context.Context, userID, tenantID, featureID string, kind access.PermissionKind) (access.Decision, error)
	EvaluatePreset(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error)
	Usage(ctx context.Context, userID, tenantID string) (map[access.ResourceKind]access.UsageStatus, error)
	CheckUsage(ctx context.Context, userID, tenantID string, kind access.ResourceKind, delta int64) error

	SubmitPropagationJob(ctx context.Context, req propagation.Request) (*propagation.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (*propagation.Job, error)
	CancelJob(ctx context.Context, jobID string) (*propagation.Job, error)
	ListJobs(ctx context.Context, filter propagation.ListFilter) ([]*propagation.Job, error)

	OfferSettings(ctx context.Context, req propagation.OfferRequest) ([]*propagation.Offer, error)
	AcceptOffer(ctx context.Context, offerID, userID string) (*propagation.Offer, *propagation.Job, error)
	DeclineOffer(ctx context.Context, offerID, userID string) (*propagation.Offer, error)
	ListOffers(ctx context.Context, tenantID string) ([]*propagation.Offer, error)

	SearchAudit(ctx context.Context, userID string, filter audit.SearchFilter) ([]*audit.Event, error)
}

// Server serves the /api/v1 routes
type Server struct {
	engine Engine
	log    *logrus.Logger
	router *mux.Router
}

// NewServer creates the API server and registers its routes. Middleware
// passed in runs on every /api/v1 route after routing, in order.
func NewServer(engine Engine, log *logrus.Logger, middleware ...mux.MiddlewareFunc) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{engine: engine, log: log, router: mux.NewRouter()}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware...)
	s.registerAccessRoutes(v1)
	s.registerJobRoutes(v1)
	s.registerOfferRoutes(v1)
	s.registerAuditRoutes(v1)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "route not found")
	})
	return s
}

// Router exposes the router so callers can mount health and metrics routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
