package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/async"
	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
)

// UsageRecorder checks and increments tenant usage counters
type UsageRecorder interface {
	CheckUsage(ctx context.Context, userID, tenantID string, kind access.ResourceKind, delta int64) error
	RecordUsage(ctx context.Context, tenantID string, kind access.ResourceKind, delta int64) (int64, error)
}

// UsageMeter meters api_calls on tenant-scoped routes. A request over the
// tenant's limit is rejected with 429; served requests are counted in the
// background after the response.
//
// It must be installed with Router.Use (or on a subrouter) so the route's
// {tenant} variable is available, and after the Authenticator.
type UsageMeter struct {
	usage    UsageRecorder
	bg       *async.Background
	log      *logrus.Logger
	routeVar string
}

// NewUsageMeter creates the middleware
func NewUsageMeter(usage UsageRecorder, bg *async.Background, log *logrus.Logger) *UsageMeter {
	if log == nil {
		log = logrus.New()
	}
	return &UsageMeter{usage: usage, bg: bg, log: log, routeVar: "tenant"}
}

// Handler wraps an HTTP handler with api_calls metering
func (m *UsageMeter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)[m.routeVar]
		userID := contextkeys.GetUserID(r.Context())
		if tenantID == "" || userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		err := m.usage.CheckUsage(r.Context(), userID, tenantID, access.ResourceAPICalls, 1)
		var qe *access.QuotaExceededError
		switch {
		case errors.As(err, &qe):
			httputil.WriteDetailedError(w, http.StatusTooManyRequests, qe.Error(), "quota_exceeded", map[string]string{
				"resource": string(qe.Resource),
				"current":  strconv.FormatInt(qe.Current, 10),
				"limit":    strconv.FormatInt(qe.Limit, 10),
			})
			return
		case err != nil:
			// The handler resolves the same pair and reports the failure itself
			m.log.WithError(err).WithField("tenant_id", tenantID).Debug("Usage pre-check skipped")
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		if rw.status >= 400 {
			return
		}

		m.bg.Go(r.Context(), "record api usage", func(ctx context.Context) error {
			_, err := m.usage.RecordUsage(ctx, tenantID, access.ResourceAPICalls, 1)
			return err
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
