package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

// Error reasons carried in ErrorResponse.Reason
const (
	reasonNotFound          = "not_found"
	reasonUnknownFeature    = "unknown_feature"
	reasonSourceUnavailable = "source_unavailable"
	reasonValidationFailed  = "validation_failed"
	reasonQuotaExceeded     = "quota_exceeded"
	reasonConflict          = "conflict"
	reasonForbidden         = "forbidden"
	reasonShuttingDown      = "shutting_down"
	reasonTimeout           = "timeout"
	reasonNotImplemented    = "not_implemented"
)

// retryAfter is advertised on retryable failures
const retryAfter = time.Second

// writeEngineError maps an engine error to a status. Unknown errors are
// logged and reported as 500 without detail.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var qe *access.QuotaExceededError
	switch {
	case errors.As(err, &qe):
		httputil.WriteDetailedError(w, http.StatusConflict, qe.Error(), reasonQuotaExceeded, map[string]string{
			"resource": string(qe.Resource),
			"current":  strconv.FormatInt(qe.Current, 10),
			"limit":    strconv.FormatInt(qe.Limit, 10),
		})
	case errors.Is(err, access.ErrValidationFailed):
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, err.Error(), reasonValidationFailed, nil)
	case errors.Is(err, access.ErrUnknownFeature):
		httputil.WriteDetailedError(w, http.StatusNotFound, err.Error(), reasonUnknownFeature, nil)
	case errors.Is(err, access.ErrForbidden):
		writeForbidden(w, err.Error())
	case errors.Is(err, audit.ErrNotSearchable):
		httputil.WriteDetailedError(w, http.StatusNotImplemented, err.Error(), reasonNotImplemented, nil)
	case errors.Is(err, access.ErrNotFound),
		errors.Is(err, propagation.ErrJobNotFound),
		errors.Is(err, propagation.ErrOfferNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, propagation.ErrJobFinished),
		errors.Is(err, propagation.ErrOfferResolved):
		httputil.WriteDetailedError(w, http.StatusConflict, err.Error(), reasonConflict, nil)
	case errors.Is(err, access.ErrSourceUnavailable):
		s.entry(r).WithError(err).Warn("Upstream source unavailable")
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
		httputil.WriteDetailedError(w, http.StatusServiceUnavailable, err.Error(), reasonSourceUnavailable, nil)
	case errors.Is(err, propagation.ErrRunnerClosed):
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
		httputil.WriteDetailedError(w, http.StatusServiceUnavailable, err.Error(), reasonShuttingDown, nil)
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteDetailedError(w, http.StatusGatewayTimeout, "request timed out", reasonTimeout, nil)
	default:
		s.entry(r).WithError(err).Error("Unhandled engine error")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeNotFound(w http.ResponseWriter, message string) {
	httputil.WriteDetailedError(w, http.StatusNotFound, message, reasonNotFound, nil)
}

func writeForbidden(w http.ResponseWriter, message string) {
	httputil.WriteDetailedError(w, http.StatusForbidden, message, reasonForbidden, nil)
}

func (s *Server) entry(r *http.Request) *logrus.Entry {
	return observability.WithTraceContext(r.Context(), s.log).WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": contextkeys.GetRequestID(r.Context()),
		"user_id":    contextkeys.GetUserID(r.Context()),
	})
}

// requireUser returns the authenticated user id or writes 401
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := contextkeys.GetUserID(r.Context())
	if userID == "" {
		httputil.WriteUnauthorized(w, "authentication required")
		return "", false
	}
	return userID, true
}
