package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

// stubEngine fails every call with err
type stubEngine struct {
	err error
}

func (s *stubEngine) ResolveAccess(ctx context.Context, userID, tenantID string) (*access.ResolvedAccessContext, error) {
	return nil, s.err
}

func (s *stubEngine) EvaluateFeature(ctx context.Context, userID, tenantID, featureID string, kind access.PermissionKind) (access.Decision, error) {
	return access.Decision{}, s.err
}

func (s *stubEngine) EvaluatePreset(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error) {
	return access.Decision{}, s.err
}

func (s *stubEngine) Usage(ctx context.Context, userID, tenantID string) (map[access.ResourceKind]access.UsageStatus, error) {
	return nil, s.err
}

func (s *stubEngine) CheckUsage(ctx context.Context, userID, tenantID string, kind access.ResourceKind, delta int64) error {
	return s.err
}

func (s *stubEngine) SubmitPropagationJob(ctx context.Context, req propagation.Request) (*propagation.Job, error) {
	return nil, s.err
}

func (s *stubEngine) GetJobStatus(ctx context.Context, jobID string) (*propagation.Job, error) {
	return nil, s.err
}

func (s *stubEngine) CancelJob(ctx context.Context, jobID string) (*propagation.Job, error) {
	return nil, s.err
}

func (s *stubEngine) ListJobs(ctx context.Context, filter propagation.ListFilter) ([]*propagation.Job, error) {
	return nil, s.err
}

func (s *stubEngine) OfferSettings(ctx context.Context, req propagation.OfferRequest) ([]*propagation.Offer, error) {
	return nil, s.err
}

func (s *stubEngine) AcceptOffer(ctx context.Context, offerID, userID string) (*propagation.Offer, *propagation.Job, error) {
	return nil, nil, s.err
}

func (s *stubEngine) DeclineOffer(ctx context.Context, offerID, userID string) (*propagation.Offer, error) {
	return nil, s.err
}

func (s *stubEngine) ListOffers(ctx context.Context, tenantID string) ([]*propagation.Offer, error) {
	return nil, s.err
}

func (s *stubEngine) SearchAudit(ctx context.Context, userID string, filter audit.SearchFilter) ([]*audit.Event, error) {
	return nil, s.err
}

var _ Engine = (*stubEngine)(nil)

func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(contextkeys.WithUserID(r.Context(), userID)))
		})
	}
}

func TestWriteEngineError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantReason string
		retryAfter string
		wantLevel  logrus.Level
	}{
		{"not found", fmt.Errorf("tenant t-9: %w", access.ErrNotFound), http.StatusNotFound, reasonNotFound, "", 0},
		{"unknown feature", access.ErrUnknownFeature, http.StatusNotFound, reasonUnknownFeature, "", 0},
		{"job not found", propagation.ErrJobNotFound, http.StatusNotFound, reasonNotFound, "", 0},
		{"offer not found", propagation.ErrOfferNotFound, http.StatusNotFound, reasonNotFound, "", 0},
		{"validation", &access.ValidationError{Reason: "bad scope"}, http.StatusUnprocessableEntity, reasonValidationFailed, "", 0},
		{"quota", &access.QuotaExceededError{Resource: access.ResourceSeats, Current: 5, Limit: 5}, http.StatusConflict, reasonQuotaExceeded, "", 0},
		{"forbidden", fmt.Errorf("%w: audit log requires platform admin", access.ErrForbidden), http.StatusForbidden, reasonForbidden, "", 0},
		{"audit not searchable", audit.ErrNotSearchable, http.StatusNotImplemented, reasonNotImplemented, "", 0},
		{"job finished", propagation.ErrJobFinished, http.StatusConflict, reasonConflict, "", 0},
		{"offer resolved", propagation.ErrOfferResolved, http.StatusConflict, reasonConflict, "", 0},
		{"source unavailable", access.Unavailable("tiers", errors.New("connection refused")), http.StatusServiceUnavailable, reasonSourceUnavailable, "1", logrus.WarnLevel},
		{"runner closed", propagation.ErrRunnerClosed, http.StatusServiceUnavailable, reasonShuttingDown, "1", 0},
		{"deadline", fmt.Errorf("resolve: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, reasonTimeout, "", 0},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "", "", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			s := NewServer(&stubEngine{err: tt.err}, log, asUser("alice"))

			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/access/tenants/t-1", nil))

			require.Equal(t, tt.wantCode, w.Code)
			body := decode[struct {
				Error   string            `json:"error"`
				Reason  string            `json:"reason"`
				Details map[string]string `json:"details"`
			}](t, w)
			assert.Equal(t, tt.wantReason, body.Reason)
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))

			if tt.wantLevel != 0 {
				require.NotNil(t, hook.LastEntry())
				assert.Equal(t, tt.wantLevel, hook.LastEntry().Level)
				assert.Equal(t, "alice", hook.LastEntry().Data["user_id"])
			} else {
				assert.Empty(t, hook.AllEntries())
			}
		})
	}
}

func TestWriteEngineError_HidesInternalDetail(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := NewServer(&stubEngine{err: errors.New("pq: password authentication failed")}, log, asUser("alice"))

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/propagation/jobs", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}
