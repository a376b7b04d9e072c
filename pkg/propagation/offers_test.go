package propagation

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/access"
)

func newOfferFixture(t *testing.T) (*fixture, *OfferService, *Runner) {
	t.Helper()
	f := newFixture(t)
	f.dir.PutTenant(fixtureTenant("s-3", "carol"), "")
	f.settings.Put("s-1", "receipts", map[string]any{"footer": "see you soon"})

	// bob owns the siblings; dana administers s-2 only
	auth := AuthorizerFunc(func(ctx context.Context, userID, tenantID, presetID string) (access.Decision, error) {
		switch {
		case userID == "bob":
			return access.Decision{Allowed: true, Reason: access.ReasonOK}, nil
		case userID == "dana" && tenantID == "s-2" && presetID == access.PresetSingleTenantPush:
			return access.Decision{Allowed: true, Reason: access.ReasonOK}, nil
		}
		return access.Decision{Allowed: false, Reason: access.ReasonRole}, nil
	})
	r := f.runner(t, auth, nil)
	return f, NewOfferService(f.dir, auth, f.settings, r, f.log, f.metrics), r
}

func TestOfferService_OfferToAllSiblings(t *testing.T) {
	f, svc, _ := newOfferFixture(t)

	offers, err := svc.Offer(context.Background(), OfferRequest{
		UserID:         "bob",
		SourceTenantID: "s-1",
		Payload:        Payload{Namespace: "receipts"},
	})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "s-2", offers[0].TargetTenantID)
	assert.Equal(t, OfferPending, offers[0].Status)
	assert.Equal(t, "see you soon", offers[0].Payload.Values["footer"])

	// offering changes nothing on the sibling
	got, _ := f.settings.Settings(context.Background(), "s-2", "receipts")
	assert.Empty(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OffersTotal.WithLabelValues("pending")))
}

func TestOfferService_OfferRejectsNonSibling(t *testing.T) {
	_, svc, _ := newOfferFixture(t)

	_, err := svc.Offer(context.Background(), OfferRequest{
		UserID:          "bob",
		SourceTenantID:  "s-1",
		TargetTenantIDs: []string{"s-3"},
		Payload:         Payload{Namespace: "receipts"},
	})
	assert.ErrorIs(t, err, access.ErrValidationFailed)
}

func TestOfferService_OfferRequiresPeerSharing(t *testing.T) {
	_, svc, _ := newOfferFixture(t)

	_, err := svc.Offer(context.Background(), OfferRequest{
		UserID:         "dana",
		SourceTenantID: "s-1",
		Payload:        Payload{Namespace: "receipts"},
	})
	require.ErrorIs(t, err, access.ErrValidationFailed)
	assert.Contains(t, err.Error(), "PEER_SHARING")
}

func TestOfferService_AcceptAppliesToTarget(t *testing.T) {
	f, svc, r := newOfferFixture(t)
	ctx := context.Background()

	offers, err := svc.Offer(ctx, OfferRequest{UserID: "bob", SourceTenantID: "s-1", Payload: Payload{Namespace: "receipts"}})
	require.NoError(t, err)

	o, job, err := svc.Accept(ctx, offers[0].ID, "dana")
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, o.Status)
	assert.Equal(t, "dana", o.RespondedBy)
	assert.Equal(t, job.ID, o.JobID)

	done, err := r.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	got, _ := f.settings.Settings(ctx, "s-2", "receipts")
	assert.Equal(t, "see you soon", got["footer"])

	_, _, err = svc.Accept(ctx, offers[0].ID, "dana")
	assert.ErrorIs(t, err, ErrOfferResolved)
}

func TestOfferService_AcceptRequiresReceiverAdmin(t *testing.T) {
	_, svc, _ := newOfferFixture(t)
	ctx := context.Background()

	offers, err := svc.Offer(ctx, OfferRequest{UserID: "bob", SourceTenantID: "s-1", Payload: Payload{Namespace: "receipts"}})
	require.NoError(t, err)

	_, _, err = svc.Accept(ctx, offers[0].ID, "mallory")
	assert.ErrorIs(t, err, access.ErrValidationFailed)

	o, err := svc.Get(ctx, offers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, OfferPending, o.Status)
}

func TestOfferService_Decline(t *testing.T) {
	f, svc, _ := newOfferFixture(t)
	ctx := context.Background()

	offers, err := svc.Offer(ctx, OfferRequest{UserID: "bob", SourceTenantID: "s-1", Payload: Payload{Namespace: "receipts"}})
	require.NoError(t, err)

	o, err := svc.Decline(ctx, offers[0].ID, "dana")
	require.NoError(t, err)
	assert.Equal(t, OfferDeclined, o.Status)
	assert.Empty(t, o.JobID)

	got, _ := f.settings.Settings(ctx, "s-2", "receipts")
	assert.Empty(t, got)

	_, err = svc.Decline(ctx, offers[0].ID, "dana")
	assert.ErrorIs(t, err, ErrOfferResolved)

	_, err = svc.Decline(ctx, "nope", "dana")
	assert.ErrorIs(t, err, ErrOfferNotFound)
}

func TestOfferService_ListOffers(t *testing.T) {
	_, svc, _ := newOfferFixture(t)
	ctx := context.Background()

	_, err := svc.Offer(ctx, OfferRequest{UserID: "bob", SourceTenantID: "s-1", Payload: Payload{Namespace: "receipts"}})
	require.NoError(t, err)

	incoming, err := svc.ListOffers(ctx, "s-2")
	require.NoError(t, err)
	assert.Len(t, incoming, 1)

	outgoing, err := svc.ListOffers(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, outgoing, 1)

	none, err := svc.ListOffers(ctx, "s-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(ctx context.Context, req Request) (*Job, error) {
	return nil, errors.New("queue full")
}

func TestOfferService_AcceptSubmitFailureKeepsOfferPending(t *testing.T) {
	f, _, _ := newOfferFixture(t)
	svc := NewOfferService(f.dir, allowOnly("bob", "dana"), f.settings, failingSubmitter{}, f.log, nil)
	ctx := context.Background()

	offers, err := svc.Offer(ctx, OfferRequest{UserID: "bob", SourceTenantID: "s-1", Payload: Payload{Namespace: "receipts"}})
	require.NoError(t, err)

	_, _, err = svc.Accept(ctx, offers[0].ID, "dana")
	assert.ErrorContains(t, err, "queue full")

	o, err := svc.Get(ctx, offers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, OfferPending, o.Status)
}
