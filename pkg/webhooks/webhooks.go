package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/async"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
)

// EventType names a webhook event
type EventType string

const (
	EventJobCompleted EventType = "propagation.job_completed"
	EventJobFailed    EventType = "propagation.job_failed"
	EventJobCancelled EventType = "propagation.job_cancelled"
)

// Header names set on every delivery
const (
	HeaderEvent     = "X-Gatehouse-Event"
	HeaderDelivery  = "X-Gatehouse-Delivery"
	HeaderSignature = "X-Gatehouse-Signature"
)

// Event is the JSON body of a delivery
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Job       JobData   `json:"job"`
}

// JobData is the part of a finished job sent to receivers. Per-target diffs
// are left out; receivers fetch the job for detail.
type JobData struct {
	ID              string                `json:"id"`
	Scope           propagation.Scope     `json:"scope"`
	Status          propagation.JobStatus `json:"status"`
	InitiatorUserID string                `json:"initiator_user_id"`
	SourceTenantID  string                `json:"source_tenant_id,omitempty"`
	OrganizationID  string                `json:"organization_id,omitempty"`
	Namespace       string                `json:"namespace"`
	DryRun          bool                  `json:"dry_run"`
	Error           string                `json:"error,omitempty"`
	Summary         propagation.Summary   `json:"summary"`
	FailedTenants   []string              `json:"failed_tenants,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// NewEvent builds the event for a finished job
func NewEvent(job *propagation.Job) *Event {
	t := EventJobCompleted
	switch job.Status {
	case propagation.StatusFailed, propagation.StatusPartiallyCompleted:
		t = EventJobFailed
	case propagation.StatusCancelled:
		t = EventJobCancelled
	}

	data := JobData{
		ID:              job.ID,
		Scope:           job.Scope,
		Status:          job.Status,
		InitiatorUserID: job.InitiatorUserID,
		SourceTenantID:  job.SourceTenantID,
		OrganizationID:  job.OrganizationID,
		Namespace:       job.Payload.Namespace,
		DryRun:          job.DryRun,
		Error:           job.Error,
		Summary:         job.Summary(),
		CompletedAt:     job.CompletedAt,
	}
	for _, target := range job.Targets {
		if target.Status == propagation.TargetFailed {
			data.FailedTenants = append(data.FailedTenants, target.TenantID)
		}
	}
	return &Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC(), Job: data}
}

// Endpoint is a receiver of webhook events
type Endpoint struct {
	URL    string
	Secret string
	// Events filters what is sent; empty means every event
	Events []EventType
}

func (e Endpoint) wants(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == t {
			return true
		}
	}
	return false
}

// Config configures a Dispatcher
type Config struct {
	Endpoints []Endpoint
	// Timeout bounds one HTTP attempt; zero means 10s
	Timeout time.Duration
	Retry   propagation.RetryConfig
	// MaxLogs bounds the delivery log; zero means 1000
	MaxLogs int
	// SkipDryRuns suppresses events for dry-run jobs
	SkipDryRuns bool
}

// DefaultRetryConfig is the delivery backoff: 1s, 2s, 4s, 8s between five
// attempts
func DefaultRetryConfig() propagation.RetryConfig {
	return propagation.RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Dispatcher delivers job events to the configured endpoints
type Dispatcher struct {
	cfg        Config
	client     *http.Client
	retry      *propagation.RetryPolicy
	deliveries *DeliveryLogStore
	bg         *async.Background
	log        *logrus.Logger
	metrics    *observability.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ propagation.JobListener = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Deliveries run on bg, whose task
// timeout must cover every retry of one delivery. log and metrics may be nil.
func NewDispatcher(cfg Config, bg *async.Background, log *logrus.Logger, metrics *observability.Metrics) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if bg == nil {
		bg = async.NewBackground(log, time.Minute)
	}
	return &Dispatcher{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		retry:      propagation.NewRetryPolicy(cfg.Retry),
		deliveries: NewDeliveryLogStore(cfg.MaxLogs),
		bg:         bg,
		log:        log,
		metrics:    metrics,
		sleep:      sleepCtx,
	}
}

// Deliveries exposes the delivery log
func (d *Dispatcher) Deliveries() *DeliveryLogStore {
	return d.deliveries
}

// JobFinished implements propagation.JobListener. Delivery happens in the
// background; this returns once every delivery is scheduled.
func (d *Dispatcher) JobFinished(ctx context.Context, job *propagation.Job) {
	if d.cfg.SkipDryRuns && job.DryRun {
		return
	}
	d.Dispatch(ctx, NewEvent(job))
}

// Dispatch schedules the event to every endpoint that wants it and returns
// the delivery logs created
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) []*DeliveryLog {
	body, err := json.Marshal(event)
	if err != nil {
		d.log.WithError(err).WithField("event_id", event.ID).Error("Failed to encode webhook event")
		return nil
	}

	var scheduled []*DeliveryLog
	for _, ep := range d.cfg.Endpoints {
		ep := ep
		if !ep.wants(event.Type) {
			continue
		}
		dl := &DeliveryLog{
			ID:        uuid.NewString(),
			EventID:   event.ID,
			EventType: event.Type,
			URL:       ep.URL,
			Status:    DeliveryStatusPending,
			CreatedAt: time.Now(),
		}
		d.deliveries.Add(dl)

		if !d.bg.Go(ctx, "webhook delivery", func(ctx context.Context) error {
			return d.deliver(ctx, ep, event, body, dl.ID)
		}) {
			d.deliveries.finish(dl.ID, DeliveryStatusFailed, 0, "dispatcher shutting down")
			continue
		}
		scheduled = append(scheduled, dl)
	}
	return scheduled
}

// deliver POSTs body until it is accepted, a non-retryable response
// arrives, or attempts run out
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event *Event, body []byte, deliveryID string) error {
	entry := d.log.WithFields(logrus.Fields{
		"delivery_id": deliveryID,
		"event_id":    event.ID,
		"event_type":  event.Type,
		"url":         ep.URL,
	})

	for attempt := 1; ; attempt++ {
		start := time.Now()
		code, err := d.send(ctx, ep, event, body, deliveryID)
		d.deliveries.attempted(deliveryID, code, time.Since(start), err)

		if err == nil {
			d.deliveries.finish(deliveryID, DeliveryStatusSuccess, code, "")
			d.metrics.RecordWebhookDelivery(string(DeliveryStatusSuccess))
			entry.WithField("attempts", attempt).Debug("Webhook delivered")
			return nil
		}
		if !retryable(err) || !d.retry.ShouldRetry(attempt, err) {
			d.deliveries.finish(deliveryID, DeliveryStatusFailed, code, err.Error())
			d.metrics.RecordWebhookDelivery(string(DeliveryStatusFailed))
			return fmt.Errorf("webhook delivery to %s failed after %d attempts: %w", ep.URL, attempt, err)
		}

		delay := d.retry.NextRetryDelay(attempt)
		d.deliveries.retrying(deliveryID, time.Now().Add(delay))
		entry.WithError(err).WithField("attempt", attempt).Warn("Webhook delivery failed, retrying")
		if err := d.sleep(ctx, delay); err != nil {
			d.deliveries.finish(deliveryID, DeliveryStatusFailed, code, err.Error())
			d.metrics.RecordWebhookDelivery(string(DeliveryStatusFailed))
			return fmt.Errorf("webhook delivery to %s abandoned: %w", ep.URL, err)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, event *Event, body []byte, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &permanentError{err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, deliveryID)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// StatusError is a non-2xx response from a receiver
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned non-2xx status: %d", e.Code)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retryable reports whether a failed attempt is worth repeating: network
// errors, 429 and 5xx are
func retryable(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against body
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
