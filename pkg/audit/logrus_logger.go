package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusLogger writes events to a logrus logger, one line per event.
// Failures and denials are logged at Warn.
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger creates the logger. nil uses logrus.New().
func NewLogrusLogger(log *logrus.Logger) *LogrusLogger {
	if log == nil {
		log = logrus.New()
	}
	return &LogrusLogger{log: log}
}

// Log implements Logger
func (l *LogrusLogger) Log(ctx context.Context, event *Event) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"status":     event.Status,
	}
	for k, v := range map[string]string{
		"user_id":         event.UserID,
		"request_id":      event.RequestID,
		"tenant_id":       event.TenantID,
		"organization_id": event.OrganizationID,
		"resource_type":   string(event.ResourceType),
		"resource_id":     event.ResourceID,
		"error":           event.ErrorMessage,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.log.WithFields(fields)
	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	if event.Status == StatusSuccess {
		entry.Info(msg)
	} else {
		entry.Warn(msg)
	}
	return nil
}
