package audit

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
)

// ErrNotSearchable is returned when no configured logger can be queried
var ErrNotSearchable = errors.New("no searchable audit logger configured")

// Logger records audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// Searcher queries recorded events, newest first
type Searcher interface {
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)
}

// NewEvent starts an event stamped with the current time and the request id
// and user id carried by ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		UserID:    contextkeys.GetUserID(ctx),
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]any),
	}
}

// NopLogger discards events
type NopLogger struct{}

// Log implements Logger
func (NopLogger) Log(context.Context, *Event) error { return nil }
