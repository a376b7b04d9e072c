package audit

import (
	"context"
	"errors"
)

// MultiLogger logs each event to every wrapped logger
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a fan-out logger. nil loggers are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log implements Logger. Every logger is tried; the failures are joined.
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Search implements Searcher using the first wrapped logger that can search
func (m *MultiLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	for _, l := range m.loggers {
		if s, ok := l.(Searcher); ok {
			return s.Search(ctx, filter)
		}
	}
	return nil, ErrNotSearchable
}
