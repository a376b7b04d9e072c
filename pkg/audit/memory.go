package audit

import (
	"context"
	"sync"
)

// MemoryLogger keeps the most recent events in process
type MemoryLogger struct {
	mu     sync.RWMutex
	events []*Event
	max    int
	nextID int64
}

// NewMemoryLogger keeps up to max events; zero means 10000
func NewMemoryLogger(max int) *MemoryLogger {
	if max <= 0 {
		max = 10000
	}
	return &MemoryLogger{max: max}
}

// Log implements Logger. The oldest event is dropped once full.
func (m *MemoryLogger) Log(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	cp := *event
	if len(m.events) >= m.max {
		m.events = append(m.events[:0], m.events[1:]...)
	}
	m.events = append(m.events, &cp)
	return nil
}

// Search implements Searcher
func (m *MemoryLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	skipped := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !filter.match(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of retained events
func (m *MemoryLogger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
