package webhooks

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStatus is the state of one delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

// DeliveryLog records the delivery of one event to one endpoint
type DeliveryLog struct {
	ID           string         `json:"id"`
	EventID      string         `json:"event_id"`
	EventType    EventType      `json:"event_type"`
	URL          string         `json:"url"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// DeliveryStats summarizes the retained deliveries
type DeliveryStats struct {
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	InFlight        int           `json:"in_flight"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// DeliveryLogStore keeps the most recent deliveries. Once full, the oldest
// tenth is evicted to make room.
type DeliveryLogStore struct {
	mu      sync.RWMutex
	logs    map[string]*DeliveryLog
	order   []string
	maxLogs int
}

// NewDeliveryLogStore creates a store for up to maxLogs deliveries; zero
// means 1000
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{logs: make(map[string]*DeliveryLog), maxLogs: maxLogs}
}

// Add records a new delivery
func (s *DeliveryLogStore) Add(dl *DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) >= s.maxLogs {
		evict := len(s.order) / 10
		if evict == 0 {
			evict = 1
		}
		for _, id := range s.order[:evict] {
			delete(s.logs, id)
		}
		s.order = append(s.order[:0], s.order[evict:]...)
	}
	cp := *dl
	s.logs[dl.ID] = &cp
	s.order = append(s.order, dl.ID)
}

// Get returns a copy of one delivery
func (s *DeliveryLogStore) Get(id string) (*DeliveryLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.logs[id]
	if !ok {
		return nil, false
	}
	cp := *dl
	return &cp, true
}

// ByEvent returns the deliveries of one event
func (s *DeliveryLogStore) ByEvent(eventID string) []*DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeliveryLog
	for _, id := range s.order {
		if dl := s.logs[id]; dl.EventID == eventID {
			cp := *dl
			out = append(out, &cp)
		}
	}
	return out
}

// Recent returns up to limit deliveries, newest first. limit <= 0 returns all.
func (s *DeliveryLogStore) Recent(limit int) []*DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeliveryLog, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.logs[id]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats summarizes the retained deliveries
func (s *DeliveryLogStore) Stats() DeliveryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats DeliveryStats
	var total time.Duration
	for _, dl := range s.logs {
		stats.Total++
		switch dl.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			total += dl.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		default:
			stats.InFlight++
		}
	}
	if stats.Successful > 0 {
		stats.AverageDuration = total / time.Duration(stats.Successful)
	}
	if done := stats.Successful + stats.Failed; done > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(done)
	}
	return stats
}

func (s *DeliveryLogStore) update(id string, fn func(*DeliveryLog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// evicted while in flight
	if dl, ok := s.logs[id]; ok {
		fn(dl)
	}
}

func (s *DeliveryLogStore) attempted(id string, code int, d time.Duration, err error) {
	s.update(id, func(dl *DeliveryLog) {
		dl.Attempts++
		dl.StatusCode = code
		dl.Duration = d
		dl.NextRetryAt = nil
		if err != nil {
			dl.ErrorMessage = err.Error()
		}
	})
}

func (s *DeliveryLogStore) retrying(id string, next time.Time) {
	s.update(id, func(dl *DeliveryLog) {
		dl.Status = DeliveryStatusRetrying
		dl.NextRetryAt = &next
	})
}

func (s *DeliveryLogStore) finish(id string, status DeliveryStatus, code int, msg string) {
	s.update(id, func(dl *DeliveryLog) {
		now := time.Now()
		dl.Status = status
		dl.CompletedAt = &now
		dl.NextRetryAt = nil
		if code != 0 {
			dl.StatusCode = code
		}
		if status == DeliveryStatusSuccess {
			dl.ErrorMessage = ""
		} else if msg != "" {
			dl.ErrorMessage = msg
		}
	})
}
