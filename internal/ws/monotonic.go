package ws

import (
	"encoding/json"
	"sync"

	"github.com/splax/buildflow/internal/domain"
)

// MonotonicSubscriber forwards status payloads to the wrapped subscriber only when they move the
// timeline forward. Replayed or stale states are dropped silently.
type MonotonicSubscriber struct {
	Subscriber
	mu   sync.Mutex
	last domain.Status
	sent bool
}

// NewMonotonicSubscriber wraps sub.
func NewMonotonicSubscriber(sub Subscriber) *MonotonicSubscriber {
	return &MonotonicSubscriber{Subscriber: sub}
}

// Send forwards a JSON encoded domain.StatusChange when it advances the last forwarded state.
func (m *MonotonicSubscriber) Send(payload []byte) error {
	var change domain.StatusChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.sent:
	case change.Status == "" || !m.last.CanAdvance(change.Status):
		return nil
	}
	if err := m.Subscriber.Send(payload); err != nil {
		return err
	}
	m.last = change.Status
	m.sent = true
	return nil
}
