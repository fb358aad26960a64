package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rhyanvargas/8p3p-control-layer-sub000/internal/model"
)

// Broker fans decisions out to SSE subscribers. Each subscriber is scoped to
// a single org and only sees that org's decisions.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]string
	logger      *slog.Logger
}

// NewBroker creates a decision broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subscribers: make(map[chan []byte]string),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber for the given org and returns its
// event channel.
func (b *Broker) Subscribe(orgID string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subscribers[ch] = orgID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// PublishDecision delivers a decision event to every subscriber of its org.
// Sends are non-blocking; a slow subscriber drops events rather than stalling
// the pipeline.
func (b *Broker) PublishDecision(orgID string, dec model.Decision) {
	payload, err := json.Marshal(dec)
	if err != nil {
		b.logger.Error("marshal decision event", "error", err)
		return
	}
	event := formatSSE("decision", payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, subOrg := range b.subscribers {
		if subOrg != orgID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping decision event for slow subscriber", "org_id", orgID)
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func formatSSE(event string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}
