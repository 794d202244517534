// Package stream is the in-process change-notification fabric. Writers
// broadcast typed events to topics; views subscribe to the topics they
// render. Delivery is best effort: a subscriber that falls behind loses
// events and is expected to rebuild from the store on its next activation.
package stream

import (
	"sync"

	"github.io/infrasutra/chatsync/internal/store"
)

type Kind int

const (
	Added Kind = iota
	Modified
	Removed
)

// Event carries exactly one payload, matching its topic family.
type Event struct {
	Kind    Kind
	Message *store.Message
	Summary *store.ConversationSummary
}

// MessageTopic scopes one message partition.
func MessageTopic(ownerID, peerID string) string {
	return "msg/" + ownerID + "/" + peerID
}

// ConversationTopic scopes one owner's conversation index.
func ConversationTopic(ownerID string) string {
	return "conv/" + ownerID
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener on topic. The returned cancel func must be
// called on teardown; the channel is closed by cancel, not by the hub.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[chan Event]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if subscribers, ok := h.subs[topic]; ok {
			delete(subscribers, ch)
			if len(subscribers) == 0 {
				delete(h.subs, topic)
			}
		}
		h.mu.Unlock()
		close(ch)
	}
}

// Broadcast delivers event to every subscriber of every listed topic.
// Subscribers with a full buffer are skipped.
func (h *Hub) Broadcast(topics []string, event Event) {
	if len(topics) == 0 {
		return
	}
	unique := map[string]struct{}{}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		unique[topic] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for topic := range unique {
		for ch := range h.subs[topic] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}
