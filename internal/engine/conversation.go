package engine

import (
	"context"
	"sync"

	"github.io/infrasutra/chatsync/internal/store"
	"github.io/infrasutra/chatsync/internal/stream"
)

// ListSnapshot is an immutable view of the conversation list, published
// after every processed change batch.
type ListSnapshot struct {
	Entries []store.ConversationSummary
	Err     error
}

// ConversationList maintains a live, de-duplicated, most-recent-first view
// of one owner's conversation summaries.
type ConversationList struct {
	ownerID   string
	summaries SummaryStore
	streams   Streams

	mu      sync.Mutex
	state   State
	entries []store.ConversationSummary
	lastErr error
	cancel  func()

	snapshots chan ListSnapshot
}

func NewConversationList(ownerID string, summaries SummaryStore, streams Streams) *ConversationList {
	return &ConversationList{
		ownerID:   ownerID,
		summaries: summaries,
		streams:   streams,
		snapshots: make(chan ListSnapshot, 1),
	}
}

// Activate rebuilds the list from the store and subscribes to the owner's
// conversation topic. A store failure is recorded in the error field but
// does not prevent the subscription; the view heals on later events or on
// the next activation.
func (l *ConversationList) Activate(ctx context.Context) error {
	if l.ownerID == "" {
		return ErrNotAuthenticated
	}
	l.mu.Lock()
	if l.state == Subscribed || l.state == Updating {
		l.mu.Unlock()
		return ErrAlreadyActive
	}
	entries, err := l.summaries.ListSummaries(ctx, l.ownerID)
	if err != nil {
		l.lastErr = err
		entries = nil
	}
	l.entries = entries
	ch, cancel := l.streams.Subscribe(stream.ConversationTopic(l.ownerID))
	l.cancel = cancel
	l.state = Subscribed
	l.publishLocked()
	l.mu.Unlock()

	go l.pump(ch)
	return nil
}

// Deactivate tears the subscription down. Events still in flight are
// discarded by the state check in apply.
func (l *ConversationList) Deactivate() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.state = Unsubscribed
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *ConversationList) pump(ch <-chan stream.Event) {
	for event := range ch {
		batch := []stream.Event{event}
	drain:
		for {
			select {
			case next, ok := <-ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		l.apply(batch)
	}
}

// apply merges one batch atomically and publishes a fresh snapshot.
func (l *ConversationList) apply(batch []stream.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Subscribed {
		return
	}
	l.state = Updating
	for _, event := range batch {
		if event.Summary == nil {
			continue
		}
		l.merge(event)
	}
	l.state = Subscribed
	l.publishLocked()
}

// merge applies the index consistency contract: an unknown peer is inserted
// at the head, a known peer is replaced in place. An update keeps the
// entry's position; it is not moved back to the top.
func (l *ConversationList) merge(event stream.Event) {
	summary := *event.Summary
	idx := -1
	for i := range l.entries {
		if l.entries[i].PeerID == summary.PeerID {
			idx = i
			break
		}
	}
	if event.Kind == stream.Removed {
		if idx >= 0 {
			l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
		}
		return
	}
	if idx < 0 {
		l.entries = append([]store.ConversationSummary{summary}, l.entries...)
		return
	}
	l.entries[idx] = summary
}

// publishLocked pushes a snapshot, replacing a stale unread one.
func (l *ConversationList) publishLocked() {
	snap := ListSnapshot{
		Entries: append([]store.ConversationSummary(nil), l.entries...),
		Err:     l.lastErr,
	}
	select {
	case l.snapshots <- snap:
		return
	default:
	}
	select {
	case <-l.snapshots:
	default:
	}
	select {
	case l.snapshots <- snap:
	default:
	}
}

// Snapshots delivers the latest published view; stale intermediate
// snapshots are dropped in favor of the newest.
func (l *ConversationList) Snapshots() <-chan ListSnapshot {
	return l.snapshots
}

func (l *ConversationList) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Entries returns a copy of the current ordered list.
func (l *ConversationList) Entries() []store.ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.ConversationSummary(nil), l.entries...)
}

// Err returns the last recorded store or stream failure, last write wins.
func (l *ConversationList) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
