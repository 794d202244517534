package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/chatsync/internal/store"
	"github.io/infrasutra/chatsync/internal/stream"
)

// ThreadUpdate is an immutable view of one conversation's log, published
// after every processed change batch and every successful send.
type ThreadUpdate struct {
	Messages []store.Message
	Revision uint64
	Err      error
}

// Thread maintains the ordered message log for one (owner, peer)
// conversation and performs the send operation.
type Thread struct {
	owner store.User
	peer  store.User

	messages  MessageStore
	summaries SummaryStore
	streams   Streams

	mu       sync.Mutex
	state    State
	log      []store.Message
	seen     map[string]struct{}
	revision uint64
	compose  string
	lastErr  error
	cancel   func()

	updates chan ThreadUpdate
}

func NewThread(owner, peer store.User, messages MessageStore, summaries SummaryStore, streams Streams) *Thread {
	return &Thread{
		owner:     owner,
		peer:      peer,
		messages:  messages,
		summaries: summaries,
		streams:   streams,
		seen:      make(map[string]struct{}),
		updates:   make(chan ThreadUpdate, 1),
	}
}

// Activate replays the full partition ordered by timestamp ascending, then
// subscribes to the partition's message topic. Events missed while detached
// are covered by the replay.
func (t *Thread) Activate(ctx context.Context) error {
	if t.owner.ID == "" {
		return ErrNotAuthenticated
	}
	if t.peer.ID == "" {
		return ErrNoPeer
	}
	t.mu.Lock()
	if t.state == Subscribed || t.state == Updating {
		t.mu.Unlock()
		return ErrAlreadyActive
	}
	replayed, err := t.messages.ReplayMessages(ctx, t.owner.ID, t.peer.ID)
	if err != nil {
		t.lastErr = err
		replayed = nil
	}
	t.log = nil
	t.seen = make(map[string]struct{})
	for _, message := range replayed {
		t.log = append(t.log, message)
		t.seen[message.ID] = struct{}{}
	}
	ch, cancel := t.streams.Subscribe(stream.MessageTopic(t.owner.ID, t.peer.ID))
	t.cancel = cancel
	t.state = Subscribed
	t.publishLocked()
	t.mu.Unlock()

	go t.pump(ch)
	return nil
}

// Deactivate tears the subscription down; late events are discarded.
func (t *Thread) Deactivate() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.state = Unsubscribed
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Send writes the logical message as two independent partition copies
// sharing one id and one timestamp, then maintains both sides of the
// conversation index. The steps are sequential and non-transactional: a
// failed first write aborts everything after it, a later failure leaves the
// earlier writes in place.
func (t *Thread) Send(ctx context.Context, body string) (store.Message, error) {
	if t.owner.ID == "" {
		return store.Message{}, ErrNotAuthenticated
	}
	if t.peer.ID == "" {
		return store.Message{}, ErrNoPeer
	}
	// Body is not validated; an empty send is accepted.
	now := time.Now().UTC()
	message := store.Message{
		ID:        uuid.NewString(),
		FromID:    t.owner.ID,
		ToID:      t.peer.ID,
		Body:      body,
		Timestamp: now,
	}

	if err := t.messages.InsertMessageCopy(ctx, t.owner.ID, t.peer.ID, message); err != nil {
		t.recordErr(err)
		return store.Message{}, fmt.Errorf("send sender copy: %w", err)
	}
	if err := t.messages.InsertMessageCopy(ctx, t.peer.ID, t.owner.ID, message); err != nil {
		// The sender copy stays; the partitions are now asymmetric until
		// a later send heals the recipient side.
		t.recordErr(err)
		return message, fmt.Errorf("send recipient copy: %w", err)
	}

	senderSummary := store.ConversationSummary{
		OwnerID:       t.owner.ID,
		PeerID:        t.peer.ID,
		FromID:        message.FromID,
		ToID:          message.ToID,
		Body:          body,
		Timestamp:     now,
		PeerEmail:     t.peer.Email,
		PeerAvatarURL: t.peer.ProfileImageURL,
	}
	if err := t.summaries.UpsertSummary(ctx, senderSummary); err != nil {
		t.recordErr(err)
		return message, fmt.Errorf("send sender summary: %w", err)
	}
	receiverSummary := store.ConversationSummary{
		OwnerID:       t.peer.ID,
		PeerID:        t.owner.ID,
		FromID:        message.FromID,
		ToID:          message.ToID,
		Body:          body,
		Timestamp:     now,
		PeerEmail:     t.owner.Email,
		PeerAvatarURL: t.owner.ProfileImageURL,
	}
	if err := t.summaries.UpsertSummary(ctx, receiverSummary); err != nil {
		t.recordErr(err)
		return message, fmt.Errorf("send receiver summary: %w", err)
	}
	if err := t.summaries.IncrementUnread(ctx, t.peer.ID, t.owner.ID); err != nil {
		t.recordErr(err)
		return message, fmt.Errorf("send unread count: %w", err)
	}
	if fresh, err := t.summaries.GetSummary(ctx, t.peer.ID, t.owner.ID); err == nil {
		receiverSummary = fresh
	}

	t.streams.Broadcast(
		[]string{
			stream.MessageTopic(t.owner.ID, t.peer.ID),
			stream.MessageTopic(t.peer.ID, t.owner.ID),
		},
		stream.Event{Kind: stream.Added, Message: &message},
	)
	t.streams.Broadcast(
		[]string{stream.ConversationTopic(t.owner.ID)},
		stream.Event{Kind: stream.Modified, Summary: &senderSummary},
	)
	t.streams.Broadcast(
		[]string{stream.ConversationTopic(t.peer.ID)},
		stream.Event{Kind: stream.Modified, Summary: &receiverSummary},
	)

	t.mu.Lock()
	if _, ok := t.seen[message.ID]; !ok {
		t.seen[message.ID] = struct{}{}
		t.log = append(t.log, message)
	}
	t.compose = ""
	t.revision++
	t.publishLocked()
	t.mu.Unlock()

	return message, nil
}

func (t *Thread) pump(ch <-chan stream.Event) {
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
		t.apply(batch)
	}
}

// apply appends newly arrived messages in arrival order. Only added events
// are consumed; messages are immutable. The engine's own sends echo back
// through the stream and are dropped by id.
func (t *Thread) apply(batch []stream.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Subscribed {
		return
	}
	t.state = Updating
	applied := false
	for _, event := range batch {
		if event.Kind != stream.Added || event.Message == nil {
			continue
		}
		applied = true
		if _, ok := t.seen[event.Message.ID]; ok {
			continue
		}
		t.seen[event.Message.ID] = struct{}{}
		t.log = append(t.log, *event.Message)
	}
	t.state = Subscribed
	if applied {
		t.revision++
		t.publishLocked()
	}
}

func (t *Thread) recordErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.publishLocked()
	t.mu.Unlock()
}

func (t *Thread) publishLocked() {
	update := ThreadUpdate{
		Messages: append([]store.Message(nil), t.log...),
		Revision: t.revision,
		Err:      t.lastErr,
	}
	select {
	case t.updates <- update:
		return
	default:
	}
	select {
	case <-t.updates:
	default:
	}
	select {
	case t.updates <- update:
	default:
	}
}

// Updates delivers the latest published view; stale intermediate updates
// are dropped in favor of the newest.
func (t *Thread) Updates() <-chan ThreadUpdate {
	return t.updates
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Messages returns a copy of the current log, timestamp ascending.
func (t *Thread) Messages() []store.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]store.Message(nil), t.log...)
}

// Revision returns the change epoch, monotonic within this instance.
func (t *Thread) Revision() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revision
}

func (t *Thread) SetCompose(body string) {
	t.mu.Lock()
	t.compose = body
	t.mu.Unlock()
}

func (t *Thread) Compose() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compose
}

// Err returns the last recorded failure, last write wins.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}
