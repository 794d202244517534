// Package engine implements the live view maintenance for chat clients: a
// conversation-list engine that keeps an owner's recent conversations
// merged and ordered, and a thread engine that keeps one conversation's
// message log replayed and appended. Both engines rebuild from the store on
// activation and consume change notifications from the stream hub; all
// mutable state is mutex-serialized so they are safe in a multi-threaded
// host.
package engine

import (
	"context"
	"errors"

	"github.io/infrasutra/chatsync/internal/store"
	"github.io/infrasutra/chatsync/internal/stream"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoPeer           = errors.New("peer not resolved")
	ErrAlreadyActive    = errors.New("engine already active")
)

// State tracks an engine's subscription lifecycle.
type State int

const (
	Uninitialized State = iota
	Subscribed
	Updating
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Subscribed:
		return "subscribed"
	case Updating:
		return "updating"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// MessageStore is the message-log surface the thread engine needs.
type MessageStore interface {
	InsertMessageCopy(ctx context.Context, ownerID, peerID string, message store.Message) error
	ReplayMessages(ctx context.Context, ownerID, peerID string) ([]store.Message, error)
}

// SummaryStore is the conversation-index surface the engines need.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, summary store.ConversationSummary) error
	IncrementUnread(ctx context.Context, ownerID, peerID string) error
	GetSummary(ctx context.Context, ownerID, peerID string) (store.ConversationSummary, error)
	ListSummaries(ctx context.Context, ownerID string) ([]store.ConversationSummary, error)
}

// Streams is the change-notification surface, satisfied by *stream.Hub.
type Streams interface {
	Subscribe(topic string) (<-chan stream.Event, func())
	Broadcast(topics []string, event stream.Event)
}
