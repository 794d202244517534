package store

import "time"

type User struct {
	ID              string
	Email           string
	PasswordHash    []byte
	ProfileImageURL string
	CreatedAt       time.Time
	LastLogin       time.Time
}

// Message is one partition copy of a chat message. The same logical message
// is written twice, once under (sender, recipient) and once under
// (recipient, sender), sharing ID and Timestamp.
type Message struct {
	ID        string
	FromID    string
	ToID      string
	Body      string
	Timestamp time.Time
}

// ConversationSummary is the denormalized latest-message record for one
// (owner, peer) pair. Peer metadata is a copy taken at last-message time.
// Peer is resolved lazily for presentation and never persisted.
type ConversationSummary struct {
	OwnerID       string
	PeerID        string
	FromID        string
	ToID          string
	Body          string
	Timestamp     time.Time
	PeerEmail     string
	PeerAvatarURL string
	UnreadCount   int64
	Peer          *User
}
