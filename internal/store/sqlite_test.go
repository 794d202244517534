package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func testUser(id, email string) User {
	now := time.Now().UTC()
	return User{
		ID:              id,
		Email:           email,
		PasswordHash:    []byte("hash"),
		ProfileImageURL: "http://x/" + id + ".jpg",
		CreatedAt:       now,
		LastLogin:       now,
	}
}

func TestUsers_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := testUser("u1", "alice@example.com")
	require.NoError(t, s.CreateUser(ctx, user))

	byID, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", byID.Email)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "u1", byEmail.ID)

	_, err = s.GetUser(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUsers_DuplicateEmailRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("u1", "alice@example.com")))
	require.Error(t, s.CreateUser(ctx, testUser("u2", "alice@example.com")))
}

func TestUsers_ListExcludesSelf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("u1", "alice@example.com")))
	require.NoError(t, s.CreateUser(ctx, testUser("u2", "bob@example.com")))

	users, err := s.ListUsers(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "u2", users[0].ID)
}

func TestMessages_PartitionsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	message := Message{ID: "m1", FromID: "a", ToID: "b", Body: "hi", Timestamp: time.Now().UTC()}
	require.NoError(t, s.InsertMessageCopy(ctx, "a", "b", message))

	// Only the (a, b) partition was written.
	fromA, err := s.ReplayMessages(ctx, "a", "b")
	require.NoError(t, err)
	require.Len(t, fromA, 1)

	fromB, err := s.ReplayMessages(ctx, "b", "a")
	require.NoError(t, err)
	require.Empty(t, fromB)
}

func TestMessages_ReplayAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Inserted out of order; replay must sort by timestamp ascending.
	require.NoError(t, s.InsertMessageCopy(ctx, "a", "b", Message{ID: "m2", FromID: "a", ToID: "b", Body: "second", Timestamp: base.Add(time.Second)}))
	require.NoError(t, s.InsertMessageCopy(ctx, "a", "b", Message{ID: "m1", FromID: "b", ToID: "a", Body: "first", Timestamp: base}))
	require.NoError(t, s.InsertMessageCopy(ctx, "a", "b", Message{ID: "m3", FromID: "a", ToID: "b", Body: "third", Timestamp: base.Add(2 * time.Second)}))

	messages, err := s.ReplayMessages(ctx, "a", "b")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "m1", messages[0].ID)
	require.Equal(t, "m2", messages[1].ID)
	require.Equal(t, "m3", messages[2].ID)
}

func TestMessages_ListPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		message := Message{
			ID:        string(rune('a' + i)),
			FromID:    "a",
			ToID:      "b",
			Body:      "msg",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.InsertMessageCopy(ctx, "a", "b", message))
	}

	page, total, err := s.ListMessages(ctx, "a", "b", 0, 2)
	require.NoError(t, err)
	require.Equal(t, int32(5), total)
	require.Len(t, page, 2)
	require.Equal(t, "a", page[0].ID)

	page, _, err = s.ListMessages(ctx, "a", "b", 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "e", page[0].ID)
}

func TestSummaries_UpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	summary := ConversationSummary{
		OwnerID:   "a",
		PeerID:    "b",
		FromID:    "a",
		ToID:      "b",
		Body:      "hi",
		Timestamp: time.Now().UTC(),
		PeerEmail: "bob@example.com",
	}
	require.NoError(t, s.UpsertSummary(ctx, summary))
	require.NoError(t, s.UpsertSummary(ctx, summary))

	summaries, err := s.ListSummaries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, summaries, 1, "identical upserts must yield one record")
}

func TestSummaries_UnreadOnlyIncreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	summary := ConversationSummary{OwnerID: "a", PeerID: "b", FromID: "b", ToID: "a", Body: "hi", Timestamp: time.Now().UTC()}
	require.NoError(t, s.UpsertSummary(ctx, summary))
	require.NoError(t, s.IncrementUnread(ctx, "a", "b"))
	require.NoError(t, s.IncrementUnread(ctx, "a", "b"))

	got, err := s.GetSummary(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.UnreadCount)

	// A later upsert overwrites the latest-message fields but must not
	// touch the unread count; no modeled operation ever decreases it.
	summary.Body = "newer"
	summary.Timestamp = summary.Timestamp.Add(time.Minute)
	require.NoError(t, s.UpsertSummary(ctx, summary))

	got, err = s.GetSummary(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.UnreadCount)
	require.Equal(t, "newer", got.Body)
}

func TestSummaries_ListMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.UpsertSummary(ctx, ConversationSummary{OwnerID: "a", PeerID: "old", FromID: "old", ToID: "a", Body: "x", Timestamp: base.Add(-time.Hour)}))
	require.NoError(t, s.UpsertSummary(ctx, ConversationSummary{OwnerID: "a", PeerID: "new", FromID: "new", ToID: "a", Body: "y", Timestamp: base}))
	require.NoError(t, s.UpsertSummary(ctx, ConversationSummary{OwnerID: "other", PeerID: "a", FromID: "a", ToID: "other", Body: "z", Timestamp: base}))

	summaries, err := s.ListSummaries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "new", summaries[0].PeerID)
	require.Equal(t, "old", summaries[1].PeerID)
}

func TestSummaries_PageHasTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		peer := string(rune('p' + i))
		require.NoError(t, s.UpsertSummary(ctx, ConversationSummary{
			OwnerID:   "a",
			PeerID:    peer,
			FromID:    peer,
			ToID:      "a",
			Body:      "x",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, total, err := s.ListSummariesPage(ctx, "a", 0, 2)
	require.NoError(t, err)
	require.Equal(t, int32(3), total)
	require.Len(t, page, 2)
	require.Equal(t, "r", page[0].PeerID)
}
