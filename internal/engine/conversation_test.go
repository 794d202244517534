package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.io/infrasutra/chatsync/internal/store"
	"github.io/infrasutra/chatsync/internal/stream"
)

func summaryFor(owner, peer, body string, ts time.Time) store.ConversationSummary {
	return store.ConversationSummary{
		OwnerID:   owner,
		PeerID:    peer,
		FromID:    peer,
		ToID:      owner,
		Body:      body,
		Timestamp: ts,
		PeerEmail: peer + "@example.com",
	}
}

func TestConversationList_ActivateRequiresOwner(t *testing.T) {
	list := NewConversationList("", &fakeStore{}, stream.NewHub())
	require.ErrorIs(t, list.Activate(context.Background()), ErrNotAuthenticated)
	require.Equal(t, Uninitialized, list.State())
}

func TestConversationList_ActivateBuildsFromStore(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeStore{listOut: []store.ConversationSummary{
		summaryFor("owner", "p2", "newest", now),
		summaryFor("owner", "p1", "older", now.Add(-time.Minute)),
	}}
	list := NewConversationList("owner", db, stream.NewHub())

	require.NoError(t, list.Activate(context.Background()))
	defer list.Deactivate()

	entries := list.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "p2", entries[0].PeerID)
	require.Equal(t, "p1", entries[1].PeerID)
	require.Equal(t, Subscribed, list.State())
	require.NoError(t, list.Err())
}

func TestConversationList_MergeNewAtHeadUpdateInPlace(t *testing.T) {
	hub := stream.NewHub()
	list := NewConversationList("owner", &fakeStore{}, hub)
	require.NoError(t, list.Activate(context.Background()))
	defer list.Deactivate()

	topic := stream.ConversationTopic("owner")
	now := time.Now().UTC()

	p1 := summaryFor("owner", "p1", "first", now)
	hub.Broadcast([]string{topic}, stream.Event{Kind: stream.Added, Summary: &p1})
	require.Eventually(t, func() bool { return len(list.Entries()) == 1 }, time.Second, 10*time.Millisecond)

	p2 := summaryFor("owner", "p2", "second", now.Add(time.Second))
	hub.Broadcast([]string{topic}, stream.Event{Kind: stream.Added, Summary: &p2})
	require.Eventually(t, func() bool { return len(list.Entries()) == 2 }, time.Second, 10*time.Millisecond)

	// Update to p1 replaces its entry but must NOT move it back to the head.
	p1b := summaryFor("owner", "p1", "updated", now.Add(2*time.Second))
	hub.Broadcast([]string{topic}, stream.Event{Kind: stream.Modified, Summary: &p1b})
	require.Eventually(t, func() bool {
		entries := list.Entries()
		return len(entries) == 2 && entries[1].Body == "updated"
	}, time.Second, 10*time.Millisecond)

	entries := list.Entries()
	require.Equal(t, "p2", entries[0].PeerID)
	require.Equal(t, "p1", entries[1].PeerID)
	require.NotEqual(t, "p1", entries[0].PeerID, "update must not reorder to head")
}

func TestConversationList_RemovedDropsEntry(t *testing.T) {
	hub := stream.NewHub()
	now := time.Now().UTC()
	db := &fakeStore{listOut: []store.ConversationSummary{
		summaryFor("owner", "p1", "hello", now),
	}}
	list := NewConversationList("owner", db, hub)
	require.NoError(t, list.Activate(context.Background()))
	defer list.Deactivate()

	gone := summaryFor("owner", "p1", "", now)
	hub.Broadcast([]string{stream.ConversationTopic("owner")}, stream.Event{Kind: stream.Removed, Summary: &gone})

	require.Eventually(t, func() bool { return len(list.Entries()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestConversationList_StoreFailureRecordedNotFatal(t *testing.T) {
	db := &fakeStore{listErr: errors.New("boom")}
	list := NewConversationList("owner", db, stream.NewHub())

	require.NoError(t, list.Activate(context.Background()))
	defer list.Deactivate()

	// The failure lands in the error field; the subscription stays up.
	require.Error(t, list.Err())
	require.Equal(t, Subscribed, list.State())
}

func TestConversationList_DeactivateDiscardsLateEvents(t *testing.T) {
	hub := stream.NewHub()
	list := NewConversationList("owner", &fakeStore{}, hub)
	require.NoError(t, list.Activate(context.Background()))
	list.Deactivate()
	require.Equal(t, Unsubscribed, list.State())

	late := summaryFor("owner", "p1", "late", time.Now())
	hub.Broadcast([]string{stream.ConversationTopic("owner")}, stream.Event{Kind: stream.Added, Summary: &late})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, list.Entries())
}

func TestConversationList_SnapshotsPublishLatest(t *testing.T) {
	hub := stream.NewHub()
	list := NewConversationList("owner", &fakeStore{}, hub)
	require.NoError(t, list.Activate(context.Background()))
	defer list.Deactivate()

	// Initial snapshot from activation.
	select {
	case snap := <-list.Snapshots():
		require.Empty(t, snap.Entries)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after activation")
	}

	p1 := summaryFor("owner", "p1", "hello", time.Now())
	hub.Broadcast([]string{stream.ConversationTopic("owner")}, stream.Event{Kind: stream.Added, Summary: &p1})

	select {
	case snap := <-list.Snapshots():
		require.Len(t, snap.Entries, 1)
		require.Equal(t, "p1", snap.Entries[0].PeerID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after merge")
	}
}

func TestConversationList_Reactivation(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeStore{listOut: []store.ConversationSummary{
		summaryFor("owner", "p1", "hello", now),
	}}
	list := NewConversationList("owner", db, stream.NewHub())

	require.NoError(t, list.Activate(context.Background()))
	require.ErrorIs(t, list.Activate(context.Background()), ErrAlreadyActive)
	list.Deactivate()

	// A closed view can be reopened; the list rebuilds from the store.
	require.NoError(t, list.Activate(context.Background()))
	defer list.Deactivate()
	require.Len(t, list.Entries(), 1)
}
