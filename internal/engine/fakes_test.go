package engine

import (
	"context"
	"sync"

	"github.io/infrasutra/chatsync/internal/store"
)

type copyCall struct {
	ownerID string
	peerID  string
	message store.Message
}

// fakeStore satisfies MessageStore and SummaryStore, recording calls and
// failing on demand.
type fakeStore struct {
	mu sync.Mutex

	copyCalls []copyCall
	copyErrs  []error

	replayOut []store.Message
	replayErr error

	upsertCalls []store.ConversationSummary
	upsertErrs  []error

	incrCalls [][2]string
	incrErr   error

	getOut store.ConversationSummary
	getErr error

	listOut []store.ConversationSummary
	listErr error
}

func errAt(errs []error, call int) error {
	if call < len(errs) {
		return errs[call]
	}
	return nil
}

func (f *fakeStore) InsertMessageCopy(_ context.Context, ownerID, peerID string, message store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.copyCalls)
	f.copyCalls = append(f.copyCalls, copyCall{ownerID: ownerID, peerID: peerID, message: message})
	return errAt(f.copyErrs, call)
}

func (f *fakeStore) ReplayMessages(_ context.Context, _, _ string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replayOut, f.replayErr
}

func (f *fakeStore) UpsertSummary(_ context.Context, summary store.ConversationSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.upsertCalls)
	f.upsertCalls = append(f.upsertCalls, summary)
	return errAt(f.upsertErrs, call)
}

func (f *fakeStore) IncrementUnread(_ context.Context, ownerID, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrCalls = append(f.incrCalls, [2]string{ownerID, peerID})
	return f.incrErr
}

func (f *fakeStore) GetSummary(_ context.Context, _, _ string) (store.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getOut, f.getErr
}

func (f *fakeStore) ListSummaries(_ context.Context, _ string) ([]store.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listOut, f.listErr
}

func (f *fakeStore) copies() []copyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]copyCall(nil), f.copyCalls...)
}

func (f *fakeStore) upserts() []store.ConversationSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ConversationSummary(nil), f.upsertCalls...)
}

func (f *fakeStore) increments() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.incrCalls...)
}
