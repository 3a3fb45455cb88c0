package conversation

import (
	"context"
	"sync"

	"github.com/f1nniboy/bing-bot/internal/bot/chat"
)

// fakeClient is a scripted chat.Client. completeFn receives the credential
// and the 1-based call number so tests can fail the first n calls, fail
// one credential only, and so on.
type fakeClient struct {
	mu         sync.Mutex
	calls      int
	prompts    []string
	completeFn func(credential string, call int, req chat.Request) (*chat.Completion, error)
	verifyFn   func(credential string) error
}

func (f *fakeClient) Complete(ctx context.Context, credential string, req chat.Request, onProgress chat.ProgressFunc) (*chat.Completion, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.prompts = append(f.prompts, req.Prompt)
	fn := f.completeFn
	f.mu.Unlock()

	if fn == nil {
		return &chat.Completion{Text: "ok"}, nil
	}
	return fn(credential, call, req)
}

func (f *fakeClient) Verify(ctx context.Context, credential string) error {
	if f.verifyFn == nil {
		return nil
	}
	return f.verifyFn(credential)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu            sync.Mutex
	sessions      map[string]bool
	conversations map[string]*Record
	datasets      []*DatasetRecord
	checkErr      error // returned by SessionActive when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:      make(map[string]bool),
		conversations: make(map[string]*Record),
	}
}

func (s *fakeStore) UpsertSession(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = active
	return nil
}

func (s *fakeStore) SessionActive(ctx context.Context, id string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return false, false, s.checkErr
	}
	active, found := s.sessions[id]
	return active, found, nil
}

func (s *fakeStore) UpsertConversation(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.conversations[rec.User] = &cp
	return nil
}

func (s *fakeStore) DeleteConversation(ctx context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, user)
	return nil
}

func (s *fakeStore) InsertDataset(ctx context.Context, rec *DatasetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.datasets = append(s.datasets, &cp)
	return nil
}

func (s *fakeStore) conversation(user string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[user]
}

func (s *fakeStore) sessionActive(id string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, found := s.sessions[id]
	return active, found
}
