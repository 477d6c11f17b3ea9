package convstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgehq/forge/internal/conversation"
)

// MemoryStore is an in-process Store implementation for tests, and for
// ephemeral sub-agent conversations discarded once the turn ends, where
// persistence across process restarts is not required. Workspace membership
// is implicit: any workspace id is accepted.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]conversation.Conversation
	events  map[string][]LifecycleEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]conversation.Conversation),
		events:  make(map[string][]LifecycleEvent),
	}
}

func (s *MemoryStore) Get(_ context.Context, convID string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[convID]
	if !ok {
		return conversation.Conversation{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, conv conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv.UpdatedAt = time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}
	s.records[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, workspaceID string, limit int, cursor string) ([]conversation.Conversation, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []conversation.Conversation
	for _, rec := range s.records {
		if workspaceID != "" && rec.WorkspaceID != workspaceID {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	start := 0
	if cursor != "" {
		for i, rec := range matched {
			if rec.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := matched[start:end]

	next := ""
	if end < len(matched) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, convID string, event LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ConvID = convID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.events[convID] = append(s.events[convID], event)
	return nil
}

// Events returns the lifecycle events recorded for a conversation, in
// append order. Test helper, not part of the Store interface.
func (s *MemoryStore) Events(convID string) []LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LifecycleEvent(nil), s.events[convID]...)
}

func (s *MemoryStore) Close() error { return nil }
