package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/wacopilot/internal/types"
)

// ConversationStore is a JSON-file-backed conversation index stored in
// conversations/index.json. Pruning a conversation also drops its messages
// from the attached MessageStore.
type ConversationStore struct {
	root     string
	messages *MessageStore
	now      func() time.Time
	mu       sync.RWMutex
}

// NewConversationStore creates a new file-backed ConversationStore rooted at
// the given directory. messages may be nil.
func NewConversationStore(root string, messages *MessageStore) *ConversationStore {
	return &ConversationStore{root: root, messages: messages, now: time.Now}
}

func (s *ConversationStore) indexPath() string {
	return filepath.Join(s.root, "conversations", "index.json")
}

func (s *ConversationStore) loadIndex() (map[types.ConversationID]*types.ConversationRecord, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ConversationID]*types.ConversationRecord), nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}

	var records []*types.ConversationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}

	index := make(map[types.ConversationID]*types.ConversationRecord, len(records))
	for _, rec := range records {
		index[rec.ID] = rec
	}
	return index, nil
}

func (s *ConversationStore) saveIndex(index map[types.ConversationID]*types.ConversationRecord) error {
	records := sortedRecords(index)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data)
}

// sortedRecords orders by most recently updated first.
func sortedRecords(index map[types.ConversationID]*types.ConversationRecord) []*types.ConversationRecord {
	records := make([]*types.ConversationRecord, 0, len(index))
	for _, rec := range index {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records
}

// Upsert creates or refreshes a conversation. CreatedAt and LastSyncedAt of
// an existing record are preserved; an empty Title keeps the stored one.
func (s *ConversationStore) Upsert(_ context.Context, rec *types.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	now := s.now().UTC()
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	if existing, ok := index[rec.ID]; ok {
		if rec.Title != "" {
			existing.Title = rec.Title
		}
		existing.UpdatedAt = updated
		if rec.LastSyncedAt != nil {
			existing.LastSyncedAt = rec.LastSyncedAt
		}
	} else {
		created := rec.CreatedAt
		if created.IsZero() {
			created = now
		}
		index[rec.ID] = &types.ConversationRecord{
			ID:           rec.ID,
			Title:        rec.Title,
			CreatedAt:    created,
			UpdatedAt:    updated,
			LastSyncedAt: rec.LastSyncedAt,
		}
	}
	return s.saveIndex(index)
}

// Get returns the conversation with the given ID.
func (s *ConversationStore) Get(_ context.Context, id types.ConversationID) (*types.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	rec, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, types.ErrNotFound)
	}
	return rec, nil
}

// List returns all conversations, most recently updated first.
func (s *ConversationStore) List(_ context.Context) ([]*types.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedRecords(index), nil
}

// MarkSynced records the last successful remote sync time.
func (s *ConversationStore) MarkSynced(_ context.Context, id types.ConversationID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	rec, ok := index[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, types.ErrNotFound)
	}
	synced := at.UTC()
	rec.LastSyncedAt = &synced
	return s.saveIndex(index)
}

// PruneStale removes conversations not updated since olderThan, along with
// their messages. Returns the number of conversations removed.
func (s *ConversationStore) PruneStale(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}

	var stale []types.ConversationID
	for id, rec := range index {
		if rec.UpdatedAt.Before(olderThan) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	for _, id := range stale {
		if s.messages != nil {
			if err := s.messages.DeleteConversation(ctx, id); err != nil {
				return 0, err
			}
		}
		delete(index, id)
	}
	if err := s.saveIndex(index); err != nil {
		return 0, err
	}
	return len(stale), nil
}
