package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/wacopilot/internal/types"
)

// MessageStore is a JSONL-backed append-only message log.
// Messages are stored per conversation in conversations/<id>/messages.jsonl.
// A per-conversation dedupe index is loaded lazily from the file.
type MessageStore struct {
	root  string
	locks keyedLocks

	mu    sync.Mutex
	index map[types.ConversationID]map[string]struct{}
}

// NewMessageStore creates a new file-backed MessageStore rooted at the given directory.
func NewMessageStore(root string) *MessageStore {
	return &MessageStore{
		root:  root,
		index: make(map[types.ConversationID]map[string]struct{}),
	}
}

func (m *MessageStore) messagesPath(id types.ConversationID) string {
	return filepath.Join(m.root, "conversations", dirName(id), "messages.jsonl")
}

// read parses every message of a conversation. Caller must hold the conversation lock.
func (m *MessageStore) read(id types.ConversationID) ([]*types.MessageEvent, error) {
	f, err := os.Open(m.messagesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var events []*types.MessageEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event types.MessageEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}
	return events, nil
}

// keys returns the dedupe index for a conversation, loading it on first use.
// Caller must hold the conversation lock.
func (m *MessageStore) keys(id types.ConversationID) (map[string]struct{}, error) {
	m.mu.Lock()
	keys, ok := m.index[id]
	m.mu.Unlock()
	if ok {
		return keys, nil
	}

	events, err := m.read(id)
	if err != nil {
		return nil, err
	}
	keys = make(map[string]struct{}, len(events))
	for _, e := range events {
		keys[e.DedupeKey] = struct{}{}
	}

	m.mu.Lock()
	m.index[id] = keys
	m.mu.Unlock()
	return keys, nil
}

// Append adds a message unless its dedupe key is already stored for the conversation.
func (m *MessageStore) Append(_ context.Context, event *types.MessageEvent) (bool, error) {
	lock := m.locks.get(string(event.ConversationID))
	lock.Lock()
	defer lock.Unlock()

	keys, err := m.keys(event.ConversationID)
	if err != nil {
		return false, err
	}
	if _, dup := keys[event.DedupeKey]; dup {
		return false, nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("marshal message: %w", err)
	}

	path := m.messagesPath(event.ConversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create conversation dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("write message: %w", err)
	}

	keys[event.DedupeKey] = struct{}{}
	return true, nil
}

// ListByConversation returns the last limit messages in capture order.
// A non-positive limit returns everything.
func (m *MessageStore) ListByConversation(_ context.Context, id types.ConversationID, limit int) ([]*types.MessageEvent, error) {
	lock := m.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	events, err := m.read(id)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of stored messages for the conversation.
func (m *MessageStore) Count(_ context.Context, id types.ConversationID) (int64, error) {
	lock := m.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	keys, err := m.keys(id)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Delete removes one message by dedupe key, rewriting the conversation file.
func (m *MessageStore) Delete(_ context.Context, id types.ConversationID, dedupeKey string) error {
	lock := m.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	events, err := m.read(id)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	found := false
	for _, e := range events {
		if e.DedupeKey == dedupeKey {
			found = true
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if !found {
		return nil
	}
	if err := writeFileAtomic(m.messagesPath(id), buf.Bytes()); err != nil {
		return err
	}

	m.mu.Lock()
	if keys, ok := m.index[id]; ok {
		delete(keys, dedupeKey)
	}
	m.mu.Unlock()
	return nil
}

// DeleteConversation drops every message of the conversation.
func (m *MessageStore) DeleteConversation(_ context.Context, id types.ConversationID) error {
	lock := m.locks.get(string(id))
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(filepath.Dir(m.messagesPath(id))); err != nil {
		return fmt.Errorf("remove conversation dir: %w", err)
	}
	m.mu.Lock()
	delete(m.index, id)
	m.mu.Unlock()
	return nil
}
