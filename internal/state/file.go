package state

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/wacopilot/internal/types"
)

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// dirName maps a conversation id onto a single safe path element.
func dirName(id types.ConversationID) string {
	return url.QueryEscape(string(id))
}

// keyedLocks hands out one mutex per key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	if lock, ok := k.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	k.locks[key] = lock
	return lock
}
