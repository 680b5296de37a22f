// Package consent records which conversations the user has agreed to
// capture. Grants are glob patterns over conversation ids.
package consent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/user/wacopilot/internal/types"
)

// Grant allows capture for every conversation id matching Pattern.
// A single "*" stops at ':' boundaries; "**" crosses them.
type Grant struct {
	Pattern   string    `json:"pattern"`
	GrantedAt time.Time `json:"granted_at"`
}

// Store is a JSON-file-backed set of grants.
type Store struct {
	path string
	now  func() time.Time

	mu       sync.RWMutex
	loaded   bool
	grants   []*Grant
	matchers []glob.Glob
}

// NewStore creates a new file-backed Store at the given file path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the file path used by this store.
func (s *Store) Path() string {
	return s.path
}

func compile(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern, ':')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return g, nil
}

// List returns all grants. Returns an empty slice if the file doesn't exist.
func (s *Store) List() ([]*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]*Grant, len(s.grants))
	for i, g := range s.grants {
		c := *g
		out[i] = &c
	}
	return out, nil
}

// Grant adds a pattern. Granting an existing pattern is a no-op.
func (s *Store) Grant(pattern string) error {
	g, err := compile(pattern)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	for _, existing := range s.grants {
		if existing.Pattern == pattern {
			return nil
		}
	}

	grants := append(s.grants, &Grant{Pattern: pattern, GrantedAt: s.now().UTC()})
	if err := s.save(grants); err != nil {
		return err
	}
	s.grants = grants
	s.matchers = append(s.matchers, g)
	return nil
}

// Revoke removes a pattern. Returns an error if it was never granted.
func (s *Store) Revoke(pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	for i, g := range s.grants {
		if g.Pattern != pattern {
			continue
		}
		grants := make([]*Grant, 0, len(s.grants)-1)
		grants = append(grants, s.grants[:i]...)
		grants = append(grants, s.grants[i+1:]...)
		if err := s.save(grants); err != nil {
			return err
		}
		s.grants = grants
		s.matchers = append(append([]glob.Glob{}, s.matchers[:i]...), s.matchers[i+1:]...)
		return nil
	}
	return fmt.Errorf("consent not found: %s", pattern)
}

// Allowed reports whether capture is permitted for the conversation. The
// unknown sentinel is never allowed. Load errors deny.
func (s *Store) Allowed(id types.ConversationID) bool {
	if id == "" || id == types.UnknownConversation {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return false
	}
	for _, m := range s.matchers {
		if m.Match(string(id)) {
			return true
		}
	}
	return false
}

// Reload drops the cached grants so the next call re-reads the file.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
}

// ensureLoaded must be called with s.mu held.
func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	grants, err := s.load()
	if err != nil {
		return err
	}
	matchers := make([]glob.Glob, 0, len(grants))
	for _, g := range grants {
		m, err := compile(g.Pattern)
		if err != nil {
			return err
		}
		matchers = append(matchers, m)
	}
	s.grants = grants
	s.matchers = matchers
	s.loaded = true
	return nil
}

// load reads the JSON file and returns the grant list. Returns nil if the file doesn't exist.
func (s *Store) load() ([]*Grant, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read consent file: %w", err)
	}

	var grants []*Grant
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("unmarshal consent: %w", err)
	}
	sort.SliceStable(grants, func(i, j int) bool {
		return grants[i].GrantedAt.Before(grants[j].GrantedAt)
	})
	return grants, nil
}

// save writes the grant list to disk using atomic write (temp file + rename).
func (s *Store) save(grants []*Grant) error {
	if grants == nil {
		grants = []*Grant{}
	}
	data, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create consent dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp consent file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp consent file: %w", err)
	}
	return nil
}
