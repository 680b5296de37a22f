package consent

import (
	"path/filepath"
	"testing"

	"github.com/user/wacopilot/internal/types"
)

func TestStore_ListEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "consent.json"))

	grants, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 0 {
		t.Errorf("expected empty list, got %d grants", len(grants))
	}
	if store.Allowed("wa:jid:5511@c.us") {
		t.Error("expected capture to be denied without consent")
	}
}

func TestStore_GrantAndAllowed(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "consent.json"))

	if err := store.Grant("wa:jid:5511*"); err != nil {
		t.Fatal(err)
	}
	if err := store.Grant("wa:jid:5511*"); err != nil {
		t.Fatalf("expected duplicate grant to be a no-op, got %v", err)
	}

	tests := []struct {
		id   types.ConversationID
		want bool
	}{
		{"wa:jid:5511987654321@c.us", true},
		{"wa:jid:5521987654321@c.us", false},
		{"wa:title:5511", false},
		{types.UnknownConversation, false},
	}
	for _, tt := range tests {
		if got := store.Allowed(tt.id); got != tt.want {
			t.Errorf("Allowed(%s) = %v, want %v", tt.id, got, tt.want)
		}
	}

	grants, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(grants))
	}
	if grants[0].GrantedAt.IsZero() {
		t.Error("expected granted_at to be set")
	}
}

func TestStore_SeparatorBoundaries(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "consent.json"))
	if err := store.Grant("wa:*"); err != nil {
		t.Fatal(err)
	}
	if store.Allowed("wa:jid:5511@c.us") {
		t.Error("expected single star not to cross ':'")
	}
	if err := store.Grant("wa:**"); err != nil {
		t.Fatal(err)
	}
	if !store.Allowed("wa:jid:5511@c.us") {
		t.Error("expected double star to match every conversation")
	}
}

func TestStore_RevokeAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consent.json")
	store := NewStore(path)

	if err := store.Grant("wa:title:familia"); err != nil {
		t.Fatal(err)
	}
	if err := store.Grant("wa:path:*"); err != nil {
		t.Fatal(err)
	}

	reopened := NewStore(path)
	if !reopened.Allowed("wa:title:familia") {
		t.Error("expected grant to persist")
	}

	if err := reopened.Revoke("wa:title:familia"); err != nil {
		t.Fatal(err)
	}
	if reopened.Allowed("wa:title:familia") {
		t.Error("expected revoke to take effect immediately")
	}
	if !reopened.Allowed("wa:path:room") {
		t.Error("expected other grants to survive revoke")
	}
	if err := reopened.Revoke("wa:title:familia"); err == nil {
		t.Error("expected error revoking a missing grant")
	}
}

func TestStore_InvalidPattern(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "consent.json"))
	if err := store.Grant("wa:[unclosed"); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
