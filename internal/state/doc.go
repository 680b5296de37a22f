// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/wacopilot/internal/types"

// Compile-time interface compliance checks.
var _ types.MessageLog = (*MessageStore)(nil)
var _ types.ConversationStore = (*ConversationStore)(nil)
var _ types.OutboxStore = (*OutboxStore)(nil)
