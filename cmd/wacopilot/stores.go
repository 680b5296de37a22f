package main

import (
	"fmt"
	"path/filepath"

	"github.com/user/wacopilot/internal/config"
	"github.com/user/wacopilot/internal/consent"
	"github.com/user/wacopilot/internal/state"
	"github.com/user/wacopilot/internal/storage"
	"github.com/user/wacopilot/internal/types"
)

// stores bundles the persistence backends selected by storage.backend.
type stores struct {
	messages      types.MessageLog
	conversations types.ConversationStore
	outbox        types.OutboxStore
	close         func() error
}

func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		path := cfg.Storage.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "wacopilot.db")
		}
		db, err := storage.Open(cfg.Storage.Driver, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &stores{
			messages:      db.Messages(),
			conversations: db.Conversations(),
			outbox:        db.Outbox(),
			close:         db.Close,
		}, nil

	default:
		messages := state.NewMessageStore(cfg.DataDir)
		return &stores{
			messages:      messages,
			conversations: state.NewConversationStore(cfg.DataDir, messages),
			outbox:        state.NewOutboxStore(cfg.DataDir),
			close:         func() error { return nil },
		}, nil
	}
}

func (s *stores) Close() error {
	return s.close()
}

func consentStore(cfg *config.Config) *consent.Store {
	return consent.NewStore(filepath.Join(cfg.DataDir, "consent.json"))
}
