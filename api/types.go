package api

import (
	"context"

	"portfolio-kanban/board"
	"portfolio-kanban/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTypes(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error)
	FetchStates(ctx context.Context, workspaceID, typeRef string) ([]domain.StateRecord, error)
	FetchItems(ctx context.Context, workspaceID, typeRef string, fields []string) ([]domain.ItemRecord, error)
	FetchItem(ctx context.Context, workspaceID, itemRef string) (domain.ItemRecord, error)
	FetchSettings(ctx context.Context, userID string) (domain.Settings, error)
	SaveSettings(ctx context.Context, userID string, settings domain.Settings) error
	CommandQueue
}

// CommandQueue accepts commands for asynchronous processing.
type CommandQueue interface {
	EnqueueCommands(ctx context.Context, workspaceID, userID string, cmds []domain.Command) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, scope, key string) error
}

// Boards loads assembled boards.
type Boards interface {
	Types(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error)
	Load(ctx context.Context, req board.Request) (domain.Board, error)
}
