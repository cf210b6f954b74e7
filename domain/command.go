package domain

import (
	"time"

	"github.com/bytedance/sonic"
)

const (
	// EntityTypeItem marks commands that target a portfolio item.
	EntityTypeItem = "portfolio-item"
	// CommandItemStateChanged moves an item to another state (column).
	CommandItemStateChanged = "item-state-changed"
)

// Command represents a write request for the board.
type Command struct {
	// ID carries the idempotency key when enqueued to the command queue.
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	EntityType     string                 `json:"entityType"`
	Type           string                 `json:"type"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// CommandEnvelope wraps a command with the workspace and user performing it.
type CommandEnvelope struct {
	WorkspaceID string  `json:"workspaceId"`
	UserID      string  `json:"userId"`
	Command     Command `json:"command"`
}

// StateChange is the payload of an item-state-changed command. An empty
// StateRef moves the item to the No Entry column.
type StateChange struct {
	ItemRef  string `json:"itemRef"`
	TypeRef  string `json:"typeRef"`
	StateRef string `json:"stateRef"`
	Rank     *int   `json:"rank,omitempty"`
}

// BoardUpdate is published after a command has been applied.
type BoardUpdate struct {
	WorkspaceID string `json:"workspaceId"`
	TypeRef     string `json:"typeRef"`
	ItemRef     string `json:"itemRef"`
	Timestamp   int64  `json:"timestamp"`
}

// NewStateChangeCommand builds an item-state-changed command for change.
func NewStateChangeCommand(idempotencyKey string, change StateChange) (Command, error) {
	data, err := sonic.Marshal(change)
	if err != nil {
		return Command{}, err
	}
	return Command{
		IdempotencyKey: idempotencyKey,
		EntityType:     EntityTypeItem,
		Type:           CommandItemStateChanged,
		Data:           data,
	}, nil
}

// DecodeStateChange extracts the state change payload from cmd.
func DecodeStateChange(cmd Command) (StateChange, error) {
	var change StateChange
	if err := sonic.Unmarshal(cmd.Data, &change); err != nil {
		return StateChange{}, err
	}
	return change, nil
}

// ApplyStateChange returns item moved according to change. The state changed
// date only moves when the item actually changes column.
func ApplyStateChange(item ItemRecord, change StateChange, at time.Time) ItemRecord {
	if item.StateRef != change.StateRef {
		item.StateRef = change.StateRef
		item.StateChangedAt = at
	}
	if change.Rank != nil {
		item.Rank = *change.Rank
	}
	return item
}
