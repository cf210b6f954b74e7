package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"portfolio-kanban/board"
	"portfolio-kanban/domain"
	"portfolio-kanban/processor"
	"portfolio-kanban/storage"
)

const seedYAML = `
workspace: ws
types:
  - ref: feature
    name: Feature
    ordinal: 0
    states:
      - ref: backlog
        name: Backlog
      - ref: doing
        name: Doing
        wipLimit: 2
        description: Pair on everything
      - ref: done
        name: Done
    items:
      - ref: pi-1
        formattedId: F1
        name: Login
        state: backlog
        stateChanged: "2024-04-01T00:00:00Z"
        rank: 2
        fields:
          Release: R1
      - ref: pi-2
        formattedId: F2
        name: Search
        rank: 1
  - ref: initiative
    name: Initiative
    ordinal: 1
`

func openSeeded(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "kanban.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	seed, err := storage.ParseSeed([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	if err := storage.ApplySeed(context.Background(), store, seed, time.Now()); err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	return store
}

func TestFetchTypesAndStates(t *testing.T) {
	store := openSeeded(t)
	ctx := context.Background()

	types, err := store.FetchTypes(ctx, "ws")
	if err != nil {
		t.Fatalf("fetch types: %v", err)
	}
	if len(types) != 2 || types[0].Ref != "initiative" {
		t.Fatalf("expected initiative first, got %#v", types)
	}

	states, err := store.FetchStates(ctx, "ws", "feature")
	if err != nil {
		t.Fatalf("fetch states: %v", err)
	}
	if len(states) != 3 || states[0].Ref != "backlog" || states[2].Ref != "done" {
		t.Fatalf("unexpected states: %#v", states)
	}
	if states[1].WIPLimit == nil || *states[1].WIPLimit != 2 || states[0].WIPLimit != nil {
		t.Fatalf("unexpected wip limits: %#v", states)
	}

	disabled := states[1]
	disabled.Enabled = false
	if err := store.UpsertState(ctx, "ws", disabled); err != nil {
		t.Fatalf("disable state: %v", err)
	}
	states, err = store.FetchStates(ctx, "ws", "feature")
	if err != nil {
		t.Fatalf("fetch states: %v", err)
	}
	if len(states) != 2 || states[1].Ref != "done" {
		t.Fatalf("expected disabled state to be filtered, got %#v", states)
	}
}

func TestFetchItemsWithFields(t *testing.T) {
	store := openSeeded(t)
	items, err := store.FetchItems(context.Background(), "ws", "feature", []string{"Release"})
	if err != nil {
		t.Fatalf("fetch items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	var login domain.ItemRecord
	for _, it := range items {
		if it.Ref == "pi-1" {
			login = it
		}
	}
	if login.Fields["Release"] != "R1" {
		t.Fatalf("expected release field, got %#v", login.Fields)
	}
	if !login.StateChangedAt.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected state changed date: %v", login.StateChangedAt)
	}
}

func TestEnqueueCommandsMovesItem(t *testing.T) {
	store := openSeeded(t)
	ctx := context.Background()
	moveAt := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	cmd, err := domain.NewStateChangeCommand("k1", domain.StateChange{ItemRef: "pi-2", TypeRef: "feature", StateRef: "doing"})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	cmd.Timestamp = moveAt.UnixMilli()
	if err := store.EnqueueCommands(ctx, "ws", "user", []domain.Command{cmd}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	item, err := store.FetchItem(ctx, "ws", "pi-2")
	if err != nil {
		t.Fatalf("fetch item: %v", err)
	}
	if item.StateRef != "doing" || !item.StateChangedAt.Equal(moveAt) {
		t.Fatalf("unexpected moved item: %#v", item)
	}

	missing, _ := domain.NewStateChangeCommand("k2", domain.StateChange{ItemRef: "nope"})
	if err := store.EnqueueCommands(ctx, "ws", "user", []domain.Command{missing}); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestEnqueueCommandsRejectsForeignType(t *testing.T) {
	store := openSeeded(t)
	ctx := context.Background()

	cmd, err := domain.NewStateChangeCommand("k1", domain.StateChange{ItemRef: "pi-2", TypeRef: "initiative", StateRef: "doing"})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if err := store.EnqueueCommands(ctx, "ws", "user", []domain.Command{cmd}); !errors.Is(err, processor.ErrMalformedCommand) {
		t.Fatalf("expected ErrMalformedCommand, got %v", err)
	}

	item, err := store.FetchItem(ctx, "ws", "pi-2")
	if err != nil {
		t.Fatalf("fetch item: %v", err)
	}
	if item.StateRef != "" {
		t.Fatalf("item of another type was moved to %q", item.StateRef)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store := openSeeded(t)
	ctx := context.Background()

	settings, err := store.FetchSettings(ctx, "user")
	if err != nil {
		t.Fatalf("fetch default settings: %v", err)
	}
	if settings != (domain.Settings{}) {
		t.Fatalf("expected zero settings, got %#v", settings)
	}

	want := domain.Settings{ShowPolicies: true, Fields: "Release"}
	if err := store.SaveSettings(ctx, "user", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.FetchSettings(ctx, "user")
	if err != nil {
		t.Fatalf("fetch settings: %v", err)
	}
	if got != want {
		t.Fatalf("settings = %#v, want %#v", got, want)
	}
}

func TestBoardFromSQLite(t *testing.T) {
	store := openSeeded(t)
	now := func() time.Time { return time.Date(2024, 4, 23, 0, 0, 0, 0, time.UTC) }
	svc := board.NewService(store, now)

	b, err := svc.Load(context.Background(), board.Request{
		Workspace: domain.Workspace{ID: "ws", DragDropRankingEnabled: true, PoliciesEnabled: true},
		TypeRef:   "feature",
		Settings:  domain.Settings{ShowPolicies: true, Fields: "Release"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.Columns) != 4 {
		t.Fatalf("expected 4 columns, got %d", len(b.Columns))
	}
	if len(b.Columns[0].Cards) != 1 || b.Columns[0].Cards[0].Ref != "pi-2" {
		t.Fatalf("expected pi-2 in No Entry, got %#v", b.Columns[0].Cards)
	}
	backlog := b.Columns[1]
	if len(backlog.Cards) != 1 || backlog.Cards[0].TimeInState != "3 weeks" || backlog.Cards[0].Fields["Release"] != "R1" {
		t.Fatalf("unexpected backlog cards: %#v", backlog.Cards)
	}

	empty, err := svc.Load(context.Background(), board.Request{Workspace: domain.Workspace{ID: "ws"}, TypeRef: "initiative"})
	if err != nil {
		t.Fatalf("load initiative: %v", err)
	}
	if empty.HasColumns() || empty.Notice != domain.NoStatesNotice {
		t.Fatalf("expected no-states notice, got %#v", empty)
	}
}
